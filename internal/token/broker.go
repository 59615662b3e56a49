// Package token implements the Token Broker: exchanging a Google OAuth
// refresh token for a short-lived access token, cached with a TTL safety
// margin and collapsed under concurrent load via a single-flight gate.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/clock"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/poolerrors"
)

// Exchanger performs the actual network call to trade a refresh token for
// an access token. Production code implements this against Google's OAuth
// endpoint; tests supply a fake.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (domain.AccessToken, error)
}

// jitterTTLPercent bounds the +/- spread applied to cache TTLs so many
// accounts cached at once don't all expire in the same instant.
const jitterTTLPercent = 10

// Broker is the Token Broker: tokenFor(refreshToken) -> (accessToken, expiresAt).
type Broker struct {
	clock        clock.Clock
	exchanger    Exchanger
	safetyMargin time.Duration

	l1    *ristretto.Cache
	l2    redis.UniversalClient
	l2TTL time.Duration

	group singleflight.Group

	jitterMu   sync.Mutex
	jitterRand *rand.Rand
}

// Option configures optional Broker behavior (L2 cache).
type Option func(*Broker)

// WithL2 attaches a Redis-backed L2 cache, consulted on an L1 miss before a
// fresh exchange is performed.
func WithL2(client redis.UniversalClient, ttl time.Duration) Option {
	return func(b *Broker) {
		b.l2 = client
		b.l2TTL = ttl
	}
}

// New builds a Broker. safetyMargin is subtracted from the upstream's
// expires_in so a cached token is never handed out right before it expires.
func New(c clock.Clock, exchanger Exchanger, safetyMargin time.Duration, opts ...Option) (*Broker, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("token broker: build L1 cache: %w", err)
	}
	b := &Broker{
		clock:        c,
		exchanger:    exchanger,
		safetyMargin: safetyMargin,
		l1:           cache,
		jitterRand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func cacheKey(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}

// TokenFor exchanges (or returns a cached) access token for refreshToken.
// Concurrent calls for the same refresh token collapse into one exchange.
func (b *Broker) TokenFor(ctx context.Context, refreshToken string) (domain.AccessToken, error) {
	key := cacheKey(refreshToken)
	now := b.clock.Now()

	if tok, ok := b.getL1(key); ok && tok.Valid(now) {
		return tok, nil
	}
	if tok, ok := b.getL2(ctx, key); ok && tok.Valid(now) {
		b.setL1(key, tok)
		return tok, nil
	}

	result, err, _ := b.group.Do(key, func() (any, error) {
		tok, err := b.exchanger.Exchange(ctx, refreshToken)
		if err != nil {
			return domain.AccessToken{}, b.classifyExchangeErr(err)
		}
		tok.ExpiresAt = tok.ExpiresAt.Add(-b.safetyMargin)
		b.setL1(key, tok)
		b.setL2(ctx, key, tok)
		return tok, nil
	})
	if err != nil {
		if _, ok := poolerrors.As(err); ok {
			b.Invalidate(ctx, refreshToken)
		}
		return domain.AccessToken{}, err
	}
	return result.(domain.AccessToken), nil
}

// Invalidate drops any cached token for refreshToken, used after an
// invalid_grant response so the Pool's next attempt always re-exchanges.
func (b *Broker) Invalidate(ctx context.Context, refreshToken string) {
	key := cacheKey(refreshToken)
	b.l1.Del(key)
	if b.l2 != nil {
		_ = b.l2.Del(ctx, l2Key(key)).Err()
	}
}

func (b *Broker) classifyExchangeErr(err error) error {
	if pe, ok := poolerrors.As(err); ok {
		return pe
	}
	return poolerrors.Wrap(poolerrors.AuthTransient, true, err)
}

func (b *Broker) getL1(key string) (domain.AccessToken, bool) {
	v, ok := b.l1.Get(key)
	if !ok {
		return domain.AccessToken{}, false
	}
	tok, ok := v.(domain.AccessToken)
	return tok, ok
}

func (b *Broker) setL1(key string, tok domain.AccessToken) {
	ttl := b.jitter(time.Until(tok.ExpiresAt))
	if ttl <= 0 {
		return
	}
	b.l1.SetWithTTL(key, tok, 1, ttl)
}

func l2Key(key string) string { return "ccpoold:token:" + key }

const l2FieldSep = "|"

func (b *Broker) getL2(ctx context.Context, key string) (domain.AccessToken, bool) {
	if b.l2 == nil {
		return domain.AccessToken{}, false
	}
	raw, err := b.l2.Get(ctx, l2Key(key)).Result()
	if err != nil {
		return domain.AccessToken{}, false
	}
	idx := strings.LastIndex(raw, l2FieldSep)
	if idx < 0 {
		return domain.AccessToken{}, false
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, raw[idx+1:])
	if err != nil {
		return domain.AccessToken{}, false
	}
	return domain.AccessToken{Value: raw[:idx], ExpiresAt: expiresAt}, true
}

func (b *Broker) setL2(ctx context.Context, key string, tok domain.AccessToken) {
	if b.l2 == nil || b.l2TTL <= 0 {
		return
	}
	ttl := b.jitter(b.l2TTL)
	raw := tok.Value + l2FieldSep + tok.ExpiresAt.Format(time.RFC3339Nano)
	if err := b.l2.Set(ctx, l2Key(key), raw, ttl).Err(); err != nil {
		logging.Named("token-broker").Warn("L2 cache write failed",
			zap.String("cache_key", key), zap.Error(err))
	}
}

func (b *Broker) jitter(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	delta := float64(jitterTTLPercent) / 100
	b.jitterMu.Lock()
	r := b.jitterRand.Float64()
	b.jitterMu.Unlock()
	factor := 1 - delta + r*(2*delta)
	if factor <= 0 {
		return ttl
	}
	return time.Duration(float64(ttl) * factor)
}
