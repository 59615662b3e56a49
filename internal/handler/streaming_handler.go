package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/NikkeTryHard/ag-cl-sub001/internal/accountpool"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/anthropic"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/domain"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/logging"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/poolerrors"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/sse"
	"github.com/NikkeTryHard/ag-cl-sub001/internal/translator"
)

// StreamCaller is the subset of quotaclient.Client the streaming handler
// depends on.
type StreamCaller interface {
	StreamGenerateContent(ctx context.Context, accessToken string, body []byte) (*http.Response, error)
}

// StreamingHandler runs the same plan iteration as the Message Handler, but
// a failure after any byte has reached the downstream client can no longer
// retry or fall back — it closes with a synthetic terminal event sequence
// instead.
type StreamingHandler struct {
	pool   Pool
	client StreamCaller
	cfg    domain.Config
	log    *zap.Logger
}

func NewStreamingHandler(pool Pool, client StreamCaller, cfg domain.Config) *StreamingHandler {
	return &StreamingHandler{pool: pool, client: client, cfg: cfg, log: logging.Named("streaming-handler")}
}

// Handle drives one downstream SSE response to completion. It always
// produces a well-formed Anthropic event envelope: on pre-first-byte
// failure it retries/falls back silently; once any event has been flushed,
// failures end the stream with a synthetic error terminus.
func (h *StreamingHandler) Handle(ctx context.Context, req *anthropic.MessagesRequest, requestID string, w http.ResponseWriter) error {
	writer, err := sse.NewWriter(w)
	if err != nil {
		return err
	}

	ok, allWere5xx := h.attemptModel(ctx, req, req.Model, requestID, writer)
	if ok {
		return nil
	}
	if writer.EventsSent() > 0 {
		// Bytes already reached the client; cannot rewind to retry or fall back.
		return nil
	}

	if h.cfg.FallbackEnabled && allWere5xx && h.cfg.FallbackModel != "" && h.cfg.FallbackModel != req.Model {
		h.log.Info("falling back to configured fallback model after all-5xx exhaustion",
			zap.String("original_model", req.Model), zap.String("fallback_model", h.cfg.FallbackModel))
		ok, _ = h.attemptModel(ctx, req, h.cfg.FallbackModel, requestID, writer)
		if ok {
			return nil
		}
	}

	// Every plan failed before any byte was sent: still must leave the
	// client with a well-formed envelope.
	_ = writer.MessageStart(anthropic.MessagesResponse{ID: requestID, Type: "message", Role: "assistant", Model: req.Model})
	writer.Abort(anthropic.Usage{})
	return nil
}

// attemptModel returns ok=true if a complete, successful stream was
// emitted for modelID. allWere5xx mirrors the Message Handler's contract.
func (h *StreamingHandler) attemptModel(ctx context.Context, req *anthropic.MessagesRequest, modelID, requestID string, writer *sse.Writer) (ok bool, allWere5xx bool) {
	plans, err := h.pool.NextPlan(ctx, modelID)
	if err != nil {
		return false, false
	}

	allWere5xx = true
planLoop:
	for _, plan := range plans {
		body, err := translator.ToCloudCode(req, plan.ProjectID, requestID)
		if err != nil {
			return false, false
		}

		serverErrorRetries := 0
		authRetried := false
		for {
			resp, callErr := h.client.StreamGenerateContent(ctx, plan.Token, body)
			if callErr != nil {
				pe, isPE := poolerrors.As(callErr)
				if !isPE {
					allWere5xx = false
					continue planLoop
				}
				switch pe.Kind {
				case poolerrors.QuotaExhausted:
					allWere5xx = false
					h.pool.RecordOutcome(plan, accountpool.OutcomeRateLimited, nil)
					continue planLoop
				case poolerrors.AuthInvalidGrant, poolerrors.Forbidden, poolerrors.AuthTransient:
					allWere5xx = false
					if !authRetried {
						authRetried = true
						if refreshed, refreshErr := h.pool.RefreshToken(ctx, plan); refreshErr == nil {
							plan = refreshed
							continue
						}
					}
					h.pool.RecordOutcome(plan, accountpool.OutcomeForbidden, nil)
					continue planLoop
				case poolerrors.Upstream5xx:
					serverErrorRetries++
					if serverErrorRetries <= defaultMaxServerErrorRetries {
						continue
					}
					continue planLoop
				default:
					allWere5xx = false
					continue planLoop
				}
			}

			if h.streamBody(resp.Body, modelID, requestID, writer) {
				h.pool.RecordOutcome(plan, accountpool.OutcomeSuccess, nil)
				return true, false
			}
			// A mid-stream failure after bytes were sent is terminal for
			// this request; the caller checks writer.EventsSent() to
			// detect it.
			return false, false
		}
	}
	return false, allWere5xx
}

// streamBody reads sequential JSON chunks off the upstream response body
// (Cloud Code does not frame its stream as SSE itself; each decoded value is
// one incremental chunk) and re-emits them as Anthropic SSE events. A
// content block stays open across chunks that continue it — a new
// content_block_start is only emitted when the part kind (or, for tool
// calls, the tool-call ID) changes — so a dropped connection mid-block
// leaves the block genuinely open for Abort to close. Returns true on a
// clean finish.
func (h *StreamingHandler) streamBody(body io.ReadCloser, modelID, requestID string, writer *sse.Writer) bool {
	defer body.Close()

	dec := newChunkScanner(body)
	started := false
	usage := anthropic.Usage{}
	tracker := newBlockTracker()

	for dec.Scan() {
		line := dec.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := translator.FromCloudCode(line, modelID, requestID)
		usage = resp.Usage

		if !started {
			started = true
			if err := writer.MessageStart(resp); err != nil {
				return false
			}
		}
		for _, block := range resp.Content {
			if err := tracker.emit(writer, block); err != nil {
				return false
			}
		}
	}
	if err := dec.Err(); err != nil {
		if started {
			writer.Abort(usage)
		}
		return false
	}

	if !started {
		_ = writer.MessageStart(anthropic.MessagesResponse{ID: requestID, Type: "message", Role: "assistant", Model: modelID})
	}
	_ = tracker.close(writer)
	_ = writer.MessageDelta("end_turn", usage)
	_ = writer.MessageStop()
	return true
}

// blockTracker keeps the currently open content block across upstream
// chunks. A new block is opened only when the part kind changes (or, for
// tool_use, when the tool-call ID changes); consecutive chunks of the same
// kind emit deltas onto the already-open block.
type blockTracker struct {
	open   bool
	index  int
	kind   string
	toolID string
}

func newBlockTracker() *blockTracker {
	return &blockTracker{index: -1}
}

func (t *blockTracker) emit(writer *sse.Writer, block anthropic.ContentBlock) error {
	if t.open && t.continues(block) {
		return writer.ContentBlockDelta(t.index, deltaFor(block))
	}
	if t.open {
		if err := writer.ContentBlockStop(t.index); err != nil {
			return err
		}
	}

	t.index++
	t.kind = block.Type
	t.toolID = block.ID
	t.open = true

	shell := block
	shell.Text = ""
	shell.Thinking = ""
	if block.Type == "tool_use" {
		shell.Input = json.RawMessage("{}")
	}
	if err := writer.ContentBlockStart(t.index, shell); err != nil {
		return err
	}
	return writer.ContentBlockDelta(t.index, deltaFor(block))
}

func (t *blockTracker) continues(block anthropic.ContentBlock) bool {
	if block.Type != t.kind {
		return false
	}
	if block.Type == "tool_use" {
		return block.ID == t.toolID
	}
	return true
}

func (t *blockTracker) close(writer *sse.Writer) error {
	if !t.open {
		return nil
	}
	t.open = false
	return writer.ContentBlockStop(t.index)
}

func deltaFor(block anthropic.ContentBlock) anthropic.Delta {
	switch block.Type {
	case "thinking":
		return anthropic.Delta{Type: "thinking_delta", Thinking: block.Thinking}
	case "tool_use":
		return anthropic.Delta{Type: "input_json_delta", PartialJSON: string(block.Input)}
	default:
		return anthropic.Delta{Type: "text_delta", Text: block.Text}
	}
}

// chunkScanner wraps a bufio-free line scanner so this file has no direct
// bufio dependency beyond what's needed for SSE "data:" line framing.
type chunkScanner struct {
	dec *json.Decoder
	cur []byte
	err error
}

func newChunkScanner(r io.Reader) *chunkScanner {
	return &chunkScanner{dec: json.NewDecoder(r)}
}

func (c *chunkScanner) Scan() bool {
	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		if err != io.EOF {
			c.err = err
		}
		return false
	}
	c.cur = raw
	return true
}

func (c *chunkScanner) Bytes() []byte { return c.cur }
func (c *chunkScanner) Err() error    { return c.err }
