// Package logging is the runtime's structured logger: a zap core with
// optional file rotation, a pluggable Sink for components that want
// structured events without importing zap, and a log/slog bridge so
// stdlib-shaped code logs through the same core.
package logging

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level = zapcore.Level

const (
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
)

// Sink receives a copy of every log event written through the core. The
// Quota Snapshot Store, Token Broker, and Handlers can depend on Sink
// without importing zap directly.
type Sink interface {
	WriteLogEvent(event *LogEvent)
}

type LogEvent struct {
	Time      time.Time
	Level     string
	Component string
	Message   string
	Fields    map[string]any
}

var (
	mu            sync.RWMutex
	global        *zap.Logger
	atomicLevel   zap.AtomicLevel
	currentSink   Sink
	stdLogUndo    func()
	bootstrapOnce sync.Once
)

// InitBootstrap wires a console-only logger so early startup logs (before
// Config is loaded) have somewhere to go. Safe to call more than once.
func InitBootstrap() {
	bootstrapOnce.Do(func() {
		if err := Init(bootstrapOptions()); err != nil {
			fmt.Fprintf(os.Stderr, "logger bootstrap init failed: %v\n", err)
		}
	})
}

// Init (re)configures the global logger. Safe to call again to reconfigure
// after Config is available.
func Init(options InitOptions) error {
	mu.Lock()
	defer mu.Unlock()
	return initLocked(options)
}

func initLocked(options InitOptions) error {
	normalized := options.normalized()
	zl, al, err := buildLogger(normalized)
	if err != nil {
		return err
	}

	prev := global
	global = zl
	atomicLevel = al

	bridgeStdLogLocked()
	bridgeSlogLocked()

	if prev != nil {
		_ = prev.Sync()
	}
	return nil
}

// SetSink installs the Sink that receives a copy of every subsequent log
// event. Pass nil to detach.
func SetSink(sink Sink) {
	mu.Lock()
	defer mu.Unlock()
	currentSink = sink
}

// L returns the global logger, or a no-op logger before Init/InitBootstrap
// has run.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global != nil {
		return global
	}
	return zap.NewNop()
}

// Named returns a child logger tagged with the component name — every
// component (token broker, ledger, scheduler, handlers) should log through
// one of these rather than the bare global logger.
func Named(component string) *zap.Logger {
	return L().Named(component).With(zap.String("component", component))
}

func Sync() {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

func bridgeStdLogLocked() {
	if stdLogUndo != nil {
		stdLogUndo()
		stdLogUndo = nil
	}
	log.SetFlags(0)
	log.SetPrefix("")
	undo, err := zap.RedirectStdLogAt(global.Named("stdlog"), zap.InfoLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger redirect stdlog failed: %v\n", err)
		return
	}
	stdLogUndo = undo
}

func bridgeSlogLocked() {
	slog.SetDefault(slog.New(newSlogZapHandler(global.Named("slog"))))
}

func buildLogger(options InitOptions) (*zap.Logger, zap.AtomicLevel, error) {
	level, _ := parseLevel(options.Level)
	atomic := zap.NewAtomicLevelAt(level)

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if options.Format == "console" {
		enc = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encoderCfg)
	}

	sc := &sinkCore{}
	cores := make([]zapcore.Core, 0, 2)

	if options.Output.ToStdout {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atomic))
	}
	if options.Output.ToFile {
		fileCore, filePath, err := buildFileCore(enc, atomic, options)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file init failed, falling back to stdout only: path=%s err=%v\n", filePath, err)
		} else {
			cores = append(cores, fileCore)
		}
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atomic))
	}

	core := sc.Wrap(zapcore.NewTee(cores...))

	zapOpts := []zap.Option{zap.AddCallerSkip(1)}
	if options.Caller {
		zapOpts = append(zapOpts, zap.AddCaller())
	}

	logger := zap.New(core, zapOpts...).With(
		zap.String("service", options.ServiceName),
		zap.String("env", options.Environment),
	)
	return logger, atomic, nil
}

func buildFileCore(enc zapcore.Encoder, atomic zap.AtomicLevel, options InitOptions) (zapcore.Core, string, error) {
	filePath := options.Output.FilePath
	if strings.TrimSpace(filePath) == "" {
		filePath = resolveLogFilePath("")
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, filePath, err
	}
	lj := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    options.Rotation.MaxSizeMB,
		MaxBackups: options.Rotation.MaxBackups,
		MaxAge:     options.Rotation.MaxAgeDays,
		Compress:   options.Rotation.Compress,
		LocalTime:  options.Rotation.LocalTime,
	}
	return zapcore.NewCore(enc, zapcore.AddSync(lj), atomic), filePath, nil
}

// sinkCore tees every write to the configured Sink, if any, in addition to
// the normal zap cores.
type sinkCore struct {
	core   zapcore.Core
	fields []zapcore.Field
}

func (s *sinkCore) Wrap(core zapcore.Core) zapcore.Core {
	cp := *s
	cp.core = core
	return &cp
}

func (s *sinkCore) Enabled(level zapcore.Level) bool { return s.core.Enabled(level) }

func (s *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	next := append([]zapcore.Field{}, s.fields...)
	next = append(next, fields...)
	return &sinkCore{core: s.core.With(fields), fields: next}
}

func (s *sinkCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return ce.AddCore(entry, s)
	}
	return ce
}

func (s *sinkCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if err := s.core.Write(entry, fields); err != nil {
		return err
	}
	mu.RLock()
	sink := currentSink
	mu.RUnlock()
	if sink == nil {
		return nil
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range s.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	sink.WriteLogEvent(&LogEvent{
		Time:      entry.Time,
		Level:     strings.ToLower(entry.Level.String()),
		Component: entry.LoggerName,
		Message:   entry.Message,
		Fields:    enc.Fields,
	})
	return nil
}

func (s *sinkCore) Sync() error { return s.core.Sync() }

type contextKey string

const loggerContextKey contextKey = "ctx_logger"

func IntoContext(ctx context.Context, l *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if l == nil {
		l = L()
	}
	return context.WithValue(ctx, loggerContextKey, l)
}

func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return L()
	}
	if l, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return L()
}
