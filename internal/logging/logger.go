// Package logging provides structured logging for the go-hfi project
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// Logger wraps zerolog.Logger with fabric-specific structured fields
type Logger struct {
	zlog zerolog.Logger
	qp   *uint32
	sink *sink
}

// sink owns the non-blocking writer shared by a logger and its children.
type sink struct {
	w      diode.Writer
	missed atomic.Uint64
	once   sync.Once
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // write inline instead of through the ring buffer
	NoColor bool
	// Buffer is the number of pending lines held before new ones are
	// dropped. Zero means 1000.
	Buffer int
}

// ParseLevel maps a textual level ("debug", "info", "warn", "error") to a
// LogLevel. Unknown names map to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger creates a new structured logger. Unless cfg.Sync is set, lines
// go through a lock-free ring so that logging on the event path never
// waits on the output; lines that do not fit are counted and dropped.
func NewLogger(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{}
	out := cfg.Output
	if !cfg.Sync {
		size := cfg.Buffer
		if size <= 0 {
			size = 1000
		}
		s := &sink{}
		s.w = diode.NewWriter(out, size, 10*time.Millisecond, func(missed int) {
			s.missed.Add(uint64(missed))
		})
		l.sink = s
		out = s.w
	}

	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: cfg.NoColor}
	}
	l.zlog = zerolog.New(out).With().Timestamp().Logger().Level(zerolog.Level(cfg.Level))
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Default returns the process-wide logger, creating it on first use.
func Default() *Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger. nil restores lazy creation.
func SetDefault(l *Logger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Dropped reports how many lines the ring buffer has discarded.
func (l *Logger) Dropped() uint64 {
	if l.sink == nil {
		return 0
	}
	return l.sink.missed.Load()
}

// Close flushes pending lines. Children share the parent's buffer, so only
// the logger returned by NewLogger should be closed.
func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	var err error
	l.sink.once.Do(func() { err = l.sink.w.Close() })
	return err
}

func (l *Logger) child(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), qp: l.qp, sink: l.sink}
}

// WithQueuePair returns a logger tagged with a queue-pair index
func (l *Logger) WithQueuePair(qp uint32) *Logger {
	c := l.child(l.zlog.With().Uint32("qp", qp))
	c.qp = &qp
	return c
}

// WithQueue returns a logger tagged with a ring name ("tx", "rx", "eq")
func (l *Logger) WithQueue(name string) *Logger {
	return l.child(l.zlog.With().Str("queue", name))
}

// WithConn returns a logger tagged with a connection id
func (l *Logger) WithConn(conn uint32) *Logger {
	return l.child(l.zlog.With().Uint32("conn", conn))
}

// WithError returns a logger carrying err on every line
func (l *Logger) WithError(err error) *Logger {
	return l.child(l.zlog.With().Err(err))
}

// QueuePair reports the queue pair this logger is bound to, if any.
func (l *Logger) QueuePair() (uint32, bool) {
	if l.qp == nil {
		return 0, false
	}
	return *l.qp, true
}

// ControlStart logs the start of a queue lifecycle operation
func (l *Logger) ControlStart(op string) {
	l.zlog.Info().Str("operation", op).Msg("control operation starting")
}

// ControlSuccess logs a completed queue lifecycle operation
func (l *Logger) ControlSuccess(op string) {
	l.zlog.Info().Str("operation", op).Msg("control operation succeeded")
}

// ControlError logs a failed queue lifecycle operation
func (l *Logger) ControlError(op string, err error) {
	l.zlog.Error().Str("operation", op).Err(err).Msg("control operation failed")
}

// FlowTransition logs a receiver-not-ready state change on a connection
func (l *Logger) FlowTransition(conn uint32, from, to string) {
	l.zlog.Debug().Uint32("conn", conn).Str("from", from).Str("to", to).Msg("flow control transition")
}

// Replay logs a retransmission pass after a resume
func (l *Logger) Replay(conn uint32, first, last uint32, count int) {
	l.zlog.Debug().
		Uint32("conn", conn).
		Uint32("first", first).
		Uint32("last", last).
		Int("count", count).
		Msg("replaying buffered sends")
}

func (l *Logger) Debug(msg string, kv ...any) { fields(l.zlog.Debug(), kv).Msg(msg) }
func (l *Logger) Info(msg string, kv ...any)  { fields(l.zlog.Info(), kv).Msg(msg) }
func (l *Logger) Warn(msg string, kv ...any)  { fields(l.zlog.Warn(), kv).Msg(msg) }
func (l *Logger) Error(msg string, kv ...any) { fields(l.zlog.Error(), kv).Msg(msg) }

// Printf and Debugf satisfy the queue runner's Logger.
func (l *Logger) Printf(format string, args ...any) { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }

// fields appends alternating key/value pairs to e with typed encoders. A
// trailing key without a value is logged under "extra".
func fields(e *zerolog.Event, kv []any) *zerolog.Event {
	if e == nil {
		return nil
	}
	for i := 0; i < len(kv); i += 2 {
		if i+1 == len(kv) {
			e = e.Interface("extra", kv[i])
			break
		}
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		switch v := kv[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		case uint32:
			e = e.Uint32(key, v)
		case uint64:
			e = e.Uint64(key, v)
		case int:
			e = e.Int(key, v)
		case bool:
			e = e.Bool(key, v)
		case time.Duration:
			e = e.Str(key, v.String())
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}
