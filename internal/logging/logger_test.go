package logging

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  &buf,
		Sync:    true,
		NoColor: true,
	}), &buf
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{
			name: "json format",
			config: &Config{
				Level:  LevelInfo,
				Format: "json",
				Output: &bytes.Buffer{},
				Sync:   true,
			},
		},
		{
			name: "text format",
			config: &Config{
				Level:  LevelDebug,
				Format: "text",
				Output: &bytes.Buffer{},
				Sync:   true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if NewLogger(tt.config) == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerWithContext(t *testing.T) {
	logger, buf := testLogger(LevelDebug)

	qpLogger := logger.WithQueuePair(42)
	qpLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "qp=42") {
		t.Errorf("Expected qp=42 in output, got: %s", output)
	}

	buf.Reset()
	connLogger := qpLogger.WithQueue("tx").WithConn(7)
	connLogger.Info("conn message")

	output = buf.String()
	for _, want := range []string{"qp=42", "queue=tx", "conn=7"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in output, got: %s", want, output)
		}
	}

	if qp, ok := connLogger.QueuePair(); !ok || qp != 42 {
		t.Errorf("QueuePair() = %d, %v; want 42, true", qp, ok)
	}
	if _, ok := logger.QueuePair(); ok {
		t.Error("root logger should not carry a queue pair")
	}
}

func TestLoggerWithError(t *testing.T) {
	logger, buf := testLogger(LevelDebug)
	logger.WithError(errors.New("test error")).Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestControlPlaneLogging(t *testing.T) {
	logger, buf := testLogger(LevelInfo)

	logger.ControlStart("ASSIGN_QP")
	output := buf.String()
	if !strings.Contains(output, "control operation starting") {
		t.Errorf("Expected control start message, got: %s", output)
	}
	if !strings.Contains(output, "operation=ASSIGN_QP") {
		t.Errorf("Expected operation=ASSIGN_QP, got: %s", output)
	}

	buf.Reset()
	logger.ControlSuccess("ASSIGN_QP")
	if output = buf.String(); !strings.Contains(output, "control operation succeeded") {
		t.Errorf("Expected control success message, got: %s", output)
	}

	buf.Reset()
	logger.ControlError("ASSIGN_QP", errors.New("permission denied"))
	output = buf.String()
	if !strings.Contains(output, "control operation failed") {
		t.Errorf("Expected control error message, got: %s", output)
	}
	if !strings.Contains(output, "permission denied") {
		t.Errorf("Expected error text, got: %s", output)
	}
}

func TestFlowControlLogging(t *testing.T) {
	logger, buf := testLogger(LevelDebug)

	logger.FlowTransition(3, "normal", "tx_blocked")
	output := buf.String()
	for _, want := range []string{"flow control transition", "conn=3", "from=normal", "to=tx_blocked"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s, got: %s", want, output)
		}
	}

	buf.Reset()
	logger.Replay(3, 10, 14, 5)
	output = buf.String()
	for _, want := range []string{"replaying buffered sends", "first=10", "last=14", "count=5"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s, got: %s", want, output)
		}
	}

	// Debug-level helpers are filtered at info.
	quiet, qbuf := testLogger(LevelInfo)
	quiet.FlowTransition(1, "normal", "rx_blocked")
	if qbuf.Len() != 0 {
		t.Errorf("Expected no output at info level, got: %s", qbuf.String())
	}
}

func TestNopLogger(t *testing.T) {
	l := Nop()
	l.Error("dropped")
	l.WithConn(1).Debug("dropped too")
}

func TestDefaultLogger(t *testing.T) {
	logger, buf := testLogger(LevelDebug)
	SetDefault(logger)
	defer SetDefault(nil)

	if Default() != logger {
		t.Fatal("Default() did not return the logger passed to SetDefault")
	}
	Default().Debug("debug message", "key", "value", "n", uint32(5))
	output := buf.String()
	for _, want := range []string{"debug message", "key=value", "n=5"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s, got: %s", want, output)
		}
	}
}

func TestTypedFields(t *testing.T) {
	logger, buf := testLogger(LevelDebug)
	logger.Warn("fields", "err", errors.New("boom"), "ok", true, "wait", 3*time.Millisecond, "dangling")

	output := buf.String()
	for _, want := range []string{"err=boom", "ok=true", "wait=3ms", "extra=dangling"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s, got: %s", want, output)
		}
	}
}

func TestBufferedLoggerFlushesOnClose(t *testing.T) {
	var buf syncBuffer
	logger := NewLogger(&Config{Level: LevelInfo, Format: "json", Output: &buf})
	logger.WithConn(9).Info("buffered")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if !strings.Contains(buf.String(), `"conn":9`) {
		t.Errorf("Expected flushed line, got: %s", buf.String())
	}
	if logger.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", logger.Dropped())
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
