package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, from Trace up, for assertions.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns a recording logger.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	cfg := NewDefaultConfig()
	cfg.Caller = false
	return &TestLogger{Logger: &Logger{zap: zap.New(core), config: cfg}, logs: logs}
}

// All returns the recorded entries in order.
func (t *TestLogger) All() []observer.LoggedEntry { return t.logs.All() }

// Reset discards recorded entries.
func (t *TestLogger) Reset() { t.logs.TakeAll() }

// find returns entries at level whose message contains msg.
func (t *TestLogger) find(level zapcore.Level, msg string) []observer.LoggedEntry {
	var out []observer.LoggedEntry
	for _, e := range t.logs.FilterLevelExact(level).All() {
		if strings.Contains(e.Message, msg) {
			out = append(out, e)
		}
	}
	return out
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if len(t.find(level, msg)) == 0 {
		tb.Errorf("no %s entry containing %q in %d entries", level, msg, t.logs.Len())
	}
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if n := len(t.find(level, msg)); n > 0 {
		tb.Errorf("found %d unexpected %s entries containing %q", n, level, msg)
	}
}

// AssertField fails tb unless an entry containing msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.logs.FilterMessageSnippet(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("no entry containing %q with %s=%v", msg, key, want)
}
