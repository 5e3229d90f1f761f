package log

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	level  string
	msg    string
	fields map[string]any
}

type testLogger struct {
	entries []entry
}

func (l *testLogger) add(level string, fields map[string]any, msg string) {
	l.entries = append(l.entries, entry{level: level, msg: msg, fields: fields})
}

func (l *testLogger) Info(f map[string]any, msg string)  { l.add("INFO", f, msg) }
func (l *testLogger) Error(f map[string]any, msg string) { l.add("ERROR", f, msg) }
func (l *testLogger) Debug(f map[string]any, msg string) { l.add("DEBUG", f, msg) }
func (l *testLogger) Warn(f map[string]any, msg string)  { l.add("WARN", f, msg) }
func (l *testLogger) Panic(map[string]any, string)       {}
func (l *testLogger) Fatal(map[string]any, string)       {}

func TestActualZapLogger(t *testing.T) {
	Debug(map[string]any{
		"key1": "value1",
		"key2": 42,
		"err":  errors.New("boom"),
	}, "test debug")
	Info(nil, "test info")
	Warn(nil, "test warn")
	Error(nil, "test error")

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic, but none occurred")
		}
	}()
	Panic(nil, "test panic")
}

func TestSetLoggerAndGlobalLogging(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)
	tlog := &testLogger{}
	SetLogger(tlog)

	Info(nil, "info msg")
	Error(nil, "error msg")
	Debug(nil, "debug msg")
	Warn(nil, "warn msg")

	require.Len(t, tlog.entries, 4)
	assert.Equal(t, "INFO", tlog.entries[0].level)
	assert.Equal(t, "error msg", tlog.entries[1].msg)
	assert.Equal(t, "DEBUG", tlog.entries[2].level)
	assert.Equal(t, "warn msg", tlog.entries[3].msg)
}

func TestConfigure(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)

	assert.NoError(t, Configure("dev", "debug"))
	assert.NoError(t, Configure("prod", "INFO"))
	assert.Error(t, Configure("dev", "notalevel"))
}

func TestWith_MergesFields(t *testing.T) {
	tlog := &testLogger{}
	l := With(tlog, map[string]any{"component": "proxy", "k": "fixed"})

	l.Info(map[string]any{"k": "call", "n": 1}, "hello")
	l.Warn(nil, "bare")

	require.Len(t, tlog.entries, 2)
	assert.Equal(t, map[string]any{"component": "proxy", "k": "call", "n": 1}, tlog.entries[0].fields)
	assert.Equal(t, map[string]any{"component": "proxy", "k": "fixed"}, tlog.entries[1].fields)
}

func TestWith_EmptyFieldsReturnsSameLogger(t *testing.T) {
	tlog := &testLogger{}
	assert.Same(t, Logger(tlog), With(tlog, nil))
}

func TestNoopLogger_AllLevels(t *testing.T) {
	l := NewNoopLogger()
	l.Debug(nil, "debug message")
	l.Info(nil, "info message")
	l.Warn(nil, "warn message")
	l.Error(nil, "error message")
	l.Panic(nil, "panic message")
	l.Fatal(nil, "fatal message")
}
