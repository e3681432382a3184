package log

import (
	"bytes"
	"testing"

	"github.com/kataras/golog"
	"github.com/stretchr/testify/assert"
)

func TestDefaultLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCustomLogger(&buf, LogLevelWarn)

	logger.Debug("debug %s", "msg")
	logger.Info("info %s", "msg")
	assert.Empty(t, buf.String())

	logger.Warn("warn %s", "msg")
	logger.Error("error %s", "msg")

	out := buf.String()
	assert.Contains(t, out, "[checkpoint]")
	assert.Contains(t, out, "[WARN] warn msg")
	assert.Contains(t, out, "[ERROR] error msg")
}

func TestDefaultLogger_None(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCustomLogger(&buf, LogLevelNone)

	logger.Error("error %s", "msg")
	assert.Empty(t, buf.String())
}

func TestNoOpLogger(t *testing.T) {
	logger := &NoOpLogger{}
	// Must not panic, must not write anywhere.
	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevelDebug.String())
	assert.Equal(t, "INFO", LogLevelInfo.String())
	assert.Equal(t, "WARN", LogLevelWarn.String())
	assert.Equal(t, "ERROR", LogLevelError.String())
	assert.Equal(t, "NONE", LogLevelNone.String())
}

func TestGologLogger(t *testing.T) {
	var buf bytes.Buffer
	gl := golog.New()
	gl.SetOutput(&buf)
	gl.SetLevel("debug")

	logger := NewGologLogger(gl)
	logger.SetLevel(LogLevelDebug)
	assert.Equal(t, LogLevelDebug, logger.GetLevel())

	logger.Info("hello %s", "world")
	assert.Contains(t, buf.String(), "hello world")

	buf.Reset()
	logger.SetLevel(LogLevelError)
	logger.Info("filtered")
	assert.Empty(t, buf.String())
}

func TestSetDefaultLogger(t *testing.T) {
	orig := GetDefaultLogger()
	defer SetDefaultLogger(orig)

	var buf bytes.Buffer
	SetDefaultLogger(NewCustomLogger(&buf, LogLevelInfo))

	Info("package level %d", 1)
	assert.Contains(t, buf.String(), "package level 1")
}
