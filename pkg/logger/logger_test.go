package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	buffer := &bytes.Buffer{}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(buffer),
		zap.DebugLevel,
	)
	old := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = old })
	return buffer
}

func TestLogger_Info_WithSessionAndTrace(t *testing.T) {
	buffer := captureLog(t)

	ctx := context.WithValue(context.Background(), TraceIdKey, "trace-12345")
	ctx = WithSession(ctx, "sess-1")

	Info(ctx, "bar accepted", zap.String("symbol", "BTCUSDT"), zap.Float64("close", 100.5))

	var logEntry map[string]interface{}
	err := json.Unmarshal(buffer.Bytes(), &logEntry)
	assert.NoError(t, err, "日志输出必须是合法的 JSON")

	assert.Equal(t, "info", logEntry["level"])
	assert.Equal(t, "bar accepted", logEntry["msg"])
	assert.Equal(t, "BTCUSDT", logEntry["symbol"])
	assert.Equal(t, 100.5, logEntry["close"])
	assert.Equal(t, "trace-12345", logEntry["trace_id"])
	assert.Equal(t, "sess-1", logEntry["session_id"])
	assert.Equal(t, "sess-1", SessionFrom(ctx))
}

func TestLogger_Error_NoIDs(t *testing.T) {
	buffer := captureLog(t)

	Error(context.Background(), "store insert failed", zap.String("db", "mysql"))

	var logEntry map[string]interface{}
	_ = json.Unmarshal(buffer.Bytes(), &logEntry)

	_, exists := logEntry["trace_id"]
	assert.False(t, exists, "没有 TraceID 的 Context 不应该输出 trace_id 字段")
	_, exists = logEntry["session_id"]
	assert.False(t, exists)
	assert.Equal(t, "error", logEntry["level"])
}

func TestLogger_WithFields(t *testing.T) {
	buffer := captureLog(t)

	ctx := WithFields(context.Background(), zap.String("venue", "binance"))
	ctx = WithFields(ctx, zap.String("symbol", "ETHUSDT"))
	Debug(ctx, "stream worker state")

	var logEntry map[string]interface{}
	assert.NoError(t, json.Unmarshal(buffer.Bytes(), &logEntry))
	assert.Equal(t, "binance", logEntry["venue"])
	assert.Equal(t, "ETHUSDT", logEntry["symbol"])
}

func TestLogger_NilContext(t *testing.T) {
	buffer := captureLog(t)

	//nolint:staticcheck
	Warn(nil, "no ctx")

	assert.Contains(t, buffer.String(), "no ctx")
	assert.Equal(t, "", SessionFrom(nil))
}

func TestInitWithFile(t *testing.T) {
	old := Log
	t.Cleanup(func() { Log = old })

	path := t.TempDir() + "/quotes.log"
	InitWithFile("quotes-test", "debug", FileOptions{Path: path, MaxSizeMB: 1})
	Info(context.Background(), "hello")
	Sync()

	assert.FileExists(t, path)
}
