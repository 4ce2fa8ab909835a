package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// capture 把全局 Log 换成写 buffer 的 logger，测试结束恢复
func capture(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	old := Log
	Log = New("payment-engine", level, buf)
	t.Cleanup(func() { Log = old })
	return buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "日志必须是合法 JSON: %s", buf.String())
	return entry
}

func TestInfo_ManualTraceID(t *testing.T) {
	buf := capture(t, "info")

	ctx := context.WithValue(context.Background(), TraceIdKey, "test-trace-12345")
	Info(ctx, "payment request created", zap.String("user_id", "u-1"), zap.Float64("usd", 100.5))

	entry := decode(t, buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "payment request created", entry["msg"])
	assert.Equal(t, "payment-engine", entry["service"])
	assert.Equal(t, "u-1", entry["user_id"])
	assert.Equal(t, 100.5, entry["usd"])
	assert.Equal(t, "test-trace-12345", entry["trace_id"])
}

func TestError_NoTraceID(t *testing.T) {
	buf := capture(t, "info")

	Error(context.Background(), "db unavailable", zap.String("driver", "sqlite"))

	entry := decode(t, buf)
	_, exists := entry["trace_id"]
	assert.False(t, exists)
	assert.Equal(t, "ERROR", entry["level"])
}

func TestWarn_SpanAndRequestID(t *testing.T) {
	buf := capture(t, "info")

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx := context.WithValue(context.Background(), RequestIdKey, "req-1")
	ctx, span := tp.Tracer("logger-test").Start(ctx, "sweep")
	defer span.End()

	Warn(ctx, "sweep skipped")

	entry := decode(t, buf)
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, "req-1", entry["request_id"])
}

func TestWithFields_Accumulate(t *testing.T) {
	buf := capture(t, "info")

	ctx := WithFields(context.Background(), zap.String("payment_id", "p-1"))
	ctx = WithFields(ctx, zap.String("address", "bc1qtest"))
	parent := WithFields(context.Background())

	Info(ctx, "verify")
	entry := decode(t, buf)
	assert.Equal(t, "p-1", entry["payment_id"])
	assert.Equal(t, "bc1qtest", entry["address"])

	buf.Reset()
	Info(parent, "plain")
	entry = decode(t, buf)
	_, exists := entry["payment_id"]
	assert.False(t, exists)
}

func TestNew_LevelFilter(t *testing.T) {
	buf := capture(t, "warn")

	Debug(context.Background(), "hidden")
	Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	Warn(context.Background(), "shown")
	assert.NotZero(t, buf.Len())

	// 非法级别退回 info
	buf2 := &bytes.Buffer{}
	l := New("", "loud", buf2)
	l.Info("x")
	assert.NotZero(t, buf2.Len())
}

func TestInitWithFile(t *testing.T) {
	old := Log
	t.Cleanup(func() { Log = old })

	path := filepath.Join(t.TempDir(), "nested", "engine.log")
	InitWithFile("payment-engine", "info", path)
	Log.Info("to file")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")

	InitWithFile("payment-engine", "info", StdoutOnly)
	assert.NotNil(t, Log)
}
