package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context 里的 Key：没有 span 时（比如后台任务）可以手动塞 trace_id
const (
	TraceIdKey   = "trace_id"
	RequestIdKey = "request_id"
)

// StdoutOnly 作为 logFile 传入时只写控制台（CLI、单测）
const StdoutOnly = "-"

type fieldsKey struct{}

// 全局 Logger 实例，未 Init 前是 Nop，避免单测里空指针
var Log = zap.NewNop()

// Init 写控制台 + logs/{serviceName}.log
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, "")
}

// InitWithFile logFile 为空用 logs/{serviceName}.log，为 StdoutOnly 不落文件。
// 文件打不开只降级成控制台，不影响启动
func InitWithFile(serviceName string, level string, logFile string) {
	writers := []io.Writer{os.Stdout}
	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
	if logFile != StdoutOnly {
		if f, err := openLogFile(logFile); err == nil {
			writers = append(writers, f)
		}
	}
	Log = New(serviceName, level, writers...)
}

// New 构造一个 JSON logger，不改全局变量；单测可以直接传 bytes.Buffer
func New(serviceName, level string, writers ...io.Writer) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zap.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.MessageKey = "msg"

	syncers := make([]zapcore.WriteSyncer, 0, len(writers))
	for _, w := range writers {
		syncers = append(syncers, zapcore.AddSync(w))
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.NewMultiWriteSyncer(syncers...), lvl)

	// Skip 1：行号指向调用 logger.Info 的地方，而不是本文件
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if serviceName != "" {
		l = l.With(zap.String("service", serviceName))
	}
	return l
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// WithFields 把字段挂到 ctx 上，之后用这个 ctx 打的日志都会带上（比如 payment_id / address）
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(fieldsKey{}).([]zap.Field)
	merged := make([]zap.Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withContext(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withContext(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withContext(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withContext(ctx, fields)...)
}

// Fatal 会调用 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withContext(ctx, fields)...)
}

// withContext trace_id 优先取 OpenTelemetry span，其次取 ctx 里手动塞的值
func withContext(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String(TraceIdKey, sc.TraceID().String()))
	} else if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		fields = append(fields, zap.String(TraceIdKey, traceID))
	}
	if rid, ok := ctx.Value(RequestIdKey).(string); ok && rid != "" {
		fields = append(fields, zap.String(RequestIdKey, rid))
	}
	if extra, ok := ctx.Value(fieldsKey{}).([]zap.Field); ok {
		fields = append(fields, extra...)
	}
	return fields
}

func Nop() {
	Log = zap.NewNop()
}

// Sync main 里 defer 调用
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
