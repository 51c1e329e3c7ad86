package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

// Context 中携带的链路字段
const (
	TraceIdKey   ctxKey = "trace_id"
	SessionIdKey ctxKey = "session_id"
	RequestIdKey ctxKey = "request_id"

	fieldsKey ctxKey = "fields"
)

// 全局 Logger 实例
var Log = zap.NewNop()

// FileOptions 日志文件滚动参数
type FileOptions struct {
	Path       string // 为空则使用 logs/{serviceName}.log
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init 初始化日志组件
// serviceName: 当前服务名称 (例如 "quotes-service")
// level: 日志级别 (debug, info, warn, error)
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, FileOptions{})
}

// InitWithFile 初始化日志组件，同时写控制台和滚动文件
func InitWithFile(serviceName string, level string, opts FileOptions) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stdout),
	}

	if opts.Path == "" {
		opts.Path = filepath.Join("logs", serviceName+".log")
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	// 目录建不了就只打控制台
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err == nil {
		writeSyncers = append(writeSyncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)

	// AddCallerSkip(1): 封装了一层，否则行号永远指向 logger.go
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// Named 给长期运行的组件一个子 logger（不带 caller skip）
func Named(component string) *zap.Logger {
	return Log.WithOptions(zap.AddCallerSkip(-1)).Named(component)
}

// WithSession 把 session id 放进 ctx，后续日志自动带上
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIdKey, sessionID)
}

// WithFields 追加固定字段（venue/symbol 这类），后续日志自动带上
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	prev, _ := ctx.Value(fieldsKey).([]zap.Field)
	merged := make([]zap.Field, 0, len(prev)+len(fields))
	merged = append(append(merged, prev...), fields...)
	return context.WithValue(ctx, fieldsKey, merged)
}

func SessionFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(SessionIdKey).(string)
	return s
}

// Info 打印 Info 级别日志
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withCtx(ctx, fields)...)
}

// Error 打印 Error 级别日志
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withCtx(ctx, fields)...)
}

// Warn 打印 Warn 级别日志
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withCtx(ctx, fields)...)
}

// Debug 打印 Debug 级别日志
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withCtx(ctx, fields)...)
}

// Fatal 打印 Fatal 级别日志 (会调用 os.Exit)
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withCtx(ctx, fields)...)
}

func withCtx(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	for _, k := range []ctxKey{TraceIdKey, SessionIdKey, RequestIdKey} {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			fields = append(fields, zap.String(string(k), v))
		}
	}
	if extra, ok := ctx.Value(fieldsKey).([]zap.Field); ok {
		fields = append(fields, extra...)
	}
	return fields
}

// Sync 刷新缓冲区 (main 里 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
