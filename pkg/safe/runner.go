package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"klinefeed.com/pkg/logger"
)

// PanicError 协程 panic 转成的错误
type PanicError struct {
	Task  string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panic: %v", e.Task, e.Value)
}

func logPanic(ctx context.Context, task string, r any, stack string) {
	logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
		zap.String("task", task),
		zap.Any("panic", r),
		zap.String("stack", stack),
	)
}

// Go 安全启动协程
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(context.Background(), "", r, string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// GoCtx 安全启动携带 context 的协程，日志里保留 session/trace 信息
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(ctx, "", r, string(debug.Stack()))
			}
		}()
		fn(ctx)
	}()
}

// Func 包一层 errgroup 任务：panic 记录日志并作为错误返回
func Func(ctx context.Context, task string, fn func(ctx context.Context) error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logPanic(ctx, task, r, stack)
				err = &PanicError{Task: task, Value: r, Stack: stack}
			}
		}()
		return fn(ctx)
	}
}
