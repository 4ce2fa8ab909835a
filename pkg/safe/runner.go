package safe

import (
	"context"
	"runtime/debug"

	"github.com/olawanle/time-machine-investment-system-sub000/pkg/logger"
	"go.uber.org/zap"
)

// PanicHook 每次 recover 到 panic 时回调，main 里挂 metrics 用
var PanicHook func(task string)

// Go 安全启动协程
func Go(task string, fn func()) {
	go func() {
		defer recoverPanic(context.Background(), task)
		fn()
	}()
}

// GoCtx 安全启动携带 context 的协程，便于在日志中保留请求链路信息。
// 注意：ctx 会原样传给 fn，调用方如果不想跟着请求一起取消，需要自己 context.WithoutCancel
func GoCtx(ctx context.Context, task string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverPanic(ctx, task)
		fn(ctx)
	}()
}

func recoverPanic(ctx context.Context, task string) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
		zap.String("task", task),
		zap.Any("panic", r),
		zap.String("stack", string(debug.Stack())),
	)
	if PanicHook != nil {
		PanicHook(task)
	}
}
