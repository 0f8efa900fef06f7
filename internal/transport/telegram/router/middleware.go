package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "legendalf/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a command handler. Chain applies the first one outermost.
type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// slowCommand promotes successful command logs from DEBUG to INFO.
const slowCommand = 750 * time.Millisecond

func loggerFor(base logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return base
}

// MWTimeout bounds a command; store writes and sends inside it observe the
// deadline.
func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an error so the caller still
// answers the user.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					loggerFor(log, req).Error("command panicked",
						logx.Any("panic", p),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("command %s panicked: %v", req.Command, p)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			l := loggerFor(log, req)
			fields := []logx.Field{
				logx.Int("thread_id", req.Chat.ThreadID),
				logx.Int("args", len(req.Args)),
				logx.Duration("took", took),
			}
			switch {
			case err != nil:
				l.Warn("command failed", append(fields, logx.Err(err))...)
			case took >= slowCommand:
				l.Info("command handled (slow)", fields...)
			default:
				l.Debug("command handled", fields...)
			}
			return err
		}
	}
}
