package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"drawbot/internal/storage"
	logx "drawbot/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
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
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)
			fields := []logx.Field{logx.Strs("args", req.Args), logx.Duration("dur", d)}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWAudit records owner-only commands in the audit table. A nil store
// disables it.
func MWAudit(st storage.Store) func(Command) Middleware {
	return func(cmd Command) Middleware {
		if st == nil || cmd.Access != AccessOwnerOnly {
			return nil
		}
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				start := time.Now()
				err := next(ctx, req)
				e := storage.AuditEntry{
					At:            start,
					ActorID:       req.FromID,
					ActorUsername: req.FromUsername,
					ChatID:        req.Chat.ChatID,
					Action:        cmd.Name,
					Target:        strings.Join(req.Args, " "),
					OK:            err == nil,
					TookMS:        time.Since(start).Milliseconds(),
				}
				if err != nil {
					e.Error = err.Error()
				}
				actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				if aerr := st.AppendAudit(actx, e); aerr != nil {
					req.Logger.Warn("audit write failed", logx.Err(aerr))
				}
				cancel()
				return err
			}
		}
	}
}
