package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "serialbot/internal/transport"
	logx "serialbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// ErrRateLimited is returned by MWRateLimit when a sender is over budget.
var ErrRateLimited = errors.New("rate limited")

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
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
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

			fields := []logx.Field{logx.Strs("args", req.RawArgs), logx.Duration("dur", d)}
			switch {
			case errors.Is(err, ErrRateLimited):
				logger.Debug("request rate limited", fields...)
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

// UserLimiter hands out one token bucket per sender.
type UserLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	users map[int64]*rate.Limiter
}

// NewUserLimiter allows perSec requests per second per sender with the given
// burst. perSec <= 0 disables limiting.
func NewUserLimiter(perSec float64, burst int) *UserLimiter {
	l := &UserLimiter{users: map[int64]*rate.Limiter{}}
	l.Set(perSec, burst)
	return l
}

// Set changes the budget for every sender. Existing buckets are reset.
func (l *UserLimiter) Set(perSec float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = rate.Limit(perSec)
	l.burst = max(1, burst)
	clear(l.users)
}

func (l *UserLimiter) Allow(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit <= 0 {
		return true
	}
	lim, ok := l.users[userID]
	if !ok {
		if len(l.users) >= 10_000 {
			clear(l.users)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.users[userID] = lim
	}
	return lim.Allow()
}

// MWRateLimit rejects requests over the sender's budget. Owners are exempt.
func MWRateLimit(l *UserLimiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if l == nil || req.Owner || l.Allow(req.FromID) {
				return next(ctx, req)
			}
			_, _ = req.Adapter.SendText(ctx, req.Chat, "Too many requests, slow down a little.", &kit.SendOptions{ReplyTo: req.MessageID})
			return ErrRateLimited
		}
	}
}
