package mux

import (
	"context"
	"fmt"
	"time"

	dxrpc "github.com/dxos/dxos-sub032"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/types/known/anypb"
)

// Middleware wraps a unary handler to add behaviour around it.
type Middleware func(dxrpc.CallHandler) dxrpc.CallHandler

// Logging returns middleware that logs each call to log, with its method,
// duration, and error if any. Failed calls are logged at info level, others
// at debug level.
func Logging(log *zap.SugaredLogger) Middleware {
	return func(next dxrpc.CallHandler) dxrpc.CallHandler {
		return func(ctx context.Context, method string, payload *anypb.Any) (*anypb.Any, error) {
			start := time.Now()
			rsp, err := next(ctx, method, payload)
			if err != nil {
				log.Infow("call failed", "method", method, "elapsed", time.Since(start), "err", err)
			} else {
				log.Debugw("call", "method", method, "elapsed", time.Since(start))
			}
			return rsp, err
		}
	}
}

// RateLimit returns middleware that waits for l to admit each call before
// invoking the handler. A call that cannot be admitted before its context
// ends fails with a *RateLimitError.
func RateLimit(l *rate.Limiter) Middleware {
	return func(next dxrpc.CallHandler) dxrpc.CallHandler {
		return func(ctx context.Context, method string, payload *anypb.Any) (*anypb.Any, error) {
			if err := l.Wait(ctx); err != nil {
				return nil, &RateLimitError{Method: method, err: err}
			}
			return next(ctx, method, payload)
		}
	}
}

// RateLimitError is the error reported for a call refused by RateLimit.
type RateLimitError struct {
	Method string
	err    error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("method %q: rate limit exceeded: %v", e.Method, e.err)
}

func (e *RateLimitError) Unwrap() error { return e.err }

// ErrorName reports the name of the error as seen by the remote peer.
func (*RateLimitError) ErrorName() string { return "RateLimitError" }

// Timeout returns middleware that bounds the context of each call to d.
func Timeout(d time.Duration) Middleware {
	return func(next dxrpc.CallHandler) dxrpc.CallHandler {
		return func(ctx context.Context, method string, payload *anypb.Any) (*anypb.Any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, method, payload)
		}
	}
}
