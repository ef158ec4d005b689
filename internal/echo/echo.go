// Package echo implements a small demonstration service for dxrpc peers.
package echo

import (
	"context"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/dxos/dxos-sub032/mux"
	"github.com/dxos/dxos-sub032/stream"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Method names served by the echo service.
const (
	Say   = "Echo.Say"
	Fail  = "Echo.Fail"
	Sleep = "Echo.Sleep"
	Count = "Echo.Count"
)

// Service is the echo service. A zero Service is ready for use.
type Service struct {
	// Interval is the delay between values of a Count stream.
	Interval time.Duration
}

// Register adds the methods of s to m, and returns m.
func (s Service) Register(m *mux.Mux) *mux.Mux {
	return m.
		Handle(Say, mux.Unary(s.Say)).
		Handle(Fail, mux.Unary(s.Fail)).
		Handle(Sleep, mux.Unary(s.Sleep)).
		HandleStream(Count, mux.Streaming(s.Count))
}

// Say returns its argument unchanged.
func (Service) Say(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return req, nil
}

// Fail reports an error whose message is its argument.
func (Service) Fail(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return nil, errors.New(req.GetValue())
}

// Sleep waits for the given number of milliseconds, or until ctx ends.
func (Service) Sleep(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	select {
	case <-time.After(time.Duration(req.GetValue()) * time.Millisecond):
		return new(emptypb.Empty), nil
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

// Count streams the integers from 1 to its argument, inclusive.
// The stream ends early if ctx ends or the caller closes it.
func (s Service) Count(ctx context.Context, req *wrapperspb.Int32Value) (*stream.Stream[*wrapperspb.Int32Value], error) {
	n := req.GetValue()
	if n < 0 {
		return nil, errors.Errorf("invalid count %d", n)
	}
	return stream.New(func(c *stream.Controller[*wrapperspb.Int32Value]) func() {
		ctx, cancel := context.WithCancel(ctx)
		taskgroup.Go(func() error {
			c.Ready()
			for i := range n {
				if s.Interval > 0 {
					select {
					case <-ctx.Done():
						c.Close(ctx.Err())
						return nil
					case <-time.After(s.Interval):
					}
				}
				if err := ctx.Err(); err != nil {
					c.Close(err) // no effect if the caller closed the stream
					return nil
				}
				c.Next(wrapperspb.Int32(i + 1))
			}
			c.Close(nil)
			return nil
		})
		return cancel
	}), nil
}
