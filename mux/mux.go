// Package mux routes the requests received by a dxrpc.Peer to handlers by
// method name.
//
// # Usage
//
// Construct a new empty Mux and register handlers on it:
//
//	m := mux.New().
//	   Handle("Echo.Say", handleSay).
//	   HandleStream("Echo.Count", handleCount)
//
// Then bind the mux to the options of a peer:
//
//	peer := dxrpc.NewPeer(m.Bind(dxrpc.Options{Port: port}))
//
// A request for a method with no handler fails with a *MethodNotFoundError.
// Method names are exchanged on the wire, so both peers must agree on them.
// By convention a method name has the form "Service.Method".
//
// Middleware added with Use wraps every unary handler of the mux:
//
//	m.Use(mux.Logging(log), mux.RateLimit(limiter))
//
// A Mux can report the names of its methods to the remote peer, with the
// ListMethods handler:
//
//	m.Handle(mux.ListMethodsName, m.ListMethods)
package mux

import (
	"context"
	"fmt"
	"slices"
	"sync"

	dxrpc "github.com/dxos/dxos-sub032"
	"github.com/dxos/dxos-sub032/stream"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ListMethodsName is the conventional method name for the ListMethods handler.
const ListMethodsName = "Mux.ListMethods"

// A Mux is a table of handlers for the methods served by a peer. Its Call and
// Stream methods satisfy the dxrpc.CallHandler and dxrpc.StreamHandler types.
// A zero Mux is not ready for use; call New.
type Mux struct {
	μ       sync.RWMutex
	calls   map[string]dxrpc.CallHandler
	streams map[string]dxrpc.StreamHandler
	mw      []Middleware
}

// New creates a new empty Mux.
func New() *Mux {
	return &Mux{
		calls:   make(map[string]dxrpc.CallHandler),
		streams: make(map[string]dxrpc.StreamHandler),
	}
}

// Handle registers h as the unary handler for method, and returns m to allow
// chaining. If h == nil, the handler for method is removed.
func (m *Mux) Handle(method string, h dxrpc.CallHandler) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	if h == nil {
		delete(m.calls, method)
	} else {
		m.calls[method] = h
	}
	return m
}

// HandleStream registers h as the streaming handler for method, and returns m
// to allow chaining. If h == nil, the handler for method is removed.
func (m *Mux) HandleStream(method string, h dxrpc.StreamHandler) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	if h == nil {
		delete(m.streams, method)
	} else {
		m.streams[method] = h
	}
	return m
}

// Use adds middleware to the unary handlers of m, and returns m to allow
// chaining. The first middleware added is outermost.
func (m *Mux) Use(mw ...Middleware) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.mw = append(m.mw, mw...)
	return m
}

// Bind returns a copy of opts whose call and stream handlers are m.
func (m *Mux) Bind(opts dxrpc.Options) dxrpc.Options {
	opts.CallHandler = m.Call
	opts.StreamHandler = m.Stream
	return opts
}

// Methods returns the names of the unary and streaming methods of m, in
// lexicographic order.
func (m *Mux) Methods() []string {
	m.μ.RLock()
	defer m.μ.RUnlock()
	names := make([]string, 0, len(m.calls)+len(m.streams))
	for name := range m.calls {
		names = append(names, name)
	}
	for name := range m.streams {
		names = append(names, name)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Call implements the dxrpc.CallHandler type by dispatching to the handler
// for method, wrapped by the middleware of m.
func (m *Mux) Call(ctx context.Context, method string, payload *anypb.Any) (*anypb.Any, error) {
	m.μ.RLock()
	h, ok := m.calls[method]
	mw := m.mw
	m.μ.RUnlock()
	if !ok {
		return nil, &MethodNotFoundError{Method: method}
	}
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h(context.WithValue(ctx, methodContextKey{}, method), method, payload)
}

// Stream implements the dxrpc.StreamHandler type by dispatching to the
// streaming handler for method.
func (m *Mux) Stream(ctx context.Context, method string, payload *anypb.Any) (*stream.Stream[*anypb.Any], error) {
	m.μ.RLock()
	h, ok := m.streams[method]
	m.μ.RUnlock()
	if !ok {
		return nil, &MethodNotFoundError{Method: method}
	}
	return h(context.WithValue(ctx, methodContextKey{}, method), method, payload)
}

// ListMethods is a dxrpc.CallHandler that reports the method names of m as a
// structpb.ListValue of strings. It ignores its payload.
func (m *Mux) ListMethods(context.Context, string, *anypb.Any) (*anypb.Any, error) {
	names := m.Methods()
	vals := make([]*structpb.Value, len(names))
	for i, name := range names {
		vals[i] = structpb.NewStringValue(name)
	}
	return anypb.New(&structpb.ListValue{Values: vals})
}

// DecodeMethods decodes the result of a ListMethods call.
func DecodeMethods(v *anypb.Any) ([]string, error) {
	var lv structpb.ListValue
	if err := v.UnmarshalTo(&lv); err != nil {
		return nil, fmt.Errorf("decode methods: %w", err)
	}
	names := make([]string, len(lv.Values))
	for i, val := range lv.Values {
		names[i] = val.GetStringValue()
	}
	return names, nil
}

// MethodNotFoundError is the error reported for a request whose method has no
// handler.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string { return fmt.Sprintf("method %q not found", e.Method) }

// ErrorName reports the name of the error as seen by the remote peer.
func (*MethodNotFoundError) ErrorName() string { return "MethodNotFoundError" }

type methodContextKey struct{}

// ContextMethod returns the method name of the request being served by a
// handler of a Mux, or "" if ctx has no associated method.
func ContextMethod(ctx context.Context) string {
	if v := ctx.Value(methodContextKey{}); v != nil {
		return v.(string)
	}
	return ""
}
