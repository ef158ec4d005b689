package mux

import (
	"context"
	"fmt"

	dxrpc "github.com/dxos/dxos-sub032"
	"github.com/dxos/dxos-sub032/stream"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// A message is a pointer to a protocol buffer message type M.
type message[M any] interface {
	*M
	proto.Message
}

// Unary adapts a function f that accepts a request message of type *P and
// returns a response message of type R, to a dxrpc.CallHandler. The handler
// reports an error if the payload does not contain a *P.
func Unary[P any, R proto.Message, PP message[P]](f func(context.Context, PP) (R, error)) dxrpc.CallHandler {
	return func(ctx context.Context, method string, payload *anypb.Any) (*anypb.Any, error) {
		req, err := unpack[P, PP](method, payload)
		if err != nil {
			return nil, err
		}
		rsp, err := f(ctx, req)
		if err != nil {
			return nil, err
		}
		return anypb.New(rsp)
	}
}

// Streaming adapts a function f that accepts a request message of type *P and
// returns a stream of response messages of type R, to a dxrpc.StreamHandler.
func Streaming[P any, R proto.Message, PP message[P]](f func(context.Context, PP) (*stream.Stream[R], error)) dxrpc.StreamHandler {
	return func(ctx context.Context, method string, payload *anypb.Any) (*stream.Stream[*anypb.Any], error) {
		req, err := unpack[P, PP](method, payload)
		if err != nil {
			return nil, err
		}
		s, err := f(ctx, req)
		if err != nil {
			return nil, err
		}
		return stream.Map(s, func(r R) (*anypb.Any, error) { return anypb.New(r) }), nil
	}
}

// Call calls method on peer with req, and decodes the response as a *R.
func Call[R any, RP message[R]](ctx context.Context, peer *dxrpc.Peer, method string, req proto.Message, opts ...dxrpc.CallOption) (RP, error) {
	in, err := anypb.New(req)
	if err != nil {
		return nil, err
	}
	out, err := peer.Call(ctx, method, in, opts...)
	if err != nil {
		return nil, err
	}
	return unpack[R, RP](method, out)
}

// CallStream calls the streaming method on peer with req, and returns a
// stream that decodes each response as a *R. A response that does not decode
// closes the stream with an error.
func CallStream[R any, RP message[R]](ctx context.Context, peer *dxrpc.Peer, method string, req proto.Message) (*stream.Stream[RP], error) {
	in, err := anypb.New(req)
	if err != nil {
		return nil, err
	}
	s, err := peer.CallStream(ctx, method, in)
	if err != nil {
		return nil, err
	}
	return stream.Map(s, func(v *anypb.Any) (RP, error) { return unpack[R, RP](method, v) }), nil
}

func unpack[M any, MP message[M]](method string, v *anypb.Any) (MP, error) {
	var m MP = new(M)
	if err := v.UnmarshalTo(m); err != nil {
		return nil, fmt.Errorf("%s: invalid payload: %w", method, err)
	}
	return m, nil
}
