package dxrpc_test

import (
	"testing"

	dxrpc "github.com/dxos/dxos-sub032"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/anypb"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		env  dxrpc.Envelope
		want dxrpc.EnvelopeType
	}{
		{dxrpc.Envelope{Request: &dxrpc.Request{
			ID: 1, Method: "Service.Method", Payload: testPayload("hello"),
		}}, dxrpc.TypeRequest},
		{dxrpc.Envelope{Request: &dxrpc.Request{
			ID: 99, Method: "Service.Stream", Payload: new(anypb.Any), Stream: true,
		}}, dxrpc.TypeRequest},
		{dxrpc.Envelope{Response: &dxrpc.Response{ID: 2, Payload: testPayload("ok")}}, dxrpc.TypeResponse},
		{dxrpc.Envelope{Response: &dxrpc.Response{ID: 3, Error: &dxrpc.ErrorValue{
			Name: "Error", Message: "bad", Stack: "Error: bad\n\tat somewhere",
		}}}, dxrpc.TypeResponse},
		{dxrpc.Envelope{Response: &dxrpc.Response{ID: 4, Close: true}}, dxrpc.TypeResponse},
		{dxrpc.Envelope{Response: &dxrpc.Response{ID: 5, StreamReady: true}}, dxrpc.TypeResponse},
		{dxrpc.Envelope{Open: true}, dxrpc.TypeOpen},
		{dxrpc.Envelope{OpenAck: true}, dxrpc.TypeOpenAck},
		{dxrpc.Envelope{StreamClose: &dxrpc.StreamClose{ID: 12345}}, dxrpc.TypeStreamClose},
		{dxrpc.Envelope{Bye: true}, dxrpc.TypeBye},
	}
	for _, tc := range tests {
		t.Run(tc.want.String(), func(t *testing.T) {
			bits := tc.env.Encode()

			var got dxrpc.Envelope
			if err := got.UnmarshalBinary(bits); err != nil {
				t.Fatalf("UnmarshalBinary %v: unexpected error: %v", tc.env, err)
			}
			if diff := cmp.Diff(got, tc.env, protocmp.Transform()); diff != "" {
				t.Errorf("Round trip (-got, +want):\n%s", diff)
			}
			if typ := got.Type(); typ != tc.want {
				t.Errorf("Type: got %v, want %v", typ, tc.want)
			}
		})
	}
}

func TestEnvelopeType(t *testing.T) {
	tests := []struct {
		env  dxrpc.Envelope
		want dxrpc.EnvelopeType
	}{
		{dxrpc.Envelope{}, dxrpc.TypeInvalid},
		{dxrpc.Envelope{Open: true, Bye: true}, dxrpc.TypeInvalid},
		{dxrpc.Envelope{Request: new(dxrpc.Request), Response: new(dxrpc.Response)}, dxrpc.TypeInvalid},
		{dxrpc.Envelope{Bye: true}, dxrpc.TypeBye},
	}
	for _, tc := range tests {
		if got := tc.env.Type(); got != tc.want {
			t.Errorf("Type %v: got %v, want %v", tc.env, got, tc.want)
		}
	}
	if got, want := dxrpc.EnvelopeType(17).String(), "TYPE:17"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}

func TestEnvelopeUnknownFields(t *testing.T) {
	// An envelope with an open flag, plus fields this package does not know.
	var buf []byte
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 1)
	buf = protowire.AppendTag(buf, 100, protowire.BytesType)
	buf = protowire.AppendString(buf, "extra")
	buf = protowire.AppendTag(buf, 101, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, 12345)

	var env dxrpc.Envelope
	if err := env.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: unexpected error: %v", err)
	}
	if env.Type() != dxrpc.TypeOpen {
		t.Errorf("Type: got %v, want %v", env.Type(), dxrpc.TypeOpen)
	}
}

func TestEnvelopeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"TruncatedTag", []byte{0x80}},
		{"TruncatedBytes", []byte{0x0a, 0x05, 0x01}},
		{"WrongWireType", []byte{0x0a, 0x02, 0x10, 0x01}}, // request method as varint
		{"BadNested", []byte{0x0a, 0x02, 0x12, 0x05}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var env dxrpc.Envelope
			if err := env.UnmarshalBinary(tc.input); err == nil {
				t.Errorf("UnmarshalBinary %q: got %v, want error", tc.input, env)
			}
		})
	}
}
