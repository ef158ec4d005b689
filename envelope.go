package dxrpc

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/anypb"
)

// An Envelope is the unit of exchange between two peers. Exactly one of its
// variants is populated in a valid envelope.
type Envelope struct {
	Request     *Request
	Response    *Response
	Open        bool
	OpenAck     bool
	StreamClose *StreamClose
	Bye         bool
}

// EnvelopeType identifies which variant of an Envelope is populated.
type EnvelopeType byte

// The values of EnvelopeType match the field numbers of the wire message.
const (
	TypeInvalid     EnvelopeType = 0
	TypeRequest     EnvelopeType = 1 // A call or stream request
	TypeResponse    EnvelopeType = 2 // A (partial) response to a request
	TypeOpen        EnvelopeType = 3 // Handshake: the sender is opening
	TypeOpenAck     EnvelopeType = 4 // Handshake: the sender saw an open
	TypeStreamClose EnvelopeType = 5 // The caller cancelled a stream
	TypeBye         EnvelopeType = 6 // The sender is closing gracefully
)

func (t EnvelopeType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeOpen:
		return "OPEN"
	case TypeOpenAck:
		return "OPEN_ACK"
	case TypeStreamClose:
		return "STREAM_CLOSE"
	case TypeBye:
		return "BYE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// Type reports which variant of e is populated. It returns TypeInvalid if e
// has no variant or more than one.
func (e *Envelope) Type() EnvelopeType {
	var t EnvelopeType
	var n int
	check := func(ok bool, v EnvelopeType) {
		if ok {
			t = v
			n++
		}
	}
	check(e.Request != nil, TypeRequest)
	check(e.Response != nil, TypeResponse)
	check(e.Open, TypeOpen)
	check(e.OpenAck, TypeOpenAck)
	check(e.StreamClose != nil, TypeStreamClose)
	check(e.Bye, TypeBye)
	if n != 1 {
		return TypeInvalid
	}
	return t
}

// Encode encodes e in binary format.
func (e Envelope) Encode() []byte {
	var buf []byte
	if e.Request != nil {
		buf = appendMessage(buf, fieldRequest, e.Request.appendFields(nil))
	}
	if e.Response != nil {
		buf = appendMessage(buf, fieldResponse, e.Response.appendFields(nil))
	}
	if e.Open {
		buf = appendBool(buf, fieldOpen, true)
	}
	if e.OpenAck {
		buf = appendBool(buf, fieldOpenAck, true)
	}
	if e.StreamClose != nil {
		buf = appendMessage(buf, fieldStreamClose, appendUint32(nil, 1, e.StreamClose.ID))
	}
	if e.Bye {
		buf = appendMessage(buf, fieldBye, nil)
	}
	return buf
}

// UnmarshalBinary decodes data into an envelope. Fields not known to this
// package are ignored. It implements encoding.BinaryUnmarshaler.
//
// UnmarshalBinary does not check that the result has exactly one variant;
// use Type for that.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	*e = Envelope{}
	return parseFields(data, func(f field) error {
		var err error
		switch f.num {
		case fieldRequest:
			e.Request = new(Request)
			err = f.message(e.Request.parseField)
		case fieldResponse:
			e.Response = new(Response)
			err = f.message(e.Response.parseField)
		case fieldOpen:
			e.Open, err = f.asBool()
		case fieldOpenAck:
			e.OpenAck, err = f.asBool()
		case fieldStreamClose:
			e.StreamClose = new(StreamClose)
			err = f.message(func(g field) (err error) {
				if g.num == 1 {
					e.StreamClose.ID, err = g.asUint32()
				}
				return
			})
		case fieldBye:
			e.Bye = true
			err = f.message(func(field) error { return nil })
		}
		return err
	})
}

// String returns a human-friendly rendering of the envelope.
func (e Envelope) String() string {
	var parts []string
	if e.Request != nil {
		parts = append(parts, e.Request.String())
	}
	if e.Response != nil {
		parts = append(parts, e.Response.String())
	}
	if e.Open {
		parts = append(parts, "Open")
	}
	if e.OpenAck {
		parts = append(parts, "OpenAck")
	}
	if e.StreamClose != nil {
		parts = append(parts, e.StreamClose.String())
	}
	if e.Bye {
		parts = append(parts, "Bye")
	}
	return fmt.Sprintf("Envelope%v", parts)
}

// Request is the payload of a request envelope.
type Request struct {
	ID      uint32
	Method  string
	Payload *anypb.Any
	Stream  bool
}

func (r *Request) appendFields(buf []byte) []byte {
	buf = appendUint32(buf, 1, r.ID)
	if r.Method != "" {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendString(buf, r.Method)
	}
	if r.Payload != nil {
		buf = appendMessage(buf, 3, appendAny(nil, r.Payload))
	}
	if r.Stream {
		buf = appendBool(buf, 4, true)
	}
	return buf
}

func (r *Request) parseField(f field) (err error) {
	switch f.num {
	case 1:
		r.ID, err = f.asUint32()
	case 2:
		r.Method, err = f.asString()
	case 3:
		r.Payload, err = f.asAny()
	case 4:
		r.Stream, err = f.asBool()
	}
	return
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%v, Method=%q, Stream=%v, %s)", r.ID, r.Method, r.Stream, anyString(r.Payload))
}

// Response is the payload of a response envelope. At most one of Payload,
// Error, StreamReady and Close is meaningful in a well-formed response.
type Response struct {
	ID          uint32
	Payload     *anypb.Any
	Error       *ErrorValue
	Close       bool
	StreamReady bool
}

func (r *Response) appendFields(buf []byte) []byte {
	buf = appendUint32(buf, 1, r.ID)
	if r.Payload != nil {
		buf = appendMessage(buf, 2, appendAny(nil, r.Payload))
	}
	if r.Error != nil {
		buf = appendMessage(buf, 3, r.Error.appendFields(nil))
	}
	if r.Close {
		buf = appendBool(buf, 4, true)
	}
	if r.StreamReady {
		buf = appendBool(buf, 5, true)
	}
	return buf
}

func (r *Response) parseField(f field) (err error) {
	switch f.num {
	case 1:
		r.ID, err = f.asUint32()
	case 2:
		r.Payload, err = f.asAny()
	case 3:
		r.Error = new(ErrorValue)
		err = f.message(r.Error.parseField)
	case 4:
		r.Close, err = f.asBool()
	case 5:
		r.StreamReady, err = f.asBool()
	}
	return
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	var body string
	switch {
	case r.Error != nil:
		body = fmt.Sprintf("Error=%s(%q)", r.Error.Name, r.Error.Message)
	case r.Close:
		body = "Close"
	case r.StreamReady:
		body = "StreamReady"
	default:
		body = anyString(r.Payload)
	}
	return fmt.Sprintf("Response(ID=%v, %s)", r.ID, body)
}

// StreamClose is the payload of a streamClose envelope.
type StreamClose struct {
	ID uint32
}

// String returns a human-friendly rendering of the stream close.
func (c StreamClose) String() string { return fmt.Sprintf("StreamClose(ID=%v)", c.ID) }

// ErrorValue is the wire format of an error reported by a handler.
type ErrorValue struct {
	Name    string // the kind of error, e.g., "Error" or "ClosedError"
	Message string
	Stack   string
}

func (e *ErrorValue) appendFields(buf []byte) []byte {
	for i, s := range []string{e.Name, e.Message, e.Stack} {
		if s != "" {
			buf = protowire.AppendTag(buf, protowire.Number(i+1), protowire.BytesType)
			buf = protowire.AppendString(buf, s)
		}
	}
	return buf
}

func (e *ErrorValue) parseField(f field) (err error) {
	switch f.num {
	case 1:
		e.Name, err = f.asString()
	case 2:
		e.Message, err = f.asString()
	case 3:
		e.Stack, err = f.asString()
	}
	return
}

// Field numbers of the envelope variants.
const (
	fieldRequest     = protowire.Number(TypeRequest)
	fieldResponse    = protowire.Number(TypeResponse)
	fieldOpen        = protowire.Number(TypeOpen)
	fieldOpenAck     = protowire.Number(TypeOpenAck)
	fieldStreamClose = protowire.Number(TypeStreamClose)
	fieldBye         = protowire.Number(TypeBye)
)

func appendMessage(buf []byte, num protowire.Number, msg []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, msg)
}

func appendBool(buf []byte, num protowire.Number, v bool) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, protowire.EncodeBool(v))
}

func appendUint32(buf []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(v))
}

func appendAny(buf []byte, a *anypb.Any) []byte {
	if a.GetTypeUrl() != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, a.GetTypeUrl())
	}
	if len(a.GetValue()) != 0 {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, a.GetValue())
	}
	return buf
}

func anyString(a *anypb.Any) string {
	if a == nil {
		return "Payload=nil"
	}
	return fmt.Sprintf("Payload=%s[%d bytes]", a.GetTypeUrl(), len(a.GetValue()))
}

// A field is a single decoded field of a protobuf message.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64 // for VarintType
	b   []byte // for BytesType
}

func (f field) wantType(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) asBool() (bool, error) {
	if err := f.wantType(protowire.VarintType); err != nil {
		return false, err
	}
	return protowire.DecodeBool(f.v), nil
}

func (f field) asUint32() (uint32, error) {
	if err := f.wantType(protowire.VarintType); err != nil {
		return 0, err
	}
	return uint32(f.v), nil
}

func (f field) asString() (string, error) {
	if err := f.wantType(protowire.BytesType); err != nil {
		return "", err
	}
	return string(f.b), nil
}

func (f field) message(parse func(field) error) error {
	if err := f.wantType(protowire.BytesType); err != nil {
		return err
	}
	if err := parseFields(f.b, parse); err != nil {
		return fmt.Errorf("field %d: %w", f.num, err)
	}
	return nil
}

func (f field) asAny() (*anypb.Any, error) {
	a := new(anypb.Any)
	err := f.message(func(g field) (err error) {
		switch g.num {
		case 1:
			a.TypeUrl, err = g.asString()
		case 2:
			if err = g.wantType(protowire.BytesType); err == nil {
				a.Value = bytes.Clone(g.b)
			}
		}
		return
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// parseFields calls f for each field of the protobuf message encoded in data.
// Groups and fixed-width fields are skipped without calling f.
func parseFields(data []byte, f func(field) error) error {
	for len(data) != 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		fd := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			fd.v, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			fd.b, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := f(fd); err != nil {
			return err
		}
	}
	return nil
}
