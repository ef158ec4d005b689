// Package dxrpc implements a symmetric remote procedure call peer that runs
// over any bidirectional message transport.
//
// Two peers share a [Port], a channel of binary messages. Each message is an
// [Envelope] in protocol buffer wire format, carrying a request, a response,
// or one of the control signals of the session: open, openAck, streamClose,
// and bye. Request and response payloads are opaque [anypb.Any] values.
//
// # Peers
//
// The core type defined by this package is the [Peer]. To create a peer:
//
//	p := dxrpc.NewPeer(dxrpc.Options{
//	   Port:        port,
//	   CallHandler: handle,
//	})
//
// Before it can make calls, a peer must be opened. Open performs a handshake
// with the remote peer, and blocks until the remote peer has also opened:
//
//	if err := p.Open(ctx); err != nil {
//	   log.Fatalf("Open failed: %v", err)
//	}
//
// Peers may be opened in either order. The handshake re-sends its open signal
// with exponential backoff until the remote peer acknowledges it. When both
// ends agree to skip the handshake, set [Options.NoHandshake].
//
// # Calls
//
// To issue a unary call to the remote peer, use the [Peer.Call] method:
//
//	rsp, err := p.Call(ctx, "Service.Method", payload)
//
// A call waits for its response until [Options.Timeout] elapses (3 seconds
// by default). Use [WithTimeout] to override this for a single call.
//
// An error reported by the remote handler is returned as a [*RemoteError],
// which preserves the message of the remote error verbatim, and combines the
// remote stack with the stack of the local caller. Errors arising from the
// session itself match [ErrNotOpen], [ErrClosed], [ErrTimeout], or
// [ErrMalformed] via errors.Is.
//
// # Streams
//
// To issue a streaming call, use [Peer.CallStream]. The remote peer serves
// the request with its [StreamHandler], and the values of the stream it
// returns are delivered in order to the [stream.Stream] returned to the
// caller. Closing the caller's stream early tells the remote peer to stop.
//
// # Closing
//
// [Peer.Close] ends the session gracefully: pending calls fail at once with
// [ErrClosed], and the peer exchanges bye signals with the remote peer before
// releasing its port. [Peer.Abort] does the same without the exchange. A peer
// that receives bye from the remote peer closes itself.
//
// # Metrics
//
// Peers maintain a collection of metrics while running. Use the [Peer.Metrics]
// method to obtain an [expvar.Map] containing the metrics exported by the
// peer. The metrics currently exported by peers include:
//
//   - envelopes_received: counter of envelopes received
//   - envelopes_sent: counter of envelopes sent
//   - envelopes_dropped: counter of envelopes received and discarded
//   - calls_in: counter of inbound requests received
//   - calls_in_failed: counter of inbound requests resulting in errors
//   - calls_active: gauge of inbound unary calls currently active
//   - calls_out: counter of outbound calls and streams initiated
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_pending: gauge of outbound unary calls currently pending
//   - streams_in: counter of inbound streaming requests
//   - streams_active: gauge of inbound streams currently being served
//   - stream_closes_in: counter of stream closes received
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package dxrpc
