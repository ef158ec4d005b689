package dxrpc

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/dxos/dxos-sub032/stream"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"
)

// A Port is a bidirectional channel of binary messages shared by two peers.
// A port must deliver messages to its subscriber one at a time, in the order
// they were sent.
type Port interface {
	// Send delivers msg to the remote end of the port.
	Send(ctx context.Context, msg []byte) error

	// Subscribe registers f to receive messages from the remote end, and
	// returns a function that cancels the subscription. An error reported by
	// f describes a message that could not be processed; it does not stop
	// delivery of later messages.
	Subscribe(f func(msg []byte) error) (unsubscribe func())
}

// A CallHandler handles a unary request from the remote peer. A handler can
// obtain the peer from its context argument using the ContextPeer helper.
//
// An error reported by a handler is returned to the caller as a RemoteError
// with the same message. A panic in a handler is reported in the same way.
type CallHandler func(ctx context.Context, method string, payload *anypb.Any) (*anypb.Any, error)

// A StreamHandler handles a streaming request from the remote peer. The
// values of the stream it returns are forwarded to the caller until either
// side closes the stream. The context passed to the handler ends when the
// stream closes.
type StreamHandler func(ctx context.Context, method string, payload *anypb.Any) (*stream.Stream[*anypb.Any], error)

// An EnvelopeLogger logs an envelope exchanged with the remote peer.
type EnvelopeLogger func(EnvelopeInfo)

// An EnvelopeInfo combines an envelope and a flag indicating whether the
// envelope was sent or received.
type EnvelopeInfo struct {
	*Envelope      // the envelope being logged
	Sent      bool // whether the envelope was sent (true) or received (false)
}

func (e EnvelopeInfo) dir() string {
	if e.Sent {
		return "send"
	}
	return "recv"
}

func (e EnvelopeInfo) String() string {
	return fmt.Sprintf("%v %v", e.dir(), e.Envelope)
}

// DefaultTimeout is the default timeout for calls and for the bye exchange
// during Close.
const DefaultTimeout = 3 * time.Second

// Retry bounds for sending open during the handshake.
const (
	openRetryMin = 50 * time.Millisecond
	openRetryMax = 5 * time.Second
)

// Options are the settings for a Peer.
type Options struct {
	// Port is the transport shared with the remote peer. It must not be nil.
	Port Port

	// Timeout bounds how long a call waits for its response, and how long
	// Close waits for the remote peer to acknowledge. If zero, DefaultTimeout
	// is used.
	Timeout time.Duration

	// CallHandler handles unary requests from the remote peer. If nil, all
	// such requests fail.
	CallHandler CallHandler

	// StreamHandler handles streaming requests from the remote peer. If nil,
	// all such requests fail.
	StreamHandler StreamHandler

	// NoHandshake, if true, disables the open and bye exchanges. The peer is
	// open as soon as Open is called. Both peers must agree on this setting.
	NoHandshake bool

	// Logger, if set, receives diagnostic logs from the peer.
	Logger *zap.SugaredLogger
}

// State is the lifecycle state of a Peer.
type State int

const (
	StateInitial State = iota // not yet opened
	StateOpening              // open in progress, waiting for the remote peer
	StateOpened               // open, calls may be issued
	StateClosing              // close in progress
	StateClosed               // closed; no further traffic is processed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateOpening:
		return "OPENING"
	case StateOpened:
		return "OPENED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE:%d", int(s))
	}
}

// A Peer is one endpoint of an RPC session over a Port.
//
// Call Open to perform the handshake with the remote peer. Once open, a peer
// can issue calls with Call and CallStream, and serves requests from the
// remote peer with its handlers. Call Close to shut down gracefully, or Abort
// to shut down without notifying the remote peer. All methods of a Peer are
// safe for concurrent use by multiple goroutines.
type Peer struct {
	opts    Options
	log     *zap.SugaredLogger
	metrics *peerMetrics
	tasks   *taskgroup.Group

	// The base context for handlers, ended when the peer closes.
	ctx    context.Context
	cancel context.CancelFunc

	// Must hold the lock to send to the port, so that the envelope logger
	// sees envelopes in the order they are sent.
	out sync.Mutex

	μ sync.Mutex

	state   State
	unsub   func()                  // cancels the port subscription
	calls   callTable               // outbound calls pending responses
	streams map[uint32]*localStream // inbound streams being served
	elog    EnvelopeLogger          // what it says on the tin
	gotBye  bool

	opened  chan struct{} // closed when the handshake completes
	closing chan struct{} // closed when the peer begins closing
	byeRecv chan struct{} // closed when the remote peer says bye
	closed  chan struct{} // closed when the peer is closed
}

// A localStream is a stream being served to the remote peer.
type localStream struct {
	s      *stream.Stream[*anypb.Any] // nil while the handler is running
	cancel context.CancelFunc

	// If set, the stream ended by request of the caller or because the peer
	// is closing, and no terminal response is sent.
	silent bool
}

// NewPeer constructs a new unopened peer with the given options.
// It panics if opts.Port is nil.
func NewPeer(opts Options) *Peer {
	if opts.Port == nil {
		panic("dxrpc: no port")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &Peer{
		opts:    opts,
		log:     log.Named("dxrpc"),
		metrics: newPeerMetrics(),
		tasks:   taskgroup.New(nil),
		streams: make(map[uint32]*localStream),
		opened:  make(chan struct{}),
		closing: make(chan struct{}),
		byeRecv: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.WithValue(context.Background(), peerContextKey{}, p))
	return p
}

// Metrics returns a metrics map for the peer. It is safe for the caller to add
// additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return p.metrics.emap }

// State reports the current lifecycle state of p.
func (p *Peer) State() State {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.state
}

// Done returns a channel that is closed when p is closed.
func (p *Peer) Done() <-chan struct{} { return p.closed }

// Wait blocks until p is closed and all its handlers have returned.
func (p *Peer) Wait() {
	<-p.closed
	p.tasks.Wait()
}

// LogEnvelopes registers a callback that will be invoked for each envelope
// exchanged with the remote peer, including envelopes that are discarded.
//
// Passing a nil callback disables envelope logging. The logger is invoked
// synchronously, prior to sending or dispatching an envelope.
func (p *Peer) LogEnvelopes(log EnvelopeLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.elog = log
	return p
}

// Open opens p, subscribing to its port and performing the handshake with
// the remote peer. Open blocks until the remote peer has also opened, p
// begins closing, or ctx ends. It is safe to call Open more than once; all
// callers wait for the same handshake.
//
// Open reports ErrClosed if p closes before the handshake completes.
func (p *Peer) Open(ctx context.Context) error {
	p.μ.Lock()
	switch p.state {
	case StateInitial:
		p.state = StateOpening
		p.μ.Unlock()
		p.start()
	case StateClosing, StateClosed:
		p.μ.Unlock()
		return ErrClosed
	default:
		p.μ.Unlock()
	}

	select {
	case <-p.opened:
		return nil
	case <-p.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start subscribes to the port and starts the handshake.
func (p *Peer) start() {
	unsub := p.opts.Port.Subscribe(p.receive)

	p.μ.Lock()
	defer p.μ.Unlock()
	if p.state != StateOpening {
		// The peer began closing while we were subscribing.
		unsub()
		return
	}
	p.unsub = unsub
	if p.opts.NoHandshake {
		p.setOpenedLocked()
		return
	}
	p.tasks.Go(p.openLoop)
}

// openLoop sends open to the remote peer with exponential backoff until the
// handshake completes or the peer begins closing.
func (p *Peer) openLoop() error {
	delay := openRetryMin
	t := time.NewTimer(delay)
	defer t.Stop()
	for {
		if err := p.send(p.ctx, &Envelope{Open: true}); err != nil {
			p.log.Debugw("send open failed", "err", err)
		}
		select {
		case <-p.opened:
			// Acknowledge once more, in case the remote peer opened after our
			// last open and is still waiting.
			if err := p.send(p.ctx, &Envelope{OpenAck: true}); err != nil {
				p.log.Debugw("send openAck failed", "err", err)
			}
			return nil
		case <-p.closing:
			return nil
		case <-t.C:
		}
		delay = min(2*delay, openRetryMax)
		t.Reset(delay)
	}
}

func (p *Peer) setOpenedLocked() {
	p.state = StateOpened
	close(p.opened)
	p.log.Debugw("peer opened")
}

// CallOption is an optional setting for a call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the timeout of the peer for a unary call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

func (p *Peer) callOptions(opts []CallOption) callOptions {
	co := callOptions{timeout: p.opts.Timeout}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

// Call sends a unary request to the remote peer for the specified method and
// payload, and blocks until the response arrives, the call times out, or ctx
// ends. The payload must not be nil.
//
// If the remote handler reports an error, Call returns a *RemoteError.
// Otherwise, errors from Call wrap ErrNotOpen, ErrClosed, ErrTimeout, or
// ErrMalformed, or are the error from ctx.
func (p *Peer) Call(ctx context.Context, method string, payload *anypb.Any, opts ...CallOption) (_ *anypb.Any, err error) {
	p.metrics.callOut.Add(1)
	defer func() {
		if err != nil {
			p.metrics.callOutErr.Add(1)
		}
	}()
	co := p.callOptions(opts)

	pc := &pendingCall{method: method, result: make(chan callResult, 1)}
	id, err := p.register(pc)
	if err != nil {
		return nil, fmt.Errorf("call %q: %w", method, err)
	}
	p.metrics.callPending.Add(1)
	defer p.metrics.callPending.Add(-1)

	// N.B. Do not hold the state lock while sending, as that will block the
	// receiver from dispatching envelopes.
	if err := p.send(ctx, &Envelope{Request: &Request{
		ID:      id,
		Method:  method,
		Payload: payload,
	}}); err != nil {
		p.forget(id)
		return nil, fmt.Errorf("call %q: %w", method, err)
	}

	// If the call times out, leave it pending: a late response will be
	// discarded when it arrives.
	timer := time.NewTimer(co.timeout)
	defer timer.Stop()
	select {
	case res := <-pc.result:
		if res.err != nil {
			return nil, fmt.Errorf("call %q: %w", method, res.err)
		}
		return callResponse(method, res.rsp)
	case <-timer.C:
		return nil, fmt.Errorf("call %q: %w after %v", method, ErrTimeout, co.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func callResponse(method string, rsp *Response) (*anypb.Any, error) {
	switch {
	case rsp.Payload != nil:
		return rsp.Payload, nil
	case rsp.Error != nil:
		return nil, DecodeError(rsp.Error, method)
	default:
		return nil, fmt.Errorf("call %q: response has no payload: %w", method, ErrMalformed)
	}
}

// CallStream sends a streaming request to the remote peer for the specified
// method and payload, and returns a stream of the responses. The stream ends
// when the remote handler closes it, when the caller closes it, when ctx
// ends, or when the peer closes. Closing the stream before the remote handler
// is finished tells the remote peer to stop it.
//
// If the remote handler reports an error, the stream closes with a
// *RemoteError. Call options other than timeouts apply to streams.
func (p *Peer) CallStream(ctx context.Context, method string, payload *anypb.Any, opts ...CallOption) (*stream.Stream[*anypb.Any], error) {
	p.metrics.callOut.Add(1)

	var id uint32
	var err error
	s := stream.New(func(ctl *stream.Controller[*anypb.Any]) func() {
		id, err = p.register(&pendingCall{method: method, ctl: ctl})
		if err != nil {
			return nil
		}
		stop := context.AfterFunc(ctx, func() { ctl.Close(ctx.Err()) })
		return func() {
			stop()
			if p.forgetStream(id) {
				if err := p.send(p.ctx, &Envelope{StreamClose: &StreamClose{ID: id}}); err != nil {
					p.log.Debugw("send streamClose failed", "id", id, "err", err)
				}
			}
		}
	})
	if err != nil {
		p.metrics.callOutErr.Add(1)
		return nil, fmt.Errorf("call stream %q: %w", method, err)
	}

	if err := p.send(ctx, &Envelope{Request: &Request{
		ID:      id,
		Method:  method,
		Payload: payload,
		Stream:  true,
	}}); err != nil {
		p.metrics.callOutErr.Add(1)
		p.forget(id)
		s.Close()
		return nil, fmt.Errorf("call stream %q: %w", method, err)
	}
	return s, nil
}

// register records pc as a pending call and returns its request ID.
func (p *Peer) register(pc *pendingCall) (uint32, error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	switch p.state {
	case StateOpened:
		return p.calls.add(pc), nil
	case StateInitial, StateOpening:
		return 0, ErrNotOpen
	default:
		return 0, ErrClosed
	}
}

func (p *Peer) forget(id uint32) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.calls.remove(id)
}

// forgetStream removes the pending stream call for id, and reports whether
// the remote peer should be told to stop serving it.
func (p *Peer) forgetStream(id uint32) bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	_, ok := p.calls.remove(id)
	return ok && p.state == StateOpened
}

// Close closes p gracefully. Pending calls fail with ErrClosed. If p is open,
// Close tells the remote peer it is closing and waits for it to acknowledge,
// until ctx ends or the peer timeout elapses. Close is idempotent; concurrent
// callers wait for the same shutdown.
func (p *Peer) Close(ctx context.Context) error { return p.shutdown(ctx, true) }

// Abort closes p immediately, without notifying the remote peer. Pending
// calls fail with ErrClosed.
func (p *Peer) Abort() {
	p.shutdown(context.Background(), false)
	p.dispose() // in case a graceful close was already in progress
}

func (p *Peer) shutdown(ctx context.Context, graceful bool) error {
	p.μ.Lock()
	switch p.state {
	case StateClosed:
		p.μ.Unlock()
		return nil
	case StateClosing:
		p.μ.Unlock()
		if !graceful {
			return nil
		}
		select {
		case <-p.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	prev := p.state
	p.state = StateClosing
	close(p.closing)
	pending := p.calls.drain()
	p.μ.Unlock()

	p.log.Debugw("peer closing", "graceful", graceful, "pending", len(pending))
	for _, pc := range pending {
		pc.fail(ErrClosed)
	}
	if graceful && prev == StateOpened && !p.opts.NoHandshake {
		p.sayBye(ctx)
	}
	p.dispose()
	return nil
}

// sayBye sends bye to the remote peer and waits for its bye in return.
func (p *Peer) sayBye(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	if err := p.send(ctx, &Envelope{Bye: true}); err != nil {
		p.log.Debugw("send bye failed", "err", err)
		return
	}
	select {
	case <-p.byeRecv:
	case <-p.closed: // aborted
	case <-ctx.Done():
		p.log.Warnw("no bye from remote peer", "err", ctx.Err())
	}
}

// dispose releases the resources of p and marks it closed.
func (p *Peer) dispose() {
	p.μ.Lock()
	if p.state == StateClosed {
		p.μ.Unlock()
		return
	}
	p.state = StateClosed
	unsub := p.unsub
	p.unsub = nil
	var streams []*stream.Stream[*anypb.Any]
	for _, ls := range p.streams {
		ls.silent = true
		ls.cancel()
		if ls.s != nil {
			streams = append(streams, ls.s)
		}
	}
	p.streams = make(map[uint32]*localStream)
	p.μ.Unlock()

	if unsub != nil {
		unsub()
	}
	p.cancel()
	for _, s := range streams {
		s.Close()
	}
	close(p.closed)
	p.log.Debugw("peer closed", "streams", len(streams))
}

// receive is the port subscriber for p.
func (p *Peer) receive(msg []byte) error {
	p.metrics.envelopeRecv.Add(1)
	var env Envelope
	if err := env.UnmarshalBinary(msg); err != nil {
		p.metrics.envelopeDropped.Add(1)
		p.log.Warnw("invalid envelope", "err", err, "size", len(msg))
		return fmt.Errorf("invalid envelope: %w: %w", ErrMalformed, err)
	}

	p.μ.Lock()
	elog := p.elog
	p.μ.Unlock()
	if elog != nil {
		elog(EnvelopeInfo{Envelope: &env, Sent: false})
	}

	switch env.Type() {
	case TypeRequest:
		p.dispatchRequest(env.Request)
	case TypeResponse:
		p.dispatchResponse(env.Response)
	case TypeOpen:
		p.dispatchOpen()
	case TypeOpenAck:
		p.dispatchOpenAck()
	case TypeStreamClose:
		p.dispatchStreamClose(env.StreamClose.ID)
	case TypeBye:
		p.dispatchBye()
	default:
		p.metrics.envelopeDropped.Add(1)
		p.log.Warnw("envelope has no single variant", "envelope", env.String())
		return fmt.Errorf("invalid envelope %v: %w", env, ErrMalformed)
	}
	return nil
}

// activeLocked reports whether p should serve requests.
func (p *Peer) activeLocked() bool {
	return p.state == StateOpening || p.state == StateOpened
}

func (p *Peer) dispatchRequest(req *Request) {
	p.metrics.callIn.Add(1)
	if req.Method == "" || req.Payload == nil {
		p.metrics.callInErr.Add(1)
		p.reply(&Response{ID: req.ID, Error: EncodeError(
			fmt.Errorf("request %d: missing method or payload: %w", req.ID, ErrMalformed),
		)})
		return
	}
	if req.Stream {
		p.serveStream(req)
	} else {
		p.serveCall(req)
	}
}

func (p *Peer) replyClosed(req *Request) {
	p.metrics.callInErr.Add(1)
	p.log.Debugw("request while closed", "id", req.ID, "method", req.Method)
	p.reply(&Response{ID: req.ID, Error: EncodeError(ErrClosed)})
}

func (p *Peer) serveCall(req *Request) {
	p.μ.Lock()
	if !p.activeLocked() {
		p.μ.Unlock()
		p.replyClosed(req)
		return
	}
	defer p.μ.Unlock()

	// Start a goroutine to service the request, so that slow handlers do not
	// block the dispatch of other requests.
	ctx := p.ctx
	p.metrics.callActive.Add(1)
	p.tasks.Go(func() error {
		defer p.metrics.callActive.Add(-1)

		rsp := &Response{ID: req.ID}
		if out, err := p.runCall(ctx, req); err != nil {
			p.metrics.callInErr.Add(1)
			p.log.Debugw("handler failed", "method", req.Method, "err", err)
			rsp.Error = EncodeError(err)
		} else if out == nil {
			rsp.Payload = new(anypb.Any)
		} else {
			rsp.Payload = out
		}
		p.reply(rsp)
		return nil
	})
}

func (p *Peer) runCall(ctx context.Context, req *Request) (_ *anypb.Any, err error) {
	if p.opts.CallHandler == nil {
		return nil, fmt.Errorf("no handler for method %q", req.Method)
	}
	// Ensure a panic out of the handler is turned into a graceful response.
	defer func() {
		if x := recover(); x != nil {
			err = recoveredError(x)
		}
	}()
	return p.opts.CallHandler(ctx, req.Method, req.Payload)
}

func (p *Peer) serveStream(req *Request) {
	p.μ.Lock()
	if !p.activeLocked() {
		p.μ.Unlock()
		p.replyClosed(req)
		return
	}
	defer p.μ.Unlock()

	// Register the stream before the handler starts, so that a streamClose or
	// dispose that arrives while it runs still finds it.
	ctx, cancel := context.WithCancel(p.ctx)
	ls := &localStream{cancel: cancel}
	p.streams[req.ID] = ls
	p.metrics.streamsIn.Add(1)
	p.tasks.Go(func() error {
		p.runLocalStream(ctx, req, ls)
		return nil
	})
}

// runLocalStream runs the stream handler for req and forwards the events of
// the resulting stream to the remote peer.
func (p *Peer) runLocalStream(ctx context.Context, req *Request, ls *localStream) {
	s, err := p.runStream(ctx, req)
	if err != nil {
		p.metrics.callInErr.Add(1)
		p.dropStream(req.ID, ls)
		ls.cancel()

		p.μ.Lock()
		silent := ls.silent
		p.μ.Unlock()
		if !silent {
			p.reply(&Response{ID: req.ID, Error: EncodeError(err)})
		}
		return
	}

	p.μ.Lock()
	ls.s = s
	silent := ls.silent
	p.μ.Unlock()
	if silent {
		// The stream was closed while the handler was running.
		ls.cancel()
		s.Close()
		return
	}

	p.metrics.streamsActive.Add(1)
	s.Subscribe(func(e stream.Event[*anypb.Any]) {
		switch e.Type {
		case stream.Ready:
			p.reply(&Response{ID: req.ID, StreamReady: true})
		case stream.Data:
			p.reply(&Response{ID: req.ID, Payload: e.Value})
		case stream.Closed:
			p.metrics.streamsActive.Add(-1)
			p.dropStream(req.ID, ls)
			ls.cancel()

			p.μ.Lock()
			silent := ls.silent
			p.μ.Unlock()
			if silent {
				return
			}
			if e.Err != nil {
				p.metrics.callInErr.Add(1)
				p.reply(&Response{ID: req.ID, Error: EncodeError(e.Err)})
			} else {
				p.reply(&Response{ID: req.ID, Close: true})
			}
		}
	})
}

func (p *Peer) runStream(ctx context.Context, req *Request) (_ *stream.Stream[*anypb.Any], err error) {
	if p.opts.StreamHandler == nil {
		return nil, fmt.Errorf("streaming requests are not supported (method %q)", req.Method)
	}
	defer func() {
		if x := recover(); x != nil {
			err = recoveredError(x)
		}
	}()
	s, err := p.opts.StreamHandler(ctx, req.Method, req.Payload)
	if err == nil && s == nil {
		err = fmt.Errorf("handler for %q returned no stream", req.Method)
	}
	return s, err
}

// dropStream removes ls from the registry of local streams, if it is still
// registered under id.
func (p *Peer) dropStream(id uint32, ls *localStream) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.streams[id] == ls {
		delete(p.streams, id)
	}
}

func (p *Peer) dispatchResponse(rsp *Response) {
	p.μ.Lock()
	if p.state != StateOpened {
		p.μ.Unlock()
		p.metrics.envelopeDropped.Add(1)
		p.log.Debugw("response while not open", "id", rsp.ID)
		return
	}
	pc, ok := p.calls.get(rsp.ID)
	if !ok {
		p.μ.Unlock()
		p.metrics.envelopeDropped.Add(1)
		p.log.Debugw("response for unknown request", "id", rsp.ID)
		return
	}
	more := pc.isStream() && (rsp.Payload != nil || rsp.StreamReady)
	if !more {
		p.calls.remove(rsp.ID)
	}
	p.μ.Unlock()

	// Deliver outside the lock: stream subscribers may call back into p.
	if !pc.isStream() {
		pc.result <- callResult{rsp: rsp} // does not block
		return
	}
	switch {
	case rsp.Payload != nil:
		pc.ctl.Next(rsp.Payload)
	case rsp.StreamReady:
		pc.ctl.Ready()
	case rsp.Close:
		pc.ctl.Close(nil)
	case rsp.Error != nil:
		pc.ctl.Close(DecodeError(rsp.Error, pc.method))
	default:
		pc.ctl.Close(fmt.Errorf("stream %q: invalid response: %w", pc.method, ErrMalformed))
	}
}

func (p *Peer) dispatchOpen() {
	if p.opts.NoHandshake {
		return
	}
	p.μ.Lock()
	active := p.activeLocked()
	p.μ.Unlock()
	if !active {
		return
	}
	if err := p.send(p.ctx, &Envelope{OpenAck: true}); err != nil {
		p.log.Debugw("send openAck failed", "err", err)
	}
}

func (p *Peer) dispatchOpenAck() {
	if p.opts.NoHandshake {
		return
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.state == StateOpening {
		p.setOpenedLocked()
	}
}

func (p *Peer) dispatchStreamClose(id uint32) {
	p.μ.Lock()
	ls, ok := p.streams[id]
	var s *stream.Stream[*anypb.Any]
	if ok && p.state == StateOpened {
		delete(p.streams, id)
		ls.silent = true
		s = ls.s
	} else {
		ok = false
	}
	p.μ.Unlock()

	if !ok {
		p.log.Debugw("streamClose for unknown stream", "id", id)
		return
	}
	p.metrics.streamClosesIn.Add(1)
	ls.cancel()
	if s != nil {
		s.Close()
	}
}

func (p *Peer) dispatchBye() {
	p.μ.Lock()
	defer p.μ.Unlock()
	if !p.gotBye {
		p.gotBye = true
		close(p.byeRecv)
	}

	// If we are not already closing, the remote peer initiated the close.
	// Reply and shut down in the background, so that the port is not blocked.
	if p.activeLocked() {
		p.log.Debugw("remote peer closing")
		p.tasks.Go(func() error {
			return p.Close(context.Background())
		})
	}
}

// reply sends rsp to the remote peer. Errors are logged, not reported: the
// remote peer may already be gone.
func (p *Peer) reply(rsp *Response) {
	if err := p.send(p.ctx, &Envelope{Response: rsp}); err != nil {
		p.log.Debugw("send response failed", "id", rsp.ID, "err", err)
	}
}

func (p *Peer) send(ctx context.Context, env *Envelope) error {
	p.out.Lock()
	defer p.out.Unlock()

	p.μ.Lock()
	elog := p.elog
	p.μ.Unlock()
	if elog != nil {
		elog(EnvelopeInfo{Envelope: env, Sent: true})
	}
	p.metrics.envelopeSent.Add(1)
	return p.opts.Port.Send(ctx, env.Encode())
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined. The context passed to a handler has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}
