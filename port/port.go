// Package port provides implementations of the dxrpc.Port interface.
package port

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// DefaultMaxMessageSize is the default limit on the size of a message read
// from a stream or connection.
const DefaultMaxMessageSize = 16 << 20

// Options are settings for the ports constructed by this package.
// A nil *Options is ready for use and provides defaults.
type Options struct {
	// Logger, if set, receives diagnostic logs from the port.
	Logger *zap.SugaredLogger

	// MaxMessageSize bounds the size of an inbound message. If zero,
	// DefaultMaxMessageSize is used.
	MaxMessageSize int

	// For Linked ports, each message is delivered no sooner than Delay after
	// it was sent. Messages are still delivered in order.
	Delay time.Duration

	// For WebSocket ports, if positive, a keepalive text frame is sent at this
	// interval while the port is open.
	PingInterval time.Duration
}

func (o *Options) logger() *zap.SugaredLogger {
	if o == nil || o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger.Named("port")
}

func (o *Options) maxMessageSize() int {
	if o == nil || o.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return o.MaxMessageSize
}

func (o *Options) delay() time.Duration {
	if o == nil {
		return 0
	}
	return o.Delay
}

func (o *Options) pingInterval() time.Duration {
	if o == nil {
		return 0
	}
	return o.PingInterval
}

// subscriber holds the current subscription of a port.
type subscriber struct {
	log *zap.SugaredLogger

	μ   sync.Mutex
	gen int
	f   func([]byte) error
}

func (s *subscriber) subscribe(f func([]byte) error) func() {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.gen++
	gen := s.gen
	s.f = f
	return func() {
		s.μ.Lock()
		defer s.μ.Unlock()
		if s.gen == gen {
			s.f = nil
		}
	}
}

// deliver passes msg to the current subscriber. Messages that arrive with no
// subscriber are dropped.
func (s *subscriber) deliver(msg []byte) {
	s.μ.Lock()
	f := s.f
	s.μ.Unlock()
	if f == nil {
		s.log.Debugw("message dropped, no subscriber", "size", len(msg))
		return
	}
	if err := f(msg); err != nil {
		s.log.Debugw("subscriber rejected message", "size", len(msg), "err", err)
	}
}

// Linked constructs a connected pair of in-memory ports. Messages sent to A
// are received by the subscriber of B and vice versa. A message sent while
// the other end has no subscriber is dropped.
func Linked(opts *Options) (A, B *LinkedPort) {
	A = newLinked(opts)
	B = newLinked(opts)
	A.remote, B.remote = B, A
	return
}

func newLinked(opts *Options) *LinkedPort {
	return &LinkedPort{
		delay: opts.delay(),
		sub:   subscriber{log: opts.logger()},
		inbox: queue.New[delivery](),
	}
}

// A LinkedPort is one end of an in-memory pair of ports. See Linked.
type LinkedPort struct {
	remote *LinkedPort
	delay  time.Duration
	sub    subscriber

	μ       sync.Mutex
	inbox   *queue.Queue[delivery]
	running bool // a goroutine is delivering the inbox
}

type delivery struct {
	msg []byte
	at  time.Time
}

// Send implements a method of the [dxrpc.Port] interface.
// It does not block waiting for delivery.
func (p *LinkedPort) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.remote.enqueue(bytes.Clone(msg))
	return nil
}

// Subscribe implements a method of the [dxrpc.Port] interface.
func (p *LinkedPort) Subscribe(f func([]byte) error) func() { return p.sub.subscribe(f) }

func (p *LinkedPort) enqueue(msg []byte) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.inbox.Add(delivery{msg: msg, at: time.Now().Add(p.delay)})
	if !p.running {
		p.running = true
		taskgroup.Go(func() error { p.run(); return nil })
	}
}

// run delivers the contents of the inbox in order, and exits when it is
// empty.
func (p *LinkedPort) run() {
	for {
		p.μ.Lock()
		d, ok := p.inbox.Pop()
		if !ok {
			p.running = false
			p.μ.Unlock()
			return
		}
		p.μ.Unlock()

		if wait := time.Until(d.at); wait > 0 {
			time.Sleep(wait)
		}
		p.sub.deliver(d.msg)
	}
}

// IO constructs a port that receives from r and sends to wc. Each message is
// framed with a varint length prefix. Once subscribed, the port reads from r
// in a separate goroutine until r reports an error or the port is closed.
func IO(r io.Reader, wc io.WriteCloser, opts *Options) *IOPort {
	p := &IOPort{
		// N.B. The bufio package will reuse existing buffers if possible.
		r:       bufio.NewReader(r),
		c:       []io.Closer{wc},
		maxSize: opts.maxMessageSize(),
		log:     opts.logger(),
		done:    make(chan struct{}),
	}
	p.w.w = bufio.NewWriter(wc)
	p.sub.log = p.log
	if rc, ok := r.(io.Closer); ok && rc != io.Closer(wc) {
		p.c = append(p.c, rc)
	}
	return p
}

// An IOPort sends and receives messages on a reader and a writer.
type IOPort struct {
	r       *bufio.Reader
	c       []io.Closer
	maxSize int
	log     *zap.SugaredLogger
	sub     subscriber
	start   sync.Once

	w struct {
		sync.Mutex
		w   *bufio.Writer
		buf []byte
	}

	closeOnce sync.Once
	closed    bool // set before the closers are invoked
	done      chan struct{}
	err       error // set before done is closed
}

// Send implements a method of the [dxrpc.Port] interface.
func (p *IOPort) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.w.Lock()
	defer p.w.Unlock()
	p.w.buf = binary.AppendUvarint(p.w.buf[:0], uint64(len(msg)))
	if _, err := p.w.w.Write(p.w.buf); err != nil {
		return err
	}
	if _, err := p.w.w.Write(msg); err != nil {
		return err
	}
	return p.w.w.Flush()
}

// Subscribe implements a method of the [dxrpc.Port] interface.
// The first call starts the read goroutine.
func (p *IOPort) Subscribe(f func([]byte) error) func() {
	unsub := p.sub.subscribe(f)
	p.start.Do(func() { taskgroup.Go(p.readLoop) })
	return unsub
}

// Done returns a channel that is closed when the port stops reading.
func (p *IOPort) Done() <-chan struct{} { return p.done }

// Err reports the error that caused the port to stop reading, or nil if the
// port has not stopped or stopped because of end of input or Close.
func (p *IOPort) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Close closes the writer (and the reader, if it is an io.Closer), and waits
// for the read goroutine to exit.
func (p *IOPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.w.Lock()
		p.closed = true
		p.w.Unlock()
		for _, c := range p.c {
			if cerr := c.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
	})
	p.start.Do(func() { close(p.done) }) // never started
	<-p.done
	return err
}

func (p *IOPort) readLoop() error {
	defer close(p.done)
	for {
		n, err := binary.ReadUvarint(p.r)
		if err == nil && n > uint64(p.maxSize) {
			err = fmt.Errorf("message size %d exceeds limit %d", n, p.maxSize)
		}
		if err != nil {
			p.stop(err)
			return nil
		}
		msg := make([]byte, int(n))
		if _, err := io.ReadFull(p.r, msg); err != nil {
			p.stop(fmt.Errorf("short message: %w", err))
			return nil
		}
		p.sub.deliver(msg)
	}
}

func (p *IOPort) stop(err error) {
	p.w.Lock()
	closed := p.closed
	p.w.Unlock()
	if closed || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return
	}
	p.log.Warnw("read failed", "err", err)
	p.err = err
}
