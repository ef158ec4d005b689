// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"
	dxrpc "github.com/dxos/dxos-sub032"
	"github.com/dxos/dxos-sub032/port"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *dxrpc.Peer
	B *dxrpc.Peer
}

// NewLocal creates a pair of unopened peers connected by linked in-memory
// ports constructed with popts. The Port fields of a and b are ignored.
func NewLocal(popts *port.Options, a, b dxrpc.Options) *Local {
	pa, pb := port.Linked(popts)
	a.Port, b.Port = pa, pb
	return &Local{A: dxrpc.NewPeer(a), B: dxrpc.NewPeer(b)}
}

// Open opens both peers concurrently, and blocks until both have completed
// the handshake or ctx ends.
func (l *Local) Open(ctx context.Context) error {
	return both(func(p *dxrpc.Peer) error { return p.Open(ctx) }, l.A, l.B)
}

// Close closes both peers concurrently and blocks until both have exited.
func (l *Local) Close(ctx context.Context) error {
	err := both(func(p *dxrpc.Peer) error { return p.Close(ctx) }, l.A, l.B)
	l.A.Wait()
	l.B.Wait()
	return err
}

func both(f func(*dxrpc.Peer) error, a, b *dxrpc.Peer) error {
	g := taskgroup.New(nil)
	g.Go(func() error { return f(a) })
	g.Go(func() error { return f(b) })
	return g.Wait()
}

// A Conn is a port attached to a network connection.
type Conn interface {
	dxrpc.Port

	// Done returns a channel that is closed when the connection stops
	// delivering messages.
	Done() <-chan struct{}

	// Close closes the connection.
	Close() error
}

// An Accepter accepts connections from remote peers.
type Accepter interface {
	Accept(context.Context) (Conn, error)
}

// Loop accepts connections from acc and runs a peer for each one in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// Each peer is opened when its connection is accepted, and runs until it
// closes or its connection ends. When ctx terminates, all running peers are
// closed. When acc closes, the loop waits for running peers to exit before
// returning.
func Loop(ctx context.Context, acc Accepter, newPeer func(dxrpc.Port) *dxrpc.Peer) error {
	g := taskgroup.New(nil)
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}
		g.Go(func() error {
			Serve(ctx, conn, newPeer(conn))
			return nil
		})
	}
}

// Serve runs peer on conn until the peer closes, the connection ends, or ctx
// ends, and then closes conn. When ctx ends the peer is closed gracefully;
// when the connection ends it is aborted. Serve returns after the handlers of
// peer have exited.
func Serve(ctx context.Context, conn Conn, peer *dxrpc.Peer) {
	defer conn.Close()
	defer peer.Wait()

	open := taskgroup.Go(func() error {
		if err := peer.Open(ctx); err != nil {
			peer.Abort()
		}
		return nil
	})
	defer open.Wait()

	select {
	case <-peer.Done():
	case <-conn.Done():
		peer.Abort()
	case <-ctx.Done():
		peer.Close(context.Background())
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
// Each connection is framed as an IO port with the given options.
func NetAccepter(lst net.Listener, opts *port.Options) Accepter {
	return netAccepter{Listener: lst, opts: opts}
}

type netAccepter struct {
	net.Listener
	opts *port.Options
}

func (n netAccepter) Accept(ctx context.Context) (Conn, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return port.IO(conn, conn, n.opts), nil
}

// A WebSocketAccepter is an http.Handler that upgrades each request to a
// WebSocket and delivers it to the Accept method.
type WebSocketAccepter struct {
	opts  *port.Options
	conns chan Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketAccepter constructs a WebSocketAccepter whose ports use opts.
func NewWebSocketAccepter(opts *port.Options) *WebSocketAccepter {
	return &WebSocketAccepter{
		opts:   opts,
		conns:  make(chan Conn),
		closed: make(chan struct{}),
	}
}

// ServeHTTP implements the http.Handler interface. It blocks until Accept
// receives the connection or the accepter is closed.
func (w *WebSocketAccepter) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	p, err := port.Upgrade(rw, req, w.opts)
	if err != nil {
		return // Upgrade has replied
	}
	select {
	case w.conns <- p:
	case <-w.closed:
		p.Close()
	case <-req.Context().Done():
		p.Close()
	}
}

// Accept implements the Accepter interface. After Close it reports an error
// that wraps net.ErrClosed.
func (w *WebSocketAccepter) Accept(ctx context.Context) (Conn, error) {
	select {
	case <-w.closed:
		return nil, fmt.Errorf("accept: %w", net.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-w.conns:
		return c, nil
	}
}

// Close stops w from accepting further connections.
func (w *WebSocketAccepter) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// If s has the form "ws://..." or "wss://...", the network is "ws" and the
// address is s unchanged. Otherwise, if s has the form "host:port" where port
// is a number or service name and host does not contain a slash, the network
// is "tcp". Any other address is treated as a Unix-domain socket path.
func SplitAddress(s string) (network, address string) {
	if strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://") {
		return "ws", s
	}
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, svc := s[:i], s[i+1:]
	if svc == "" || !isServiceName(svc) || strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}

// Dial connects to the address addr, as interpreted by SplitAddress, and
// returns a port for the connection.
func Dial(ctx context.Context, addr string, opts *port.Options) (Conn, error) {
	network, target := SplitAddress(addr)
	if network == "ws" {
		return port.Dial(ctx, target, opts)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, err
	}
	return port.IO(conn, conn, opts), nil
}
