package peers_test

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/taskgroup"
	dxrpc "github.com/dxos/dxos-sub032"
	"github.com/dxos/dxos-sub032/peers"
	"github.com/dxos/dxos-sub032/port"
	"github.com/fortytw2/leaktest"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close method can be
// called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst, nil)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(*port.IOPort); !ok {
				t.Errorf("Accept: got %T, want %T", c, (*port.IOPort)(nil))
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst, nil)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			c, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", c)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})

	t.Run("WebSocketClosed", func(t *testing.T) {
		acc := peers.NewWebSocketAccepter(nil)
		acc.Close()
		if c, err := acc.Accept(t.Context()); !errors.Is(err, net.ErrClosed) {
			t.Errorf("Accept: got (%v, %v), want %v", c, err, net.ErrClosed)
		}
	})
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(nil, dxrpc.Options{}, dxrpc.Options{CallHandler: slowEcho})
	if err := loc.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rsp, err := loc.A.Call(t.Context(), "Test.Echo", mustAny(t, "hello"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := mustString(t, rsp); got != "hello" {
		t.Errorf("Call: got %q, want %q", got, "hello")
	}
	if err := loc.Close(t.Context()); err != nil {
		t.Errorf("Close: %v", err)
	}
	for _, p := range []*dxrpc.Peer{loc.A, loc.B} {
		if got := p.State(); got != dxrpc.StateClosed {
			t.Errorf("State: got %v, want %v", got, dxrpc.StateClosed)
		}
	}
}

func newServer(p dxrpc.Port) *dxrpc.Peer {
	return dxrpc.NewPeer(dxrpc.Options{Port: p, CallHandler: slowEcho})
}

func runClients(t *testing.T, dial func(context.Context) (peers.Conn, error)) {
	t.Helper()
	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		t.Errorf("Task error: %v", err)
	})
	for i := range numClients {
		g.Go(func() error {
			conn, err := dial(t.Context())
			if err != nil {
				return err
			}
			defer conn.Close()
			peer := dxrpc.NewPeer(dxrpc.Options{Port: conn})
			if err := peer.Open(t.Context()); err != nil {
				return err
			}
			for j := range numCalls {
				want := strings.Repeat("x", i+j)
				rsp, err := peer.Call(t.Context(), "Test.Echo", mustAny(t, want))
				if err != nil {
					t.Errorf("Call %d: %v", j+1, err)
				} else if got := mustString(t, rsp); got != want {
					t.Errorf("Call %d: got %q, want %q", j+1, got, want)
				}
			}
			return peer.Close(t.Context())
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst, nil), newServer)
	})
	t.Log("Started peer loop...")

	runClients(t, func(ctx context.Context) (peers.Conn, error) {
		return peers.Dial(ctx, addr, nil)
	})
	t.Logf("Closed listener, err=%v", lst.Close())
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}

func TestLoopWebSocket(t *testing.T) {
	defer leaktest.Check(t)()

	acc := peers.NewWebSocketAccepter(nil)
	srv := httptest.NewServer(acc)
	defer srv.Close()
	addr := "ws" + strings.TrimPrefix(srv.URL, "http")

	loop := taskgroup.Go(func() error {
		return peers.Loop(t.Context(), acc, newServer)
	})
	runClients(t, func(ctx context.Context) (peers.Conn, error) {
		return peers.Dial(ctx, addr, nil)
	})
	acc.Close()
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}

func TestLoopCancel(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst, nil), newServer)
	})

	conn, err := peers.Dial(t.Context(), addr, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	client := dxrpc.NewPeer(dxrpc.Options{Port: conn})
	if err := client.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Ending the loop context closes the server peer, which says bye, and
	// that closes the client in turn.
	cancel()
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for client to close")
	}
	if err := loop.Wait(); err == nil {
		t.Log("Loop exited cleanly")
	} else {
		t.Logf("Loop exited, err=%v", err)
	}
	client.Wait()
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},

		{"nothing", "unix"},        // no colon
		{"like/a/file", "unix"},    // no colon
		{"no-port:", "unix"},       // empty port
		{"file/with:port", "unix"}, // slashes in host
		{"path/with:404", "unix"},  // slashes in host
		{"mangled:@3", "unix"},     // non-alphanumerics in port
		{"[::1]:2323", "tcp"},      // bracketed IPv6 with port

		{":80", "tcp"},            // numeric port
		{":dumb-crud", "tcp"},     // service name
		{"localhost:80", "tcp"},   // host and numeric port
		{"localhost:http", "tcp"}, // host and service name

		{"ws://localhost:8080/rpc", "ws"},
		{"wss://example.com/rpc", "ws"},
	}
	for _, test := range tests {
		got, addr := peers.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}

func slowEcho(_ context.Context, _ string, payload *anypb.Any) (*anypb.Any, error) {
	time.Sleep(7 * time.Millisecond)
	return payload, nil
}

func mustAny(t *testing.T, s string) *anypb.Any {
	t.Helper()
	v, err := anypb.New(wrapperspb.String(s))
	if err != nil {
		t.Fatalf("New Any: %v", err)
	}
	return v
}

func mustString(t *testing.T, v *anypb.Any) string {
	t.Helper()
	var s wrapperspb.StringValue
	if err := v.UnmarshalTo(&s); err != nil {
		t.Fatalf("Unmarshal Any: %v", err)
	}
	return s.GetValue()
}
