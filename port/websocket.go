package port

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// pingText is the keepalive text frame exchanged by browser clients.
// It carries no envelope and is not delivered to the subscriber.
const pingText = "__ping__"

// Dial opens a WebSocket connection to url and returns a port for it.
func Dial(ctx context.Context, url string, opts *Options) (*WebSocketPort, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return WebSocket(conn, opts), nil
}

// Upgrade upgrades an HTTP server connection to a WebSocket and returns a
// port for it. On error, Upgrade has already replied to the client.
func Upgrade(w http.ResponseWriter, r *http.Request, opts *Options) (*WebSocketPort, error) {
	var up websocket.Upgrader
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return WebSocket(conn, opts), nil
}

// WebSocket constructs a port that exchanges messages as binary frames on
// conn. Once subscribed, the port reads from conn in a separate goroutine
// until the connection fails or the port is closed.
func WebSocket(conn *websocket.Conn, opts *Options) *WebSocketPort {
	p := &WebSocketPort{
		conn: conn,
		log:  opts.logger(),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	p.sub.log = p.log
	conn.SetReadLimit(int64(opts.maxMessageSize()))
	conn.SetCloseHandler(func(code int, text string) error {
		p.log.Debugw("close frame received", "code", code, "text", text)
		msg := websocket.FormatCloseMessage(code, "")
		p.writeControl(websocket.CloseMessage, msg)
		return nil
	})

	p.ping = opts.pingInterval()
	return p
}

// A WebSocketPort sends and receives messages on a WebSocket connection.
type WebSocketPort struct {
	conn  *websocket.Conn
	log   *zap.SugaredLogger
	sub   subscriber
	ping  time.Duration
	start sync.Once
	tasks *taskgroup.Group

	wμ sync.Mutex // the connection permits only one concurrent writer

	closeOnce sync.Once
	stop      chan struct{} // closed by Close
	done      chan struct{} // closed when the read loop exits
	err       error         // set before done is closed
}

// Send implements a method of the [dxrpc.Port] interface.
func (p *WebSocketPort) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.wμ.Lock()
	defer p.wμ.Unlock()
	deadline, _ := ctx.Deadline() // zero if none
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// Subscribe implements a method of the [dxrpc.Port] interface.
// The first call starts the read goroutine, and the keepalive if enabled.
func (p *WebSocketPort) Subscribe(f func([]byte) error) func() {
	unsub := p.sub.subscribe(f)
	p.start.Do(func() {
		g := taskgroup.New(nil)
		g.Go(p.readLoop)
		if p.ping > 0 {
			g.Go(func() error { p.pingLoop(p.ping); return nil })
		}
		p.tasks = g
	})
	return unsub
}

// Done returns a channel that is closed when the port stops reading.
func (p *WebSocketPort) Done() <-chan struct{} { return p.done }

// Err reports the error that caused the port to stop reading, or nil if the
// port has not stopped or the connection was closed normally.
func (p *WebSocketPort) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Close sends a close frame to the remote end, closes the connection, and
// waits for the port goroutines to exit.
func (p *WebSocketPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		p.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = p.conn.Close()
	})
	p.start.Do(func() { // never started
		close(p.done)
		p.tasks = taskgroup.New(nil)
	})
	p.tasks.Wait()
	return err
}

func (p *WebSocketPort) writeControl(typ int, data []byte) {
	p.wμ.Lock()
	defer p.wμ.Unlock()
	// Errors are ignored: the connection may already be gone.
	p.conn.WriteControl(typ, data, time.Now().Add(time.Second))
}

func (p *WebSocketPort) readLoop() error {
	defer close(p.done)
	for {
		typ, msg, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.stop:
				// Closed locally; the error is expected.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
					websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					p.log.Infow("connection closed unexpectedly during read", "err", err)
					p.err = err
				}
			}
			return nil
		}
		switch typ {
		case websocket.BinaryMessage:
			p.sub.deliver(msg)
		case websocket.TextMessage:
			if string(msg) != pingText {
				p.log.Warnw("ignoring unknown text message", "text", string(msg))
			}
		default:
			p.log.Warnw("ignoring unknown message type", "type", typ)
		}
	}
}

func (p *WebSocketPort) pingLoop(d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-p.done:
			return
		case <-t.C:
			p.wμ.Lock()
			p.conn.SetWriteDeadline(time.Now().Add(d))
			err := p.conn.WriteMessage(websocket.TextMessage, []byte(pingText))
			p.wμ.Unlock()
			if err != nil {
				p.log.Debugw("ping failed", "err", err)
				return
			}
		}
	}
}
