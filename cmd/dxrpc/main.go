// Program dxrpc is a command-line utility for interacting with dxrpc peers.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	dxrpc "github.com/dxos/dxos-sub032"
	"github.com/dxos/dxos-sub032/internal/echo"
	"github.com/dxos/dxos-sub032/mux"
	"github.com/dxos/dxos-sub032/peers"
	"github.com/dxos/dxos-sub032/port"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var globalFlags struct {
	Debug   bool          `flag:"debug,Enable debug logging"`
	Timeout time.Duration `flag:"timeout,default=3s,Timeout for calls and for closing"`
}

var serveFlags struct {
	WebSocket bool          `flag:"ws,Serve WebSocket connections over HTTP"`
	Path      string        `flag:"path,default=/rpc,HTTP path for WebSocket connections"`
	Interval  time.Duration `flag:"interval,default=100ms,Delay between values of Echo.Count"`
	Rate      float64       `flag:"rate,Maximum calls per second per peer (0 means no limit)"`
}

var callFlags struct {
	Stream bool `flag:"stream,Issue a streaming call"`
	Int    bool `flag:"int,Send the argument as an integer"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for interacting with dxrpc peers.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &globalFlags)
		},
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "<address>",
				Help: `Serve the echo service at the given address.

The address is a host:port for TCP, or a path for a Unix-domain socket.
With --ws, the address is a host:port where HTTP requests to --path are
upgraded to WebSocket connections.

The service provides these methods:

  Echo.Say    : return the string argument unchanged
  Echo.Fail   : report an error with the string argument as its message
  Echo.Sleep  : wait for the integer argument in milliseconds
  Echo.Count  : stream the integers from 1 to the integer argument
  Mux.ListMethods : list the methods of the service
`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &serveFlags)
				},
				Run: runServe,
			},
			{
				Name:  "call",
				Usage: "<address> <method> [argument]",
				Help: `Call a method of the peer at the given address.

The address is a host:port for TCP, a path for a Unix-domain socket, or a
ws:// or wss:// URL for a WebSocket. The argument is sent as a string, or
as an integer with --int. If it is omitted, an empty message is sent.
Results are printed as JSON.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &callFlags)
				},
				Run: runCall,
			},
			{
				Name:  "decode",
				Usage: "[hex-or-base64]...",
				Help: `Decode and print binary envelopes.

Each argument is decoded as hexadecimal, or else as base64, and printed as
an envelope. With no arguments, a single envelope is read from stdin.`,
				Run: runDecode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	if !globalFlags.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log.Sugar()
}

func runServe(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Wrong number of arguments")
	}
	log := newLogger()
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()

	active := new(expvar.Int)
	expvar.Publish("active_peers", active)
	newPeer := func(p dxrpc.Port) *dxrpc.Peer {
		m := echo.Service{Interval: serveFlags.Interval}.Register(mux.New())
		m.Handle(mux.ListMethodsName, m.ListMethods)
		m.Use(mux.Logging(log.Named("call")))
		if serveFlags.Rate > 0 {
			m.Use(mux.RateLimit(rate.NewLimiter(rate.Limit(serveFlags.Rate), 1)))
		}
		peer := dxrpc.NewPeer(m.Bind(dxrpc.Options{
			Port:    p,
			Timeout: globalFlags.Timeout,
			Logger:  log,
		}))
		active.Add(1)
		taskgroup.Go(func() error {
			<-peer.Done()
			active.Add(-1)
			log.Debugw("peer exited", "metrics", peer.Metrics().String())
			return nil
		})
		return peer
	}

	addr := env.Args[0]
	if serveFlags.WebSocket {
		acc := peers.NewWebSocketAccepter(&port.Options{Logger: log})
		hm := http.NewServeMux()
		hm.Handle(serveFlags.Path, acc)
		hm.Handle("/debug/vars", expvar.Handler())
		srv := &http.Server{Addr: addr, Handler: hm}

		g := taskgroup.New(nil)
		g.Go(func() error {
			log.Infow("serving WebSocket", "addr", addr, "path", serveFlags.Path)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			acc.Close()
			sctx, cancel := context.WithTimeout(context.Background(), globalFlags.Timeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		lerr := peers.Loop(ctx, acc, newPeer)
		cancel()
		return errors.Join(lerr, g.Wait())
	}

	network, target := peers.SplitAddress(addr)
	lst, err := net.Listen(network, target)
	if err != nil {
		return err
	}
	defer lst.Close()
	log.Infow("serving", "network", network, "addr", lst.Addr().String())
	return peers.Loop(ctx, peers.NetAccepter(lst, &port.Options{Logger: log}), newPeer)
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("Wrong number of arguments")
	}
	addr, method := env.Args[0], env.Args[1]
	var req proto.Message = new(emptypb.Empty)
	if len(env.Args) == 3 {
		var err error
		req, err = parseArg(env.Args[2], callFlags.Int, callFlags.Stream)
		if err != nil {
			return err
		}
	}
	payload, err := anypb.New(req)
	if err != nil {
		return err
	}

	log := newLogger()
	defer log.Sync()
	ctx := env.Context()
	conn, err := peers.Dial(ctx, addr, &port.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	peer := dxrpc.NewPeer(dxrpc.Options{Port: conn, Timeout: globalFlags.Timeout, Logger: log})
	octx, cancel := context.WithTimeout(ctx, globalFlags.Timeout)
	defer cancel()
	if err := peer.Open(octx); err != nil {
		peer.Abort()
		return fmt.Errorf("open: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), globalFlags.Timeout)
		defer cancel()
		peer.Close(cctx)
	}()

	if !callFlags.Stream {
		rsp, err := peer.Call(ctx, method, payload)
		if err != nil {
			return printError(err)
		}
		return printJSON(rsp)
	}

	s, err := peer.CallStream(ctx, method, payload)
	if err != nil {
		return err
	}
	for v, err := range s.All(ctx) {
		if err != nil {
			return printError(err)
		}
		if err := printJSON(v); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(v *anypb.Any) error {
	bits, err := protojson.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(bits))
	return nil
}

func printError(err error) error {
	var re *dxrpc.RemoteError
	if errors.As(err, &re) && globalFlags.Debug {
		fmt.Fprintf(os.Stderr, "%+v\n", re)
	}
	return err
}

func runDecode(env *command.Env) error {
	var inputs [][]byte
	if len(env.Args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		inputs = append(inputs, data)
	}
	for _, arg := range env.Args {
		arg = strings.TrimSpace(arg)
		data, err := hex.DecodeString(arg)
		if err != nil {
			data, err = base64.StdEncoding.DecodeString(arg)
		}
		if err != nil {
			return fmt.Errorf("invalid argument %q: not hex or base64", arg)
		}
		inputs = append(inputs, data)
	}
	for i, data := range inputs {
		var e dxrpc.Envelope
		if err := e.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("envelope %d: %w", i+1, err)
		}
		fmt.Printf("%s %v\n", e.Type(), &e)
	}
	return nil
}

// parseArg converts a command-line argument into a request message. Integer
// arguments to streaming calls are 32 bits wide.
func parseArg(arg string, isInt, isStream bool) (proto.Message, error) {
	if !isInt {
		return wrapperspb.String(arg), nil
	}
	if isStream {
		v, err := strconv.ParseInt(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid integer argument: %w", err)
		}
		return wrapperspb.Int32(int32(v)), nil
	}
	v, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid integer argument: %w", err)
	}
	return wrapperspb.Int64(v), nil
}
