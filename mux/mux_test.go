package mux_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	dxrpc "github.com/dxos/dxos-sub032"
	"github.com/dxos/dxos-sub032/internal/echo"
	"github.com/dxos/dxos-sub032/mux"
	"github.com/dxos/dxos-sub032/peers"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// newLocal returns an open pair of peers, where B serves the methods of m.
// The caller must close the result.
func newLocal(t *testing.T, m *mux.Mux) *peers.Local {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	loc := peers.NewLocal(nil, dxrpc.Options{Logger: log.Named("A")}, m.Bind(dxrpc.Options{Logger: log.Named("B")}))
	if err := loc.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return loc
}

func TestMux(t *testing.T) {
	defer leaktest.Check(t)()

	m := echo.Service{}.Register(mux.New())
	m.Handle(mux.ListMethodsName, m.ListMethods)
	loc := newLocal(t, m)
	defer loc.Close(context.Background())
	ctx := t.Context()

	t.Run("Say", func(t *testing.T) {
		rsp, err := mux.Call[wrapperspb.StringValue](ctx, loc.A, echo.Say, wrapperspb.String("hello"))
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got := rsp.GetValue(); got != "hello" {
			t.Errorf("Call: got %q, want %q", got, "hello")
		}
	})

	t.Run("Fail", func(t *testing.T) {
		_, err := mux.Call[emptypb.Empty](ctx, loc.A, echo.Fail, wrapperspb.String("it broke"))
		var re *dxrpc.RemoteError
		if !errors.As(err, &re) {
			t.Fatalf("Call: got %v, want *RemoteError", err)
		}
		if re.Message != "it broke" {
			t.Errorf("Message: got %q, want %q", re.Message, "it broke")
		}
		if !strings.Contains(re.Stack, "echo.Service.Fail") {
			t.Errorf("Stack does not mention the handler:\n%s", re.Stack)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := loc.A.Call(ctx, "Echo.Nonesuch", mustAny(t, wrapperspb.String("x")))
		var re *dxrpc.RemoteError
		if !errors.As(err, &re) {
			t.Fatalf("Call: got %v, want *RemoteError", err)
		}
		if re.Name != "MethodNotFoundError" {
			t.Errorf("Name: got %q, want %q", re.Name, "MethodNotFoundError")
		}
	})

	t.Run("BadPayload", func(t *testing.T) {
		_, err := mux.Call[wrapperspb.StringValue](ctx, loc.A, echo.Say, wrapperspb.Int32(5))
		if err == nil || !strings.Contains(err.Error(), "invalid payload") {
			t.Errorf("Call: got %v, want invalid payload", err)
		}
	})

	t.Run("Count", func(t *testing.T) {
		s, err := mux.CallStream[wrapperspb.Int32Value](ctx, loc.A, echo.Count, wrapperspb.Int32(4))
		if err != nil {
			t.Fatalf("CallStream: unexpected error: %v", err)
		}
		var got []int32
		for v, err := range s.All(ctx) {
			if err != nil {
				t.Fatalf("Stream: unexpected error: %v", err)
			}
			got = append(got, v.GetValue())
		}
		if diff := cmp.Diff(got, []int32{1, 2, 3, 4}); diff != "" {
			t.Errorf("Stream (-got, +want):\n%s", diff)
		}
	})

	t.Run("CountInvalid", func(t *testing.T) {
		s, err := mux.CallStream[wrapperspb.Int32Value](ctx, loc.A, echo.Count, wrapperspb.Int32(-1))
		if err != nil {
			t.Fatalf("CallStream: unexpected error: %v", err)
		}
		_, err = s.Consume(ctx)
		if err == nil || err.Error() != "invalid count -1" {
			t.Errorf("Stream: got %v, want invalid count", err)
		}
	})

	t.Run("ListMethods", func(t *testing.T) {
		rsp, err := loc.A.Call(ctx, mux.ListMethodsName, mustAny(t, new(emptypb.Empty)))
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		got, err := mux.DecodeMethods(rsp)
		if err != nil {
			t.Fatalf("DecodeMethods: %v", err)
		}
		want := []string{echo.Count, echo.Fail, echo.Say, echo.Sleep, mux.ListMethodsName}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Methods (-got, +want):\n%s", diff)
		}
	})
}

func TestHandleRemove(t *testing.T) {
	m := mux.New().Handle("A.B", okHandler).HandleStream("A.S", nil)
	if diff := cmp.Diff(m.Methods(), []string{"A.B"}); diff != "" {
		t.Errorf("Methods (-got, +want):\n%s", diff)
	}
	m.Handle("A.B", nil)
	if got := m.Methods(); len(got) != 0 {
		t.Errorf("Methods: got %q, want empty", got)
	}
	var nf *mux.MethodNotFoundError
	if _, err := m.Call(t.Context(), "A.B", nil); !errors.As(err, &nf) {
		t.Errorf("Call: got %v, want %T", err, nf)
	}
	if _, err := m.Stream(t.Context(), "A.S", nil); !errors.As(err, &nf) {
		t.Errorf("Stream: got %v, want %T", err, nf)
	}
}

func TestMiddleware(t *testing.T) {
	var μ sync.Mutex
	var trace []string
	tag := func(name string) mux.Middleware {
		return func(next dxrpc.CallHandler) dxrpc.CallHandler {
			return func(ctx context.Context, method string, payload *anypb.Any) (*anypb.Any, error) {
				μ.Lock()
				trace = append(trace, name+":"+mux.ContextMethod(ctx))
				μ.Unlock()
				return next(ctx, method, payload)
			}
		}
	}
	m := mux.New().
		Handle("T.Call", okHandler).
		Use(tag("outer"), mux.Logging(zaptest.NewLogger(t).Sugar())).
		Use(tag("inner"))

	if _, err := m.Call(t.Context(), "T.Call", nil); err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if diff := cmp.Diff(trace, []string{"outer:T.Call", "inner:T.Call"}); diff != "" {
		t.Errorf("Trace (-got, +want):\n%s", diff)
	}
}

func TestRateLimit(t *testing.T) {
	defer leaktest.Check(t)()

	// One call is admitted at once, and the next not for an hour.
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	m := echo.Service{}.Register(mux.New()).
		Use(mux.Timeout(20*time.Millisecond), mux.RateLimit(lim))
	loc := newLocal(t, m)
	defer loc.Close(context.Background())

	ctx := t.Context()
	if _, err := mux.Call[wrapperspb.StringValue](ctx, loc.A, echo.Say, wrapperspb.String("1")); err != nil {
		t.Fatalf("Call 1: unexpected error: %v", err)
	}
	_, err := mux.Call[wrapperspb.StringValue](ctx, loc.A, echo.Say, wrapperspb.String("2"))
	var re *dxrpc.RemoteError
	if !errors.As(err, &re) || re.Name != "RateLimitError" {
		t.Errorf("Call 2: got %v, want RateLimitError", err)
	}
}

func TestTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	m := echo.Service{}.Register(mux.New()).Use(mux.Timeout(5 * time.Millisecond))
	loc := newLocal(t, m)
	defer loc.Close(context.Background())

	_, err := mux.Call[emptypb.Empty](t.Context(), loc.A, echo.Sleep, wrapperspb.Int64(1000))
	var re *dxrpc.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Call: got %v, want *RemoteError", err)
	}
	if re.Message != context.DeadlineExceeded.Error() {
		t.Errorf("Message: got %q, want %q", re.Message, context.DeadlineExceeded.Error())
	}
}

func okHandler(context.Context, string, *anypb.Any) (*anypb.Any, error) {
	return new(anypb.Any), nil
}

func mustAny(t *testing.T, m proto.Message) *anypb.Any {
	t.Helper()
	v, err := anypb.New(m)
	if err != nil {
		t.Fatalf("New Any: %v", err)
	}
	return v
}
