package dxrpc

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// peerError is the concrete type of the sentinel errors reported by a Peer.
type peerError struct {
	name, text string
}

func (e *peerError) Error() string     { return e.text }
func (e *peerError) ErrorName() string { return e.name }

var (
	// ErrNotOpen is reported for calls made before the peer is open.
	ErrNotOpen error = &peerError{"NotOpenError", "peer is not open"}

	// ErrClosed is reported for calls made after the peer has begun closing,
	// and for calls still pending when it does.
	ErrClosed error = &peerError{"ClosedError", "peer is closed"}

	// ErrTimeout is reported when a call does not receive a response within
	// its timeout.
	ErrTimeout error = &peerError{"TimeoutError", "call timed out"}

	// ErrMalformed is reported for envelopes and responses that do not have
	// a valid shape.
	ErrMalformed error = &peerError{"MalformedMessageError", "malformed message"}
)

// An error may implement these interfaces to control how it is reported to
// the remote peer by EncodeError.
type (
	errorNamer   interface{ ErrorName() string }
	errorStacker interface{ ErrorStack() string }
	stackTracer  interface{ StackTrace() errors.StackTrace }
)

// EncodeError converts err into its wire format.
//
// The name of the error is taken from an ErrorName method if err (or an error
// it wraps) has one, otherwise it is "Error". The message is err.Error().
// The stack comes from an ErrorStack method, or from the stack trace recorded
// by the github.com/pkg/errors package, if either is available.
func EncodeError(err error) *ErrorValue {
	ev := &ErrorValue{Name: "Error", Message: err.Error()}
	if en := errorNamer(nil); errors.As(err, &en) && en.ErrorName() != "" {
		ev.Name = en.ErrorName()
	}

	var es errorStacker
	var st stackTracer
	if errors.As(err, &es) {
		ev.Stack = es.ErrorStack()
	} else if errors.As(err, &st) {
		ev.Stack = fmt.Sprintf("%s: %s%+v", ev.Name, ev.Message, st.StackTrace())
	}
	return ev
}

// DecodeError converts an error value received in response to a call of the
// given method into a *RemoteError. The stack of the result combines the
// remote stack with the stack of the local caller.
func DecodeError(ev *ErrorValue, method string) *RemoteError {
	local := errors.New(method).(stackTracer).StackTrace()
	if len(local) > 0 {
		local = local[1:] // skip DecodeError itself
	}

	var sb strings.Builder
	sb.WriteString(ev.Stack)
	if ev.Stack == "" {
		fmt.Fprintf(&sb, "%s: %s", ev.Name, ev.Message)
	}
	fmt.Fprintf(&sb, "\n\tat RPC call: %s%+v", method, local)

	return &RemoteError{
		Name:    ev.Name,
		Message: ev.Message,
		Stack:   sb.String(),
		Method:  method,
	}
}

// RemoteError is the concrete type of errors reported by a handler on the
// remote peer, as seen by the caller.
type RemoteError struct {
	Name    string // the name of the error on the remote peer
	Message string // the error message, verbatim
	Stack   string // remote stack, followed by the local call site
	Method  string // the method that was called
}

// Error returns the message of the remote error.
func (e *RemoteError) Error() string { return e.Message }

// ErrorName reports the name of the remote error. Forwarding a RemoteError
// from a handler preserves its name.
func (e *RemoteError) ErrorName() string { return e.Name }

// ErrorStack reports the combined stack of the error.
func (e *RemoteError) ErrorStack() string { return e.Stack }

// Is reports whether target is the sentinel error with the same name as e,
// so that a remote ClosedError matches ErrClosed.
func (e *RemoteError) Is(target error) bool {
	pe, ok := target.(*peerError)
	return ok && pe.name == e.Name
}

// Format implements fmt.Formatter. The "%+v" format includes the stack.
func (e *RemoteError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') && e.Stack != "" {
			io.WriteString(s, e.Stack)
			return
		}
		fallthrough
	case 's':
		io.WriteString(s, e.Message)
	case 'q':
		fmt.Fprintf(s, "%q", e.Message)
	}
}

// recoveredError converts a value recovered from a panicking handler into an
// error. It must be called from the deferred function that recovered x, so
// that the recorded stack includes the frames of the handler.
func recoveredError(x any) error {
	if err, ok := x.(error); ok {
		return errors.WithStack(errors.WithMessage(err, "handler panicked (recovered)"))
	}
	return errors.Errorf("handler panicked (recovered): %v", x)
}
