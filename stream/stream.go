// Package stream provides a push-based stream of values, used to carry the
// responses of a streaming RPC.
//
// A Stream is created with a producer function that receives a Controller.
// The producer marks the stream ready, pushes values, and eventually closes
// it, possibly with an error. A consumer subscribes to the stream to observe
// these events in order. Either side may close the stream; when it closes,
// the cleanup function returned by the producer is called exactly once.
package stream

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/creachadair/mds/queue"
)

// ErrClosed is reported by WaitUntilReady for a stream that closed without
// becoming ready and without an error.
var ErrClosed = errors.New("stream closed")

// EventType identifies the kind of an Event.
type EventType int

const (
	Ready  EventType = iota + 1 // the stream is ready
	Data                        // the stream delivered a value
	Closed                      // the stream closed, possibly with an error
)

func (t EventType) String() string {
	switch t {
	case Ready:
		return "ready"
	case Data:
		return "data"
	case Closed:
		return "closed"
	default:
		return "invalid"
	}
}

// An Event is a single observation of a stream.
type Event[T any] struct {
	Type  EventType
	Value T     // for Data events
	Err   error // for Closed events, the error the stream closed with
}

// A Stream is a sequence of values pushed by a producer.
// The methods of a Stream are safe for concurrent use.
type Stream[T any] struct {
	μ         sync.Mutex
	ready     bool
	closed    bool
	producing bool // the producer function has not yet returned
	err       error
	events    *queue.Queue[Event[T]] // undelivered events
	sub       func(Event[T])
	draining  bool
	cleanup   func()
	cleaned   bool

	readyc chan struct{}
	donec  chan struct{}
}

// A Controller is the producer's handle on a stream.
type Controller[T any] struct{ s *Stream[T] }

// Ready marks the stream ready, if it is not already ready or closed.
func (c *Controller[T]) Ready() {
	s := c.s
	s.μ.Lock()
	s.markReadyLocked()
	s.μ.Unlock()
	s.flush()
}

// Next pushes v to the stream. If the stream was not yet ready, Next marks it
// ready first. Values pushed after the stream closes are discarded.
func (c *Controller[T]) Next(v T) {
	s := c.s
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return
	}
	s.markReadyLocked()
	s.events.Add(Event[T]{Type: Data, Value: v})
	s.μ.Unlock()
	s.flush()
}

// Close closes the stream with err, which may be nil.
func (c *Controller[T]) Close(err error) { c.s.close(err) }

// New constructs a new stream driven by producer. The producer is called
// synchronously with a controller for the stream, and may return a cleanup
// function (or nil) that is called once when the stream closes.
func New[T any](producer func(*Controller[T]) (cleanup func())) *Stream[T] {
	s := &Stream[T]{
		producing: true,
		events:    queue.New[Event[T]](),
		readyc:    make(chan struct{}),
		donec:     make(chan struct{}),
	}
	cleanup := producer(&Controller[T]{s: s})

	s.μ.Lock()
	s.producing = false
	s.cleanup = cleanup
	closed := s.closed
	s.μ.Unlock()

	// If the stream was closed while the producer was running, the cleanup
	// was not yet available to call.
	if closed {
		s.runCleanup()
	}
	return s
}

// Empty returns a stream that is already closed with err.
func Empty[T any](err error) *Stream[T] {
	return New(func(c *Controller[T]) func() { c.Close(err); return nil })
}

// Subscribe registers f to receive the events of s in order. Events that
// occurred before the call are delivered first. Calls to f are serialized and
// are made without holding any lock of s, so f may call methods of s.
// Subscribe panics if s already has a subscriber.
func (s *Stream[T]) Subscribe(f func(Event[T])) {
	s.μ.Lock()
	if s.sub != nil {
		s.μ.Unlock()
		panic("stream already has a subscriber")
	}
	s.sub = f
	s.μ.Unlock()
	s.flush()
}

// Ready returns a channel that is closed when s becomes ready.
func (s *Stream[T]) Ready() <-chan struct{} { return s.readyc }

// Done returns a channel that is closed when s closes.
func (s *Stream[T]) Done() <-chan struct{} { return s.donec }

// Err reports the error s closed with, or nil.
func (s *Stream[T]) Err() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.err
}

// WaitUntilReady blocks until s is ready, s closes, or ctx ends.
// If s closes before it is ready, WaitUntilReady reports the error it closed
// with, or ErrClosed.
func (s *Stream[T]) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyc:
		return nil
	case <-s.donec:
		// Both may be closed; readiness wins.
		select {
		case <-s.readyc:
			return nil
		default:
		}
		if err := s.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes s from the consumer side. Subscribers observe a Closed event
// and the producer's cleanup function is called. Closing a stream that is
// already closed has no effect.
func (s *Stream[T]) Close() { s.close(nil) }

// All returns an iterator over the values of s, subscribing to s.
// If s closes with an error, or ctx ends, the iterator yields a final (zero,
// err) pair. If the consumer stops early, s is closed.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var μ sync.Mutex
		pending := queue.New[Event[T]]()
		notify := make(chan struct{}, 1)
		s.Subscribe(func(e Event[T]) {
			μ.Lock()
			pending.Add(e)
			μ.Unlock()
			select {
			case notify <- struct{}{}:
			default:
			}
		})

		var zero T
		for {
			μ.Lock()
			e, ok := pending.Pop()
			μ.Unlock()
			if !ok {
				select {
				case <-notify:
					continue
				case <-ctx.Done():
					s.Close()
					yield(zero, ctx.Err())
					return
				}
			}
			switch e.Type {
			case Data:
				if !yield(e.Value, nil) {
					s.Close()
					return
				}
			case Closed:
				if e.Err != nil {
					yield(zero, e.Err)
				}
				return
			}
		}
	}
}

// Consume subscribes to s and collects its events until it closes or ctx
// ends. It reports the error s closed with, if any.
func (s *Stream[T]) Consume(ctx context.Context) ([]Event[T], error) {
	var μ sync.Mutex
	var evs []Event[T]
	done := make(chan struct{})
	s.Subscribe(func(e Event[T]) {
		μ.Lock()
		defer μ.Unlock()
		evs = append(evs, e)
		if e.Type == Closed {
			close(done)
		}
	})
	select {
	case <-done:
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
	μ.Lock()
	defer μ.Unlock()
	return evs, evs[len(evs)-1].Err
}

// Map returns a stream that delivers f(v) for each value v of s, and closes
// when s closes. If f reports an error, the result closes with that error and
// s is closed. Closing the result closes s. Map subscribes to s.
func Map[T, U any](s *Stream[T], f func(T) (U, error)) *Stream[U] {
	return New(func(c *Controller[U]) func() {
		s.Subscribe(func(e Event[T]) {
			switch e.Type {
			case Ready:
				c.Ready()
			case Data:
				u, err := f(e.Value)
				if err != nil {
					c.Close(err)
					s.Close()
					return
				}
				c.Next(u)
			case Closed:
				c.Close(e.Err)
			}
		})
		return s.Close
	})
}

func (s *Stream[T]) markReadyLocked() {
	if s.ready || s.closed {
		return
	}
	s.ready = true
	close(s.readyc)
	s.events.Add(Event[T]{Type: Ready})
}

func (s *Stream[T]) close(err error) {
	s.μ.Lock()
	if s.closed {
		s.μ.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.events.Add(Event[T]{Type: Closed, Err: err})
	close(s.donec)
	producing := s.producing
	s.μ.Unlock()

	s.flush()
	if !producing {
		s.runCleanup()
	}
}

func (s *Stream[T]) runCleanup() {
	s.μ.Lock()
	f := s.cleanup
	if s.cleaned {
		f = nil
	}
	s.cleaned = true
	s.μ.Unlock()
	if f != nil {
		f()
	}
}

// flush delivers pending events to the subscriber, if there is one and no
// other goroutine is already doing so.
func (s *Stream[T]) flush() {
	s.μ.Lock()
	if s.sub == nil || s.draining {
		s.μ.Unlock()
		return
	}
	s.draining = true
	for {
		e, ok := s.events.Pop()
		if !ok {
			break
		}
		f := s.sub
		s.μ.Unlock()
		f(e)
		s.μ.Lock()
	}
	s.draining = false
	s.μ.Unlock()
}
