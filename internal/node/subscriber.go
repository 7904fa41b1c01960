package node

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/metrics"
	"github.com/dshills/keymesh/internal/substrate"
)

// Subscriber receives every sample whose key matches its pattern, starting at
// declaration.
type Subscriber struct {
	id      string
	node    *Node
	pattern keyexpr.Pattern
	stream  substrate.SampleStream
	created time.Time

	out    chan message.Sample
	done   chan struct{}
	exited chan struct{}
	closed atomic.Bool
	once   sync.Once
}

// DeclareSubscriber starts delivering samples matching pattern.
func (n *Node) DeclareSubscriber(ctx context.Context, pattern string, opts ...SubscriberOption) (*Subscriber, error) {
	p, err := keyexpr.ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	if n.Closed() {
		return nil, ErrNodeClosed
	}

	so := substrate.SubscriberOptions{
		Capacity: n.settings.subBuffer,
		Overflow: n.settings.overflow,
	}
	for _, opt := range opts {
		opt(&so)
	}
	so.OnDrop = func(message.Sample) {
		n.metrics.SampleDropped(pattern, "overflow")
	}

	stream, err := n.session.DeclareSubscriber(ctx, p, so)
	if err != nil {
		return nil, fmt.Errorf("declaring subscriber %s: %w", pattern, err)
	}

	s := &Subscriber{
		id:      uuid.NewString(),
		node:    n,
		pattern: p,
		stream:  stream,
		created: time.Now(),
		out:     make(chan message.Sample),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if err := n.track(s.id, s); err != nil {
		_ = stream.Undeclare()
		return nil, err
	}
	n.metrics.Declared(metrics.KindSubscriber, 1)
	n.logger.Debug().Str("pattern", pattern).Msg("subscriber declared")

	go s.forward()
	return s, nil
}

// DeclareSubscriberFunc declares a subscriber and calls fn for every sample on
// a node-owned task. A panic in fn is logged and the loop continues.
func (n *Node) DeclareSubscriberFunc(ctx context.Context, pattern string, fn func(context.Context, message.Sample), opts ...SubscriberOption) (*Subscriber, error) {
	s, err := n.DeclareSubscriber(ctx, pattern, opts...)
	if err != nil {
		return nil, err
	}

	err = n.Go("subscriber "+pattern, func(ctx context.Context) {
		for {
			select {
			case sample, ok := <-s.Samples():
				if !ok {
					return
				}
				s.call(ctx, fn, sample)
			case <-ctx.Done():
				return
			}
		}
	})
	if err != nil {
		_ = s.Undeclare()
		return nil, err
	}
	return s, nil
}

func (s *Subscriber) call(ctx context.Context, fn func(context.Context, message.Sample), sample message.Sample) {
	defer func() {
		if r := recover(); r != nil {
			s.node.logger.Error().
				Str("pattern", s.pattern.String()).
				Str("key", sample.Key.String()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("subscriber callback panicked")
		}
	}()
	fn(ctx, sample)
}

// forward moves samples from the substrate to the public channel, dropping
// malformed ones. It closes out when the stream ends or on Undeclare.
func (s *Subscriber) forward() {
	defer close(s.exited)
	defer close(s.out)

	pattern := s.pattern.String()
	in := s.stream.Samples()
	for {
		select {
		case <-s.done:
			return
		case sample, ok := <-in:
			if !ok {
				return
			}
			if sample.Key.IsEmpty() || !keyexpr.Matches(s.pattern, sample.Key) {
				s.node.logger.Warn().
					Str("pattern", pattern).
					Str("key", sample.Key.String()).
					Msg("dropping malformed sample")
				s.node.metrics.SampleDropped(pattern, "malformed")
				continue
			}
			select {
			case s.out <- sample:
				s.node.metrics.SampleDelivered(pattern)
			case <-s.done:
				return
			}
		}
	}
}

// Pattern returns the subscriber pattern.
func (s *Subscriber) Pattern() keyexpr.Pattern {
	return s.pattern
}

// Samples returns the sample channel. It is closed after Undeclare or when the
// substrate closes.
func (s *Subscriber) Samples() <-chan message.Sample {
	return s.out
}

// Recv waits for the next sample. It returns ErrUndeclared once the channel is
// closed.
func (s *Subscriber) Recv(ctx context.Context) (message.Sample, error) {
	select {
	case sample, ok := <-s.out:
		if !ok {
			return message.Sample{}, ErrUndeclared
		}
		return sample, nil
	case <-ctx.Done():
		return message.Sample{}, ctx.Err()
	}
}

// Undeclare stops delivery. Once it returns no further sample is delivered.
func (s *Subscriber) Undeclare() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.stream.Undeclare()
		<-s.exited
		s.node.forget(s.id)
		s.node.metrics.Declared(metrics.KindSubscriber, -1)
	})
	return err
}

func (s *Subscriber) describe() Declaration {
	state := "active"
	if s.closed.Load() {
		state = "closed"
	}
	return Declaration{ID: s.id, Kind: metrics.KindSubscriber, Key: s.pattern.String(), State: state, Created: s.created}
}
