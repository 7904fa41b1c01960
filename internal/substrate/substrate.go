// Package substrate defines the delivery primitives the mesh core is layered on.
//
// A Session is the handle returned by opening a substrate. Everything above it
// (addressing, matching rules, service loops, reply aggregation) lives in the
// node package; everything below it (routing, wire format, reconnects) belongs to
// an implementation such as the in-process local router or the NATS bus.
package substrate

import (
	"context"
	"errors"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
)

// Sentinel errors shared by substrate implementations.
var (
	// ErrConnection is returned when the substrate cannot be reached.
	ErrConnection = errors.New("substrate connection error")

	// ErrClosed is returned for operations on a closed session or handle.
	ErrClosed = errors.New("substrate closed")
)

// Overflow decides what a subscriber channel does when its buffer is full.
type Overflow int

const (
	// OverflowBlock makes the publisher wait for buffer space.
	OverflowBlock Overflow = iota

	// OverflowDropNewest drops the incoming sample.
	OverflowDropNewest
)

// String returns the overflow policy name.
func (o Overflow) String() string {
	switch o {
	case OverflowBlock:
		return "block"
	case OverflowDropNewest:
		return "drop"
	default:
		return "unknown"
	}
}

// SubscriberOptions configures a subscriber declaration.
type SubscriberOptions struct {
	// Capacity is the sample channel buffer size.
	Capacity int

	// Overflow is the policy applied when the buffer is full.
	Overflow Overflow

	// OnDrop, if set, is called for every dropped sample.
	OnDrop func(message.Sample)
}

// Session is an open substrate connection shared by a node.
type Session interface {
	// DeclarePublisher binds a publisher to a concrete topic.
	DeclarePublisher(ctx context.Context, key keyexpr.Topic) (Publisher, error)

	// DeclareSubscriber starts delivering samples matching pattern.
	DeclareSubscriber(ctx context.Context, pattern keyexpr.Pattern, opts SubscriberOptions) (SampleStream, error)

	// DeclareQueryable starts delivering queries whose key matches pattern.
	DeclareQueryable(ctx context.Context, pattern keyexpr.Pattern, capacity int) (QueryStream, error)

	// Query fans a request out to every matching queryable.
	Query(ctx context.Context, key keyexpr.Topic, payload []byte, hasPayload bool) (ReplyStream, error)

	// Close releases every declaration made through the session.
	Close(ctx context.Context) error
}

// Publisher emits samples on one topic.
type Publisher interface {
	Put(ctx context.Context, s message.Sample) error
	Undeclare() error
}

// SampleStream is the inbound side of a subscriber declaration.
type SampleStream interface {
	// Samples is closed after Undeclare or when the session closes.
	Samples() <-chan message.Sample
	Undeclare() error
}

// QueryStream is the inbound side of a queryable declaration.
type QueryStream interface {
	// Queries is closed after Undeclare or when the session closes.
	Queries() <-chan *message.Query
	Undeclare() error
}

// ReplyStream merges the replies to one query.
type ReplyStream interface {
	// Replies is closed once every matched queryable has finished.
	Replies() <-chan message.Reply

	// Close stops listening. Replies arriving afterwards are discarded.
	Close() error
}
