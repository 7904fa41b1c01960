// Package message defines the values exchanged over the mesh: Samples published
// on a topic, Queries delivered to queryables, and the Replies they produce.
package message

import (
	"time"
	"unicode/utf8"

	"github.com/dshills/keymesh/internal/keyexpr"
)

// Sample is one published payload addressed to a topic.
// Samples are immutable once created.
type Sample struct {
	// Key is the topic the sample was published on.
	Key keyexpr.Topic

	// Payload is the raw sample content.
	Payload []byte

	// Timestamp is the producer wall-clock time at put.
	Timestamp time.Time

	// Sequence is a per-publisher monotonic counter starting at 1.
	Sequence uint64

	// Source identifies the publisher that produced the sample.
	Source string
}

// PayloadString decodes the payload as UTF-8 text.
func (s Sample) PayloadString() string {
	return DecodeString(s.Payload)
}

// Status is the outcome carried by a Reply.
type Status int

const (
	// StatusOK marks a successful reply.
	StatusOK Status = iota

	// StatusError marks an error reply; the payload holds the error text.
	StatusError
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Reply is one response to a Query.
type Reply struct {
	// QueryID identifies the originating query.
	QueryID string

	// Key is the key the replier answered on.
	Key keyexpr.Topic

	// Payload is the reply content (error text when Status is StatusError).
	Payload []byte

	// Status tells success from error replies.
	Status Status

	// Timestamp is when the reply was produced.
	Timestamp time.Time
}

// OK reports whether the reply carries a successful result.
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// PayloadString decodes the payload as UTF-8 text.
func (r Reply) PayloadString() string {
	return DecodeString(r.Payload)
}

// DecodeString returns b as a string, or "" when b is not valid UTF-8.
func DecodeString(b []byte) string {
	if !utf8.Valid(b) {
		return ""
	}
	return string(b)
}
