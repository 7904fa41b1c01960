package message

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/keymesh/internal/keyexpr"
)

// ErrQueryFinished is returned when replying to a query that was finished.
var ErrQueryFinished = errors.New("query already finished")

// ReplySink carries replies for one query back to the requester.
// Substrates implement it; Send is never called after Finish.
type ReplySink interface {
	// Send delivers one reply. It may block until the requester accepts it
	// or the requester stops listening.
	Send(ctx context.Context, r Reply) error

	// Finish closes the reply channel for this query.
	Finish()
}

// Query is one inbound request delivered to a matching queryable.
// It is owned by the handling queryable until Finish is called.
type Query struct {
	id         string
	key        keyexpr.Topic
	payload    []byte
	hasPayload bool
	received   time.Time

	mu       sync.Mutex
	finished bool
	replies  int
	sink     ReplySink
}

// NewQuery creates a query bound to sink. An empty id is replaced with a new UUID.
func NewQuery(id string, key keyexpr.Topic, payload []byte, hasPayload bool, sink ReplySink) *Query {
	if id == "" {
		id = uuid.NewString()
	}
	return &Query{
		id:         id,
		key:        key,
		payload:    payload,
		hasPayload: hasPayload,
		received:   time.Now(),
		sink:       sink,
	}
}

// ID returns the query identifier shared by all of its replies.
func (q *Query) ID() string {
	return q.id
}

// Key returns the request topic.
func (q *Query) Key() keyexpr.Topic {
	return q.key
}

// Payload returns the request payload and whether one was sent.
func (q *Query) Payload() ([]byte, bool) {
	return q.payload, q.hasPayload
}

// PayloadString decodes the request payload; a missing payload decodes to "".
func (q *Query) PayloadString() string {
	if !q.hasPayload {
		return ""
	}
	return DecodeString(q.payload)
}

// Received returns when the query reached this queryable.
func (q *Query) Received() time.Time {
	return q.received
}

// Reply sends a successful reply on the query's own key.
func (q *Query) Reply(ctx context.Context, payload []byte) error {
	return q.send(ctx, q.key, payload, StatusOK)
}

// ReplyKey sends a successful reply on an explicit key.
func (q *Query) ReplyKey(ctx context.Context, key keyexpr.Topic, payload []byte) error {
	return q.send(ctx, key, payload, StatusOK)
}

// ReplyError sends an error reply carrying payload as the error text.
func (q *Query) ReplyError(ctx context.Context, payload []byte) error {
	return q.send(ctx, q.key, payload, StatusError)
}

func (q *Query) send(ctx context.Context, key keyexpr.Topic, payload []byte, status Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.finished {
		return ErrQueryFinished
	}
	err := q.sink.Send(ctx, Reply{
		QueryID:   q.id,
		Key:       key,
		Payload:   payload,
		Status:    status,
		Timestamp: time.Now(),
	})
	if err == nil {
		q.replies++
	}
	return err
}

// Finish closes the reply channel. It is safe to call more than once.
func (q *Query) Finish() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.finished {
		return
	}
	q.finished = true
	q.sink.Finish()
}

// Finished reports whether Finish has been called.
func (q *Query) Finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

// ReplyCount returns the number of replies accepted by the sink.
func (q *Query) ReplyCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.replies
}
