package node

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/metrics"
	"github.com/dshills/keymesh/internal/substrate"
)

// Publisher emits samples on one topic. Puts are serialized, so subscribers
// see them in put order.
type Publisher struct {
	id      string
	node    *Node
	key     keyexpr.Topic
	handle  substrate.Publisher
	created time.Time

	mu     sync.Mutex // serializes Put
	seq    uint64
	closed atomic.Bool
	once   sync.Once
}

// DeclarePublisher binds a publisher to key, which must be a literal topic.
func (n *Node) DeclarePublisher(ctx context.Context, key string) (*Publisher, error) {
	topic, err := keyexpr.ParseTopic(key)
	if err != nil {
		return nil, err
	}
	if n.Closed() {
		return nil, ErrNodeClosed
	}

	handle, err := n.session.DeclarePublisher(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("declaring publisher %s: %w", key, err)
	}

	p := &Publisher{
		id:      uuid.NewString(),
		node:    n,
		key:     topic,
		handle:  handle,
		created: time.Now(),
	}
	if err := n.track(p.id, p); err != nil {
		_ = handle.Undeclare()
		return nil, err
	}
	n.metrics.Declared(metrics.KindPublisher, 1)
	n.logger.Debug().Str("key", key).Msg("publisher declared")
	return p, nil
}

// Key returns the publisher topic.
func (p *Publisher) Key() keyexpr.Topic {
	return p.key
}

// ID returns the publisher id, which is also the Source of its samples.
func (p *Publisher) ID() string {
	return p.id
}

// Put publishes payload. The payload is copied.
func (p *Publisher) Put(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return &OpError{Op: "put", Key: p.key.String(), Kind: ErrPublishFailed, Err: substrate.ErrClosed}
	}

	p.seq++
	sample := message.Sample{
		Key:       p.key,
		Payload:   bytes.Clone(payload),
		Timestamp: time.Now(),
		Sequence:  p.seq,
		Source:    p.id,
	}
	if err := p.handle.Put(ctx, sample); err != nil {
		return &OpError{Op: "put", Key: p.key.String(), Kind: ErrPublishFailed, Err: err}
	}
	p.node.metrics.SamplePublished(p.key.String())
	return nil
}

// PutString publishes s as UTF-8 bytes.
func (p *Publisher) PutString(ctx context.Context, s string) error {
	return p.Put(ctx, []byte(s))
}

// Undeclare releases the publisher. Later puts fail with ErrPublishFailed.
func (p *Publisher) Undeclare() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		err = p.handle.Undeclare()
		p.node.forget(p.id)
		p.node.metrics.Declared(metrics.KindPublisher, -1)
	})
	return err
}

func (p *Publisher) describe() Declaration {
	state := "active"
	if p.closed.Load() {
		state = "closed"
	}
	return Declaration{ID: p.id, Kind: metrics.KindPublisher, Key: p.key.String(), State: state, Created: p.created}
}
