// Package node is the mesh core: publishers, subscribers, queryables and Get,
// all owned by an explicitly constructed Node.
//
// A Node wraps one substrate session. Everything declared through it, and every
// background task started with Go, is torn down by Close in a fixed order: new
// declarations are refused, tasks are cancelled and joined, queryables are
// drained, subscribers and publishers are undeclared, and only then is the
// session closed.
//
//	n, err := node.Open(ctx, cfg, node.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer n.Close(context.Background())
//
//	_, err = n.DeclareQueryable(ctx, "service/echo", node.HandlerFunc(func(ctx context.Context, q *message.Query) error {
//	    return q.Reply(ctx, []byte("Echo: "+q.PayloadString()))
//	}))
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/keymesh/internal/config"
	"github.com/dshills/keymesh/internal/dispatch"
	"github.com/dshills/keymesh/internal/metrics"
	"github.com/dshills/keymesh/internal/substrate"
	"github.com/dshills/keymesh/internal/substrate/local"
	"github.com/dshills/keymesh/internal/substrate/natsbus"
)

// Handler answers queries delivered to a queryable.
type Handler = dispatch.Handler

// HandlerFunc adapts a function to Handler.
type HandlerFunc = dispatch.HandlerFunc

// Declaration describes one live declaration.
type Declaration struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Key     string    `json:"key"`
	State   string    `json:"state"`
	Created time.Time `json:"created"`
}

// declared is implemented by Publisher, Subscriber and Queryable.
type declared interface {
	describe() Declaration
}

// Node owns a substrate session and everything declared through it.
type Node struct {
	id       string
	name     string
	session  substrate.Session
	router   *local.Router // closed with the node when owned
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	settings settings

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu     sync.Mutex
	closed bool
	decls  map[string]declared
	closeO sync.Once
	closeE error
}

// New creates a node over an already open session.
func New(session substrate.Session, opts ...Option) *Node {
	o := options{
		name:   "keymesh",
		logger: zerolog.Nop(),
		cfg:    config.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New(o.name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:       uuid.NewString(),
		name:     o.name,
		session:  session,
		logger:   o.logger.With().Str("component", "node").Str("node", o.name).Logger(),
		metrics:  o.metrics,
		settings: settingsFrom(o.cfg),
		ctx:      ctx,
		cancel:   cancel,
		decls:    make(map[string]declared),
	}
	return n
}

// Open opens the substrate named by cfg.Node.Transport and returns a node over
// it. Connection failures are retried with exponential backoff as configured
// in cfg.Retry; the last error wraps substrate.ErrConnection.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	name := cfg.Node.Name
	if o.name != "" {
		name = o.name
	}
	logger := o.logger.With().Str("component", "node").Str("node", name).Logger()

	var owned *local.Router
	open := func(ctx context.Context) (substrate.Session, error) {
		switch cfg.Node.Transport {
		case "nats":
			return natsbus.Open(ctx, natsbus.Options{
				URLs:            cfg.NATSURLs(),
				Name:            name,
				SubjectPrefix:   cfg.NATS.SubjectPrefix,
				ReconnectWait:   cfg.NATS.ReconnectWait.Std(),
				MaxReconnects:   cfg.NATS.MaxReconnects,
				DiscoveryWindow: cfg.NATS.DiscoveryWindow.Std(),
				OnConnectionError: func(err error) {
					if o.onConnErr != nil {
						o.onConnErr(err)
						return
					}
					logger.Warn().Err(err).Msg("substrate connection error")
				},
				Logger: o.logger,
			})
		case "local", "":
			r := o.router
			if r == nil {
				if owned == nil {
					owned = local.NewRouter()
				}
				r = owned
			}
			return r.Open(name)
		default:
			return nil, fmt.Errorf("unknown transport %q", cfg.Node.Transport)
		}
	}

	backoff := Backoff{
		Attempts:     cfg.Retry.Attempts,
		InitialDelay: cfg.Retry.Initial.Std(),
		MaxDelay:     cfg.Retry.Max.Std(),
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
	}
	session, err := openWithRetry(ctx, backoff, logger, open)
	if err != nil {
		return nil, err
	}

	n := New(session, append([]Option{WithName(name), WithConfig(cfg)}, opts...)...)
	n.router = owned
	n.logger.Info().Str("transport", cfg.Node.Transport).Str("mode", cfg.Node.Mode).Msg("node opened")
	return n, nil
}

func openWithRetry(ctx context.Context, b Backoff, logger zerolog.Logger, open func(context.Context) (substrate.Session, error)) (substrate.Session, error) {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		session, err := open(ctx)
		if err == nil {
			return session, nil
		}
		lastErr = err
		if !errors.Is(err, substrate.ErrConnection) || attempt == attempts {
			break
		}

		delay := nextDelay(b, attempt, rng)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("substrate unreachable")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", substrate.ErrConnection, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("opening substrate: %w", lastErr)
}

// ID returns the node identifier.
func (n *Node) ID() string {
	return n.id
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// Logger returns the node logger.
func (n *Node) Logger() zerolog.Logger {
	return n.logger
}

// Metrics returns the node collectors.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Closed reports whether Close has been called.
func (n *Node) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Node) track(id string, d declared) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	n.decls[id] = d
	return nil
}

func (n *Node) forget(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.decls, id)
}

// Declarations lists live declarations sorted by kind then key.
func (n *Node) Declarations() []Declaration {
	n.mu.Lock()
	out := make([]Declaration, 0, len(n.decls))
	for _, d := range n.decls {
		out = append(out, d.describe())
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Go runs fn as a node-owned task. ctx is cancelled when the node closes and
// Close waits for fn to return. A panic in fn is logged and ends only that task.
func (n *Node) Go(name string, fn func(ctx context.Context)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}

	n.tasks.Add(1)
	go func() {
		defer n.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error().
					Str("task", name).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("task panicked")
			}
		}()
		fn(n.ctx)
	}()
	return nil
}

// Close shuts the node down. New declarations are refused, node tasks are
// cancelled and joined, queryables drain their in-flight queries, subscribers
// and publishers are undeclared and the session is closed. ctx bounds the
// waits; on expiry the remaining steps still run and ctx.Err() is returned.
func (n *Node) Close(ctx context.Context) error {
	n.closeO.Do(func() {
		n.closeE = n.close(ctx)
	})
	return n.closeE
}

func (n *Node) close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	decls := make([]declared, 0, len(n.decls))
	for _, d := range n.decls {
		decls = append(decls, d)
	}
	n.mu.Unlock()

	var errs []error

	n.cancel()
	tasksDone := make(chan struct{})
	go func() {
		n.tasks.Wait()
		close(tasksDone)
	}()
	select {
	case <-tasksDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for node tasks: %w", ctx.Err()))
	}

	for _, d := range decls {
		if q, ok := d.(*Queryable); ok {
			if err := q.Undeclare(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, d := range decls {
		switch v := d.(type) {
		case *Subscriber:
			if err := v.Undeclare(); err != nil {
				errs = append(errs, err)
			}
		case *Publisher:
			if err := v.Undeclare(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := n.session.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing session: %w", err))
	}
	if n.router != nil {
		if err := n.router.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing router: %w", err))
		}
	}

	n.logger.Info().Msg("node closed")
	return errors.Join(errs...)
}
