package node

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/keymesh/internal/config"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/metrics"
	"github.com/dshills/keymesh/internal/substrate"
	"github.com/dshills/keymesh/internal/substrate/local"
)

// settings are the per-node defaults applied to declarations and queries.
type settings struct {
	queryTimeout   time.Duration
	lateWindow     time.Duration
	maxInFlight    int
	queryQueue     int
	handlerTimeout time.Duration
	subBuffer      int
	overflow       substrate.Overflow
}

func settingsFrom(cfg *config.Config) settings {
	s := settings{
		queryTimeout:   cfg.Query.Timeout.Std(),
		lateWindow:     cfg.Query.LateWindow.Std(),
		maxInFlight:    cfg.Queryable.MaxInFlight,
		queryQueue:     cfg.Queryable.Queue,
		handlerTimeout: cfg.Queryable.HandlerTimeout.Std(),
		subBuffer:      cfg.Subscriber.Buffer,
	}
	if cfg.Subscriber.Overflow == "drop" {
		s.overflow = substrate.OverflowDropNewest
	}
	return s
}

// Option configures a Node.
type Option func(*options)

type options struct {
	name      string
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	cfg       *config.Config
	onConnErr func(error)
	router    *local.Router
}

// WithName sets the node name used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the node logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the collectors the node records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithConfig sets the defaults for queries and declarations. Open applies the
// configuration it is given automatically.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.cfg = cfg
		}
	}
}

// WithConnectionHandler receives substrate connection errors that occur after
// the node was opened.
func WithConnectionHandler(fn func(error)) Option {
	return func(o *options) {
		o.onConnErr = fn
	}
}

// WithRouter makes Open attach to r when the configured transport is local, so
// several nodes in one process can reach each other. Without it Open creates a
// private router.
func WithRouter(r *local.Router) Option {
	return func(o *options) {
		o.router = r
	}
}

// SubscriberOption configures a subscriber declaration.
type SubscriberOption func(*substrate.SubscriberOptions)

// WithBuffer sets the subscriber buffer size.
func WithBuffer(n int) SubscriberOption {
	return func(o *substrate.SubscriberOptions) {
		if n > 0 {
			o.Capacity = n
		}
	}
}

// WithOverflow sets what happens when the subscriber buffer is full.
func WithOverflow(policy substrate.Overflow) SubscriberOption {
	return func(o *substrate.SubscriberOptions) {
		o.Overflow = policy
	}
}

// QueryableOption configures a queryable declaration.
type QueryableOption func(*queryableOptions)

type queryableOptions struct {
	maxInFlight    int
	queue          int
	handlerTimeout time.Duration
}

// WithMaxInFlight limits how many queries are handled at once.
func WithMaxInFlight(n int) QueryableOption {
	return func(o *queryableOptions) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// WithQueueSize sets how many queries may wait for a free handler slot.
func WithQueueSize(n int) QueryableOption {
	return func(o *queryableOptions) {
		if n > 0 {
			o.queue = n
		}
	}
}

// WithHandlerTimeout sets a deadline on each handler run. Zero disables it.
func WithHandlerTimeout(d time.Duration) QueryableOption {
	return func(o *queryableOptions) {
		if d >= 0 {
			o.handlerTimeout = d
		}
	}
}

// GetOption configures a Get.
type GetOption func(*getOptions)

type getOptions struct {
	payload    []byte
	hasPayload bool
	timeout    time.Duration
	late       func(message.Reply)
	lateWindow time.Duration
}

// WithPayload attaches a payload to the query.
func WithPayload(payload []byte) GetOption {
	return func(o *getOptions) {
		o.payload = payload
		o.hasPayload = true
	}
}

// WithTimeout bounds the reply stream. It overrides query.timeout.
func WithTimeout(d time.Duration) GetOption {
	return func(o *getOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLateReplies hands replies arriving after the timeout to fn instead of
// discarding them. Late replies are accepted until every queryable finished or
// the late window elapses.
func WithLateReplies(fn func(message.Reply)) GetOption {
	return func(o *getOptions) {
		o.late = fn
	}
}

// WithLateWindow overrides query.late_window for this Get.
func WithLateWindow(d time.Duration) GetOption {
	return func(o *getOptions) {
		if d > 0 {
			o.lateWindow = d
		}
	}
}
