// Package natsbus implements the substrate over NATS core subjects.
//
// Samples travel on "<prefix>.d.<segments>" and queries on "<prefix>.q.<segments>".
// Key wildcards map onto NATS wildcards ("*" to "*", trailing "**" to ">"); any
// over-selection is filtered with keyexpr.Matches on receipt. Every message
// carries a msgpack envelope.
//
// A query is published with a private reply inbox. Each responder answers with
// a begin frame as soon as it receives the query, then its replies, then a
// finish frame. The requester treats the set of responders as known once the
// discovery window has elapsed and ends the stream when all of them finished.
package natsbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/substrate"
)

// Defaults applied when Options fields are zero.
const (
	DefaultSubjectPrefix   = "km"
	DefaultDiscoveryWindow = 100 * time.Millisecond
	DefaultReconnectWait   = 2 * time.Second
	DefaultMaxReconnects   = 60
	DefaultConnectTimeout  = 5 * time.Second
)

// Options configures a NATS session.
type Options struct {
	// URLs are the NATS servers to connect to.
	URLs []string

	// Name is reported to the server as the client name.
	Name string

	// SubjectPrefix namespaces every subject.
	SubjectPrefix string

	ReconnectWait   time.Duration
	MaxReconnects   int
	ConnectTimeout  time.Duration
	DiscoveryWindow time.Duration

	// OnConnectionError is called when the connection drops or closes.
	OnConnectionError func(error)

	Logger zerolog.Logger
}

func (o *Options) applyDefaults() {
	if len(o.URLs) == 0 {
		o.URLs = []string{nats.DefaultURL}
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = DefaultSubjectPrefix
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = DefaultReconnectWait
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = DefaultMaxReconnects
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DiscoveryWindow <= 0 {
		o.DiscoveryWindow = DefaultDiscoveryWindow
	}
}

// Session is a substrate session backed by one NATS connection.
type Session struct {
	id     string
	opts   Options
	conn   *nats.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	decls  map[string]func() error
}

var _ substrate.Session = (*Session)(nil)

// Open connects to NATS. Connection failures wrap substrate.ErrConnection.
func Open(ctx context.Context, opts Options) (*Session, error) {
	opts.applyDefaults()

	s := &Session{
		id:     uuid.NewString(),
		opts:   opts,
		logger: opts.Logger.With().Str("component", "natsbus").Logger(),
		decls:  make(map[string]func() error),
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.Timeout(opts.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				return
			}
			s.logger.Warn().Err(err).Msg("nats disconnected")
			if opts.OnConnectionError != nil {
				opts.OnConnectionError(fmt.Errorf("%w: %v", substrate.ErrConnection, err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.mu.Lock()
			expected := s.closed
			s.mu.Unlock()
			if !expected && opts.OnConnectionError != nil {
				opts.OnConnectionError(fmt.Errorf("%w: connection closed", substrate.ErrConnection))
			}
		}),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(strings.Join(opts.URLs, ","), natsOpts...)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", substrate.ErrConnection, res.err)
		}
		s.conn = res.conn
	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", substrate.ErrConnection, ctx.Err())
	}

	s.logger.Debug().Str("url", s.conn.ConnectedUrl()).Msg("nats connected")
	return s, nil
}

func (s *Session) track(id string, undeclare func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return substrate.ErrClosed
	}
	s.decls[id] = undeclare
	return nil
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.decls, id)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) publish(subject, reply string, env envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if reply == "" {
		return s.conn.Publish(subject, data)
	}
	return s.conn.PublishRequest(subject, reply, data)
}

// DeclarePublisher binds a publisher to key.
func (s *Session) DeclarePublisher(_ context.Context, key keyexpr.Topic) (substrate.Publisher, error) {
	if key.IsEmpty() {
		return nil, keyexpr.ErrInvalidTopic
	}
	p := &publisher{
		id:      uuid.NewString(),
		session: s,
		subject: topicSubject(s.opts.SubjectPrefix, classData, key),
	}
	if err := s.track(p.id, p.Undeclare); err != nil {
		return nil, err
	}
	return p, nil
}

// DeclareSubscriber subscribes to every subject covering pattern.
func (s *Session) DeclareSubscriber(_ context.Context, pattern keyexpr.Pattern, opts substrate.SubscriberOptions) (substrate.SampleStream, error) {
	if pattern.IsZero() {
		return nil, keyexpr.ErrMalformedPattern
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 256
	}

	sub := &subscriber{
		id:      uuid.NewString(),
		session: s,
		pattern: pattern,
		opts:    opts,
		ch:      make(chan message.Sample, capacity),
		done:    make(chan struct{}),
	}
	for _, subject := range patternSubjects(s.opts.SubjectPrefix, classData, pattern) {
		ns, err := s.conn.Subscribe(subject, sub.onMsg)
		if err != nil {
			_ = sub.Undeclare()
			return nil, fmt.Errorf("subscribing %s: %w", subject, err)
		}
		sub.subs = append(sub.subs, ns)
	}
	if err := s.track(sub.id, sub.Undeclare); err != nil {
		_ = sub.Undeclare()
		return nil, err
	}
	return sub, nil
}

// DeclareQueryable subscribes to the query subjects covering pattern.
func (s *Session) DeclareQueryable(_ context.Context, pattern keyexpr.Pattern, capacity int) (substrate.QueryStream, error) {
	if pattern.IsZero() {
		return nil, keyexpr.ErrMalformedPattern
	}
	if capacity <= 0 {
		capacity = 256
	}

	q := &queryable{
		id:      uuid.NewString(),
		session: s,
		pattern: pattern,
		ch:      make(chan *message.Query, capacity),
		done:    make(chan struct{}),
	}
	for _, subject := range patternSubjects(s.opts.SubjectPrefix, classQuery, pattern) {
		ns, err := s.conn.Subscribe(subject, q.onMsg)
		if err != nil {
			_ = q.Undeclare()
			return nil, fmt.Errorf("subscribing %s: %w", subject, err)
		}
		q.subs = append(q.subs, ns)
	}
	if err := s.track(q.id, q.Undeclare); err != nil {
		_ = q.Undeclare()
		return nil, err
	}
	return q, nil
}

// Query publishes a request and collects replies on a private inbox.
func (s *Session) Query(_ context.Context, key keyexpr.Topic, payload []byte, hasPayload bool) (substrate.ReplyStream, error) {
	if s.isClosed() {
		return nil, substrate.ErrClosed
	}
	if key.IsEmpty() {
		return nil, keyexpr.ErrInvalidTopic
	}

	rs := &replyStream{
		session: s,
		in:      make(chan envelope, 64),
		out:     make(chan message.Reply, 32),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	inbox := s.conn.NewRespInbox()
	sub, err := s.conn.Subscribe(inbox, rs.onMsg)
	if err != nil {
		return nil, fmt.Errorf("subscribing reply inbox: %w", err)
	}
	rs.sub = sub

	env := envelope{
		Kind:       kindQuery,
		Key:        key.String(),
		Payload:    payload,
		HasPayload: hasPayload,
		QueryID:    uuid.NewString(),
		Timestamp:  time.Now().UnixNano(),
	}
	if err := s.publish(topicSubject(s.opts.SubjectPrefix, classQuery, key), inbox, env); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("publishing query: %w", err)
	}

	go rs.collect(s.opts.DiscoveryWindow)
	return rs, nil
}

// Close undeclares everything and drains the connection.
func (s *Session) Close(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	decls := make([]func() error, 0, len(s.decls))
	for _, undeclare := range s.decls {
		decls = append(decls, undeclare)
	}
	s.mu.Unlock()

	for _, undeclare := range decls {
		_ = undeclare()
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}
