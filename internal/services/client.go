package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dshills/keymesh/internal/config"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/node"
)

// Querier issues Gets. *node.Node implements it.
type Querier interface {
	Get(ctx context.Context, target string, opts ...node.GetOption) (*node.ReplyStream, error)
}

// Wave is the outcome of one round of client requests.
type Wave struct {
	Counter int64
	Echo    []message.Reply
	Convert []message.Reply
}

// Client polls the echo and convert services in paced waves.
type Client struct {
	cfg     config.Client
	nodes   Querier
	logger  zerolog.Logger
	limiter *rate.Limiter
	counter int64
}

// NewClient creates a polling client.
func NewClient(cfg config.Client, q Querier, logger zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		nodes:   q,
		logger:  logger.With().Str("component", "client").Logger(),
		limiter: rate.NewLimiter(rate.Every(cfg.Interval.Std()), 1),
	}
}

// Run waits for the startup delay and then sends one wave per interval until
// ctx ends. Failed waves are logged.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info().Dur("startup_delay", c.cfg.StartupDelay.Std()).Msg("waiting for services")
	timer := time.NewTimer(c.cfg.StartupDelay.Std())
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil
	case <-timer.C:
	}

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := c.Wave(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("request wave failed")
		}
	}
}

// Wave increments the counter and queries echo, then convert. The convert
// request is sent even when echo failed.
func (c *Client) Wave(ctx context.Context) (Wave, error) {
	c.counter++
	w := Wave{Counter: c.counter}

	greeting := c.cfg.Greeting + " #" + strconv.FormatInt(w.Counter, 10)
	number := strconv.FormatInt(c.cfg.Base+w.Counter, 10)

	var echoErr, convertErr error
	w.Echo, echoErr = c.request(ctx, c.cfg.EchoKey, greeting)
	w.Convert, convertErr = c.request(ctx, c.cfg.ConvertKey, number)
	return w, errors.Join(echoErr, convertErr)
}

func (c *Client) request(ctx context.Context, key, payload string) ([]message.Reply, error) {
	rs, err := c.nodes.Get(ctx, key, node.WithPayload([]byte(payload)))
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	replies, err := rs.Collect(ctx)
	for _, r := range replies {
		if r.OK() {
			c.logger.Info().Str("key", key).Str("request", payload).Msg(r.PayloadString())
		} else {
			c.logger.Warn().Str("key", key).Str("request", payload).Str("error", r.PayloadString()).Msg("error reply")
		}
	}
	if rs.TimedOut() {
		c.logger.Warn().Str("key", key).Int("replies", len(replies)).Msg("request timed out")
	}
	return replies, err
}
