package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dshills/keymesh/internal/keyexpr"
)

// Validate checks cfg and returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(path, msg string, value any) {
		errs = append(errs, &ValidationError{Path: path, Message: msg, Value: value})
	}
	oneOf := func(path, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		fail(path, "must be one of "+strings.Join(allowed, ", "), value)
	}
	positive := func(path string, d Duration) {
		if d <= 0 {
			fail(path, "must be positive", d)
		}
	}
	nonNegative := func(path string, d Duration) {
		if d < 0 {
			fail(path, "must not be negative", d)
		}
	}
	topic := func(path, value string) {
		if _, err := keyexpr.ParseTopic(value); err != nil {
			fail(path, err.Error(), value)
		}
	}
	pattern := func(path, value string) {
		if _, err := keyexpr.ParsePattern(value); err != nil {
			fail(path, err.Error(), value)
		}
	}

	if strings.TrimSpace(c.Node.Name) == "" {
		fail("node.name", "is required", c.Node.Name)
	}
	oneOf("node.mode", c.Node.Mode, "peer", "client")
	oneOf("node.transport", c.Node.Transport, "local", "nats")
	if c.Node.Transport == "nats" && len(c.Node.Connect) == 0 && c.NATS.URL == "" {
		fail("nats.url", "is required when node.connect is empty", c.NATS.URL)
	}

	if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
		fail("nats.subject_prefix", "must be a non-empty subject without wildcards", c.NATS.SubjectPrefix)
	}
	nonNegative("nats.reconnect_wait", c.NATS.ReconnectWait)
	positive("nats.discovery_window", c.NATS.DiscoveryWindow)

	positive("query.timeout", c.Query.Timeout)
	nonNegative("query.late_window", c.Query.LateWindow)

	if c.Queryable.MaxInFlight <= 0 {
		fail("queryable.max_in_flight", "must be positive", c.Queryable.MaxInFlight)
	}
	if c.Queryable.Queue <= 0 {
		fail("queryable.queue", "must be positive", c.Queryable.Queue)
	}
	nonNegative("queryable.handler_timeout", c.Queryable.HandlerTimeout)

	if c.Subscriber.Buffer <= 0 {
		fail("subscriber.buffer", "must be positive", c.Subscriber.Buffer)
	}
	oneOf("subscriber.overflow", c.Subscriber.Overflow, "block", "drop")

	if c.Retry.Attempts < 1 {
		fail("retry.attempts", "must be at least 1", c.Retry.Attempts)
	}
	nonNegative("retry.initial", c.Retry.Initial)
	if c.Retry.Max < c.Retry.Initial {
		fail("retry.max", "must not be below retry.initial", c.Retry.Max)
	}
	if c.Retry.Multiplier < 1 {
		fail("retry.multiplier", "must be at least 1", c.Retry.Multiplier)
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		fail("logging.level", "unknown level", c.Logging.Level)
	}
	oneOf("logging.format", c.Logging.Format, "console", "json")

	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Addr) == "" {
		fail("admin.addr", "is required when admin is enabled", c.Admin.Addr)
	}

	nonNegative("client.startup_delay", c.Client.StartupDelay)
	positive("client.interval", c.Client.Interval)
	topic("client.echo_key", c.Client.EchoKey)
	topic("client.convert_key", c.Client.ConvertKey)

	topic("sensor.key", c.Sensor.Key)
	pattern("sensor.pattern", c.Sensor.Pattern)
	positive("sensor.interval", c.Sensor.Interval)
	oneOf("sensor.format", c.Sensor.Format, "text", "json")

	for i, s := range c.Scripts {
		pattern(fmt.Sprintf("scripts[%d].key", i), s.Key)
		if strings.TrimSpace(s.File) == "" {
			fail(fmt.Sprintf("scripts[%d].file", i), "is required", s.File)
		}
	}

	return errors.Join(errs...)
}
