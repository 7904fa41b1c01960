package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/keymesh/internal/config"
	"github.com/dshills/keymesh/internal/message"
)

// Putter publishes payloads on a fixed key. *node.Publisher implements it.
type Putter interface {
	Put(ctx context.Context, payload []byte) error
}

// Sensor publishes a simulated temperature reading on every tick.
type Sensor struct {
	cfg    config.Sensor
	pub    Putter
	logger zerolog.Logger
}

// NewSensor creates a sensor that publishes through pub.
func NewSensor(cfg config.Sensor, pub Putter, logger zerolog.Logger) *Sensor {
	return &Sensor{
		cfg:    cfg,
		pub:    pub,
		logger: logger.With().Str("component", "sensor").Str("key", cfg.Key).Logger(),
	}
}

// Reading returns the value of the n-th reading, starting at 0.
func (s *Sensor) Reading(n int) float64 {
	return s.cfg.Start + float64(n)*s.cfg.Step
}

// Payload renders a reading in the configured format.
func (s *Sensor) Payload(value float64, at time.Time) ([]byte, error) {
	if s.cfg.Format != "json" {
		return []byte(fmt.Sprintf("Temp = %.1f", value)), nil
	}

	rounded, err := strconv.ParseFloat(strconv.FormatFloat(value, 'f', 1, 64), 64)
	if err != nil {
		return nil, err
	}
	payload, err := sjson.SetBytes(nil, "key", s.cfg.Key)
	if err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "value", rounded); err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "unit", "C"); err != nil {
		return nil, err
	}
	return sjson.SetBytes(payload, "time", at.UTC().Format(time.RFC3339))
}

// Run publishes one reading immediately and one per interval until ctx ends.
// Publish failures are logged and the next tick is tried.
func (s *Sensor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval.Std())
	defer ticker.Stop()

	for n := 0; ; n++ {
		value := s.Reading(n)
		payload, err := s.Payload(value, time.Now())
		if err != nil {
			return fmt.Errorf("encoding sensor reading: %w", err)
		}
		if err := s.pub.Put(ctx, payload); err != nil {
			s.logger.Warn().Err(err).Msg("publishing reading failed")
		} else {
			s.logger.Info().Str("payload", string(payload)).Msg("published")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Monitor logs every sample it is given as 'key' -> payload.
type Monitor struct {
	logger zerolog.Logger
}

// NewMonitor creates a sample monitor.
func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{logger: logger.With().Str("component", "monitor").Logger()}
}

// Describe renders a sample as 'key' -> payload.
func Describe(s message.Sample) string {
	return fmt.Sprintf("'%s' -> %s", s.Key, s.PayloadString())
}

// Observe logs one sample. JSON readings also get their value and unit
// logged as fields.
func (m *Monitor) Observe(_ context.Context, s message.Sample) {
	ev := m.logger.Info().Str("key", s.Key.String()).Uint64("seq", s.Sequence)
	if gjson.ValidBytes(s.Payload) {
		if v := gjson.GetBytes(s.Payload, "value"); v.Exists() {
			ev = ev.Float64("value", v.Float())
		}
		if u := gjson.GetBytes(s.Payload, "unit"); u.Exists() {
			ev = ev.Str("unit", u.String())
		}
	}
	ev.Msg(Describe(s))
}
