package services

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/node"
)

// EchoKey is the default echo service key.
const EchoKey = "service/echo"

// EchoText returns the echo reply for a request payload.
func EchoText(payload string) string {
	return "Echo: " + payload
}

// Echo answers every query with its payload prefixed by "Echo: ".
// A missing or non-UTF-8 payload echoes as "".
func Echo(logger zerolog.Logger) node.Handler {
	logger = logger.With().Str("service", "echo").Logger()
	return node.HandlerFunc(func(ctx context.Context, q *message.Query) error {
		logRequest(logger, q)
		return q.Reply(ctx, []byte(EchoText(q.PayloadString())))
	})
}

// logRequest records one received query.
func logRequest(logger zerolog.Logger, q *message.Query) {
	logger.Info().
		Str("key", q.Key().String()).
		Str("query_id", q.ID()).
		Str("payload", q.PayloadString()).
		Msg("request received")
}
