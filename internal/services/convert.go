package services

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/node"
)

// ConvertKey is the default convert service key.
const ConvertKey = "service/convert"

// ConvertError is the reply text for payloads that are not base-10 integers.
const ConvertError = "Error: not an integer"

// ConvertText renders a base-10 integer as "0b" followed by its binary digits.
// Negative values use the 64-bit two's-complement form.
func ConvertText(payload string) (string, bool) {
	v, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return ConvertError, false
	}
	return "0b" + strconv.FormatUint(uint64(v), 2), true
}

// Convert answers integer queries with their binary form. Bad input gets
// ConvertError as a regular reply; the service keeps serving.
func Convert(logger zerolog.Logger) node.Handler {
	logger = logger.With().Str("service", "convert").Logger()
	return node.HandlerFunc(func(ctx context.Context, q *message.Query) error {
		logRequest(logger, q)
		text, ok := ConvertText(q.PayloadString())
		if !ok {
			logger.Warn().Str("payload", q.PayloadString()).Msg("payload is not an integer")
		}
		return q.Reply(ctx, []byte(text))
	})
}
