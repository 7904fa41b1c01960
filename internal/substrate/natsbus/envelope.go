package natsbus

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
)

// kind identifies the envelope type on the wire.
type kind uint8

const (
	kindSample kind = iota + 1
	kindQuery
	kindBegin
	kindReply
	kindFinish
)

// envelope is the msgpack frame carried in every NATS message.
type envelope struct {
	Kind       kind   `msgpack:"k"`
	Key        string `msgpack:"key,omitempty"`
	Payload    []byte `msgpack:"p,omitempty"`
	HasPayload bool   `msgpack:"hp,omitempty"`
	QueryID    string `msgpack:"q,omitempty"`
	Status     uint8  `msgpack:"s,omitempty"`
	Timestamp  int64  `msgpack:"ts,omitempty"`
	Sequence   uint64 `msgpack:"seq,omitempty"`
	Source     string `msgpack:"src,omitempty"`
	Responder  string `msgpack:"r,omitempty"`
}

func encode(env envelope) ([]byte, error) {
	return msgpack.Marshal(&env)
}

func decode(data []byte) (envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Kind < kindSample || env.Kind > kindFinish {
		return envelope{}, fmt.Errorf("decoding envelope: unknown kind %d", env.Kind)
	}
	return env, nil
}

func sampleEnvelope(s message.Sample) envelope {
	return envelope{
		Kind:      kindSample,
		Key:       s.Key.String(),
		Payload:   s.Payload,
		Timestamp: s.Timestamp.UnixNano(),
		Sequence:  s.Sequence,
		Source:    s.Source,
	}
}

func (e envelope) sample() (message.Sample, error) {
	key, err := keyexpr.ParseTopic(e.Key)
	if err != nil {
		return message.Sample{}, err
	}
	return message.Sample{
		Key:       key,
		Payload:   e.Payload,
		Timestamp: time.Unix(0, e.Timestamp),
		Sequence:  e.Sequence,
		Source:    e.Source,
	}, nil
}

func replyEnvelope(responder string, r message.Reply) envelope {
	return envelope{
		Kind:      kindReply,
		Key:       r.Key.String(),
		Payload:   r.Payload,
		QueryID:   r.QueryID,
		Status:    uint8(r.Status),
		Timestamp: r.Timestamp.UnixNano(),
		Responder: responder,
	}
}

func (e envelope) reply() (message.Reply, error) {
	key, err := keyexpr.ParseTopic(e.Key)
	if err != nil {
		return message.Reply{}, err
	}
	return message.Reply{
		QueryID:   e.QueryID,
		Key:       key,
		Payload:   e.Payload,
		Status:    message.Status(e.Status),
		Timestamp: time.Unix(0, e.Timestamp),
	}, nil
}
