package services

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dshills/keymesh/internal/config"
	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/node"
	"github.com/dshills/keymesh/internal/substrate/local"
)

func newPair(t *testing.T) (*node.Node, *node.Node) {
	t.Helper()
	r := local.NewRouter()
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	open := func(name string) *node.Node {
		s, err := r.Open(name)
		require.NoError(t, err)
		n := node.New(s, node.WithName(name))
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = n.Close(ctx)
		})
		return n
	}
	return open("server"), open("client")
}

func get(t *testing.T, n *node.Node, key, payload string) []message.Reply {
	t.Helper()
	ctx := context.Background()
	rs, err := n.Get(ctx, key, node.WithPayload([]byte(payload)), node.WithTimeout(5*time.Second))
	require.NoError(t, err)
	replies, err := rs.Collect(ctx)
	require.NoError(t, err)
	return replies
}

func TestConvertText(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"42", "0b101010", true},
		{"0", "0b0", true},
		{"1", "0b1", true},
		{"-1", "0b" + strings.Repeat("1", 64), true},
		{"-2", "0b" + strings.Repeat("1", 63) + "0", true},
		{"abc", ConvertError, false},
		{"", ConvertError, false},
		{" 42", ConvertError, false},
		{"4.2", ConvertError, false},
		{"99999999999999999999", ConvertError, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ConvertText(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestEchoService(t *testing.T) {
	server, client := newPair(t)

	_, err := DeclareEcho(context.Background(), server, EchoKey)
	require.NoError(t, err)

	replies := get(t, client, EchoKey, "Hello Zenoh! #1")
	require.Len(t, replies, 1)
	assert.True(t, replies[0].OK())
	assert.Equal(t, "Echo: Hello Zenoh! #1", replies[0].PayloadString())
}

func TestEchoNonUTF8(t *testing.T) {
	server, client := newPair(t)

	_, err := DeclareEcho(context.Background(), server, EchoKey)
	require.NoError(t, err)

	replies := get(t, client, EchoKey, string([]byte{0xff, 0xfe}))
	require.Len(t, replies, 1)
	assert.Equal(t, "Echo: ", replies[0].PayloadString())
}

func TestConvertServiceKeepsServing(t *testing.T) {
	server, client := newPair(t)

	_, err := DeclareConvert(context.Background(), server, ConvertKey)
	require.NoError(t, err)

	replies := get(t, client, ConvertKey, "abc")
	require.Len(t, replies, 1)
	assert.True(t, replies[0].OK())
	assert.Equal(t, "Error: not an integer", replies[0].PayloadString())

	replies = get(t, client, ConvertKey, "42")
	require.Len(t, replies, 1)
	assert.Equal(t, "0b101010", replies[0].PayloadString())
}

func TestServicesLogRequests(t *testing.T) {
	server, client := newPair(t)
	ctx := context.Background()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	_, err := server.DeclareQueryable(ctx, EchoKey, Echo(logger))
	require.NoError(t, err)
	_, err = server.DeclareQueryable(ctx, ConvertKey, Convert(logger))
	require.NoError(t, err)

	require.Len(t, get(t, client, EchoKey, "Hello Zenoh! #1"), 1)
	require.Len(t, get(t, client, ConvertKey, "abc"), 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "echo", gjson.Get(lines[0], "service").String())
	assert.Equal(t, "request received", gjson.Get(lines[0], "message").String())
	assert.Equal(t, EchoKey, gjson.Get(lines[0], "key").String())
	assert.Equal(t, "Hello Zenoh! #1", gjson.Get(lines[0], "payload").String())

	assert.Equal(t, "convert", gjson.Get(lines[1], "service").String())
	assert.Equal(t, "abc", gjson.Get(lines[1], "payload").String())
	assert.Equal(t, "warn", gjson.Get(lines[2], "level").String())
}

const upperScript = `
function handle(payload, key)
  if payload == "" then
    return nil, "empty payload"
  end
  if payload == "skip" then
    return nil
  end
  return string.upper(payload) .. " via " .. key
end
`

func TestScriptCall(t *testing.T) {
	s, err := NewScript("upper", upperScript)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	reply, ok, err := s.Call(ctx, "hi", "script/upper")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "HI via script/upper", reply)

	_, ok, err = s.Call(ctx, "skip", "script/upper")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Call(ctx, "", "script/upper")
	assert.EqualError(t, err, "empty payload")

	require.NoError(t, s.Close())
	_, _, err = s.Call(ctx, "hi", "script/upper")
	assert.ErrorIs(t, err, ErrScriptClosed)
}

func TestScriptLoadErrors(t *testing.T) {
	_, err := NewScript("noentry", "x = 1")
	assert.ErrorIs(t, err, ErrNoEntry)

	_, err = NewScript("broken", "function handle(")
	assert.Error(t, err)

	_, err = LoadScript(filepath.Join(t.TempDir(), "missing.lua"))
	assert.Error(t, err)
}

func TestScriptSandbox(t *testing.T) {
	s, err := NewScript("escape", `function handle() return os.getenv("HOME") end`)
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.Call(context.Background(), "", "k")
	assert.Error(t, err)
}

func TestScriptHonoursContext(t *testing.T) {
	s, err := NewScript("spin", `function handle() while true do end end`)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = s.Call(ctx, "", "k")
	assert.Error(t, err)
}

func TestScriptService(t *testing.T) {
	server, client := newPair(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "upper.lua")
	require.NoError(t, os.WriteFile(path, []byte(upperScript), 0o600))

	set, err := DeclareScripts(ctx, server, []config.Script{{Key: "script/*", File: path}})
	require.NoError(t, err)
	require.Len(t, set.Queryables, 1)

	replies := get(t, client, "script/upper", "hi")
	require.Len(t, replies, 1)
	assert.Equal(t, "HI via script/upper", replies[0].PayloadString())

	replies = get(t, client, "script/upper", "")
	require.Len(t, replies, 1)
	assert.False(t, replies[0].OK())
	assert.Equal(t, "empty payload", replies[0].PayloadString())

	require.NoError(t, set.Close(ctx))
	assert.Empty(t, get(t, client, "script/upper", "hi"))
}

func TestDeclareAll(t *testing.T) {
	server, client := newPair(t)
	ctx := context.Background()

	set, err := DeclareAll(ctx, server, config.Default())
	require.NoError(t, err)
	assert.Len(t, set.Queryables, 2)

	replies := get(t, client, "service/convert", "7")
	require.Len(t, replies, 1)
	assert.Equal(t, "0b111", replies[0].PayloadString())
}

type recordingPutter struct {
	mu       sync.Mutex
	payloads []string
	notify   chan struct{}
}

func (p *recordingPutter) Put(_ context.Context, payload []byte) error {
	p.mu.Lock()
	p.payloads = append(p.payloads, string(payload))
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *recordingPutter) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads...)
}

func sensorConfig() config.Sensor {
	return config.Sensor{
		Key:      "sensor/temperature",
		Pattern:  "sensor/**",
		Start:    25.0,
		Step:     0.1,
		Interval: config.Duration(5 * time.Millisecond),
		Format:   "text",
	}
}

func TestSensorRun(t *testing.T) {
	pub := &recordingPutter{notify: make(chan struct{}, 1)}
	s := NewSensor(sensorConfig(), pub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.snapshot()) >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := pub.snapshot()
	assert.Equal(t, []string{"Temp = 25.0", "Temp = 25.1", "Temp = 25.2"}, got[:3])
}

func TestSensorJSONPayload(t *testing.T) {
	cfg := sensorConfig()
	cfg.Format = "json"
	s := NewSensor(cfg, nil, zerolog.Nop())

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payload, err := s.Payload(s.Reading(3), at)
	require.NoError(t, err)

	assert.Equal(t, "sensor/temperature", gjson.GetBytes(payload, "key").String())
	assert.InDelta(t, 25.3, gjson.GetBytes(payload, "value").Float(), 1e-9)
	assert.Equal(t, "C", gjson.GetBytes(payload, "unit").String())
	assert.Equal(t, "2024-05-01T12:00:00Z", gjson.GetBytes(payload, "time").String())
}

func TestMonitor(t *testing.T) {
	var buf bytes.Buffer
	m := NewMonitor(zerolog.New(&buf))

	text := message.Sample{Key: keyexpr.MustTopic("sensor/temperature"), Payload: []byte("Temp = 25.0"), Sequence: 1}
	assert.Equal(t, "'sensor/temperature' -> Temp = 25.0", Describe(text))
	m.Observe(context.Background(), text)

	reading := message.Sample{Key: keyexpr.MustTopic("sensor/temperature"), Payload: []byte(`{"value":25.4,"unit":"C"}`), Sequence: 2}
	m.Observe(context.Background(), reading)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "'sensor/temperature' -> Temp = 25.0", gjson.Get(lines[0], "message").String())
	assert.False(t, gjson.Get(lines[0], "value").Exists())
	assert.Equal(t, 25.4, gjson.Get(lines[1], "value").Float())
	assert.Equal(t, "C", gjson.Get(lines[1], "unit").String())
}

func TestSensorMonitorOverNode(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	var buf safeBuffer
	m := NewMonitor(zerolog.New(&buf))
	_, err := b.DeclareSubscriberFunc(ctx, "sensor/**", m.Observe)
	require.NoError(t, err)

	pub, err := a.DeclarePublisher(ctx, "sensor/temperature")
	require.NoError(t, err)
	s := NewSensor(sensorConfig(), pub, zerolog.Nop())
	require.NoError(t, a.Go("sensor", func(ctx context.Context) { _ = s.Run(ctx) }))

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "'sensor/temperature' -> Temp = 25.0")
	}, 2*time.Second, 5*time.Millisecond)
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func clientConfig() config.Client {
	return config.Client{
		StartupDelay: config.Duration(time.Millisecond),
		Interval:     config.Duration(5 * time.Millisecond),
		Greeting:     "Hello Zenoh!",
		Base:         42,
		EchoKey:      EchoKey,
		ConvertKey:   ConvertKey,
	}
}

func TestClientWave(t *testing.T) {
	server, client := newPair(t)
	ctx := context.Background()

	_, err := DeclareEcho(ctx, server, EchoKey)
	require.NoError(t, err)
	_, err = DeclareConvert(ctx, server, ConvertKey)
	require.NoError(t, err)

	c := NewClient(clientConfig(), client, zerolog.Nop())

	w, err := c.Wave(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Counter)
	require.Len(t, w.Echo, 1)
	assert.Equal(t, "Echo: Hello Zenoh! #1", w.Echo[0].PayloadString())
	require.Len(t, w.Convert, 1)
	assert.Equal(t, "0b101011", w.Convert[0].PayloadString())

	w, err = c.Wave(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Echo: Hello Zenoh! #2", w.Echo[0].PayloadString())
	assert.Equal(t, "0b101100", w.Convert[0].PayloadString())
}

func TestClientWaveIsSequential(t *testing.T) {
	server, client := newPair(t)
	ctx := context.Background()

	var order []string
	var mu sync.Mutex
	record := func(name string) node.Handler {
		return node.HandlerFunc(func(ctx context.Context, q *message.Query) error {
			mu.Lock()
			order = append(order, name+" start")
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			order = append(order, name+" end")
			mu.Unlock()
			return q.Reply(ctx, []byte(name))
		})
	}
	_, err := server.DeclareQueryable(ctx, EchoKey, record("echo"))
	require.NoError(t, err)
	_, err = server.DeclareQueryable(ctx, ConvertKey, record("convert"))
	require.NoError(t, err)

	var buf bytes.Buffer
	c := NewClient(clientConfig(), client, zerolog.New(&buf))
	_, err = c.Wave(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"echo start", "echo end", "convert start", "convert end"}, order)

	out := buf.String()
	assert.Less(t, strings.Index(out, `"message":"echo"`), strings.Index(out, `"message":"convert"`))
}

func TestClientWaveWithoutServices(t *testing.T) {
	_, client := newPair(t)

	c := NewClient(clientConfig(), client, zerolog.Nop())
	w, err := c.Wave(context.Background())
	require.NoError(t, err)
	assert.Empty(t, w.Echo)
	assert.Empty(t, w.Convert)
}

func TestClientRunStopsOnCancel(t *testing.T) {
	server, client := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := DeclareEcho(ctx, server, EchoKey)
	require.NoError(t, err)

	c := NewClient(clientConfig(), client, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.GreaterOrEqual(t, c.counter, int64(2))
}
