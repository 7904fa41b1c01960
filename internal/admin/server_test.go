package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/keymesh/internal/config"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/node"
	"github.com/dshills/keymesh/internal/substrate/local"
)

func newNodes(t *testing.T) (*node.Node, *node.Node) {
	t.Helper()
	r := local.NewRouter()
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	open := func(name string) *node.Node {
		s, err := r.Open(name)
		require.NoError(t, err)
		n := node.New(s, node.WithName(name))
		t.Cleanup(func() { _ = n.Close(context.Background()) })
		return n
	}
	return open("admin"), open("peer")
}

func newTestServer(t *testing.T, n *node.Node, cfg config.Admin) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, n, zerolog.Nop(), "test")
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return s, ts
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	n, _ := newNodes(t)
	_, ts := newTestServer(t, n, config.Admin{})

	var body map[string]string
	status := getJSON(t, ts.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "admin", body["node"])
	assert.Equal(t, n.ID(), body["id"])
	assert.Equal(t, "test", body["version"])
}

func TestDeclarations(t *testing.T) {
	n, _ := newNodes(t)
	_, ts := newTestServer(t, n, config.Admin{})

	_, err := n.DeclareQueryable(context.Background(), "service/echo", node.HandlerFunc(func(ctx context.Context, q *message.Query) error {
		return q.Reply(ctx, nil)
	}))
	require.NoError(t, err)

	var body struct {
		Node         string             `json:"node"`
		Declarations []node.Declaration `json:"declarations"`
	}
	status := getJSON(t, ts.URL+"/declarations", &body)

	assert.Equal(t, http.StatusOK, status)
	require.Len(t, body.Declarations, 1)
	assert.Equal(t, "queryable", body.Declarations[0].Kind)
	assert.Equal(t, "service/echo", body.Declarations[0].Key)
	assert.Equal(t, "running", body.Declarations[0].State)
}

func TestMetrics(t *testing.T) {
	n, _ := newNodes(t)
	_, ts := newTestServer(t, n, config.Admin{})

	pub, err := n.DeclarePublisher(context.Background(), "sensor/temp")
	require.NoError(t, err)
	require.NoError(t, pub.PutString(context.Background(), "x"))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `keymesh_pubsub_samples_published_total{key="sensor/temp",node="admin"} 1`)
}

func TestTapRejectsBadPattern(t *testing.T) {
	n, _ := newNodes(t)
	_, ts := newTestServer(t, n, config.Admin{})

	for _, q := range []string{"", "?pattern=", "?pattern=a//b"} {
		var body map[string]string
		status := getJSON(t, ts.URL+"/tap"+q, &body)
		assert.Equal(t, http.StatusBadRequest, status, q)
		assert.NotEmpty(t, body["error"])
	}
	assert.Empty(t, n.Declarations())
}

func TestTapStreamsSamples(t *testing.T) {
	n, peer := newNodes(t)
	_, ts := newTestServer(t, n, config.Admin{})
	ctx := context.Background()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/tap?pattern=sensor/**"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	pub, err := peer.DeclarePublisher(ctx, "sensor/temp")
	require.NoError(t, err)
	require.NoError(t, pub.PutString(ctx, "Temp = 25.0"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f TapFrame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "sensor/temp", f.Key)
	assert.Equal(t, "Temp = 25.0", f.Payload)
	assert.Equal(t, uint64(1), f.Sequence)
	assert.Equal(t, pub.ID(), f.Source)

	require.Len(t, n.Declarations(), 1)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return len(n.Declarations()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCORS(t *testing.T) {
	n, _ := newNodes(t)
	_, ts := newTestServer(t, n, config.Admin{CORSOrigins: []string{"http://dash.local"}})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dash.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "http://dash.local", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRequestLogger(t *testing.T) {
	n, _ := newNodes(t)
	var buf bytes.Buffer
	s := New(config.Admin{}, n, zerolog.New(&buf).Level(zerolog.InfoLevel), "test")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/declarations", nil))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"path":"/declarations"`)
	assert.Contains(t, lines[0], `"status":200`)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	n, _ := newNodes(t)
	s := New(config.Admin{}, n, zerolog.Nop(), "test")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
