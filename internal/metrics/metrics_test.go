package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodesDoNotCollide(t *testing.T) {
	a := New("a")
	b := New("b")

	a.SamplePublished("sensor/temp")
	a.SamplePublished("sensor/temp")
	b.SamplePublished("sensor/temp")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.samplesPublished.WithLabelValues("sensor/temp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.samplesPublished.WithLabelValues("sensor/temp")))
}

func TestRecorders(t *testing.T) {
	m := New("n")

	m.SampleDelivered("sensor/**")
	m.SampleDropped("sensor/**", "overflow")
	m.QueryReceived("service/echo")
	m.RepliesSent("service/echo", "ok", 2)
	m.RepliesSent("service/echo", "ok", 0)
	m.HandlerPanicked("service/echo")
	m.GetReply("service/echo", "ok")
	m.GetFinished("service/echo", 20*time.Millisecond, true)
	m.Declared(KindQueryable, 1)
	m.Declared(KindQueryable, 1)
	m.Declared(KindQueryable, -1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.samplesDropped.WithLabelValues("sensor/**", "overflow")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.repliesSent.WithLabelValues("service/echo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerPanics.WithLabelValues("service/echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.getTimeouts.WithLabelValues("service/echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.declarations.WithLabelValues(KindQueryable)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.getDuration))
}

func TestHandler(t *testing.T) {
	m := New("n")
	m.RepliesSent("service/convert", "error", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `keymesh_queryable_replies_sent_total{node="n",pattern="service/convert",status="error"} 1`)
}
