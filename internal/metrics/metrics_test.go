package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RoomsChanged(3)
	m.FrameReceived("join")
	m.FrameReceived("join")
	m.FrameDropped("malformed")
	m.Delivered(4, 1)
	m.Delivered(0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rooms))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("join")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("malformed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.deliveries.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("failed")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RoomsChanged(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "roombroker_rooms 2")
}
