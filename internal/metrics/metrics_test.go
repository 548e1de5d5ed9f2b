package metrics

import (
	"PcapReduce/internal/engine/protocol"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, srv *httptest.Server, path string) string {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRouter_PrometheusAndStats(t *testing.T) {
	m := New()
	var stats protocol.Stats
	m.ObserveNormalizer(&stats)
	stats.FramesSeen.Add(3)
	stats.FramesEmitted.Add(2)
	m.Records.WithLabelValues("traffic-map", "valid").Add(5)
	m.Rows.WithLabelValues("traffic").Inc()

	srv := httptest.NewServer(m.Router("/metrics"))
	defer srv.Close()

	body := get(t, srv, "/metrics")
	assert.Contains(t, body, "pcapreduce_normalizer_frames_seen_total 3")
	assert.Contains(t, body, "pcapreduce_normalizer_frames_emitted_total 2")
	assert.Contains(t, body, `pcapreduce_records_total{outcome="valid",stage="traffic-map"} 5`)
	assert.Contains(t, body, `pcapreduce_rows_emitted_total{view="traffic"} 1`)

	var snapshot struct {
		Sources []string                             `json:"sources"`
		Stats   map[string]protocol.StatsSnapshot `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(get(t, srv, StatsPath)), &snapshot))
	assert.Equal(t, []string{"normalizer"}, snapshot.Sources)
	assert.Equal(t, uint64(3), snapshot.Stats["normalizer"].FramesSeen)
}

func TestNew_IndependentRegistries(t *testing.T) {
	var a, b protocol.Stats
	assert.NotPanics(t, func() {
		New().ObserveNormalizer(&a)
		New().ObserveNormalizer(&b)
	})
}
