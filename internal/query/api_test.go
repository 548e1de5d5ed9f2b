package query

import (
	"PcapReduce/internal/model"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	runID string
	limit int
	err   error
}

func (f *fakeQuerier) Runs(ctx context.Context, limit int) ([]RunSummary, error) {
	f.limit = limit
	return []RunSummary{{RunID: "r1", Source: "a.pcap", Hosts: 2}}, f.err
}

func (f *fakeQuerier) TopHosts(ctx context.Context, runID string, limit int) ([]model.HostTraffic, error) {
	f.runID, f.limit = runID, limit
	return []model.HostTraffic{{IP: "10.0.0.1", SentBytes: 1000, ReceivedBytes: 200}}, f.err
}

func (f *fakeQuerier) SlowestHandshakes(ctx context.Context, runID string, limit int) ([]model.ConversationMetrics, error) {
	f.runID, f.limit = runID, limit
	rtt := 42.5
	return []model.ConversationMetrics{{Key: "k", RTTMillis: &rtt, PacketCount: 3}}, f.err
}

func (f *fakeQuerier) Conversation(ctx context.Context, runID, key string) (*model.ConversationMetrics, error) {
	f.runID = runID
	if key != "10.0.0.1:1-10.0.0.2:2" {
		return nil, f.err
	}
	return &model.ConversationMetrics{Key: key, PacketCount: 1}, f.err
}

func serve(t *testing.T, q Querier, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewRouter(q).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestAPI_TopHosts(t *testing.T) {
	q := &fakeQuerier{}
	rec := serve(t, q, "/api/v1/hosts/top?run=r1&limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r1", q.runID)
	assert.Equal(t, 3, q.limit)

	var body struct {
		Hosts []model.HostTraffic `json:"hosts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []model.HostTraffic{{IP: "10.0.0.1", SentBytes: 1000, ReceivedBytes: 200}}, body.Hosts)
}

func TestAPI_Slowest(t *testing.T) {
	rec := serve(t, &fakeQuerier{}, "/api/v1/conversations/slowest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rtt_ms":42.5`)
}

func TestAPI_Conversation(t *testing.T) {
	rec := serve(t, &fakeQuerier{}, "/api/v1/conversations/10.0.0.1:1-10.0.0.2:2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rtt_ms":null`)

	rec = serve(t, &fakeQuerier{}, "/api/v1/conversations/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Errors(t *testing.T) {
	rec := serve(t, &fakeQuerier{}, "/api/v1/runs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, &fakeQuerier{err: errors.New("down")}, "/api/v1/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
