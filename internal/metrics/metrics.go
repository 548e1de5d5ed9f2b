// Package metrics exposes pipeline counters to Prometheus and as a JSON
// snapshot.
package metrics

import (
	"PcapReduce/internal/engine/protocol"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const namespace = "pcapreduce"

// StatsPath serves the JSON snapshot of every registered stats source.
const StatsPath = "/api/v1/stats"

// Metrics owns a private Prometheus registry so several pipelines can live
// in one process, as they do in tests.
type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	// Records counts input lines or messages per stage and outcome
	// ("valid", "invalid").
	Records *prometheus.CounterVec
	// Rows counts finalized output rows per view.
	Rows *prometheus.CounterVec

	mu      sync.Mutex
	sources map[string]func() any
}

// New creates the metric set.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)
	return &Metrics{
		registry: registry,
		factory:  f,
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Input records per stage and validation outcome.",
		}, []string{"stage", "outcome"}),
		Rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_emitted_total",
			Help:      "Finalized output rows per view.",
		}, []string{"view"}),
		sources: make(map[string]func() any),
	}
}

// ObserveNormalizer exports the normalizer's live counters.
func (m *Metrics) ObserveNormalizer(stats *protocol.Stats) {
	for _, c := range []struct {
		name, help string
		value      func() uint64
	}{
		{"frames_seen_total", "Frames read from the capture.", stats.FramesSeen.Load},
		{"frames_with_ip_total", "Frames carrying an IPv4 layer.", stats.FramesWithIP.Load},
		{"frames_emitted_total", "Packet records emitted.", stats.FramesEmitted.Load},
		{"frames_suppressed_total", "Frames suppressed (non-IP or invalid address).", stats.FramesSuppressed.Load},
		{"frames_failed_total", "Frames that failed to decode.", stats.FramesFailed.Load},
	} {
		value := c.value
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(value()) })
	}
	m.AddStats("normalizer", func() any { return stats.Snapshot() })
}

// AddStats registers a named source for the JSON snapshot.
func (m *Metrics) AddStats(name string, source func() any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = source
}

// Stats collects the current value of every source.
func (m *Metrics) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.sources))
	for name, source := range m.sources {
		out[name] = source()
	}
	return out
}

// Router serves Prometheus metrics at endpoint and the JSON snapshot at
// StatsPath.
func (m *Metrics) Router(endpoint string) *mux.Router {
	r := mux.NewRouter()
	r.Handle(endpoint, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc(StatsPath, m.statsHandler).Methods("GET")
	return r
}

func (m *Metrics) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := m.Stats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"sources": names, "stats": stats}); err != nil {
		log.Printf("Error encoding stats: %v", err)
	}
}

// StartServer serves Router(endpoint) on addr in the background.
func (m *Metrics) StartServer(addr, endpoint string) *http.Server {
	server := &http.Server{Addr: addr, Handler: m.Router(endpoint)}
	go func() {
		log.Printf("Metrics server starting on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Error serving metrics on %s: %v", addr, err)
		}
	}()
	return server
}

// Shutdown stops a server started by StartServer.
func Shutdown(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Metrics server forced to shutdown: %v", err)
	}
}
