// Package metrics provides a simple Prometheus-compatible metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds runtime metrics for litbatch
type Metrics struct {
	// Shard lifecycle
	ShardsStarted   atomic.Int64
	ShardsCompleted atomic.Int64
	ShardsFailed    atomic.Int64
	ShardsErrored   atomic.Int64
	ShardsPromoted  atomic.Int64

	// Checkpoint writes
	CheckpointSaves      atomic.Int64
	CheckpointSaveErrors atomic.Int64

	// Pool events a full subscriber missed
	EventsDropped atomic.Int64

	// Merges
	Merges        atomic.Int64
	MergedRecords atomic.Int64

	// Workers currently executing
	ActiveWorkers atomic.Int64

	// Timing (last operation duration in ms)
	LastShardDurationMs atomic.Int64
	LastMergeDurationMs atomic.Int64

	startTime time.Time
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Global returns the global metrics instance
func Global() *Metrics {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// New returns an empty metrics set.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordShardStart records a worker launch
func (m *Metrics) RecordShardStart() {
	m.ShardsStarted.Add(1)
	m.ActiveWorkers.Add(1)
}

// RecordShardEnd records a worker outcome. status is the terminal shard
// status ("completed", "failed" or "error"); anything else only releases the
// active worker slot.
func (m *Metrics) RecordShardEnd(status string, durationMs int64) {
	m.ActiveWorkers.Add(-1)
	switch status {
	case "completed":
		m.ShardsCompleted.Add(1)
	case "failed":
		m.ShardsFailed.Add(1)
	case "error":
		m.ShardsErrored.Add(1)
	}
	m.LastShardDurationMs.Store(durationMs)
}

// RecordPromotion records a shard promoted to completed on resume
func (m *Metrics) RecordPromotion() {
	m.ShardsPromoted.Add(1)
}

// RecordCheckpoint records a checkpoint write attempt
func (m *Metrics) RecordCheckpoint(success bool) {
	m.CheckpointSaves.Add(1)
	if !success {
		m.CheckpointSaveErrors.Add(1)
	}
}

// RecordEventsDropped records pool events not delivered to a subscriber
func (m *Metrics) RecordEventsDropped(n int) {
	m.EventsDropped.Add(int64(n))
}

// RecordMerge records a merge and how many records it wrote
func (m *Metrics) RecordMerge(records int, durationMs int64) {
	m.Merges.Add(1)
	m.MergedRecords.Add(int64(records))
	m.LastMergeDurationMs.Store(durationMs)
}

type sample struct {
	name, help, kind string
	value            int64
}

// Handler returns an HTTP handler for /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		uptime := time.Since(m.startTime).Seconds()
		fmt.Fprintf(w, "# HELP litbatch_uptime_seconds Time since litbatch started\n")
		fmt.Fprintf(w, "# TYPE litbatch_uptime_seconds gauge\n")
		fmt.Fprintf(w, "litbatch_uptime_seconds %.2f\n\n", uptime)

		samples := []sample{
			{"litbatch_shards_started_total", "Total shard workers launched", "counter", m.ShardsStarted.Load()},
			{"litbatch_shards_completed_total", "Total shards completed", "counter", m.ShardsCompleted.Load()},
			{"litbatch_shards_failed_total", "Total shards whose worker reported failure", "counter", m.ShardsFailed.Load()},
			{"litbatch_shards_errored_total", "Total shards whose worker crashed", "counter", m.ShardsErrored.Load()},
			{"litbatch_shards_promoted_total", "Total shards promoted from existing output on resume", "counter", m.ShardsPromoted.Load()},
			{"litbatch_checkpoint_saves_total", "Total checkpoint writes", "counter", m.CheckpointSaves.Load()},
			{"litbatch_checkpoint_save_errors_total", "Total failed checkpoint writes", "counter", m.CheckpointSaveErrors.Load()},
			{"litbatch_events_dropped_total", "Total pool events missed by a full subscriber", "counter", m.EventsDropped.Load()},
			{"litbatch_merges_total", "Total merges", "counter", m.Merges.Load()},
			{"litbatch_merged_records_total", "Total records written by merges", "counter", m.MergedRecords.Load()},
			{"litbatch_active_workers", "Workers currently executing", "gauge", m.ActiveWorkers.Load()},
			{"litbatch_last_shard_duration_ms", "Duration of the last finished shard", "gauge", m.LastShardDurationMs.Load()},
			{"litbatch_last_merge_duration_ms", "Duration of the last merge", "gauge", m.LastMergeDurationMs.Load()},
		}
		for i, s := range samples {
			fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
			fmt.Fprintf(w, "%s %d\n", s.name, s.value)
			if i < len(samples)-1 {
				fmt.Fprintln(w)
			}
		}
	}
}

// Server wraps the metrics HTTP server
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer creates a metrics server on addr (e.g. ":9464" or "127.0.0.1:0")
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listen address and serves in background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.ln = ln
	go s.srv.Serve(ln)
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.srv.Addr
}

// Stop gracefully shuts down the metrics server
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
