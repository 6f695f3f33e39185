// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package telemetry counts resolution events and exposes them in the
// Prometheus text format. Event logging goes through an async queue so a slow
// log writer never delays a lookup.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"httpdns/logger"
	"httpdns/resolver"
)

const defaultQueueSize = 1024

// Config defines the sink.
type Config struct {
	SessionID string
	QueueSize int
	Logger    *slog.Logger
}

// Sink implements resolver.Observer and the pool refresh observer.
type Sink struct {
	set       *metrics.Set
	queue     *logger.AsyncLogQueue
	logger    *slog.Logger
	sessionID string
	started   time.Time

	lookups       map[resolver.Outcome]*metrics.Counter
	fetchOK       *metrics.Counter
	fetchFailed   *metrics.Counter
	fetchDuration *metrics.Histogram
	degraded      *metrics.Counter
	degradeFailed *metrics.Counter
	refreshOK     *metrics.Counter
	refreshFailed *metrics.Counter
	netChanges    *metrics.Counter

	closeOnce sync.Once
}

// New registers the metrics in a private set.
func New(cfg Config) *Sink {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	set := metrics.NewSet()
	s := &Sink{
		set:       set,
		queue:     logger.NewAsyncLogQueue(size),
		logger:    logger.OrDiscard(cfg.Logger),
		sessionID: cfg.SessionID,
		started:   time.Now(),
		lookups: map[resolver.Outcome]*metrics.Counter{
			resolver.OutcomeHit:   set.NewCounter(`httpdns_cache_lookups_total{outcome="hit"}`),
			resolver.OutcomeStale: set.NewCounter(`httpdns_cache_lookups_total{outcome="stale"}`),
			resolver.OutcomeMiss:  set.NewCounter(`httpdns_cache_lookups_total{outcome="miss"}`),
		},
		fetchOK:       set.NewCounter(`httpdns_fetches_total{result="ok"}`),
		fetchFailed:   set.NewCounter(`httpdns_fetches_total{result="error"}`),
		fetchDuration: set.NewHistogram(`httpdns_fetch_duration_seconds`),
		degraded:      set.NewCounter(`httpdns_local_dns_answers_total{result="ok"}`),
		degradeFailed: set.NewCounter(`httpdns_local_dns_answers_total{result="error"}`),
		refreshOK:     set.NewCounter(`httpdns_schedule_refreshes_total{result="ok"}`),
		refreshFailed: set.NewCounter(`httpdns_schedule_refreshes_total{result="error"}`),
		netChanges:    set.NewCounter(`httpdns_network_changes_total`),
	}
	set.NewGauge(`httpdns_uptime_seconds`, func() float64 {
		return time.Since(s.started).Seconds()
	})
	set.NewGauge(`httpdns_telemetry_dropped_events`, func() float64 {
		return float64(s.queue.Dropped())
	})
	return s
}

// SessionID identifies this process in event logs.
func (s *Sink) SessionID() string {
	return s.sessionID
}

func (s *Sink) event(msg string, args ...any) {
	args = append(args, "session", s.sessionID)
	s.queue.Enqueue(func() {
		s.logger.Info(msg, args...)
	})
}

// CacheLookup implements resolver.Observer.
func (s *Sink) CacheLookup(_ string, outcome resolver.Outcome) {
	if c, ok := s.lookups[outcome]; ok {
		c.Inc()
	}
}

// Fetched implements resolver.Observer.
func (s *Sink) Fetched(host, server string, elapsed time.Duration, err error) {
	s.fetchDuration.Update(elapsed.Seconds())
	if err != nil {
		s.fetchFailed.Inc()
		s.event("telemetry: fetch failed", "host", host, "server", server, "elapsed_ms", elapsed.Milliseconds(), "error", err.Error())
		return
	}
	s.fetchOK.Inc()
}

// Degraded implements resolver.Observer.
func (s *Sink) Degraded(host string, err error) {
	if err != nil {
		s.degradeFailed.Inc()
		s.event("telemetry: local dns failed", "host", host, "error", err.Error())
		return
	}
	s.degraded.Inc()
	s.event("telemetry: answered from local dns", "host", host)
}

// Refreshed matches serverpool.RefreshObserver.
func (s *Sink) Refreshed(region string, forced bool, err error) {
	if err != nil {
		s.refreshFailed.Inc()
		s.event("telemetry: schedule refresh failed", "region", region, "forced", forced, "error", err.Error())
		return
	}
	s.refreshOK.Inc()
	s.event("telemetry: schedule refreshed", "region", region, "forced", forced)
}

// NetworkChanged records a network change.
func (s *Sink) NetworkChanged(previous, current string) {
	s.netChanges.Inc()
	s.event("telemetry: network changed", "previous", previous, "current", current)
}

// Counts returns the counter values by metric name.
func (s *Sink) Counts() map[string]uint64 {
	out := map[string]uint64{
		"fetch_ok":        s.fetchOK.Get(),
		"fetch_error":     s.fetchFailed.Get(),
		"local_dns_ok":    s.degraded.Get(),
		"local_dns_error": s.degradeFailed.Get(),
		"refresh_ok":      s.refreshOK.Get(),
		"refresh_error":   s.refreshFailed.Get(),
		"network_changes": s.netChanges.Get(),
	}
	for outcome, c := range s.lookups {
		out[fmt.Sprintf("lookup_%s", outcome)] = c.Get()
	}
	return out
}

// WritePrometheus writes every metric in the text exposition format.
func (s *Sink) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}

// Close flushes queued events.
func (s *Sink) Close() {
	s.closeOnce.Do(s.queue.Close)
}
