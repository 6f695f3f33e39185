// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package prober ranks resolved addresses by TCP connect time.
package prober

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"httpdns/hostrecord"
	"httpdns/logger"
)

const (
	// DefaultConcurrency is the number of probes run at once; the rest queue FIFO.
	DefaultConcurrency = 10
	defaultTimeout     = 2 * time.Second
)

// Callback receives the connect time in milliseconds, or hostrecord.RTUnreachable.
type Callback func(cacheKey, ip string, rt int)

// Config defines the prober.
type Config struct {
	Concurrency int
	Timeout     time.Duration
	Dial        func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger      *slog.Logger
}

// Prober runs probes on a bounded worker pool.
type Prober struct {
	pool    *workerpool.WorkerPool
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	logger  *slog.Logger

	mu      sync.Mutex
	queued  map[string]struct{}
	stopped bool
}

// New starts the worker pool.
func New(cfg Config) *Prober {
	n := cfg.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dial := cfg.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	return &Prober{
		pool:    workerpool.New(n),
		timeout: timeout,
		dial:    dial,
		logger:  logger.OrDiscard(cfg.Logger),
		queued:  make(map[string]struct{}),
	}
}

// Schedule queues a probe of ip:port. A probe already queued for the same key
// and address is not queued twice.
func (p *Prober) Schedule(cacheKey, ip string, port int, cb func(cacheKey, ip string, rt int)) {
	id := cacheKey + "|" + ip + "|" + strconv.Itoa(port)
	// Submit happens under mu so Stop cannot close the pool in between.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if _, dup := p.queued[id]; dup {
		return
	}
	p.queued[id] = struct{}{}

	p.pool.Submit(func() {
		rt := p.Probe(ip, port)
		p.mu.Lock()
		delete(p.queued, id)
		p.mu.Unlock()
		p.logger.Debug("prober: probed", "key", cacheKey, "ip", ip, "port", port, "rt_ms", rt)
		if cb != nil {
			cb(cacheKey, ip, rt)
		}
	})
}

// Probe connects once and returns the connect time in milliseconds.
func (p *Prober) Probe(ip string, port int) int {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	start := time.Now()
	conn, err := p.dial(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return hostrecord.RTUnreachable
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return int(elapsed / time.Millisecond)
}

// Waiting returns the number of queued probes.
func (p *Prober) Waiting() int {
	return p.pool.WaitingQueueSize()
}

// Stop drops queued probes and waits for running ones.
func (p *Prober) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	p.pool.Stop()
}

// StopWait runs every queued probe before returning.
func (p *Prober) StopWait() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	p.pool.StopWait()
}
