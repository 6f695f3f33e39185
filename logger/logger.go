// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"httpdns/config"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const defaultAsyncLogQueueSize = 10000

const (
	rotationCheckInterval = 5 * time.Minute
	clientLogFilename     = "httpdns-client.log"
)

// Fixed service log file names.
const (
	ResolverLog  = "resolver.log"
	APIServerLog = "apiserver.log"
)

// safeWriter wraps a writer and on write failure falls back to stderr without failing.
type safeWriter struct {
	inner io.Writer
}

func (w *safeWriter) Write(p []byte) (n int, err error) {
	n, err = w.inner.Write(p)
	if err != nil {
		_, _ = os.Stderr.Write([]byte("[log write failed, logging to stderr] "))
		_, _ = os.Stderr.Write(p)
		return len(p), nil
	}
	return n, nil
}

// throttleRotateWriter only runs the age-based rotation check every rotationCheckInterval.
type throttleRotateWriter struct {
	lj         *lj.Logger
	mu         sync.Mutex
	lastCheck  time.Time
	maxAgeDays int
}

func (w *throttleRotateWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if time.Since(w.lastCheck) > rotationCheckInterval {
		w.lastCheck = time.Now()
		cutoff := time.Now().Add(-time.Duration(w.maxAgeDays) * 24 * time.Hour)
		if info, err := os.Stat(w.lj.Filename); err == nil && info.ModTime().Before(cutoff) {
			_ = w.lj.Rotate()
		}
	}
	w.mu.Unlock()
	return w.lj.Write(p)
}

func buildLumberjack(logPath string, logCfg config.LogConfig) *lj.Logger {
	rot := &lj.Logger{Filename: logPath}
	switch logCfg.Rotation {
	case config.LogRotationSize:
		rot.MaxSize = logCfg.RotationSizeMB
		if rot.MaxSize <= 0 {
			rot.MaxSize = 100
		}
		rot.MaxAge = logCfg.RotationDays
		rot.MaxBackups = 3
	case config.LogRotationTime:
		rot.MaxAge = logCfg.RotationDays
		if rot.MaxAge <= 0 {
			rot.MaxAge = 7
		}
		rot.MaxBackups = 3
	}
	return rot
}

// SeverityNone disables logging: no files are created, all output is discarded.
const SeverityNone = "none"

func levelFromSeverity(severity string) slog.Level {
	switch strings.ToLower(severity) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newFileWriter(logPath string, logCfg config.LogConfig) (io.Writer, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	rot := buildLumberjack(logPath, logCfg)
	var inner io.Writer = rot
	if logCfg.Rotation == config.LogRotationTime {
		inner = &throttleRotateWriter{lj: rot, maxAgeDays: logCfg.RotationDays}
	}
	return &safeWriter{inner: inner}, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1000}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// NewServiceLogger creates a logger writing to logDir/name with the configured
// rotation. Severity "none" discards everything without touching the disk; an
// unwritable file falls back to stderr.
func NewServiceLogger(name, logDir string, logCfg config.LogConfig) *slog.Logger {
	if strings.EqualFold(logCfg.Severity, SeverityNone) {
		return Discard()
	}
	logPath := filepath.Join(logDir, name)
	wr, err := newFileWriter(logPath, logCfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "logger: failed to open %s: %v; using stderr\n", logPath, err)
		wr = os.Stderr
	}
	return slog.New(slog.NewTextHandler(wr, &slog.HandlerOptions{Level: levelFromSeverity(logCfg.Severity)}))
}

// ClientLogPath returns path/httpdns-client.log when path is a directory, else path.
func ClientLogPath(path string) string {
	path = filepath.Clean(path)
	if path == "" || path == "." {
		return clientLogFilename
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, clientLogFilename)
	}
	return path
}

// NewClientLogger is used by one-shot CLI commands when --log-file is given.
func NewClientLogger(logFilePath string) *slog.Logger {
	logPath := ClientLogPath(logFilePath)
	cfg := config.LogConfig{
		Dir:            filepath.Dir(logPath),
		Severity:       "info",
		Rotation:       config.LogRotationSize,
		RotationSizeMB: 10,
		RotationDays:   3,
	}
	wr, err := newFileWriter(logPath, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "logger: failed to open client log %s: %v; using stderr\n", logPath, err)
		wr = os.Stderr
	}
	return slog.New(slog.NewTextHandler(wr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// AsyncLogQueue runs log and telemetry callbacks on one background goroutine
// so the resolve path never blocks on I/O.
type AsyncLogQueue struct {
	ch        chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Uint64
}

// NewAsyncLogQueue creates a queue with the given buffer size and starts the worker.
// If size <= 0, defaultAsyncLogQueueSize is used.
func NewAsyncLogQueue(size int) *AsyncLogQueue {
	if size <= 0 {
		size = defaultAsyncLogQueueSize
	}
	q := &AsyncLogQueue{ch: make(chan func(), size)}
	q.wg.Add(1)
	go q.worker()
	return q
}

func (q *AsyncLogQueue) worker() {
	defer q.wg.Done()
	for f := range q.ch {
		runGuarded(f)
	}
}

// a panicking sink must not take the worker down
func runGuarded(f func()) {
	defer func() { _ = recover() }()
	f()
}

// Enqueue adds f to the queue. If the queue is full or closed, f is dropped.
func (q *AsyncLogQueue) Enqueue(f func()) {
	if q == nil || f == nil {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return
	}
	select {
	case q.ch <- f:
	default:
		q.dropped.Add(1)
	}
}

// Dropped returns how many callbacks were discarded.
func (q *AsyncLogQueue) Dropped() uint64 {
	if q == nil {
		return 0
	}
	return q.dropped.Load()
}

// Close closes the queue and waits for the worker to drain. Idempotent.
func (q *AsyncLogQueue) Close() {
	if q == nil {
		return
	}
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
		q.wg.Wait()
	})
}
