// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package store persists host records and scheduler state in a bbolt file.
// Writes are serialized through one background writer; reads use bbolt's
// snapshot transactions and never wait for the queue.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"httpdns/hostrecord"
)

const (
	hostsBucket     = "hosts"
	stateBucket     = "state"
	defaultFileName = "httpdns.db"
	writeQueueSize  = 1024
)

var (
	// ErrNotFound is returned when no row exists for a key.
	ErrNotFound = errors.New("store: not found")
	// ErrClosed is returned for operations after Close.
	ErrClosed = errors.New("store: closed")
)

type writeOp struct {
	fn   func(tx *bbolt.Tx) error
	done chan error
}

// Store is a bbolt-backed record and key-value store.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger

	mu        sync.RWMutex
	closed    bool
	writes    chan writeOp
	writerWg  sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (or creates) the database. If path is a directory the default
// file name is used inside it.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, defaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{hostsBucket, stateBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: initialize buckets: %w", err)
	}
	s := &Store{
		db:     db,
		logger: logger,
		writes: make(chan writeOp, writeQueueSize),
	}
	s.writerWg.Add(1)
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	defer s.writerWg.Done()
	for op := range s.writes {
		err := s.db.Update(op.fn)
		if op.done != nil {
			op.done <- err
			continue
		}
		if err != nil && s.logger != nil {
			s.logger.Warn("store: queued write failed", "error", err)
		}
	}
}

// enqueue hands fn to the writer. When wait is true it blocks for the result.
func (s *Store) enqueue(fn func(tx *bbolt.Tx) error, wait bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	op := writeOp{fn: fn}
	if wait {
		op.done = make(chan error, 1)
	}
	s.writes <- op
	if !wait {
		return nil
	}
	return <-op.done
}

// Close drains pending writes and closes the database. Idempotent.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.writes)
		s.mu.Unlock()
		s.writerWg.Wait()
		err = s.db.Close()
	})
	return err
}

// Flush blocks until every write queued before the call has been applied.
func (s *Store) Flush() error {
	return s.enqueue(func(*bbolt.Tx) error { return nil }, true)
}

// Get returns the record stored under key.
func (s *Store) Get(key string) (*hostrecord.HostRecord, error) {
	var rec *hostrecord.HostRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(hostsBucket)).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var err error
		rec, err = hostrecord.Decode(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put queues rec for writing under its cache key and returns immediately.
func (s *Store) Put(rec *hostrecord.HostRecord) error {
	if rec == nil || rec.CacheKey == "" {
		return fmt.Errorf("store: record without cache key")
	}
	data, err := hostrecord.Encode(rec)
	if err != nil {
		return err
	}
	key := []byte(rec.CacheKey)
	return s.enqueue(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(hostsBucket)).Put(key, data)
	}, false)
}

// DeleteByKeys removes the given keys.
func (s *Store) DeleteByKeys(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.enqueue(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(hostsBucket))
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	}, true)
}

// DeleteAll drops every host record. Scheduler state is kept.
func (s *Store) DeleteAll() error {
	return s.enqueue(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(hostsBucket)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(hostsBucket))
		return err
	}, true)
}

// SweepExpiredBefore deletes records whose families all expired before t and
// returns how many were removed. Records with a non-positive ttl are kept.
func (s *Store) SweepExpiredBefore(t time.Time) (int, error) {
	removed := 0
	err := s.enqueue(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(hostsBucket))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			rec, err := hostrecord.Decode(v)
			if err != nil {
				// unreadable rows are garbage as well
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if expiredBefore(rec, t) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	}, true)
	return removed, err
}

func expiredBefore(rec *hostrecord.HostRecord, t time.Time) bool {
	seen := false
	for _, f := range []hostrecord.Family{hostrecord.FamilyV4, hostrecord.FamilyV6} {
		if rec.LastLookup(f) == 0 {
			continue
		}
		seen = true
		ttl := rec.TTL(f)
		if ttl <= 0 {
			return false
		}
		if rec.LastLookup(f)+ttl >= t.Unix() {
			return false
		}
	}
	return seen
}

// Each calls fn for every stored record until fn returns false.
func (s *Store) Each(fn func(*hostrecord.HostRecord) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(hostsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := hostrecord.Decode(v)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("store: skipping unreadable record", "key", string(k), "error", err)
				}
				continue
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// GetState returns the raw scheduler state value stored under key.
func (s *Store) GetState(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(stateBucket)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// PutState queues a scheduler state write.
func (s *Store) PutState(key string, value []byte) error {
	v := append([]byte(nil), value...)
	return s.enqueue(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(stateBucket)).Put([]byte(key), v)
	}, false)
}
