// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only

// Package coalescer lets concurrent lookups for the same key share one
// in-flight fetch. Each address family of a key is its own domain, so a v4
// lookup never waits behind a v6 one, while a dual-stack lookup drives the
// free families and waits on the busy ones.
package coalescer

import (
	"context"
	"sync"
	"time"

	"httpdns/hostrecord"
)

// DefaultHoldCeiling bounds how long a fetch may hold a domain before a later
// caller is allowed to take over.
const DefaultHoldCeiling = 10 * time.Second

// Decision tells the caller what to do with a lease.
type Decision int

const (
	// ShouldFetch: the caller owns at least one family and must fetch it.
	ShouldFetch Decision = iota
	// ShouldWait: every requested family is being fetched by someone else.
	ShouldWait
)

func (d Decision) String() string {
	if d == ShouldFetch {
		return "fetch"
	}
	return "wait"
}

type inflight struct {
	done      chan struct{}
	waitUntil time.Time
}

// Locker is the table of in-flight fetches.
type Locker struct {
	mu          sync.Mutex
	table       map[string]*inflight
	holdCeiling time.Duration
	now         func() time.Time
}

// New returns a Locker. A holdCeiling <= 0 uses DefaultHoldCeiling.
func New(holdCeiling time.Duration) *Locker {
	if holdCeiling <= 0 {
		holdCeiling = DefaultHoldCeiling
	}
	return &Locker{
		table:       make(map[string]*inflight),
		holdCeiling: holdCeiling,
		now:         time.Now,
	}
}

func domainKey(key string, f hostrecord.Family) string {
	return key + "|" + f.String()
}

// Lease is the outcome of AcquireOrWait. Owners must call Release, usually
// with defer, whether the fetch succeeded or not.
type Lease struct {
	l       *Locker
	owned   hostrecord.QueryType
	mine    map[string]*inflight
	waitOn  []*inflight
	release sync.Once
}

// AcquireOrWait claims every free family of q under key and records the busy
// ones to wait on.
func (l *Locker) AcquireOrWait(key string, q hostrecord.QueryType) *Lease {
	lease := &Lease{l: l, mine: make(map[string]*inflight, 2)}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range q.Families() {
		dk := domainKey(key, f)
		if cur, ok := l.table[dk]; ok && now.Before(cur.waitUntil) {
			lease.waitOn = append(lease.waitOn, cur)
			continue
		}
		// free, or held past the ceiling: take it over. Waiters on a replaced
		// entry are still woken when its original owner releases.
		entry := &inflight{
			done:      make(chan struct{}),
			waitUntil: now.Add(l.holdCeiling),
		}
		l.table[dk] = entry
		lease.mine[dk] = entry
		lease.owned |= hostrecord.QueryFor(f)
	}
	return lease
}

// Decision reports whether the caller has something to fetch.
func (ls *Lease) Decision() Decision {
	if ls.owned != 0 {
		return ShouldFetch
	}
	return ShouldWait
}

// Owned returns the families this caller must fetch.
func (ls *Lease) Owned() hostrecord.QueryType {
	return ls.owned
}

// Waiting reports whether some requested family is held by another caller.
func (ls *Lease) Waiting() bool {
	return len(ls.waitOn) > 0
}

// Wait blocks until every family held by another caller is released, the
// holder passes its ceiling, or ctx ends.
func (ls *Lease) Wait(ctx context.Context) error {
	for _, entry := range ls.waitOn {
		remaining := entry.waitUntil.Sub(ls.l.now())
		if remaining <= 0 {
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-entry.done:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

// Release wakes every waiter of the owned families and drops their table
// entries. Safe to call more than once and on wait-only leases.
func (ls *Lease) Release() {
	ls.release.Do(func() {
		if len(ls.mine) == 0 {
			return
		}
		ls.l.mu.Lock()
		for dk, entry := range ls.mine {
			if ls.l.table[dk] == entry {
				delete(ls.l.table, dk)
			}
			close(entry.done)
		}
		ls.l.mu.Unlock()
	})
}

// Len returns the number of families currently being fetched.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.table)
}
