package coalescer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"httpdns/hostrecord"
)

func TestFirstCallerFetchesOthersWait(t *testing.T) {
	l := New(time.Minute)
	first := l.AcquireOrWait("example.com", hostrecord.QueryV4)
	require.Equal(t, ShouldFetch, first.Decision())
	assert.Equal(t, hostrecord.QueryV4, first.Owned())

	second := l.AcquireOrWait("example.com", hostrecord.QueryV4)
	require.Equal(t, ShouldWait, second.Decision())

	woke := make(chan error, 1)
	go func() { woke <- second.Wait(context.Background()) }()

	select {
	case <-woke:
		t.Fatal("waiter woke before release")
	case <-time.After(20 * time.Millisecond):
	}
	first.Release()
	select {
	case err := <-woke:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
	assert.Zero(t, l.Len())
}

func TestFamiliesAreIndependent(t *testing.T) {
	l := New(time.Minute)
	v6 := l.AcquireOrWait("example.com", hostrecord.QueryV6)
	defer v6.Release()

	v4 := l.AcquireOrWait("example.com", hostrecord.QueryV4)
	defer v4.Release()
	assert.Equal(t, ShouldFetch, v4.Decision(), "v4 must not block behind v6")
	assert.False(t, v4.Waiting())
}

func TestBothDrivesFreeFamilyAndWaitsOnBusy(t *testing.T) {
	l := New(time.Minute)
	v4 := l.AcquireOrWait("example.com", hostrecord.QueryV4)

	both := l.AcquireOrWait("example.com", hostrecord.QueryBoth)
	assert.Equal(t, ShouldFetch, both.Decision())
	assert.Equal(t, hostrecord.QueryV6, both.Owned())
	assert.True(t, both.Waiting())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, both.Wait(ctx), context.DeadlineExceeded)

	v4.Release()
	assert.NoError(t, both.Wait(context.Background()))
	both.Release()
	assert.Zero(t, l.Len())
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New(time.Minute)
	lease := l.AcquireOrWait("k", hostrecord.QueryBoth)
	lease.Release()
	assert.NotPanics(t, lease.Release)

	waitOnly := l.AcquireOrWait("k", hostrecord.QueryV4)
	defer waitOnly.Release()
	other := l.AcquireOrWait("k", hostrecord.QueryV4)
	assert.Equal(t, ShouldWait, other.Decision())
	assert.NotPanics(t, other.Release)
}

func TestHeldPastCeilingIsTakenOver(t *testing.T) {
	l := New(time.Second)
	base := time.Unix(1_000, 0)
	var offset atomic.Int64
	l.now = func() time.Time { return base.Add(time.Duration(offset.Load())) }

	stuck := l.AcquireOrWait("slow.com", hostrecord.QueryV4)
	require.Equal(t, ShouldFetch, stuck.Decision())

	offset.Store(int64(2 * time.Second))
	next := l.AcquireOrWait("slow.com", hostrecord.QueryV4)
	assert.Equal(t, ShouldFetch, next.Decision())

	// the stale owner releasing must not drop the new owner's entry
	stuck.Release()
	assert.Equal(t, 1, l.Len())
	next.Release()
	assert.Zero(t, l.Len())
}

func TestManyWaitersAllWake(t *testing.T) {
	l := New(time.Minute)
	owner := l.AcquireOrWait("hot.com", hostrecord.QueryBoth)
	require.Equal(t, ShouldFetch, owner.Decision())

	const n = 50
	var wg sync.WaitGroup
	var woke atomic.Int32
	for i := 0; i < n; i++ {
		lease := l.AcquireOrWait("hot.com", hostrecord.QueryBoth)
		require.Equal(t, ShouldWait, lease.Decision())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lease.Wait(context.Background()) == nil {
				woke.Add(1)
			}
		}()
	}
	owner.Release()
	wg.Wait()
	assert.EqualValues(t, n, woke.Load())
}
