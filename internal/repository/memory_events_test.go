package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"dentra-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStore(clock *fakeClock, opts EventStoreOptions) *MemoryEventsRepository {
	return NewMemoryEventsRepository(NewMemoryIdempotencyRepository(clock.Now), opts, clock.Now)
}

func TestMemoryClaim_ConcurrentClaimersNeverShareLease(t *testing.T) {
	clock := newFakeClock(testNow)
	store := newMemoryStore(clock, DefaultEventStoreOptions())
	ctx := context.Background()

	const total = 200
	for i := 0; i < total; i++ {
		_, err := store.Enqueue(ctx, NewEnqueueRequest(models.EventAppointmentCreated, map[string]int{"appointmentId": i}))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				ev, err := store.Claim(ctx, worker, time.Minute)
				if err != nil || ev == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[ev.ID]; dup {
					t.Errorf("event %d claimed by %s and %s", ev.ID, prev, worker)
				}
				claimed[ev.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, total)
}

func TestMemoryClaim_PriorityThenID(t *testing.T) {
	clock := newFakeClock(testNow)
	store := newMemoryStore(clock, DefaultEventStoreOptions())
	ctx := context.Background()

	low, _ := store.Enqueue(ctx, EnqueueRequest{Type: "A", Priority: 10})
	highFirst, _ := store.Enqueue(ctx, EnqueueRequest{Type: "B", Priority: 90})
	highSecond, _ := store.Enqueue(ctx, EnqueueRequest{Type: "C", Priority: 90})

	var order []int64
	for {
		ev, err := store.Claim(ctx, "w", time.Minute)
		require.NoError(t, err)
		if ev == nil {
			break
		}
		order = append(order, ev.ID)
	}
	assert.Equal(t, []int64{highFirst, highSecond, low}, order)
}

func TestMemoryClaim_ExpiredLeaseIsReclaimed(t *testing.T) {
	clock := newFakeClock(testNow)
	store := newMemoryStore(clock, DefaultEventStoreOptions())
	ctx := context.Background()

	id, err := store.Enqueue(ctx, NewEnqueueRequest(models.EventCaseUpdated, nil))
	require.NoError(t, err)

	first, err := store.Claim(ctx, "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Attempts)

	// 租约有效期内不可再领取
	again, err := store.Claim(ctx, "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, again)

	clock.Advance(31 * time.Second)
	reclaimed, err := store.Claim(ctx, "worker-b", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, id, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Equal(t, "worker-b", *reclaimed.LeaseOwner)
}

func TestMemoryMarkFailed_RetryThenDead(t *testing.T) {
	clock := newFakeClock(testNow)
	store := newMemoryStore(clock, DefaultEventStoreOptions())
	ctx := context.Background()

	req := NewEnqueueRequest(models.EventRevenueDailyTick, nil)
	req.MaxAttempts = 2
	id, err := store.Enqueue(ctx, req)
	require.NoError(t, err)

	_, err = store.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	status, err := store.MarkFailed(ctx, id, "first", 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusNew, status)

	// 重试延迟未到
	ev, err := store.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, ev)

	clock.Advance(20 * time.Second)
	ev, err = store.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 2, ev.Attempts)

	status, err = store.MarkFailed(ctx, id, "second", 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusDead, status)

	clock.Advance(time.Hour)
	ev, err = store.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, ev)

	dead, err := store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "second", *dead[0].LastError)
}

func TestMemoryEnqueue_DedupeAndDoubleDone(t *testing.T) {
	clock := newFakeClock(testNow)
	store := newMemoryStore(clock, DefaultEventStoreOptions())
	ctx := context.Background()

	req := NewEnqueueRequest(models.EventInventoryMonitorTick, nil)
	req.DedupeKey = "inventory_monitor:2024-03-04T10:00"
	first, err := store.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.NotZero(t, first)

	second, err := store.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, second)

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.MarkDone(ctx, first))
	require.NoError(t, store.MarkDone(ctx, first))

	ev, err := store.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusDone, ev.Status)
	assert.Nil(t, ev.LeaseOwner)
	assert.NotNil(t, ev.ProcessedAt)
}

func TestMemoryClaim_LegacyPendingAlias(t *testing.T) {
	clock := newFakeClock(testNow)
	opts := DefaultEventStoreOptions()
	store := newMemoryStore(clock, opts)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, NewEnqueueRequest("Legacy", nil))
	require.NoError(t, err)
	store.events[id].Status = models.EventStatusPending

	ev, err := store.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, ev)

	store.opts.LegacyPendingAlias = true
	ev, err = store.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, id, ev.ID)
}
