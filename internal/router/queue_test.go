package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/core/internal/protocol"
)

func queueItem(class protocol.Priority, deadline time.Time) *pending {
	f := protocol.NewFrame(protocol.PatternRequestResponse, class, []byte("x"))
	return &pending{
		frame:    f,
		pattern:  f.Header.Pattern,
		class:    class,
		deadline: deadline,
		enqueued: time.Now(),
	}
}

func TestQueueStrongestClassFirst(t *testing.T) {
	q := newTargetQueue("t", [numClasses]int{})
	deadline := time.Now().Add(time.Minute)

	for _, class := range []protocol.Priority{
		protocol.PriorityBatch,
		protocol.PriorityNormal,
		protocol.PriorityCritical,
		protocol.PriorityLow,
		protocol.PriorityHigh,
	} {
		require.NoError(t, q.offer(context.Background(), queueItem(class, deadline)))
	}

	var got []protocol.Priority
	for p := q.next(); p != nil; p = q.next() {
		got = append(got, p.class)
	}
	assert.Equal(t, []protocol.Priority{
		protocol.PriorityCritical,
		protocol.PriorityHigh,
		protocol.PriorityNormal,
		protocol.PriorityLow,
		protocol.PriorityBatch,
	}, got)
}

func TestQueueFIFOWithinClass(t *testing.T) {
	q := newTargetQueue("t", [numClasses]int{})
	deadline := time.Now().Add(time.Minute)

	for i := 0; i < 10; i++ {
		item := queueItem(protocol.PriorityNormal, deadline)
		item.frame.Payload = []byte(fmt.Sprintf("msg-%02d", i))
		require.NoError(t, q.offer(context.Background(), item))
	}

	for i := 0; i < 10; i++ {
		item := q.next()
		require.NotNil(t, item)
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), string(item.frame.Payload))
	}
	assert.Nil(t, q.next())
}

func TestQueueNormalFailsFastWhenFull(t *testing.T) {
	q := newTargetQueue("t", [numClasses]int{1, 1, 1, 1, 1})
	deadline := time.Now().Add(time.Minute)

	require.NoError(t, q.offer(context.Background(), queueItem(protocol.PriorityNormal, deadline)))

	start := time.Now()
	err := q.offer(context.Background(), queueItem(protocol.PriorityNormal, deadline))
	assert.ErrorIs(t, err, errQueueFull)
	assert.Less(t, time.Since(start), 10*time.Millisecond, "normal class must not block")
}

func TestQueueCriticalBlocksUpToBudget(t *testing.T) {
	q := newTargetQueue("t", [numClasses]int{1, 1, 1, 1, 1})
	deadline := time.Now().Add(time.Minute)

	require.NoError(t, q.offer(context.Background(), queueItem(protocol.PriorityCritical, deadline)))

	start := time.Now()
	err := q.offer(context.Background(), queueItem(protocol.PriorityCritical, deadline))
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, errQueueFull)
	assert.GreaterOrEqual(t, elapsed, blockBudget)
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestQueueBatchReportsSpill(t *testing.T) {
	q := newTargetQueue("t", [numClasses]int{1, 1, 1, 1, 1})
	deadline := time.Now().Add(time.Minute)

	require.NoError(t, q.offer(context.Background(), queueItem(protocol.PriorityBatch, deadline)))
	err := q.offer(context.Background(), queueItem(protocol.PriorityBatch, deadline))
	assert.ErrorIs(t, err, errSpill)
}

func TestQueueTryOfferNeverBlocks(t *testing.T) {
	q := newTargetQueue("t", [numClasses]int{1, 1, 1, 1, 1})
	deadline := time.Now().Add(time.Minute)

	require.NoError(t, q.tryOffer(queueItem(protocol.PriorityCritical, deadline)))

	start := time.Now()
	err := q.tryOffer(queueItem(protocol.PriorityCritical, deadline))
	assert.ErrorIs(t, err, errQueueFull)
	assert.Less(t, time.Since(start), blockBudget)
}

func TestQueueSweepExpires(t *testing.T) {
	q := newTargetQueue("t", [numClasses]int{})
	now := time.Now()

	live := queueItem(protocol.PriorityNormal, now.Add(time.Minute))
	dead := queueItem(protocol.PriorityNormal, now.Add(10*time.Millisecond))
	require.NoError(t, q.tryOffer(dead))
	require.NoError(t, q.tryOffer(live))

	promoted, expired := q.sweep(now.Add(time.Second))
	assert.Zero(t, promoted)
	require.Len(t, expired, 1)
	assert.Same(t, dead, expired[0])
	assert.Equal(t, 1, q.depth())
}

func TestQueueSweepPromotesAgedOneClass(t *testing.T) {
	q := newTargetQueue("t", [numClasses]int{})
	now := time.Now()

	// Enqueued two seconds ago with a three second budget: past the
	// halfway mark, so one sweep lifts it exactly one class.
	item := queueItem(protocol.PriorityNormal, now.Add(time.Second))
	item.enqueued = now.Add(-2 * time.Second)
	require.NoError(t, q.tryOffer(item))

	promoted, expired := q.sweep(now)
	assert.Equal(t, 1, promoted)
	assert.Empty(t, expired)
	assert.Equal(t, protocol.PriorityHigh, item.class)

	depths := q.classDepths()
	assert.Equal(t, 1, depths[int(protocol.PriorityHigh)])
	assert.Equal(t, 0, depths[int(protocol.PriorityNormal)])
}

func TestQueueSweepFreshMessagesStay(t *testing.T) {
	q := newTargetQueue("t", [numClasses]int{})
	now := time.Now()

	item := queueItem(protocol.PriorityBatch, now.Add(time.Minute))
	require.NoError(t, q.tryOffer(item))

	promoted, expired := q.sweep(now.Add(time.Second))
	assert.Zero(t, promoted)
	assert.Empty(t, expired)
	assert.Equal(t, protocol.PriorityBatch, item.class)
}

func TestQueueCloseReturnsOrphans(t *testing.T) {
	q := newTargetQueue("t", [numClasses]int{})
	deadline := time.Now().Add(time.Minute)

	require.NoError(t, q.tryOffer(queueItem(protocol.PriorityNormal, deadline)))
	require.NoError(t, q.tryOffer(queueItem(protocol.PriorityBatch, deadline)))

	orphans := q.close()
	assert.Len(t, orphans, 2)

	err := q.tryOffer(queueItem(protocol.PriorityNormal, deadline))
	assert.ErrorIs(t, err, errQueueClosed)
}

func TestPendingFinishFiresOnce(t *testing.T) {
	calls := 0
	p := &pending{notify: func(error) { calls++ }}
	p.finish(nil)
	p.finish(nil)
	assert.Equal(t, 1, calls)
}
