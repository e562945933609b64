package vram

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/hal"
	"github.com/vkngwrapper/gpumem/internal/utils"
	"golang.org/x/exp/slog"
)

// AllocationFreer returns allocations to the pools they came from
type AllocationFreer interface {
	Free(alloc *Allocation) error
}

// PendingRelease is a resource, and optionally the allocation backing it, waiting for the device to
// finish with it
type PendingRelease struct {
	Resource   hal.Resource
	Allocation *Allocation
}

// DeferredReclaimQueue delays the destruction of resources until every frame that might still be
// using them has finished on the device. It is a ring of frameCount+1 buckets: entries are added to
// the bucket frameCount steps ahead of the current one, and each call to Flush releases the current
// bucket and advances. An entry is therefore released by the frameCount+1st Flush after it was added.
//
// Flush must be called exactly once per presented frame, from one goroutine. This is not checked.
type DeferredReclaimQueue struct {
	logger *slog.Logger
	freer  AllocationFreer
	mutex  utils.OptionalMutex

	frameCount int
	buckets    [][]PendingRelease
	current    int
}

func NewDeferredReclaimQueue(logger *slog.Logger, freer AllocationFreer, frameCount int, flags CreateFlags) (*DeferredReclaimQueue, error) {
	if frameCount < 1 {
		return nil, errors.Newf("frame count must be at least 1, but was %d", frameCount)
	}

	return &DeferredReclaimQueue{
		logger: loggerOrDiscard(logger),
		freer:  freer,
		mutex: utils.OptionalMutex{
			UseMutex: flags&CreateExternallySynchronized == 0,
		},
		frameCount: frameCount,
		buckets:    make([][]PendingRelease, frameCount+1),
	}, nil
}

// FrameCount returns the number of frames a resource is kept alive after being added
func (q *DeferredReclaimQueue) FrameCount() int { return q.frameCount }

// Add queues a resource and its allocation for release. Either may be nil.
func (q *DeferredReclaimQueue) Add(resource hal.Resource, alloc *Allocation) {
	if resource == nil && alloc == nil {
		return
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	bucket := (q.current + q.frameCount) % len(q.buckets)
	q.buckets[bucket] = append(q.buckets[bucket], PendingRelease{
		Resource:   resource,
		Allocation: alloc,
	})
}

// Pending returns the number of entries that have not yet been released
func (q *DeferredReclaimQueue) Pending() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	count := 0
	for _, bucket := range q.buckets {
		count += len(bucket)
	}
	return count
}

// Flush releases every entry in the current bucket and advances to the next one
func (q *DeferredReclaimQueue) Flush() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.releaseBucket(q.current)
	q.current = (q.current + 1) % len(q.buckets)
}

// FlushAll releases every entry immediately. It may only be called when the device is idle.
func (q *DeferredReclaimQueue) FlushAll() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for i := 0; i < len(q.buckets); i++ {
		q.releaseBucket((q.current + i) % len(q.buckets))
	}
}

func (q *DeferredReclaimQueue) releaseBucket(index int) {
	entries := q.buckets[index]
	if len(entries) == 0 {
		return
	}

	q.logger.LogAttrs(context.Background(), slog.LevelDebug, "DeferredReclaimQueue::release",
		slog.Int("bucket", index),
		slog.Int("count", len(entries)))

	for _, entry := range entries {
		if entry.Resource != nil {
			entry.Resource.Destroy()
		}

		if entry.Allocation != nil {
			err := q.freer.Free(entry.Allocation)
			if err != nil {
				q.logger.Error("failed to free deferred allocation", slog.Any("error", err))
			}
		}
	}

	clear(entries)
	q.buckets[index] = entries[:0]
}
