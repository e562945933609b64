package vram

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/hal"
)

// StagingUpdateQueue is a FrameUpdateQueue that records its pending updates into a frame's command
// buffer. It may be fed from several goroutines.
type StagingUpdateQueue struct {
	mutex   sync.Mutex
	pending []StagingUpdate
}

var _ FrameUpdateQueue = &StagingUpdateQueue{}

func (q *StagingUpdateQueue) Enqueue(update StagingUpdate) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.pending = append(q.pending, update)
}

// Len returns the number of updates waiting to be recorded
func (q *StagingUpdateQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.pending)
}

// Record emits a copy into frameIndex's slice of each update's destination, followed by a barrier
// that makes the copied bytes visible to the update's destination stage.
//
// If frameIndex is outside any pending update's destination, nothing is recorded and the queue is
// left untouched. If the command buffer rejects a command, the failing update and every update
// after it are returned to the front of the queue.
func (q *StagingUpdateQueue) Record(commandBuffer hal.CommandBuffer, frameIndex int) error {
	q.mutex.Lock()
	for _, update := range q.pending {
		if frameIndex < 0 || frameIndex >= update.FrameCount {
			q.mutex.Unlock()
			return errors.Newf("frame index %d is out of range for a staging update with %d frames", frameIndex, update.FrameCount)
		}
	}
	updates := q.pending
	q.pending = nil
	q.mutex.Unlock()

	for i, update := range updates {
		err := recordUpdate(commandBuffer, update, frameIndex*update.RangeSize)
		if err != nil {
			q.requeue(updates[i:])
			return errors.Wrapf(err, "failed to record staging update, %d updates requeued", len(updates)-i)
		}
	}

	return nil
}

func (q *StagingUpdateQueue) requeue(updates []StagingUpdate) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.pending = append(updates, q.pending...)
}

func recordUpdate(commandBuffer hal.CommandBuffer, update StagingUpdate, dstOffset int) error {
	err := commandBuffer.CopyBuffer(update.Src, update.Dst, []hal.BufferCopy{
		{
			DstOffset: dstOffset,
			Size:      update.Size,
		},
	})
	if err != nil {
		return err
	}

	return commandBuffer.PipelineBarrier(hal.PipelineStageTransfer, update.DstStage, []hal.BufferBarrier{
		{
			Buffer:    update.Dst,
			SrcAccess: hal.AccessTransferWrite,
			DstAccess: update.DstAccess,
			Offset:    dstOffset,
			Size:      update.RangeSize,
		},
	}, nil)
}
