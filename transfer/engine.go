package transfer

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"golang.org/x/exp/slog"

	"github.com/PSYTROPS/graphics/device"
	"github.com/PSYTROPS/graphics/memutils"
)

// initialStagingSize is the capacity each staging slot starts with. Slots regrow to the
// largest transaction ever drained into them
const initialStagingSize = 64

// stagingSlot is the per-frame-slot upload state. Every field is exclusively owned by one
// frame slot and never touched from another slot's lifecycle
type stagingSlot struct {
	buffer core1_0.Buffer
	block  *device.MemoryBlock
	ptr    unsafe.Pointer
	size   int

	commandBuffer core1_0.CommandBuffer
	semaphore     core1_0.Semaphore
	count         uint64
}

// Engine executes transactions asynchronously on the transfer queue. Each frame slot owns
// private staging memory and a timeline semaphore counting its completed submissions, so
// uploads for different slots may overlap on the GPU while reuse of one slot's staging
// memory always waits for that slot's previous upload to retire
type Engine struct {
	ctx         *device.Context
	commandPool core1_0.CommandPool
	slots       [device.FramesInFlight]stagingSlot
	stats       memutils.TransferStatistics
}

// NewEngine creates an Engine with one staging slot per frame in flight
func NewEngine(ctx *device.Context) (*Engine, error) {
	engine := &Engine{ctx: ctx}

	commandPool, _, err := ctx.Device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: ctx.TransferQueueFamily,
	})
	if err != nil {
		return nil, err
	}
	engine.commandPool = commandPool

	commandBuffers, _, err := ctx.Device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: device.FramesInFlight,
	})
	if err != nil {
		engine.Destroy()
		return nil, err
	}

	for slotIndex := range engine.slots {
		slot := &engine.slots[slotIndex]
		slot.commandBuffer = commandBuffers[slotIndex]

		err = engine.createStaging(slot, initialStagingSize)
		if err != nil {
			engine.Destroy()
			return nil, err
		}

		slot.semaphore, _, err = ctx.Device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{
			NextOptions: common.NextOptions{Next: core1_2.SemaphoreTypeCreateInfo{
				SemaphoreType: core1_2.SemaphoreTypeTimeline,
				InitialValue:  0,
			}},
		})
		if err != nil {
			engine.Destroy()
			return nil, err
		}
	}

	return engine, nil
}

func (e *Engine) createStaging(slot *stagingSlot, size int) error {
	buffers, block, err := e.ctx.CreateBuffers([]core1_0.BufferCreateInfo{
		{
			Size:        size,
			Usage:       core1_0.BufferUsageTransferSrc,
			SharingMode: core1_0.SharingModeExclusive,
		},
	}, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent)
	if err != nil {
		return err
	}

	ptr, _, err := block.Memory.Map(0, size, 0)
	if err != nil {
		buffers[0].Destroy(nil)
		block.Free()
		return err
	}

	slot.buffer = buffers[0]
	slot.block = block
	slot.ptr = ptr
	slot.size = size
	return nil
}

func (e *Engine) destroyStaging(slot *stagingSlot) {
	if slot.block == nil {
		return
	}

	slot.block.Memory.Unmap()
	slot.buffer.Destroy(nil)
	slot.block.Free()
	slot.buffer = nil
	slot.block = nil
	slot.ptr = nil
	slot.size = 0
}

// Submit drains the transaction into the given frame slot and executes it on the transfer
// queue. It returns the slot's timeline semaphore and the counter value the submission will
// signal; consumers wait on that pair before reading any uploaded resource.
//
// Submit blocks until the slot's previous submission has retired, so back-to-back submits
// to one slot cannot corrupt its staging memory. The transaction is not cleared: the caller
// fetches AcquireBarriers and calls Clear once recording of the consuming frame is done
func (e *Engine) Submit(txn *Transaction, frame int) (core1_0.Semaphore, uint64, error) {
	if frame < 0 || frame >= device.FramesInFlight {
		panic("transfer slot index out of range")
	}
	slot := &e.slots[frame]

	// Wait for this slot's previous transfer
	res, err := e.ctx.Timeline.WaitSemaphores(device.WaitTimeout, core1_2.SemaphoreWaitInfo{
		Semaphores: []core1_0.Semaphore{slot.semaphore},
		Values:     []uint64{slot.count},
	})
	if err != nil {
		return nil, 0, err
	} else if res == core1_0.VKTimeout {
		return nil, 0, errors.Wrapf(memutils.TimeoutError,
			"transfer slot %d did not reach count %d", frame, slot.count)
	}

	// Grow staging by replacement. The old block cannot be resized in place because other
	// slots' in-flight copies may still reference their own staging while this one changes
	arenaSize := txn.arena.Size()
	if arenaSize > slot.size {
		e.destroyStaging(slot)
		err = e.createStaging(slot, arenaSize)
		if err != nil {
			return nil, 0, err
		}
		e.stats.StagingRegrows++

		e.ctx.Logger.LogAttrs(context.Background(), slog.LevelDebug, "staging slot regrown",
			slog.Int("slot", frame),
			slog.Int("size", arenaSize),
		)
	}

	copy(unsafe.Slice((*byte)(slot.ptr), slot.size), txn.arena.Bytes())

	err = e.record(slot, txn)
	if err != nil {
		return nil, 0, err
	}

	// The counter only advances once the queue has accepted the submission, so a failed
	// submit leaves the slot waitable at its previous value
	next := slot.count + 1
	_, err = e.ctx.TransferQueue.Submit(nil, []core1_0.SubmitInfo{
		{
			CommandBuffers:   []core1_0.CommandBuffer{slot.commandBuffer},
			SignalSemaphores: []core1_0.Semaphore{slot.semaphore},
			NextOptions: common.NextOptions{Next: core1_2.TimelineSemaphoreSubmitInfo{
				SignalSemaphoreValues: []uint64{next},
			}},
		},
	})
	if err != nil {
		return nil, 0, err
	}
	slot.count = next

	e.stats.AddSubmission(arenaSize, len(txn.bufferWrites), len(txn.imageWrites))

	return slot.semaphore, slot.count, nil
}

func (e *Engine) record(slot *stagingSlot, txn *Transaction) error {
	_, err := slot.commandBuffer.Reset(0)
	if err != nil {
		return err
	}

	_, err = slot.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return err
	}

	for _, write := range txn.bufferWrites {
		err = slot.commandBuffer.CmdCopyBuffer(slot.buffer, write.dst, []core1_0.BufferCopy{
			{
				SrcOffset: write.srcOffset,
				DstOffset: write.dstOffset,
				Size:      write.size,
			},
		})
		if err != nil {
			return err
		}
	}

	if len(txn.startBarriers) > 0 {
		err = slot.commandBuffer.CmdPipelineBarrier(
			core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageTransfer, 0,
			nil, nil, txn.startBarriers)
		if err != nil {
			return err
		}
	}

	for _, write := range txn.imageWrites {
		regions := txn.regions[write.regionOffset : write.regionOffset+write.regionCount]
		err = slot.commandBuffer.CmdCopyBufferToImage(slot.buffer, write.dst, core1_0.ImageLayoutTransferDstOptimal, regions)
		if err != nil {
			return err
		}
	}

	// The acquire barriers are not recorded here: their destination queue family is the
	// consumer's, so the consumer records them at the head of its own command buffer

	_, err = slot.commandBuffer.End()
	return err
}

// PrintStats writes a JSON summary of the Engine's accumulated transfer counters
func (e *Engine) PrintStats(writer *jwriter.Writer) {
	e.stats.PrintJson(writer)
}

// Destroy waits for outstanding transfers and releases every object the Engine owns.
// Teardown never fails: wait errors are logged and teardown proceeds
func (e *Engine) Destroy() {
	for slotIndex := range e.slots {
		slot := &e.slots[slotIndex]
		if slot.semaphore == nil || slot.count == 0 {
			continue
		}

		_, err := e.ctx.Timeline.WaitSemaphores(device.WaitTimeout, core1_2.SemaphoreWaitInfo{
			Semaphores: []core1_0.Semaphore{slot.semaphore},
			Values:     []uint64{slot.count},
		})
		if err != nil {
			e.ctx.Logger.LogAttrs(context.Background(), slog.LevelError,
				"transfer slot wait failed during teardown",
				slog.Int("slot", slotIndex),
				slog.Any("error", err))
		}
	}

	for slotIndex := range e.slots {
		slot := &e.slots[slotIndex]
		e.destroyStaging(slot)
		if slot.semaphore != nil {
			slot.semaphore.Destroy(nil)
			slot.semaphore = nil
		}
	}

	if e.commandPool != nil {
		e.commandPool.Destroy(nil)
		e.commandPool = nil
	}
}
