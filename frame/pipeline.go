package frame

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"golang.org/x/exp/slog"

	"github.com/PSYTROPS/graphics/device"
	"github.com/PSYTROPS/graphics/memutils"
)

// RecordFunc records a frame's rendering work into commandBuffer. The implementation must
// leave target in TransferSrcOptimal layout; the pipeline blits it into the acquired
// swapchain image afterwards
type RecordFunc func(commandBuffer core1_0.CommandBuffer, target core1_0.Image, extent core1_0.Extent2D) error

// Options contains optional settings when creating a Pipeline
type Options struct {
	// SwapchainExtension overrides the extension loaded from the device. Mostly useful
	// for tests
	SwapchainExtension khr_swapchain.Extension

	// RenderExtent is the size of the internal render targets. Defaults to 512x512
	RenderExtent core1_0.Extent2D
}

// frameSlot is one unit of double buffering. Its command buffer, fence, and semaphores are
// exclusively owned: they are reused only after the slot's previous fence has been observed
type frameSlot struct {
	commandBuffer  core1_0.CommandBuffer
	fence          core1_0.Fence
	imageAcquired  core1_0.Semaphore
	readyToPresent core1_0.Semaphore
}

// Pipeline sequences swapchain acquisition, per-slot fence waits, command recording, and
// presentation across FramesInFlight rotating frame slots
type Pipeline struct {
	ctx                *device.Context
	swapchainExtension khr_swapchain.Extension

	swapchain       khr_swapchain.Swapchain
	swapchainExtent core1_0.Extent2D
	swapchainImages []core1_0.Image

	renderExtent      core1_0.Extent2D
	renderTargets     []core1_0.Image
	renderTargetBlock *device.MemoryBlock

	slots      [device.FramesInFlight]frameSlot
	frameCount uint64
}

// NewPipeline creates a Pipeline with a fresh swapchain and one render target per frame slot
func NewPipeline(ctx *device.Context, options Options) (*Pipeline, error) {
	pipeline := &Pipeline{
		ctx:                ctx,
		swapchainExtension: options.SwapchainExtension,
		renderExtent:       options.RenderExtent,
	}
	if pipeline.swapchainExtension == nil {
		pipeline.swapchainExtension = khr_swapchain.CreateExtensionFromDevice(ctx.Device)
	}
	if pipeline.renderExtent.Width == 0 || pipeline.renderExtent.Height == 0 {
		pipeline.renderExtent = core1_0.Extent2D{Width: 512, Height: 512}
	}

	err := pipeline.createSwapchain(nil)
	if err != nil {
		return nil, err
	}

	err = pipeline.createRenderTargets()
	if err != nil {
		pipeline.Destroy()
		return nil, err
	}

	commandBuffers, _, err := ctx.Device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        ctx.CommandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: device.FramesInFlight,
	})
	if err != nil {
		pipeline.Destroy()
		return nil, err
	}

	for slotIndex := range pipeline.slots {
		slot := &pipeline.slots[slotIndex]
		slot.commandBuffer = commandBuffers[slotIndex]

		// Created signaled so the first wait on each slot passes immediately
		slot.fence, _, err = ctx.Device.CreateFence(nil, core1_0.FenceCreateInfo{
			Flags: core1_0.FenceCreateSignaled,
		})
		if err != nil {
			pipeline.Destroy()
			return nil, err
		}

		slot.imageAcquired, _, err = ctx.Device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			pipeline.Destroy()
			return nil, err
		}

		slot.readyToPresent, _, err = ctx.Device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			pipeline.Destroy()
			return nil, err
		}
	}

	return pipeline, nil
}

func (p *Pipeline) createSwapchain(oldSwapchain khr_swapchain.Swapchain) error {
	capabilities, _, err := p.ctx.Surface.PhysicalDeviceSurfaceCapabilities(p.ctx.PhysicalDevice)
	if err != nil {
		return err
	}

	extent := capabilities.CurrentExtent
	if extent.Width == -1 || extent.Height == -1 {
		extent = capabilities.MaxImageExtent
	}

	imageCount := device.FramesInFlight
	if capabilities.MinImageCount > imageCount {
		imageCount = capabilities.MinImageCount
	}
	// MaxImageCount of zero means the surface imposes no limit
	if capabilities.MaxImageCount > 0 && imageCount > capabilities.MaxImageCount {
		imageCount = capabilities.MaxImageCount
	}

	swapchain, _, err := p.swapchainExtension.CreateSwapchain(p.ctx.Device, nil, khr_swapchain.SwapchainCreateInfo{
		Surface: p.ctx.Surface,

		MinImageCount:    imageCount,
		ImageFormat:      core1_0.FormatB8G8R8A8SRGB,
		ImageColorSpace:  khr_surface.ColorSpaceSRGBNonlinear,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageTransferDst,
		ImageSharingMode: core1_0.SharingModeExclusive,

		PreTransform:   capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    khr_surface.PresentModeFIFO,
		Clipped:        true,

		OldSwapchain: oldSwapchain,
	})
	if err != nil {
		return err
	}

	images, _, err := swapchain.SwapchainImages()
	if err != nil {
		swapchain.Destroy(nil)
		return err
	}

	p.swapchain = swapchain
	p.swapchainExtent = extent
	p.swapchainImages = images
	return nil
}

// rebuildSwapchain recreates the swapchain after the surface reports it suboptimal or out
// of date, chaining the old swapchain so in-flight presents complete cleanly
func (p *Pipeline) rebuildSwapchain() error {
	_, err := p.ctx.GraphicsQueue.WaitIdle()
	if err != nil {
		return err
	}

	oldSwapchain := p.swapchain
	err = p.createSwapchain(oldSwapchain)
	if err != nil {
		return err
	}
	if oldSwapchain != nil {
		oldSwapchain.Destroy(nil)
	}

	p.ctx.Logger.LogAttrs(context.Background(), slog.LevelInfo, "swapchain rebuilt",
		slog.Int("width", p.swapchainExtent.Width),
		slog.Int("height", p.swapchainExtent.Height),
	)

	return nil
}

func (p *Pipeline) createRenderTargets() error {
	createInfos := make([]core1_0.ImageCreateInfo, device.FramesInFlight)
	for createIndex := range createInfos {
		createInfos[createIndex] = core1_0.ImageCreateInfo{
			ImageType: core1_0.ImageType2D,
			Format:    core1_0.FormatB8G8R8A8SRGB,
			Extent: core1_0.Extent3D{
				Width:  p.renderExtent.Width,
				Height: p.renderExtent.Height,
				Depth:  1,
			},
			MipLevels:     1,
			ArrayLayers:   1,
			Samples:       core1_0.Samples1,
			Tiling:        core1_0.ImageTilingOptimal,
			Usage:         core1_0.ImageUsageColorAttachment | core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst,
			SharingMode:   core1_0.SharingModeExclusive,
			InitialLayout: core1_0.ImageLayoutUndefined,
		}
	}

	targets, block, err := p.ctx.CreateImages(createInfos, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		return err
	}

	p.renderTargets = targets
	p.renderTargetBlock = block
	return nil
}

// FrameIndex returns the frame slot the next Draw call will use
func (p *Pipeline) FrameIndex() int {
	return int(p.frameCount % device.FramesInFlight)
}

// SwapchainExtent returns the current swapchain dimensions
func (p *Pipeline) SwapchainExtent() core1_0.Extent2D {
	return p.swapchainExtent
}

// RenderExtent returns the internal render target dimensions
func (p *Pipeline) RenderExtent() core1_0.Extent2D {
	return p.renderExtent
}

// Draw runs one frame through the current slot: acquire a swapchain image (rebuilding the
// swapchain until acquisition succeeds cleanly), wait for the slot's previous work, record
// the acquire barriers and the caller's rendering, blit the render target into the
// swapchain image, submit, and present.
//
// transferSemaphore and transferValue come from the matching transfer Engine.Submit call;
// the submission waits for the counter on the GPU timeline before consuming uploaded
// resources. Pass a nil semaphore when nothing was uploaded this frame. acquireBarriers is
// the transaction's AcquireBarriers result, completing the queue-family ownership transfer
func (p *Pipeline) Draw(record RecordFunc, transferSemaphore core1_0.Semaphore, transferValue uint64, acquireBarriers []core1_0.ImageMemoryBarrier) error {
	frameIndex := p.FrameIndex()
	slot := &p.slots[frameIndex]

	var imageIndex int
	for {
		index, res, err := p.swapchain.AcquireNextImage(device.WaitTimeout, slot.imageAcquired, nil)
		if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
			err = p.rebuildSwapchain()
			if err != nil {
				return err
			}
			continue
		} else if err != nil {
			return err
		} else if res == core1_0.VKTimeout || res == core1_0.VKNotReady {
			return errors.Wrapf(memutils.TimeoutError, "frame slot %d failed to acquire a swapchain image", frameIndex)
		}

		imageIndex = index
		break
	}
	swapchainImage := p.swapchainImages[imageIndex]

	res, err := p.ctx.Device.WaitForFences(true, device.WaitTimeout, []core1_0.Fence{slot.fence})
	if err != nil {
		return err
	} else if res == core1_0.VKTimeout {
		return errors.Wrapf(memutils.TimeoutError, "frame slot %d fence not signaled", frameIndex)
	}
	_, err = p.ctx.Device.ResetFences([]core1_0.Fence{slot.fence})
	if err != nil {
		return err
	}

	err = p.record(slot, frameIndex, swapchainImage, record, acquireBarriers)
	if err != nil {
		return err
	}

	waitSemaphores := []core1_0.Semaphore{slot.imageAcquired}
	waitStages := []core1_0.PipelineStageFlags{core1_0.PipelineStageTransfer}
	waitValues := []uint64{0}
	if transferSemaphore != nil {
		waitSemaphores = append(waitSemaphores, transferSemaphore)
		waitStages = append(waitStages, core1_0.PipelineStageTransfer)
		waitValues = append(waitValues, transferValue)
	}

	_, err = p.ctx.GraphicsQueue.Submit(slot.fence, []core1_0.SubmitInfo{
		{
			WaitSemaphores:   waitSemaphores,
			WaitDstStageMask: waitStages,
			CommandBuffers:   []core1_0.CommandBuffer{slot.commandBuffer},
			SignalSemaphores: []core1_0.Semaphore{slot.readyToPresent},
			NextOptions: common.NextOptions{Next: core1_2.TimelineSemaphoreSubmitInfo{
				WaitSemaphoreValues: waitValues,
			}},
		},
	})
	if err != nil {
		return err
	}

	res, err = p.swapchainExtension.QueuePresent(p.ctx.GraphicsQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{slot.readyToPresent},
		Swapchains:     []khr_swapchain.Swapchain{p.swapchain},
		ImageIndices:   []int{imageIndex},
	})
	if res == khr_swapchain.VKErrorOutOfDate || res == khr_swapchain.VKSuboptimal {
		err = p.rebuildSwapchain()
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	p.frameCount++
	return nil
}

func (p *Pipeline) record(slot *frameSlot, frameIndex int, swapchainImage core1_0.Image, record RecordFunc, acquireBarriers []core1_0.ImageMemoryBarrier) error {
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

	// Complete the queue-family ownership transfer for this frame's uploads before any
	// work that reads them
	if len(acquireBarriers) > 0 {
		err = slot.commandBuffer.CmdPipelineBarrier(
			core1_0.PipelineStageTransfer, core1_0.PipelineStageAllCommands, 0,
			nil, nil, acquireBarriers)
		if err != nil {
			return err
		}
	}

	target := p.renderTargets[frameIndex]
	err = record(slot.commandBuffer, target, p.renderExtent)
	if err != nil {
		return err
	}

	subresourceRange := core1_0.ImageSubresourceRange{
		AspectMask:     core1_0.ImageAspectColor,
		BaseMipLevel:   0,
		LevelCount:     1,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}

	err = slot.commandBuffer.CmdPipelineBarrier(
		core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageTransfer, 0,
		nil, nil, []core1_0.ImageMemoryBarrier{
			{
				SrcAccessMask:       0,
				DstAccessMask:       core1_0.AccessTransferWrite,
				OldLayout:           core1_0.ImageLayoutUndefined,
				NewLayout:           core1_0.ImageLayoutTransferDstOptimal,
				SrcQueueFamilyIndex: -1,
				DstQueueFamilyIndex: -1,
				Image:               swapchainImage,
				SubresourceRange:    subresourceRange,
			},
		})
	if err != nil {
		return err
	}

	subresourceLayers := core1_0.ImageSubresourceLayers{
		AspectMask:     core1_0.ImageAspectColor,
		MipLevel:       0,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}
	err = slot.commandBuffer.CmdBlitImage(
		target, core1_0.ImageLayoutTransferSrcOptimal,
		swapchainImage, core1_0.ImageLayoutTransferDstOptimal,
		[]core1_0.ImageBlit{
			{
				SrcSubresource: subresourceLayers,
				SrcOffsets: [2]core1_0.Offset3D{
					{},
					{X: p.renderExtent.Width, Y: p.renderExtent.Height, Z: 1},
				},
				DstSubresource: subresourceLayers,
				DstOffsets: [2]core1_0.Offset3D{
					{},
					{X: p.swapchainExtent.Width, Y: p.swapchainExtent.Height, Z: 1},
				},
			},
		},
		core1_0.FilterNearest)
	if err != nil {
		return err
	}

	err = slot.commandBuffer.CmdPipelineBarrier(
		core1_0.PipelineStageTransfer, core1_0.PipelineStageBottomOfPipe, 0,
		nil, nil, []core1_0.ImageMemoryBarrier{
			{
				SrcAccessMask:       core1_0.AccessTransferWrite,
				DstAccessMask:       0,
				OldLayout:           core1_0.ImageLayoutTransferDstOptimal,
				NewLayout:           khr_swapchain.ImageLayoutPresentSrc,
				SrcQueueFamilyIndex: -1,
				DstQueueFamilyIndex: -1,
				Image:               swapchainImage,
				SubresourceRange:    subresourceRange,
			},
		})
	if err != nil {
		return err
	}

	_, err = slot.commandBuffer.End()
	return err
}

// Destroy waits for the device to go idle and releases every object the Pipeline owns.
// Teardown never fails
func (p *Pipeline) Destroy() {
	_, err := p.ctx.Device.WaitIdle()
	if err != nil {
		p.ctx.Logger.LogAttrs(context.Background(), slog.LevelError, "wait idle failed during teardown",
			slog.Any("error", err))
	}

	for slotIndex := range p.slots {
		slot := &p.slots[slotIndex]
		if slot.fence != nil {
			slot.fence.Destroy(nil)
			slot.fence = nil
		}
		if slot.imageAcquired != nil {
			slot.imageAcquired.Destroy(nil)
			slot.imageAcquired = nil
		}
		if slot.readyToPresent != nil {
			slot.readyToPresent.Destroy(nil)
			slot.readyToPresent = nil
		}
	}

	for targetIndex := len(p.renderTargets) - 1; targetIndex >= 0; targetIndex-- {
		p.renderTargets[targetIndex].Destroy(nil)
	}
	p.renderTargets = nil
	if p.renderTargetBlock != nil {
		p.renderTargetBlock.Free()
		p.renderTargetBlock = nil
	}

	if p.swapchain != nil {
		p.swapchain.Destroy(nil)
		p.swapchain = nil
	}
}
