package frame

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"golang.org/x/exp/slog"

	"github.com/PSYTROPS/graphics/device"
)

type fakeImage struct {
	core1_0.Image

	destroyed bool
}

func (i *fakeImage) MemoryRequirements() *core1_0.MemoryRequirements {
	return &core1_0.MemoryRequirements{
		Size:           4096,
		Alignment:      256,
		MemoryTypeBits: 0x1,
	}
}

func (i *fakeImage) BindImageMemory(memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return core1_0.VKSuccess, nil
}

func (i *fakeImage) Destroy(callbacks *driver.AllocationCallbacks) {
	i.destroyed = true
}

type fakeFrameMemory struct {
	core1_0.DeviceMemory

	freed bool
}

func (m *fakeFrameMemory) Free(callbacks *driver.AllocationCallbacks) {
	m.freed = true
}

type fakeFence struct {
	core1_0.Fence

	destroyed bool
}

func (f *fakeFence) Destroy(callbacks *driver.AllocationCallbacks) {
	f.destroyed = true
}

type fakeFrameSemaphore struct {
	core1_0.Semaphore

	destroyed bool
}

func (s *fakeFrameSemaphore) Destroy(callbacks *driver.AllocationCallbacks) {
	s.destroyed = true
}

type recordedBlit struct {
	src core1_0.Image
	dst core1_0.Image
}

// fakeFrameCommandBuffer records the order of recorded commands so tests can assert
// barrier and blit sequencing
type fakeFrameCommandBuffer struct {
	core1_0.CommandBuffer

	ops          []string
	barrierCalls [][]core1_0.ImageMemoryBarrier
	blits        []recordedBlit
	blitRegions  []core1_0.ImageBlit
	ended        bool
}

func (c *fakeFrameCommandBuffer) Reset(flags core1_0.CommandBufferResetFlags) (common.VkResult, error) {
	c.ops = nil
	c.barrierCalls = nil
	c.blits = nil
	c.blitRegions = nil
	c.ended = false
	return core1_0.VKSuccess, nil
}

func (c *fakeFrameCommandBuffer) Begin(o core1_0.CommandBufferBeginInfo) (common.VkResult, error) {
	c.ops = append(c.ops, "begin")
	return core1_0.VKSuccess, nil
}

func (c *fakeFrameCommandBuffer) End() (common.VkResult, error) {
	c.ops = append(c.ops, "end")
	c.ended = true
	return core1_0.VKSuccess, nil
}

func (c *fakeFrameCommandBuffer) CmdPipelineBarrier(srcStageMask core1_0.PipelineStageFlags, dstStageMask core1_0.PipelineStageFlags, dependencies core1_0.DependencyFlags, memoryBarriers []core1_0.MemoryBarrier, bufferBarriers []core1_0.BufferMemoryBarrier, imageBarriers []core1_0.ImageMemoryBarrier) error {
	c.ops = append(c.ops, "barrier")
	c.barrierCalls = append(c.barrierCalls, imageBarriers)
	return nil
}

func (c *fakeFrameCommandBuffer) CmdBlitImage(sourceImage core1_0.Image, sourceImageLayout core1_0.ImageLayout, destinationImage core1_0.Image, destinationImageLayout core1_0.ImageLayout, regions []core1_0.ImageBlit, filter core1_0.Filter) error {
	c.ops = append(c.ops, "blit")
	c.blits = append(c.blits, recordedBlit{src: sourceImage, dst: destinationImage})
	c.blitRegions = append(c.blitRegions, regions...)
	return nil
}

type fakeFrameDevice struct {
	core1_0.Device

	fences   []*fakeFence
	waitedOn []core1_0.Fence
	resets   []core1_0.Fence
}

func (d *fakeFrameDevice) AllocateCommandBuffers(o core1_0.CommandBufferAllocateInfo) ([]core1_0.CommandBuffer, common.VkResult, error) {
	commandBuffers := make([]core1_0.CommandBuffer, o.CommandBufferCount)
	for bufferIndex := range commandBuffers {
		commandBuffers[bufferIndex] = &fakeFrameCommandBuffer{}
	}
	return commandBuffers, core1_0.VKSuccess, nil
}

func (d *fakeFrameDevice) CreateFence(allocationCallbacks *driver.AllocationCallbacks, o core1_0.FenceCreateInfo) (core1_0.Fence, common.VkResult, error) {
	fence := &fakeFence{}
	d.fences = append(d.fences, fence)
	return fence, core1_0.VKSuccess, nil
}

func (d *fakeFrameDevice) CreateSemaphore(allocationCallbacks *driver.AllocationCallbacks, o core1_0.SemaphoreCreateInfo) (core1_0.Semaphore, common.VkResult, error) {
	return &fakeFrameSemaphore{}, core1_0.VKSuccess, nil
}

func (d *fakeFrameDevice) CreateImage(allocationCallbacks *driver.AllocationCallbacks, o core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error) {
	return &fakeImage{}, core1_0.VKSuccess, nil
}

func (d *fakeFrameDevice) AllocateMemory(allocationCallbacks *driver.AllocationCallbacks, o core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
	return &fakeFrameMemory{}, core1_0.VKSuccess, nil
}

func (d *fakeFrameDevice) WaitForFences(waitForAll bool, timeout time.Duration, fences []core1_0.Fence) (common.VkResult, error) {
	d.waitedOn = append(d.waitedOn, fences...)
	return core1_0.VKSuccess, nil
}

func (d *fakeFrameDevice) ResetFences(fences []core1_0.Fence) (common.VkResult, error) {
	d.resets = append(d.resets, fences...)
	return core1_0.VKSuccess, nil
}

func (d *fakeFrameDevice) WaitIdle() (common.VkResult, error) {
	return core1_0.VKSuccess, nil
}

type fakeFramePhysicalDevice struct {
	core1_0.PhysicalDevice
}

func (p *fakeFramePhysicalDevice) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal},
		},
	}
}

type fakeSurface struct {
	khr_surface.Surface

	capabilities khr_surface.SurfaceCapabilities
}

func (s *fakeSurface) PhysicalDeviceSurfaceCapabilities(physicalDevice core1_0.PhysicalDevice) (*khr_surface.SurfaceCapabilities, common.VkResult, error) {
	capabilities := s.capabilities
	return &capabilities, core1_0.VKSuccess, nil
}

type acquireResult struct {
	index int
	res   common.VkResult
}

type fakeSwapchain struct {
	khr_swapchain.Swapchain

	images    []core1_0.Image
	acquires  []acquireResult
	destroyed bool
}

func (s *fakeSwapchain) AcquireNextImage(timeout time.Duration, semaphore core1_0.Semaphore, fence core1_0.Fence) (int, common.VkResult, error) {
	if len(s.acquires) > 0 {
		next := s.acquires[0]
		s.acquires = s.acquires[1:]
		return next.index, next.res, nil
	}
	return 0, core1_0.VKSuccess, nil
}

func (s *fakeSwapchain) SwapchainImages() ([]core1_0.Image, common.VkResult, error) {
	return s.images, core1_0.VKSuccess, nil
}

func (s *fakeSwapchain) Destroy(callbacks *driver.AllocationCallbacks) {
	s.destroyed = true
}

type fakeSwapchainExtension struct {
	khr_swapchain.Extension

	createInfos    []khr_swapchain.SwapchainCreateInfo
	swapchains     []*fakeSwapchain
	presents       []khr_swapchain.PresentInfo
	presentResults []common.VkResult
}

func (e *fakeSwapchainExtension) CreateSwapchain(device core1_0.Device, allocationCallbacks *driver.AllocationCallbacks, o khr_swapchain.SwapchainCreateInfo) (khr_swapchain.Swapchain, common.VkResult, error) {
	e.createInfos = append(e.createInfos, o)
	swapchain := &fakeSwapchain{
		images: []core1_0.Image{&fakeImage{}, &fakeImage{}, &fakeImage{}},
	}
	e.swapchains = append(e.swapchains, swapchain)
	return swapchain, core1_0.VKSuccess, nil
}

func (e *fakeSwapchainExtension) QueuePresent(queue core1_0.Queue, o khr_swapchain.PresentInfo) (common.VkResult, error) {
	e.presents = append(e.presents, o)
	if len(e.presentResults) > 0 {
		next := e.presentResults[0]
		e.presentResults = e.presentResults[1:]
		return next, nil
	}
	return core1_0.VKSuccess, nil
}

type fakeFrameQueue struct {
	core1_0.Queue

	submissions []recordedFrameSubmit
}

type recordedFrameSubmit struct {
	fence   core1_0.Fence
	submits []core1_0.SubmitInfo
}

func (q *fakeFrameQueue) Submit(fence core1_0.Fence, o []core1_0.SubmitInfo) (common.VkResult, error) {
	q.submissions = append(q.submissions, recordedFrameSubmit{fence: fence, submits: o})
	return core1_0.VKSuccess, nil
}

func (q *fakeFrameQueue) WaitIdle() (common.VkResult, error) {
	return core1_0.VKSuccess, nil
}

func frameTestContext() (*device.Context, *fakeFrameDevice, *fakeFrameQueue, *fakeSwapchainExtension) {
	fakeDevice := &fakeFrameDevice{}
	queue := &fakeFrameQueue{}
	extension := &fakeSwapchainExtension{}

	ctx := &device.Context{
		Logger:         slog.New(slog.NewTextHandler(os.Stdout)),
		Device:         fakeDevice,
		PhysicalDevice: &fakeFramePhysicalDevice{},
		Surface: &fakeSurface{
			capabilities: khr_surface.SurfaceCapabilities{
				MinImageCount: 2,
				CurrentExtent: core1_0.Extent2D{Width: 800, Height: 600},
			},
		},
		GraphicsQueue:       queue,
		GraphicsQueueFamily: 0,
		TransferQueueFamily: 1,
	}
	return ctx, fakeDevice, queue, extension
}

func noopRecord(commandBuffer core1_0.CommandBuffer, target core1_0.Image, extent core1_0.Extent2D) error {
	return nil
}

func TestNewPipelineSwapchainSettings(t *testing.T) {
	ctx, _, _, extension := frameTestContext()

	pipeline, err := NewPipeline(ctx, Options{SwapchainExtension: extension})
	require.NoError(t, err)
	defer pipeline.Destroy()

	require.Len(t, extension.createInfos, 1)
	createInfo := extension.createInfos[0]
	require.Equal(t, 2, createInfo.MinImageCount)
	require.Equal(t, core1_0.FormatB8G8R8A8SRGB, createInfo.ImageFormat)
	require.Equal(t, core1_0.Extent2D{Width: 800, Height: 600}, createInfo.ImageExtent)
	require.Equal(t, khr_surface.PresentModeFIFO, createInfo.PresentMode)
	require.Nil(t, createInfo.OldSwapchain)

	require.Equal(t, core1_0.Extent2D{Width: 800, Height: 600}, pipeline.SwapchainExtent())
	require.Equal(t, core1_0.Extent2D{Width: 512, Height: 512}, pipeline.RenderExtent())
	require.Len(t, pipeline.renderTargets, device.FramesInFlight)
}

func TestNewPipelineUndefinedExtentFallsBack(t *testing.T) {
	ctx, _, _, extension := frameTestContext()
	ctx.Surface.(*fakeSurface).capabilities = khr_surface.SurfaceCapabilities{
		MinImageCount:  2,
		CurrentExtent:  core1_0.Extent2D{Width: -1, Height: -1},
		MaxImageExtent: core1_0.Extent2D{Width: 1920, Height: 1080},
	}

	pipeline, err := NewPipeline(ctx, Options{SwapchainExtension: extension})
	require.NoError(t, err)
	defer pipeline.Destroy()

	require.Equal(t, core1_0.Extent2D{Width: 1920, Height: 1080}, pipeline.SwapchainExtent())
}

func TestNewPipelineHonorsSurfaceMinImageCount(t *testing.T) {
	ctx, _, _, extension := frameTestContext()
	ctx.Surface.(*fakeSurface).capabilities = khr_surface.SurfaceCapabilities{
		MinImageCount: 3,
		CurrentExtent: core1_0.Extent2D{Width: 800, Height: 600},
	}

	pipeline, err := NewPipeline(ctx, Options{SwapchainExtension: extension})
	require.NoError(t, err)
	defer pipeline.Destroy()

	require.Equal(t, 3, extension.createInfos[0].MinImageCount)
}

func TestNewPipelineClampsToSurfaceMaxImageCount(t *testing.T) {
	ctx, _, _, extension := frameTestContext()
	ctx.Surface.(*fakeSurface).capabilities = khr_surface.SurfaceCapabilities{
		MinImageCount: 1,
		MaxImageCount: 1,
		CurrentExtent: core1_0.Extent2D{Width: 800, Height: 600},
	}

	pipeline, err := NewPipeline(ctx, Options{SwapchainExtension: extension})
	require.NoError(t, err)
	defer pipeline.Destroy()

	require.Equal(t, 1, extension.createInfos[0].MinImageCount)
}

func TestDrawRotatesFrameSlots(t *testing.T) {
	ctx, fakeDevice, queue, extension := frameTestContext()

	pipeline, err := NewPipeline(ctx, Options{SwapchainExtension: extension})
	require.NoError(t, err)
	defer pipeline.Destroy()

	frameTotal := device.FramesInFlight * 2
	for frameIndex := 0; frameIndex < frameTotal; frameIndex++ {
		require.Equal(t, frameIndex%device.FramesInFlight, pipeline.FrameIndex())
		err = pipeline.Draw(noopRecord, nil, 0, nil)
		require.NoError(t, err)
	}

	require.Len(t, queue.submissions, frameTotal)
	require.Len(t, fakeDevice.waitedOn, frameTotal)
	require.Len(t, fakeDevice.resets, frameTotal)

	for frameIndex := 0; frameIndex < frameTotal; frameIndex++ {
		slot := &pipeline.slots[frameIndex%device.FramesInFlight]
		submission := queue.submissions[frameIndex]

		// Each frame waits on its own slot's fence before reusing it, then submits with it
		require.Equal(t, slot.fence, fakeDevice.waitedOn[frameIndex])
		require.Equal(t, slot.fence, fakeDevice.resets[frameIndex])
		require.Equal(t, slot.fence, submission.fence)
		require.Equal(t, []core1_0.CommandBuffer{slot.commandBuffer}, submission.submits[0].CommandBuffers)
		require.Equal(t, []core1_0.Semaphore{slot.readyToPresent}, submission.submits[0].SignalSemaphores)
	}

	require.Len(t, extension.presents, frameTotal)
}

func TestDrawWaitsOnTransferTimeline(t *testing.T) {
	ctx, _, queue, extension := frameTestContext()

	pipeline, err := NewPipeline(ctx, Options{SwapchainExtension: extension})
	require.NoError(t, err)
	defer pipeline.Destroy()

	transferSemaphore := &fakeFrameSemaphore{}
	err = pipeline.Draw(noopRecord, transferSemaphore, 7, nil)
	require.NoError(t, err)

	submitInfo := queue.submissions[0].submits[0]
	require.Equal(t, []core1_0.Semaphore{pipeline.slots[0].imageAcquired, transferSemaphore},
		submitInfo.WaitSemaphores)

	timelineInfo, ok := submitInfo.Next.(core1_2.TimelineSemaphoreSubmitInfo)
	require.True(t, ok)
	require.Equal(t, []uint64{0, 7}, timelineInfo.WaitSemaphoreValues)
}

func TestDrawRecordsAcquireBarriersBeforeRendering(t *testing.T) {
	ctx, _, _, extension := frameTestContext()

	pipeline, err := NewPipeline(ctx, Options{SwapchainExtension: extension})
	require.NoError(t, err)
	defer pipeline.Destroy()

	uploaded := &fakeImage{}
	acquireBarriers := []core1_0.ImageMemoryBarrier{
		{
			SrcAccessMask:       core1_0.AccessTransferWrite,
			DstAccessMask:       core1_0.AccessMemoryRead,
			OldLayout:           core1_0.ImageLayoutTransferDstOptimal,
			NewLayout:           core1_0.ImageLayoutShaderReadOnlyOptimal,
			SrcQueueFamilyIndex: ctx.TransferQueueFamily,
			DstQueueFamilyIndex: ctx.GraphicsQueueFamily,
			Image:               uploaded,
		},
	}

	var recordedTarget core1_0.Image
	err = pipeline.Draw(func(commandBuffer core1_0.CommandBuffer, target core1_0.Image, extent core1_0.Extent2D) error {
		recordedTarget = target
		commandBuffer.(*fakeFrameCommandBuffer).ops = append(
			commandBuffer.(*fakeFrameCommandBuffer).ops, "callback")
		return nil
	}, nil, 0, acquireBarriers)
	require.NoError(t, err)

	require.Equal(t, pipeline.renderTargets[0], recordedTarget)

	commandBuffer := pipeline.slots[0].commandBuffer.(*fakeFrameCommandBuffer)
	require.Equal(t,
		[]string{"begin", "barrier", "callback", "barrier", "blit", "barrier", "end"},
		commandBuffer.ops)
	require.Equal(t, acquireBarriers, commandBuffer.barrierCalls[0])

	// The blit copies the slot's render target into the acquired swapchain image
	require.Equal(t, pipeline.renderTargets[0], commandBuffer.blits[0].src)
	require.Equal(t, pipeline.swapchainImages[0], commandBuffer.blits[0].dst)
	require.Equal(t, core1_0.Offset3D{X: 512, Y: 512, Z: 1}, commandBuffer.blitRegions[0].SrcOffsets[1])
	require.Equal(t, core1_0.Offset3D{X: 800, Y: 600, Z: 1}, commandBuffer.blitRegions[0].DstOffsets[1])

	presentBarrier := commandBuffer.barrierCalls[2][0]
	require.Equal(t, khr_swapchain.ImageLayoutPresentSrc, presentBarrier.NewLayout)
}

func TestDrawRebuildsSwapchainOnOutOfDateAcquire(t *testing.T) {
	ctx, _, _, extension := frameTestContext()

	pipeline, err := NewPipeline(ctx, Options{SwapchainExtension: extension})
	require.NoError(t, err)
	defer pipeline.Destroy()

	firstSwapchain := extension.swapchains[0]
	firstSwapchain.acquires = []acquireResult{{index: 0, res: khr_swapchain.VKErrorOutOfDate}}

	err = pipeline.Draw(noopRecord, nil, 0, nil)
	require.NoError(t, err)

	require.Len(t, extension.createInfos, 2)
	require.Equal(t, firstSwapchain, extension.createInfos[1].OldSwapchain)
	require.True(t, firstSwapchain.destroyed)
	require.Equal(t, 1, pipeline.FrameIndex())
}

func TestDrawRebuildsSwapchainOnSuboptimalPresent(t *testing.T) {
	ctx, _, _, extension := frameTestContext()

	pipeline, err := NewPipeline(ctx, Options{SwapchainExtension: extension})
	require.NoError(t, err)
	defer pipeline.Destroy()

	extension.presentResults = []common.VkResult{khr_swapchain.VKSuboptimal}

	err = pipeline.Draw(noopRecord, nil, 0, nil)
	require.NoError(t, err)

	// The frame still completed; the rebuild only affects subsequent frames
	require.Len(t, extension.createInfos, 2)
	require.Equal(t, 1, pipeline.FrameIndex())
}

func TestDestroyReleasesEverything(t *testing.T) {
	ctx, fakeDevice, _, extension := frameTestContext()

	pipeline, err := NewPipeline(ctx, Options{SwapchainExtension: extension})
	require.NoError(t, err)

	targets := make([]*fakeImage, len(pipeline.renderTargets))
	for targetIndex, target := range pipeline.renderTargets {
		targets[targetIndex] = target.(*fakeImage)
	}

	pipeline.Destroy()

	for _, fence := range fakeDevice.fences {
		require.True(t, fence.destroyed)
	}
	for _, target := range targets {
		require.True(t, target.destroyed)
	}
	require.True(t, extension.swapchains[0].destroyed)
	require.Equal(t, 0, ctx.LiveBlockCount())
}
