package device

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"golang.org/x/exp/slog"
)

const (
	// FramesInFlight is the number of frame slots rotated by the transfer engine and the
	// frame pipeline. The CPU may prepare slot N+1 while the GPU consumes slot N.
	FramesInFlight = 2

	// WaitTimeout bounds every fence, semaphore, and acquire wait. A wait that does not
	// complete within this window is treated as a lost device rather than retried.
	WaitTimeout = time.Second

	pipelineCacheFileName = "pipeline-cache.bin"
)

// TimelineDevice is the slice of core1_2.Device needed for timeline semaphore waits
type TimelineDevice interface {
	WaitSemaphores(timeout time.Duration, o core1_2.SemaphoreWaitInfo) (common.VkResult, error)
}

// Options contains optional settings when creating a Context
type Options struct {
	// PipelineCachePath is the file the pipeline cache blob is loaded from at startup and
	// rewritten to at teardown. When empty, pipeline-cache.bin next to the executable is used
	PipelineCachePath string
}

// Context is the shared, immutable set of device objects every renderer component holds a
// reference to. It is created once, before any other component, and destroyed last
type Context struct {
	Logger         *slog.Logger
	Instance       core1_0.Instance
	PhysicalDevice core1_0.PhysicalDevice
	Device         core1_0.Device
	Timeline       TimelineDevice
	Surface        khr_surface.Surface

	GraphicsQueueFamily int
	TransferQueueFamily int
	GraphicsQueue       core1_0.Queue
	TransferQueue       core1_0.Queue

	CommandPool   core1_0.CommandPool
	PipelineCache core1_0.PipelineCache

	pipelineCachePath string
	blocks            *swiss.Map[int, *MemoryBlock]
	nextBlockID       int
}

// New creates a Context around an already-created Device
//
// instance - The instance that owns the provided Device
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device, which must have been created with the timeline semaphore feature enabled
//
// surface - The presentation surface, or nil for headless use
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, instance core1_0.Instance, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, surface khr_surface.Surface, options Options) (*Context, error) {
	device12 := core1_2.PromoteDevice(device)
	if device12 == nil {
		return nil, errors.New("the provided device does not support core 1.2, which is required for timeline semaphores")
	}

	graphicsFamily, transferFamily, err := selectQueueFamilies(physicalDevice, surface)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		Logger:         logger,
		Instance:       instance,
		PhysicalDevice: physicalDevice,
		Device:         device,
		Timeline:       device12,
		Surface:        surface,

		GraphicsQueueFamily: graphicsFamily,
		TransferQueueFamily: transferFamily,
		GraphicsQueue:       device.GetQueue(graphicsFamily, 0),
		TransferQueue:       device.GetQueue(transferFamily, 0),
	}

	ctx.CommandPool, _, err = device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: graphicsFamily,
	})
	if err != nil {
		return nil, err
	}

	ctx.pipelineCachePath = options.PipelineCachePath
	if ctx.pipelineCachePath == "" {
		exePath, pathErr := os.Executable()
		if pathErr != nil {
			ctx.CommandPool.Destroy(nil)
			return nil, errors.Wrap(pathErr, "failed to locate the pipeline cache file")
		}
		ctx.pipelineCachePath = filepath.Join(filepath.Dir(exePath), pipelineCacheFileName)
	}

	// A missing or unreadable cache file is not an error, the driver just starts cold
	initialData, readErr := os.ReadFile(ctx.pipelineCachePath)
	if readErr != nil {
		initialData = nil
	}

	ctx.PipelineCache, _, err = device.CreatePipelineCache(nil, core1_0.PipelineCacheCreateInfo{
		InitialData: initialData,
	})
	if err != nil {
		ctx.CommandPool.Destroy(nil)
		return nil, err
	}

	logger.LogAttrs(context.Background(), slog.LevelInfo, "device context created",
		slog.Int("graphicsQueueFamily", graphicsFamily),
		slog.Int("transferQueueFamily", transferFamily),
	)

	return ctx, nil
}

// selectQueueFamilies picks a graphics family with compute and presentation support and a
// dedicated transfer family when the hardware has one. Falls back to the graphics family
// when every transfer-capable family also does graphics
func selectQueueFamilies(physicalDevice core1_0.PhysicalDevice, surface khr_surface.Surface) (int, int, error) {
	queueFamilies := physicalDevice.QueueFamilyProperties()

	graphicsFamily := -1
	for familyIndex, family := range queueFamilies {
		if family.QueueFlags&core1_0.QueueGraphics == 0 || family.QueueFlags&core1_0.QueueCompute == 0 {
			continue
		}

		if surface != nil {
			supported, _, err := surface.PhysicalDeviceSurfaceSupport(physicalDevice, familyIndex)
			if err != nil {
				return -1, -1, err
			}
			if !supported {
				continue
			}
		}

		graphicsFamily = familyIndex
		break
	}
	if graphicsFamily < 0 {
		return -1, -1, errors.New("no queue family supports graphics, compute, and presentation")
	}

	transferFamily := graphicsFamily
	for familyIndex, family := range queueFamilies {
		if family.QueueFlags&core1_0.QueueTransfer != 0 && family.QueueFlags&core1_0.QueueGraphics == 0 {
			transferFamily = familyIndex
			break
		}
	}

	return graphicsFamily, transferFamily, nil
}

func (c *Context) registerBlock(block *MemoryBlock) {
	if c.blocks == nil {
		c.blocks = swiss.NewMap[int, *MemoryBlock](8)
	}

	block.id = c.nextBlockID
	c.nextBlockID++
	c.blocks.Put(block.id, block)
}

func (c *Context) unregisterBlock(block *MemoryBlock) {
	if c.blocks == nil {
		panic("attempting to free a memory block from a context with no live blocks")
	}

	c.blocks.Delete(block.id)
}

// LiveBlockCount returns the number of memory blocks allocated from this Context and not
// yet freed
func (c *Context) LiveBlockCount() int {
	if c.blocks == nil {
		return 0
	}
	return c.blocks.Count()
}

// Destroy saves the pipeline cache and tears down every object the Context owns, in reverse
// creation order. Memory blocks still live at this point are logged and freed. Destroy never
// fails: teardown steps that can error are logged and skipped
func (c *Context) Destroy() {
	_, err := c.Device.WaitIdle()
	if err != nil {
		c.Logger.LogAttrs(context.Background(), slog.LevelError, "wait idle failed during teardown",
			slog.Any("error", err))
	}

	if c.blocks != nil {
		c.blocks.Iter(func(id int, block *MemoryBlock) bool {
			c.Logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed memory block",
				slog.Int("id", id),
				slog.Int("size", block.Size),
				slog.Int("memoryTypeIndex", block.MemoryTypeIndex),
			)
			block.Memory.Free(nil)
			return false
		})
		c.blocks = nil
	}

	if c.PipelineCache != nil {
		cacheData, _, cacheErr := c.PipelineCache.CacheData()
		if cacheErr != nil {
			c.Logger.LogAttrs(context.Background(), slog.LevelError, "failed to read pipeline cache data",
				slog.Any("error", cacheErr))
		} else if writeErr := os.WriteFile(c.pipelineCachePath, cacheData, 0644); writeErr != nil {
			c.Logger.LogAttrs(context.Background(), slog.LevelError, "failed to save the pipeline cache",
				slog.String("path", c.pipelineCachePath),
				slog.Any("error", writeErr))
		}

		c.PipelineCache.Destroy(nil)
		c.PipelineCache = nil
	}
	if c.CommandPool != nil {
		c.CommandPool.Destroy(nil)
		c.CommandPool = nil
	}
}
