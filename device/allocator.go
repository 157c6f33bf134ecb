package device

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/PSYTROPS/graphics/memutils"
)

// MemoryBlock is a single device memory allocation shared by the resources it was created
// for. Resources are bound at the offsets computed during allocation and must be destroyed
// before the block is freed
type MemoryBlock struct {
	id  int
	ctx *Context

	Memory          core1_0.DeviceMemory
	Size            int
	MemoryTypeIndex int
	Offsets         []int
}

// Free releases the block's device memory. The block's resources must already be destroyed
func (b *MemoryBlock) Free() {
	if b.Memory == nil {
		panic("attempting to free a memory block that has no backing device memory")
	}

	b.ctx.unregisterBlock(b)
	b.Memory.Free(nil)
	b.Memory = nil
}

// Allocate creates one memory block large enough for every entry in requirements, packed
// in input order with each resource's offset rounded up to its alignment. All entries must
// agree on at least one memory type whose properties are a superset of the requested flags;
// memutils.IncompatibleMemoryError is returned when none qualifies.
//
// Buffers and images cannot share a block because their binding paths differ, so callers
// pass requirements gathered from one kind of resource at a time
func (c *Context) Allocate(requirements []*core1_0.MemoryRequirements, properties core1_0.MemoryPropertyFlags) (*MemoryBlock, error) {
	if len(requirements) == 0 {
		return nil, errors.Wrap(memutils.ZeroLengthError, "allocate")
	}

	offsets := make([]int, 0, len(requirements))
	size := 0
	supportedMemoryTypes := uint32(0xffffffff)
	for _, reqs := range requirements {
		memutils.DebugCheckPow2(reqs.Alignment, "core1_0.MemoryRequirements.Alignment")
		size = memutils.AlignUp(size, uint(reqs.Alignment))
		offsets = append(offsets, size)
		size += reqs.Size
		supportedMemoryTypes &= reqs.MemoryTypeBits
	}

	memoryTypeIndex := -1
	memoryProperties := c.PhysicalDevice.MemoryProperties()
	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		if supportedMemoryTypes&(1<<typeIndex) == 0 {
			continue
		}
		if memoryType.PropertyFlags&properties != properties {
			continue
		}

		memoryTypeIndex = typeIndex
		break
	}
	if memoryTypeIndex < 0 {
		return nil, errors.Wrapf(memutils.IncompatibleMemoryError,
			"no memory type in the combined bitmask 0x%x has properties %s", supportedMemoryTypes, properties)
	}

	memory, _, err := c.Device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, err
	}

	block := &MemoryBlock{
		ctx:             c,
		Memory:          memory,
		Size:            size,
		MemoryTypeIndex: memoryTypeIndex,
		Offsets:         offsets,
	}
	c.registerBlock(block)

	c.Logger.LogAttrs(context.Background(), slog.LevelDebug, "allocated memory block",
		slog.Int("id", block.id),
		slog.Int("size", size),
		slog.Int("memoryTypeIndex", memoryTypeIndex),
		slog.Int("resourceCount", len(requirements)),
	)

	return block, nil
}

// CreateBuffers creates one buffer per entry in createInfos, bound to a shared memory block
// at packed offsets. On failure nothing is leaked: buffers created before the failing step
// are destroyed in reverse order
func (c *Context) CreateBuffers(createInfos []core1_0.BufferCreateInfo, properties core1_0.MemoryPropertyFlags) ([]core1_0.Buffer, *MemoryBlock, error) {
	buffers := make([]core1_0.Buffer, 0, len(createInfos))
	destroyBuffers := func() {
		for bufferIndex := len(buffers) - 1; bufferIndex >= 0; bufferIndex-- {
			buffers[bufferIndex].Destroy(nil)
		}
	}

	for _, createInfo := range createInfos {
		buffer, _, err := c.Device.CreateBuffer(nil, createInfo)
		if err != nil {
			destroyBuffers()
			return nil, nil, err
		}
		buffers = append(buffers, buffer)
	}

	requirements := make([]*core1_0.MemoryRequirements, 0, len(buffers))
	for _, buffer := range buffers {
		requirements = append(requirements, buffer.MemoryRequirements())
	}

	block, err := c.Allocate(requirements, properties)
	if err != nil {
		destroyBuffers()
		return nil, nil, err
	}

	for bufferIndex, buffer := range buffers {
		_, err = buffer.BindBufferMemory(block.Memory, block.Offsets[bufferIndex])
		if err != nil {
			destroyBuffers()
			block.Free()
			return nil, nil, err
		}
	}

	return buffers, block, nil
}

// CreateImages creates one image per entry in createInfos, bound to a shared memory block
// at packed offsets. On failure nothing is leaked
func (c *Context) CreateImages(createInfos []core1_0.ImageCreateInfo, properties core1_0.MemoryPropertyFlags) ([]core1_0.Image, *MemoryBlock, error) {
	images := make([]core1_0.Image, 0, len(createInfos))
	destroyImages := func() {
		for imageIndex := len(images) - 1; imageIndex >= 0; imageIndex-- {
			images[imageIndex].Destroy(nil)
		}
	}

	for _, createInfo := range createInfos {
		image, _, err := c.Device.CreateImage(nil, createInfo)
		if err != nil {
			destroyImages()
			return nil, nil, err
		}
		images = append(images, image)
	}

	requirements := make([]*core1_0.MemoryRequirements, 0, len(images))
	for _, image := range images {
		requirements = append(requirements, image.MemoryRequirements())
	}

	block, err := c.Allocate(requirements, properties)
	if err != nil {
		destroyImages()
		return nil, nil, err
	}

	for imageIndex, image := range images {
		_, err = image.BindImageMemory(block.Memory, block.Offsets[imageIndex])
		if err != nil {
			destroyImages()
			block.Free()
			return nil, nil, err
		}
	}

	return images, block, nil
}

// PrintBlockStats writes a JSON summary of the Context's live memory blocks
func (c *Context) PrintBlockStats(writer *jwriter.Writer) {
	var stats memutils.BlockStatistics
	if c.blocks != nil {
		c.blocks.Iter(func(id int, block *MemoryBlock) bool {
			stats.AddBlock(block.Size, len(block.Offsets))
			return false
		})
	}

	stats.PrintJson(writer)
}
