package transfer

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

type bufferWrite struct {
	srcOffset int
	size      int
	dst       core1_0.Buffer
	dstOffset int
}

type imageWrite struct {
	dst          core1_0.Image
	regionOffset int
	regionCount  int
	layout       core1_0.ImageLayout
}

// Transaction accumulates pending buffer and image uploads without touching the device.
// Source bytes are copied into an internal arena at write time, so callers may reuse or
// discard their slices immediately. Nothing reaches the GPU until the transaction is
// submitted through an Engine.
//
// One Transaction is created per renderer and refilled every frame. It is single-threaded
type Transaction struct {
	transferFamily int
	consumerFamily int

	arena         Arena
	bufferWrites  []bufferWrite
	imageWrites   []imageWrite
	regions       []core1_0.BufferImageCopy
	startBarriers []core1_0.ImageMemoryBarrier
	endBarriers   []core1_0.ImageMemoryBarrier
}

// NewTransaction creates a Transaction whose image uploads transfer ownership from
// transferFamily to consumerFamily
func NewTransaction(transferFamily, consumerFamily int) *Transaction {
	return &Transaction{
		transferFamily: transferFamily,
		consumerFamily: consumerFamily,
	}
}

// WriteBuffer queues an upload of data into dst at dstOffset
func (t *Transaction) WriteBuffer(data []byte, dst core1_0.Buffer, dstOffset int) {
	srcOffset := t.arena.Extend(data)
	t.bufferWrites = append(t.bufferWrites, bufferWrite{
		srcOffset: srcOffset,
		size:      len(data),
		dst:       dst,
		dstOffset: dstOffset,
	})
}

// WriteImage queues an upload of data into dst. Each region's BufferOffset is interpreted
// relative to the start of data. The image is transitioned from an undefined layout to
// TransferDstOptimal before the copy; the matching transition to finalLayout, which also
// moves ownership from the transfer queue family to the consumer family, is returned from
// AcquireBarriers and must be recorded by the consumer before it reads the image
func (t *Transaction) WriteImage(data []byte, dst core1_0.Image, subresourceRange core1_0.ImageSubresourceRange, regions []core1_0.BufferImageCopy, finalLayout core1_0.ImageLayout) {
	srcOffset := t.arena.Extend(data)

	regionOffset := len(t.regions)
	for _, region := range regions {
		region.BufferOffset += srcOffset
		t.regions = append(t.regions, region)
	}

	t.imageWrites = append(t.imageWrites, imageWrite{
		dst:          dst,
		regionOffset: regionOffset,
		regionCount:  len(regions),
		layout:       finalLayout,
	})
	t.startBarriers = append(t.startBarriers, core1_0.ImageMemoryBarrier{
		SrcAccessMask:       0,
		DstAccessMask:       core1_0.AccessTransferWrite,
		OldLayout:           core1_0.ImageLayoutUndefined,
		NewLayout:           core1_0.ImageLayoutTransferDstOptimal,
		SrcQueueFamilyIndex: t.transferFamily,
		DstQueueFamilyIndex: t.transferFamily,
		Image:               dst,
		SubresourceRange:    subresourceRange,
	})
	t.endBarriers = append(t.endBarriers, core1_0.ImageMemoryBarrier{
		SrcAccessMask:       core1_0.AccessTransferWrite,
		DstAccessMask:       core1_0.AccessMemoryRead,
		OldLayout:           core1_0.ImageLayoutTransferDstOptimal,
		NewLayout:           finalLayout,
		SrcQueueFamilyIndex: t.transferFamily,
		DstQueueFamilyIndex: t.consumerFamily,
		Image:               dst,
		SubresourceRange:    subresourceRange,
	})
}

// AcquireBarriers returns the ownership-acquire barriers for every image write queued since
// the last Clear. The consumer records them at the head of its own command buffer; they are
// deliberately not part of the transfer submission because their destination queue family
// differs from the transfer family
func (t *Transaction) AcquireBarriers() []core1_0.ImageMemoryBarrier {
	return t.endBarriers
}

// Size returns the number of staged bytes
func (t *Transaction) Size() int {
	return t.arena.Size()
}

// Clear empties the transaction for reuse, keeping the arena's capacity. It must only be
// called after a submission has copied the staged bytes out of the arena; clearing earlier
// corrupts in-flight uploads
func (t *Transaction) Clear() {
	t.arena.Clear()
	t.bufferWrites = t.bufferWrites[:0]
	t.imageWrites = t.imageWrites[:0]
	t.regions = t.regions[:0]
	t.startBarriers = t.startBarriers[:0]
	t.endBarriers = t.endBarriers[:0]
}
