package memutils

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BlockStatistics describes the device memory blocks currently live in a Context
type BlockStatistics struct {
	BlockCount    int
	BlockBytes    int
	ResourceCount int
}

func (s *BlockStatistics) Clear() {
	s.BlockCount = 0
	s.BlockBytes = 0
	s.ResourceCount = 0
}

func (s *BlockStatistics) AddBlock(size int, resourceCount int) {
	s.BlockCount++
	s.BlockBytes += size
	s.ResourceCount += resourceCount
}

func (s *BlockStatistics) PrintJson(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("BlockCount").Int(s.BlockCount)
	objState.Name("BlockBytes").Int(s.BlockBytes)
	objState.Name("ResourceCount").Int(s.ResourceCount)
}

// TransferStatistics accumulates counters across transfer submissions. One instance lives in
// the transfer engine and is never reset unless the consumer asks for it
type TransferStatistics struct {
	Submissions    int
	UploadedBytes  int
	BufferCopies   int
	ImageCopies    int
	StagingRegrows int
	PeakArenaBytes int
}

func (s *TransferStatistics) Clear() {
	s.Submissions = 0
	s.UploadedBytes = 0
	s.BufferCopies = 0
	s.ImageCopies = 0
	s.StagingRegrows = 0
	s.PeakArenaBytes = 0
}

func (s *TransferStatistics) AddSubmission(arenaBytes, bufferCopies, imageCopies int) {
	s.Submissions++
	s.UploadedBytes += arenaBytes
	s.BufferCopies += bufferCopies
	s.ImageCopies += imageCopies

	if arenaBytes > s.PeakArenaBytes {
		s.PeakArenaBytes = arenaBytes
	}
}

func (s *TransferStatistics) AddStatistics(other *TransferStatistics) {
	s.Submissions += other.Submissions
	s.UploadedBytes += other.UploadedBytes
	s.BufferCopies += other.BufferCopies
	s.ImageCopies += other.ImageCopies
	s.StagingRegrows += other.StagingRegrows

	if other.PeakArenaBytes > s.PeakArenaBytes {
		s.PeakArenaBytes = other.PeakArenaBytes
	}
}

func (s *TransferStatistics) PrintJson(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("Submissions").Int(s.Submissions)
	objState.Name("UploadedBytes").Int(s.UploadedBytes)
	objState.Name("BufferCopies").Int(s.BufferCopies)
	objState.Name("ImageCopies").Int(s.ImageCopies)
	objState.Name("StagingRegrows").Int(s.StagingRegrows)
	objState.Name("PeakArenaBytes").Int(s.PeakArenaBytes)
}
