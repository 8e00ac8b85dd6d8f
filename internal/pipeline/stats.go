package pipeline

// Stats holds the pipeline's monotonically-incrementing counters. Counters
// are never decremented; Destroy freezes them for post-mortem inspection.
type Stats struct {
	TotalBytes          uint64 `json:"totalBytes"`
	TotalPackets        uint64 `json:"totalPackets"`
	SPSCount            uint64 `json:"spsCount"`
	PPSCount            uint64 `json:"ppsCount"`
	IDRCount            uint64 `json:"idrCount"`
	PFrameCount         uint64 `json:"pFrameCount"`
	DecodedFrames       uint64 `json:"decodedFrames"`
	DecodeErrors        uint64 `json:"decodeErrors"`
	DroppedFrames       uint64 `json:"droppedFrames"`
	GarbageBytesSkipped uint64 `json:"garbageBytesSkipped"`
}
