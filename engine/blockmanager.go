package engine

import (
	"fmt"
	"time"
)

// BlockManager composes one host BlockAllocator and one BlockAllocator per
// tensor-parallel device rank, and owns the swap operations that move block
// contents between host and device tiers across a rank's streams. All
// allocators share the same block geometry (spec.md §3: block_size must be
// identical host/device).
type BlockManager struct {
	ctx  *Context
	host *BlockAllocator
	dev  []*BlockAllocator
}

// NewBlockManager builds the host and per-rank device allocators from a
// shared geometry. hostBlocks/deviceBlocks are the initial pool sizes; pass
// the values CalculateBlockNumber returns.
func NewBlockManager(ctx *Context, blockSize, blockTokenNum int64, deviceBlocks, hostBlocks int64) (*BlockManager, error) {
	host, err := NewBlockAllocator(AllocatorConfig{
		BlockSize:     blockSize,
		BlockTokenNum: blockTokenNum,
		BlocksNum:     hostBlocks,
		Device:        HostDevice(),
	}, NewHeapBacking(HostDevice()))
	if err != nil {
		return nil, wrapErr(KindInsufficientHostMemory, err, "allocate host block pool")
	}

	bm := &BlockManager{ctx: ctx, host: host}
	for rank := 0; rank < ctx.TensorParallelSize; rank++ {
		dev, err := NewBlockAllocator(AllocatorConfig{
			BlockSize:     blockSize,
			BlockTokenNum: blockTokenNum,
			BlocksNum:     deviceBlocks,
			Device:        DeviceRank(rank),
		}, NewHeapBacking(DeviceRank(rank)))
		if err != nil {
			return nil, wrapErr(KindOutOfDeviceMemory, err, "allocate device[%d] block pool", rank)
		}
		bm.dev = append(bm.dev, dev)
	}
	return bm, nil
}

// NewInferRequest builds an InferRequest from an inbound Request, sized for
// this manager's tensor-parallel topology and block geometry — the "sizes
// its per-rank KV list" step spec.md §4.5 assigns to Enqueue.
func (bm *BlockManager) NewInferRequest(req *Request) *InferRequest {
	return &InferRequest{
		ModelName:     req.ModelName,
		Sampling:      req.Sampling,
		InputTokens:   append([]int64(nil), req.InputTokens...),
		BlockSize:     bm.host.BlockTokenNum(),
		KVCacheBlocks: make([][]int, len(bm.dev)),
		LogitsBuf:     req.LogitsBuf,
		LogitsOffset:  req.LogitsOffset,
		Notify:        req.Notify,
		EnqueuedAt:    time.Now(),
	}
}

// Host returns the host-tier allocator.
func (bm *BlockManager) Host() *BlockAllocator { return bm.host }

// Device returns the allocator for device rank.
func (bm *BlockManager) Device(rank int) *BlockAllocator { return bm.dev[rank] }

// CalculateBlockNumber derives device and host pool sizes from raw memory
// figures per spec.md §4.2/§6. blockDeviceRatio selects between the two
// sizing modes the spec names: >= 0 means "use this fraction of
// device_total outright" (reservedRatio plays no part — the ratio itself is
// the whole budget); < 0 means "use all live free memory minus a reserved
// headroom", the mode reservedRatio sizes. Host pool size is
// block_host_memory_factor times the device pool size (the host tier
// exists to receive swapped-out device blocks, so it is sized off the
// device pool rather than off host_free directly — host_free only bounds
// it from above).
func (bm *BlockManager) CalculateBlockNumber(deviceTotal, deviceFree, hostFree int64, reservedRatio, blockHostFactor float64, blockSize int64, blockDeviceRatio float64) (deviceBlocks, hostBlocks int64, err error) {
	if blockSize <= 0 {
		return 0, 0, newErr(KindInvalidArgument, "block_size must be positive, got %d", blockSize)
	}
	if reservedRatio < 0 || reservedRatio >= 1 {
		return 0, 0, newErr(KindInvalidArgument, "reserved_memory_ratio must be in [0,1), got %f", reservedRatio)
	}

	var usable float64
	if blockDeviceRatio >= 0 {
		usable = float64(deviceTotal) * blockDeviceRatio
	} else {
		usable = float64(deviceFree) - float64(deviceTotal)*reservedRatio
	}
	if usable < 0 {
		usable = 0
	}
	deviceBlocks = int64(usable) / blockSize
	if deviceBlocks <= 0 {
		return 0, 0, newErr(KindOutOfDeviceMemory, "reserved_memory_ratio leaves no device memory for blocks (free=%d, total=%d, ratio=%f)", deviceFree, deviceTotal, reservedRatio)
	}

	wantHostBlocks := int64(float64(deviceBlocks) * blockHostFactor)
	maxHostBlocks := hostFree / blockSize
	hostBlocks = wantHostBlocks
	if hostBlocks > maxHostBlocks {
		hostBlocks = maxHostBlocks
	}
	if hostBlocks <= 0 {
		return 0, 0, newErr(KindInsufficientHostMemory, "block_host_memory_factor=%f needs %d blocks but host_free only fits %d", blockHostFactor, wantHostBlocks, maxHostBlocks)
	}
	return deviceBlocks, hostBlocks, nil
}

// SwapOut moves the content of deviceIDs on rank from the device allocator
// to freshly allocated host blocks, via the rank's compute stream, and
// frees the device-side originals only after the copy stream has been
// synchronized. Returns the host block ids, in the same order as
// deviceIDs.
func (bm *BlockManager) SwapOut(deviceIDs []int, rank int) ([]int, error) {
	if err := bm.ctx.BindDevice(rank); err != nil {
		return nil, err
	}
	if bm.ctx.ConcurrentStages {
		return nil, newErr(KindUnimplemented, "swap under concurrent CONTEXT/DECODE stages")
	}
	devAlloc := bm.dev[rank]
	srcPtrs, err := devAlloc.GetBlockPtrs(deviceIDs)
	if err != nil {
		return nil, err
	}
	hostIDs, err := bm.host.AllocateBlocks(int64(len(deviceIDs)))
	if err != nil {
		return nil, wrapErr(KindInsufficientHostMemory, err, "swap-out for device[%d]: allocate host blocks", rank)
	}
	dstPtrs, err := bm.host.GetBlockPtrs(hostIDs)
	if err != nil {
		return nil, err
	}

	stream := bm.ctx.ComputeStream(rank)
	for i := range deviceIDs {
		src, dst := srcPtrs[i], dstPtrs[i]
		stream.Enqueue(func() error {
			copy(dst, src)
			return nil
		})
	}
	if err := stream.Synchronize(); err != nil {
		return nil, wrapErr(KindDeviceError, err, "swap-out for device[%d]: copy device->host", rank)
	}

	if err := devAlloc.FreeBlocks(deviceIDs); err != nil {
		return nil, fmt.Errorf("swap-out: free device originals: %w", err)
	}
	return hostIDs, nil
}

// SwapIn is the inverse of SwapOut: copies host block content back onto
// freshly allocated device blocks for rank, frees the host originals only
// after the stream is synchronized.
func (bm *BlockManager) SwapIn(hostIDs []int, rank int) ([]int, error) {
	if err := bm.ctx.BindDevice(rank); err != nil {
		return nil, err
	}
	if bm.ctx.ConcurrentStages {
		return nil, newErr(KindUnimplemented, "swap under concurrent CONTEXT/DECODE stages")
	}
	srcPtrs, err := bm.host.GetBlockPtrs(hostIDs)
	if err != nil {
		return nil, err
	}
	devAlloc := bm.dev[rank]
	deviceIDs, err := devAlloc.AllocateBlocks(int64(len(hostIDs)))
	if err != nil {
		return nil, wrapErr(KindOutOfDeviceMemory, err, "swap-in to device[%d]: allocate device blocks", rank)
	}
	dstPtrs, err := devAlloc.GetBlockPtrs(deviceIDs)
	if err != nil {
		return nil, err
	}

	stream := bm.ctx.ComputeStream(rank)
	for i := range hostIDs {
		src, dst := srcPtrs[i], dstPtrs[i]
		stream.Enqueue(func() error {
			copy(dst, src)
			return nil
		})
	}
	if err := stream.Synchronize(); err != nil {
		return nil, wrapErr(KindDeviceError, err, "swap-in to device[%d]: copy host->device", rank)
	}

	if err := bm.host.FreeBlocks(hostIDs); err != nil {
		return nil, fmt.Errorf("swap-in: free host originals: %w", err)
	}
	return deviceIDs, nil
}

// SwapDrop frees host blocks belonging to a request the scheduler decided
// to discard rather than resume (e.g. it finished via a different path
// while swapped out). No device-side counterpart: nothing to synchronize.
func (bm *BlockManager) SwapDrop(hostIDs []int) error {
	return bm.host.FreeBlocks(hostIDs)
}
