package engine

import (
	"sort"
	"sync"
)

// BlockAllocator maintains a fixed-size pool of blocks for one memory tier
// (host, or one device rank) plus a separate pool of variable-size
// contiguous scratch regions. Mirrors spec.md §4.1 exactly: free_map and
// used_map keyed by block_id, a distinct used_contiguous_memory_map for
// scratch allocations, and two independent mutexes so block operations and
// contiguous operations never contend.
type BlockAllocator struct {
	cfg     AllocatorConfig
	backing Backing

	mu          sync.Mutex
	free        map[int]*block
	used        map[int]*block
	hashToBlock map[string]int // content hash -> block id, valid whether the block is free or used
	nextBlockID int

	contigMu     sync.Mutex
	contiguous   map[int]*contigRegion
	nextContigID int
}

// NewBlockAllocator pre-allocates cfg.BlocksNum blocks into the free pool.
func NewBlockAllocator(cfg AllocatorConfig, backing Backing) (*BlockAllocator, error) {
	a := &BlockAllocator{
		cfg:         cfg,
		backing:     backing,
		free:        make(map[int]*block),
		used:        make(map[int]*block),
		hashToBlock: make(map[string]int),
		contiguous:  make(map[int]*contigRegion),
	}
	if err := a.ResetPreAllocatedBlocks(cfg.BlocksNum); err != nil {
		return nil, err
	}
	return a, nil
}

// ResetPreAllocatedBlocks grows or shrinks the free pool so that total pool
// size (free + used) targets n blocks. Per spec.md §9's pinned semantics:
// blocks currently in used_map are untouched by a shrink and continue to
// count against the target — shrinking below the number of in-use blocks
// simply drives the free pool to zero, not negative.
func (a *BlockAllocator) ResetPreAllocatedBlocks(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	targetFree := n - int64(len(a.used))
	if targetFree < 0 {
		targetFree = 0
	}
	currentFree := int64(len(a.free))

	if targetFree > currentFree {
		for i := currentFree; i < targetFree; i++ {
			buf, err := a.backing.Alloc(a.cfg.BlockSize)
			if err != nil {
				return wrapErr(KindOutOfDeviceMemory, err, "growing %s block pool to %d blocks", a.cfg.Device, n)
			}
			id := a.nextBlockID
			a.nextBlockID++
			a.free[id] = &block{id: id, bytes: buf}
		}
	} else if targetFree < currentFree {
		removeCount := currentFree - targetFree
		ids := a.freeIDsSorted()
		for i := int64(0); i < removeCount; i++ {
			id := ids[i]
			blk := a.free[id]
			if blk.hash != "" {
				delete(a.hashToBlock, blk.hash)
			}
			delete(a.free, id)
		}
	}
	a.cfg.BlocksNum = n
	return nil
}

func (a *BlockAllocator) freeIDsSorted() []int {
	ids := make([]int, 0, len(a.free))
	for id := range a.free {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// AllocateBlocks pops n ids from the free pool into the used map with
// ref_count=1. All-or-nothing: fails with OUT_OF_DEVICE_MEMORY when
// free_map.size() < n, and never partially allocates.
func (a *BlockAllocator) AllocateBlocks(n int64) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int64(len(a.free)) < n {
		return nil, newErr(KindOutOfDeviceMemory, "%s: need %d blocks, %d free", a.cfg.Device, n, len(a.free))
	}
	ids := a.freeIDsSorted()[:n]
	out := make([]int, 0, n)
	for _, id := range ids {
		blk := a.free[id]
		delete(a.free, id)
		if blk.hash != "" {
			delete(a.hashToBlock, blk.hash)
			blk.hash = ""
		}
		blk.refCount = 1
		a.used[id] = blk
		out = append(out, id)
	}
	return out, nil
}

// FreeBlocks decrements ref_count for each id; when it reaches zero the
// block returns to the free pool. Unknown id is INVALID_ARGUMENT.
func (a *BlockAllocator) FreeBlocks(ids []int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		blk, ok := a.used[id]
		if !ok {
			return newErr(KindInvalidArgument, "%s: free of unknown/non-used block %d", a.cfg.Device, id)
		}
		blk.refCount--
		if blk.refCount <= 0 {
			delete(a.used, id)
			a.free[id] = blk
		}
	}
	return nil
}

// Retain increments the ref_count of a block already in the used map, or
// promotes a free block that still carries matching content (a prefix-cache
// hit, spec.md's supplemental reuse path) into the used map with ref_count
// 1. Unknown id is INVALID_ARGUMENT.
func (a *BlockAllocator) Retain(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if blk, ok := a.used[id]; ok {
		blk.refCount++
		return nil
	}
	if blk, ok := a.free[id]; ok {
		delete(a.free, id)
		blk.refCount = 1
		a.used[id] = blk
		return nil
	}
	return newErr(KindInvalidArgument, "%s: retain of unknown block %d", a.cfg.Device, id)
}

// TagHash records the content hash of a full used block for later prefix
// reuse. Overwrites any prior hash for that id.
func (a *BlockAllocator) TagHash(id int, hash string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	blk, ok := a.used[id]
	if !ok {
		return newErr(KindInvalidArgument, "%s: tag hash on unknown/non-used block %d", a.cfg.Device, id)
	}
	if blk.hash != "" {
		delete(a.hashToBlock, blk.hash)
	}
	blk.hash = hash
	a.hashToBlock[hash] = id
	return nil
}

// LookupHash returns the block id currently tagged with hash, whether that
// block is free (a cached, reusable block) or used (a live sharer).
func (a *BlockAllocator) LookupHash(hash string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.hashToBlock[hash]
	return id, ok
}

// AllocateContiguous allocates a bespoke region outside the block pool.
func (a *BlockAllocator) AllocateContiguous(bytes int64) (int, error) {
	a.contigMu.Lock()
	defer a.contigMu.Unlock()

	buf, err := a.backing.Alloc(bytes)
	if err != nil {
		return 0, wrapErr(KindOutOfDeviceMemory, err, "%s: allocate contiguous region of %d bytes", a.cfg.Device, bytes)
	}
	id := a.nextContigID
	a.nextContigID++
	a.contiguous[id] = &contigRegion{id: id, bytes: buf}
	return id, nil
}

// FreeContiguous releases a region allocated by AllocateContiguous.
func (a *BlockAllocator) FreeContiguous(id int) error {
	a.contigMu.Lock()
	defer a.contigMu.Unlock()

	if _, ok := a.contiguous[id]; !ok {
		return newErr(KindInvalidArgument, "%s: free of unknown contiguous region %d", a.cfg.Device, id)
	}
	delete(a.contiguous, id)
	return nil
}

// GetBlockPtrs returns the backing byte slices for ids, in order. Succeeds
// iff every id is currently tracked (free or used) by this allocator.
func (a *BlockAllocator) GetBlockPtrs(ids []int) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		if blk, ok := a.used[id]; ok {
			out = append(out, blk.bytes)
			continue
		}
		if blk, ok := a.free[id]; ok {
			out = append(out, blk.bytes)
			continue
		}
		return nil, newErr(KindInvalidArgument, "%s: unknown block id %d", a.cfg.Device, id)
	}
	return out, nil
}

// GetFreeBlockNumber returns the current free-pool size. Unsynchronized
// reads of this and GetUsedBlockNumber are acceptable per spec.md §4.1
// (used by metrics); both methods still take the lock for memory-safety of
// the underlying map iteration, but callers must not assume the pair is
// read atomically together.
func (a *BlockAllocator) GetFreeBlockNumber() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(len(a.free))
}

// GetUsedBlockNumber returns the current used-map size.
func (a *BlockAllocator) GetUsedBlockNumber() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(len(a.used))
}

// Device returns the memory tier this allocator manages.
func (a *BlockAllocator) Device() Device { return a.cfg.Device }

// BlockTokenNum returns the configured tokens-per-block.
func (a *BlockAllocator) BlockTokenNum() int64 { return a.cfg.BlockTokenNum }

// BlockSize returns the configured bytes-per-block.
func (a *BlockAllocator) BlockSize() int64 { return a.cfg.BlockSize }
