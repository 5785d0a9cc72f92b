package engine

import (
	"context"
	"encoding/hex"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ForwardRunner is the external collaborator that owns the actual kernels:
// QKV projection, rotary embedding, paged/flash attention, all-reduce,
// MLP, and all-gather. The Step Driver's job ends at assembling the
// per-rank tensor tables this interface consumes; kernels themselves are
// out of scope. Token selection is not part of this interface: Step takes
// a separate sampling function.
type ForwardRunner interface {
	// Forward executes one step's forward pass for rank against tables and
	// writes each request's output logits into its LogitsBuf slot. The
	// runner is responsible for running on the rank's compute stream and
	// must not return before every write it issued is ordered correctly
	// with respect to that stream; the Step Driver synchronizes afterward
	// purely as a step-boundary barrier, not to make the runner's writes
	// visible.
	Forward(ctx context.Context, rank int, tables *RankTables) error
}

// RankTables is the full set of tensors the step driver assembles for one
// rank's forward pass, per spec.md §4.4.
type RankTables struct {
	Stage InferStage

	TotalSeqLen   int64
	TotalBlockNum int64
	// KVCacheOffsetList is a prefix sum with a leading 0: request i owns
	// blocks [offset[i], offset[i+1]).
	KVCacheOffsetList []int64

	InputIDs []int64
	// InputOffset is length batch+1: start offsets per request plus a
	// trailing end. Carried in both widths because the forward kernels
	// index with int32 but host-side bookkeeping wants the wider type.
	InputOffsetI32 []int32
	InputOffsetU64 []uint64

	RotaryEmbeddingPos []int64

	// KVList holds, per layer, a flat pointer array of length
	// total_block_num*2: all K-block pointers for the batch (in
	// kv_cache_offset_list order) followed by all V-block pointers.
	KVList [][][]byte

	VocabSize int64
}

// StepDriver assembles RankTables from a scheduled batch and invokes the
// ForwardRunner once per rank, concurrently, synchronizing each rank's
// compute stream at the step boundary per spec.md §4.4 rule 9.
type StepDriver struct {
	ctx           *Context
	runner        ForwardRunner
	numLayer      int
	perLayerBytes int64
	vocabSize     int64
	log           *logrus.Entry

	// ChunkSize caps how many prompt tokens a CONTEXT step consumes per
	// request, mirroring ContinuousBatchingStrategy.ChunkSize so the
	// driver never pushes more tokens through a step than admitWaiting
	// charged against max_step_tokens. Zero means unchunked: consume the
	// full remaining prompt in one step. Set directly after construction,
	// the same way callers set Metrics on the strategy.
	ChunkSize int64
}

// NewStepDriver builds a driver against ctx's streams. perLayerBytes is the
// byte span one transformer layer's K+V occupy within a block (K gets the
// first half, V the second, per spec.md §4.4 rule 5).
func NewStepDriver(ctx *Context, runner ForwardRunner, numLayer int, perLayerBytes, vocabSize int64) *StepDriver {
	return &StepDriver{
		ctx: ctx, runner: runner, numLayer: numLayer, perLayerBytes: perLayerBytes, vocabSize: vocabSize,
		log: logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Step runs one forward pass for batch across every rank and, once every
// rank's stream has synchronized, appends each request's newly sampled
// token and advances its stage/step counters. batch must be the exact set
// Schedule returned this step.
func (d *StepDriver) Step(batch []*InferRequest, bm *BlockManager, sample func(req *InferRequest, rank int) int64) error {
	g, gctx := errgroup.WithContext(context.Background())
	for rank := 0; rank < d.ctx.TensorParallelSize; rank++ {
		rank := rank
		g.Go(func() error {
			return d.stepRank(gctx, rank, batch, bm)
		})
	}
	if err := g.Wait(); err != nil {
		return wrapErr(KindDeviceError, err, "forward step across %d ranks", d.ctx.TensorParallelSize)
	}

	for _, req := range batch {
		if req.RemainingContextTokens() > 0 {
			prevDone := req.ContextTokensDone
			req.ContextTokensDone += d.chunkConsumed(req)
			d.tagNewlyFilledBlocks(req, bm, prevDone)
			if req.RemainingContextTokens() <= 0 {
				req.Stage = StageDecode
			}
		} else {
			tok := sample(req, 0)
			req.OutputTokens = append(req.OutputTokens, tok)
			if isStopToken(tok, req.Sampling.StopTokenIDs) {
				req.Finished = true
				req.FinishReason = FinishEOS
			} else if req.Sampling.MaxNewTokens > 0 && int64(len(req.OutputTokens)) >= req.Sampling.MaxNewTokens {
				req.Finished = true
				req.FinishReason = FinishLength
			}
		}
		req.Step++
	}
	return nil
}

// chunkConsumed reports how many prompt tokens req consumed in the step
// just completed; mirrors the strategy's contextChunk so the driver and
// the scheduler agree on chunk sizing without the driver importing
// ContinuousBatchingStrategy directly.
func (d *StepDriver) chunkConsumed(req *InferRequest) int64 {
	remaining := req.RemainingContextTokens()
	if d.ChunkSize > 0 && remaining > d.ChunkSize {
		return d.ChunkSize
	}
	return remaining
}

// tagNewlyFilledBlocks tags, on every rank, the blocks that became fully
// populated with real token content by the CONTEXT step just completed
// (prevDone -> req.ContextTokensDone), so a later admission can reuse them
// via the prefix-cache path (spec.md's supplemental feature). Blocks are
// tagged only once the forward pass has actually written their content —
// tagging at admission time, before the matching forward pass runs, would
// let a concurrent admission reuse a block whose KV content isn't there yet.
func (d *StepDriver) tagNewlyFilledBlocks(req *InferRequest, bm *BlockManager, prevDone int64) {
	if req.BlockSize <= 0 {
		return
	}
	oldFull := prevDone / req.BlockSize
	newFull := req.ContextTokensDone / req.BlockSize
	if newFull <= oldFull {
		return
	}
	hashes := prefixBlockHashes(req.InputTokens, req.BlockSize, newFull)
	for i := oldFull; i < newFull && i < int64(len(hashes)); i++ {
		h := hex.EncodeToString(hashes[i])
		for rank := range req.KVCacheBlocks {
			if int(i) >= len(req.KVCacheBlocks[rank]) {
				continue
			}
			if err := bm.Device(rank).TagHash(req.KVCacheBlocks[rank][i], h); err != nil {
				d.log.WithError(err).WithField("req_id", req.ReqID).Warn("tag prefix-cache hash")
			}
		}
	}
}

func (d *StepDriver) stepRank(ctx context.Context, rank int, batch []*InferRequest, bm *BlockManager) error {
	tables, err := d.buildTables(rank, batch, bm)
	if err != nil {
		return err
	}

	stream := d.ctx.ComputeStream(rank)
	runErr := make(chan error, 1)
	stream.Enqueue(func() error {
		runErr <- d.runner.Forward(ctx, rank, tables)
		return nil
	})
	if err := stream.Synchronize(); err != nil {
		return err
	}
	if err := <-runErr; err != nil {
		return err
	}
	return nil
}

func (d *StepDriver) buildTables(rank int, batch []*InferRequest, bm *BlockManager) (*RankTables, error) {
	if err := d.ctx.BindDevice(rank); err != nil {
		return nil, err
	}
	isContext := len(batch) > 0 && batch[0].RemainingContextTokens() > 0

	offsets := make([]int64, 0, len(batch)+1)
	offsets = append(offsets, 0)
	var totalBlocks int64
	for _, req := range batch {
		totalBlocks += int64(len(req.KVCacheBlocks[rank]))
		offsets = append(offsets, totalBlocks)
	}

	var inputIDs []int64
	var rotary []int64
	inputOffI32 := make([]int32, 0, len(batch)+1)
	inputOffU64 := make([]uint64, 0, len(batch)+1)
	inputOffI32 = append(inputOffI32, 0)
	inputOffU64 = append(inputOffU64, 0)

	var totalSeq int64
	for _, req := range batch {
		if req.RemainingContextTokens() > 0 {
			end := req.ContextTokensDone + d.chunkConsumed(req)
			chunk := req.InputTokens[req.ContextTokensDone:end]
			inputIDs = append(inputIDs, chunk...)
			for p := req.ContextTokensDone; p < end; p++ {
				rotary = append(rotary, p)
			}
			totalSeq += int64(len(chunk))
		} else {
			last := req.InputTokens[len(req.InputTokens)-1]
			if n := len(req.OutputTokens); n > 0 {
				last = req.OutputTokens[n-1]
			}
			inputIDs = append(inputIDs, last)
			rotary = append(rotary, req.TotalLen())
			totalSeq++
		}
		inputOffI32 = append(inputOffI32, int32(totalSeq))
		inputOffU64 = append(inputOffU64, uint64(totalSeq))
	}

	kvList := make([][][]byte, d.numLayer)
	alloc := bm.Device(rank)
	for l := 0; l < d.numLayer; l++ {
		layerPtrs := make([][]byte, totalBlocks*2)
		idx := int64(0)
		for _, req := range batch {
			ptrs, err := alloc.GetBlockPtrs(req.KVCacheBlocks[rank])
			if err != nil {
				return nil, err
			}
			for _, blk := range ptrs {
				layerStart := int64(l) * d.perLayerBytes
				half := d.perLayerBytes / 2
				layerPtrs[idx] = blk[layerStart : layerStart+half]
				idx++
			}
		}
		// V pointers occupy the second half of layerPtrs, in the same
		// per-request block order.
		idx = totalBlocks
		for _, req := range batch {
			ptrs, err := alloc.GetBlockPtrs(req.KVCacheBlocks[rank])
			if err != nil {
				return nil, err
			}
			for _, blk := range ptrs {
				layerStart := int64(l) * d.perLayerBytes
				half := d.perLayerBytes / 2
				layerPtrs[idx] = blk[layerStart+half : layerStart+2*half]
				idx++
			}
		}
		kvList[l] = layerPtrs
	}

	stage := StageDecode
	if isContext {
		stage = StageContext
	}

	return &RankTables{
		Stage:              stage,
		TotalSeqLen:        totalSeq,
		TotalBlockNum:      totalBlocks,
		KVCacheOffsetList:  offsets,
		InputIDs:           inputIDs,
		InputOffsetI32:     inputOffI32,
		InputOffsetU64:     inputOffU64,
		RotaryEmbeddingPos: rotary,
		KVList:             kvList,
		VocabSize:          d.vocabSize,
	}, nil
}
