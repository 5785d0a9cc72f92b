package engine

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner fills no logits; it just counts invocations and can be
// made to fail on a chosen rank, to exercise errgroup's fan-out.
type recordingRunner struct {
	failRank int // -1 means never fail
	calls    []int
}

func (r *recordingRunner) Forward(ctx context.Context, rank int, tables *RankTables) error {
	r.calls = append(r.calls, rank)
	if rank == r.failRank {
		return assert.AnError
	}
	return nil
}

func newTestStepDriver(t *testing.T, tensorParallelSize int, runner ForwardRunner) (*Context, *StepDriver) {
	t.Helper()
	ctx := NewContext(tensorParallelSize)
	// numLayer=2, perLayerBytes=8 (K=4 bytes, V=4 bytes), blockTokenNum=4
	driver := NewStepDriver(ctx, runner, 2, 8, 100)
	return ctx, driver
}

func TestStep_ContextStage_ConsumesPromptAndAdvancesToDecode(t *testing.T) {
	ctx, bm := newTestBlockManager(t, 4, 4)
	defer ctx.Close()
	_, driver := newTestStepDriver(t, 1, &recordingRunner{failRank: -1})

	req := makeRequest(4, 4, 1) // block_token_num=4, 4-token prompt
	ids, err := bm.Device(0).AllocateBlocks(1)
	require.NoError(t, err)
	req.KVCacheBlocks[0] = ids
	req.Stage = StageContext

	err = driver.Step([]*InferRequest{req}, bm, func(r *InferRequest, rank int) int64 { return 7 })
	require.NoError(t, err)

	assert.Equal(t, StageDecode, req.Stage)
	assert.EqualValues(t, 4, req.ContextTokensDone)
	assert.EqualValues(t, 1, req.Step)
	assert.Empty(t, req.OutputTokens) // CONTEXT step does not sample
}

func TestStep_DecodeStage_AppendsSampledTokenAndStopsAtMaxNewTokens(t *testing.T) {
	ctx, bm := newTestBlockManager(t, 4, 4)
	defer ctx.Close()
	_, driver := newTestStepDriver(t, 1, &recordingRunner{failRank: -1})

	req := makeRequest(4, 4, 1)
	req.ContextTokensDone = 4 // prompt already fully consumed
	req.Sampling.MaxNewTokens = 2
	ids, err := bm.Device(0).AllocateBlocks(1)
	require.NoError(t, err)
	req.KVCacheBlocks[0] = ids

	require.NoError(t, driver.Step([]*InferRequest{req}, bm, func(r *InferRequest, rank int) int64 { return 9 }))
	assert.Equal(t, []int64{9}, req.OutputTokens)
	assert.False(t, req.Finished)

	require.NoError(t, driver.Step([]*InferRequest{req}, bm, func(r *InferRequest, rank int) int64 { return 9 }))
	assert.Equal(t, []int64{9, 9}, req.OutputTokens)
	assert.True(t, req.Finished)
	assert.Equal(t, FinishLength, req.FinishReason)
}

func TestStep_DecodeStage_StopTokenIDTerminates(t *testing.T) {
	ctx, bm := newTestBlockManager(t, 4, 4)
	defer ctx.Close()
	_, driver := newTestStepDriver(t, 1, &recordingRunner{failRank: -1})

	req := makeRequest(4, 4, 1)
	req.ContextTokensDone = 4
	req.Sampling.MaxNewTokens = 100
	req.Sampling.StopTokenIDs = []int64{2}
	ids, err := bm.Device(0).AllocateBlocks(1)
	require.NoError(t, err)
	req.KVCacheBlocks[0] = ids

	require.NoError(t, driver.Step([]*InferRequest{req}, bm, func(r *InferRequest, rank int) int64 { return 2 }))
	assert.True(t, req.Finished)
	assert.Equal(t, FinishEOS, req.FinishReason)
}

func TestStep_ForwardRunnerErrorOnAnyRankPropagatesAsDeviceError(t *testing.T) {
	ctx, bm := newTestBlockManager(t, 4, 4)
	defer ctx.Close()
	_, driver := newTestStepDriver(t, 1, &recordingRunner{failRank: 0})

	req := makeRequest(4, 4, 1)
	ids, err := bm.Device(0).AllocateBlocks(1)
	require.NoError(t, err)
	req.KVCacheBlocks[0] = ids

	err = driver.Step([]*InferRequest{req}, bm, func(r *InferRequest, rank int) int64 { return 0 })
	require.Error(t, err)
	assert.Equal(t, KindDeviceError, KindOf(err))
}

func TestStep_ContextStageCompletion_TagsBlockHashesForPrefixReuse(t *testing.T) {
	ctx, bm := newTestBlockManager(t, 4, 4)
	defer ctx.Close()
	_, driver := newTestStepDriver(t, 1, &recordingRunner{failRank: -1})

	req := makeRequest(4, 4, 1) // block_token_num=4, one full block's worth of prompt
	ids, err := bm.Device(0).AllocateBlocks(1)
	require.NoError(t, err)
	req.KVCacheBlocks[0] = ids
	req.Stage = StageContext

	// Nothing is tagged yet: the forward pass that would fill the block
	// hasn't run.
	_, found := bm.Device(0).LookupHash(hex.EncodeToString(prefixBlockHashes(req.InputTokens, 4, 1)[0]))
	assert.False(t, found)

	require.NoError(t, driver.Step([]*InferRequest{req}, bm, func(r *InferRequest, rank int) int64 { return 7 }))

	// The CONTEXT step that finished filling the block tags it; a later
	// admission can look the hash up and find exactly this block id.
	h := hex.EncodeToString(prefixBlockHashes(req.InputTokens, 4, 1)[0])
	id, found := bm.Device(0).LookupHash(h)
	require.True(t, found)
	assert.Equal(t, ids[0], id)
}

func TestStep_ChunkedContext_ConsumesOnlyChunkSizeTokensPerStep(t *testing.T) {
	ctx, bm := newTestBlockManager(t, 4, 4)
	defer ctx.Close()
	_, driver := newTestStepDriver(t, 1, &recordingRunner{failRank: -1})
	driver.ChunkSize = 3

	req := makeRequest(4, 8, 1) // 8-token prompt, chunked 3 tokens at a time
	ids, err := bm.Device(0).AllocateBlocks(2)
	require.NoError(t, err)
	req.KVCacheBlocks[0] = ids
	req.Stage = StageContext

	require.NoError(t, driver.Step([]*InferRequest{req}, bm, func(r *InferRequest, rank int) int64 { return 7 }))
	assert.EqualValues(t, 3, req.ContextTokensDone)
	assert.Equal(t, StageContext, req.Stage)

	require.NoError(t, driver.Step([]*InferRequest{req}, bm, func(r *InferRequest, rank int) int64 { return 7 }))
	assert.EqualValues(t, 6, req.ContextTokensDone)
	assert.Equal(t, StageContext, req.Stage)

	require.NoError(t, driver.Step([]*InferRequest{req}, bm, func(r *InferRequest, rank int) int64 { return 7 }))
	assert.EqualValues(t, 8, req.ContextTokensDone)
	assert.Equal(t, StageDecode, req.Stage)
}

func TestBuildTables_ChunkedContext_InputIDsCoverOnlyTheChunk(t *testing.T) {
	ctx, bm := newTestBlockManager(t, 2, 2)
	defer ctx.Close()
	_, driver := newTestStepDriver(t, 1, &recordingRunner{failRank: -1})
	driver.ChunkSize = 2

	req := makeRequest(4, 4, 1)
	ids, err := bm.Device(0).AllocateBlocks(1)
	require.NoError(t, err)
	req.KVCacheBlocks[0] = ids

	tables, err := driver.buildTables(0, []*InferRequest{req}, bm)
	require.NoError(t, err)
	assert.Len(t, tables.InputIDs, 2)
	assert.Equal(t, req.InputTokens[:2], tables.InputIDs)
	assert.EqualValues(t, 2, tables.TotalSeqLen)
}

func TestBuildTables_KVListLayoutSplitsKAndVHalvesPerLayerBitExactly(t *testing.T) {
	ctx, bm := newTestBlockManager(t, 2, 2)
	defer ctx.Close()
	// blockSize=16 bytes (from newTestBlockManager), numLayer=2,
	// perLayerBytes=8 -> K is first 4 bytes, V the next 4, per layer.
	_, driver := newTestStepDriver(t, 1, &recordingRunner{failRank: -1})

	req := makeRequest(4, 4, 1)
	ids, err := bm.Device(0).AllocateBlocks(1)
	require.NoError(t, err)
	req.KVCacheBlocks[0] = ids

	ptr, err := bm.Device(0).GetBlockPtrs(ids)
	require.NoError(t, err)
	copy(ptr[0], []byte("AAAABBBBCCCCDDDD")) // layer0 K=AAAA V=BBBB, layer1 K=CCCC V=DDDD

	tables, err := driver.buildTables(0, []*InferRequest{req}, bm)
	require.NoError(t, err)

	require.Len(t, tables.KVList, 2)
	// layer 0: K half then V half (totalBlocks=1, so layerPtrs has length 2)
	assert.Equal(t, []byte("AAAA"), tables.KVList[0][0])
	assert.Equal(t, []byte("BBBB"), tables.KVList[0][1])
	// layer 1
	assert.Equal(t, []byte("CCCC"), tables.KVList[1][0])
	assert.Equal(t, []byte("DDDD"), tables.KVList[1][1])
}
