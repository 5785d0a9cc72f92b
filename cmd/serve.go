package cmd

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/infercore/infercore/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the batching and KV-cache lifecycle server",
	Run:   runServe,
}

func init() {
	serveCmd.Flags().Int64Var(&deviceTotalBytes, "device-total-bytes", 0, "total device memory, bytes (required)")
	serveCmd.Flags().Int64Var(&deviceFreeBytes, "device-free-bytes", 0, "free device memory at startup, bytes (required)")
	serveCmd.Flags().Int64Var(&hostFreeBytes, "host-free-bytes", 0, "free host memory available for swap, bytes (required)")
}

var (
	deviceTotalBytes int64
	deviceFreeBytes  int64
	hostFreeBytes    int64
)

func runServe(cmd *cobra.Command, args []string) {
	setupLogging()
	if configPath == "" {
		logrus.Fatal("--config is required")
	}

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	ctx := engine.NewContext(cfg.Cluster.TensorParallelSize)
	ctx.ConcurrentStages = cfg.Cluster.ConcurrentStages
	defer ctx.Close()

	bm, err := newBlockManager(ctx, cfg)
	if err != nil {
		logrus.Fatalf("size block pools: %v", err)
	}

	metrics := engine.NewMetrics()

	state := engine.NewBatchState()
	strategy := cfg.BuildStrategy()
	strategy.Metrics = metrics
	scheduler := engine.NewBatchScheduler(engine.SchedulerConfig{
		MaxWaitingQueueLen: cfg.Scheduler.MaxWaitingQueueLen,
		MaxTokenLen:        cfg.Scheduler.MaxTokenLen,
		MaxBatchTokens:     cfg.Scheduler.MaxBatchTokens,
		MaxBatchSize:       cfg.Scheduler.MaxBatchSize,
	}, state, bm, strategy, logrus.WithField("component", "scheduler"))
	scheduler.Metrics = metrics

	// per_layer_bytes here is the span one layer's K+V occupy within a
	// block (spec.md §6: per_layer = block_size / num_layer), not the raw
	// config field, which is bytes-per-token-per-layer and only one of
	// the three factors that make up blockSize above.
	perLayerSpan := bm.Host().BlockSize() / int64(cfg.Model.NumLayer)
	driver := engine.NewStepDriver(ctx, &randomForwardRunner{vocabSize: cfg.Model.VocabSize}, cfg.Model.NumLayer, perLayerSpan, cfg.Model.VocabSize)
	driver.ChunkSize = cfg.Scheduler.ChunkSize

	sampler := func(req *engine.InferRequest, rank int) int64 {
		return rand.Int63n(cfg.Model.VocabSize)
	}

	manager := engine.NewBatchManager(scheduler, driver, state, sampler, logrus.WithField("component", "manager"))
	manager.Metrics = metrics
	manager.Start()
	logrus.WithFields(logrus.Fields{
		"model":                cfg.Model.Name,
		"tensor_parallel_size": cfg.Cluster.TensorParallelSize,
	}).Info("server started")

	metricsDone := make(chan struct{})
	go logMetricsPeriodically(metrics, metricsDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logrus.Info("shutting down")
	close(metricsDone)
	manager.Stop()
}

// logMetricsPeriodically reports a Metrics snapshot at a fixed interval
// until done is closed.
func logMetricsPeriodically(metrics *engine.Metrics, done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := metrics.Snapshot()
			logrus.WithFields(logrus.Fields{
				"admitted":        snap.RequestsAdmitted,
				"rejected":        snap.RequestsRejected,
				"completed":       snap.RequestsCompleted,
				"preempted":       snap.RequestsPreempted,
				"steps":           snap.StepsExecuted,
				"tokens":          snap.TokensGenerated,
				"step_p50_ms":     snap.StepLatencyP50MS,
				"step_p99_ms":     snap.StepLatencyP99MS,
				"queue_wait_p50_ms": snap.QueueWaitP50MS,
			}).Info("metrics snapshot")
		case <-done:
			return
		}
	}
}

func newBlockManager(ctx *engine.Context, cfg *engine.Config) (*engine.BlockManager, error) {
	blockSize := cfg.Memory.BlockTokenNum * cfg.Model.PerLayerBytes * int64(cfg.Model.NumLayer)
	sizer, err := engine.NewBlockManager(ctx, blockSize, cfg.Memory.BlockTokenNum, 1, 1)
	if err != nil {
		return nil, err
	}
	deviceBlocks, hostBlocks, err := sizer.CalculateBlockNumber(
		deviceTotalBytes, deviceFreeBytes, hostFreeBytes,
		cfg.Memory.ReservedMemoryRatio, cfg.Memory.BlockHostMemoryFactor, blockSize,
		cfg.Memory.BlockDeviceMemoryRatio,
	)
	if err != nil {
		return nil, err
	}
	return engine.NewBlockManager(ctx, blockSize, cfg.Memory.BlockTokenNum, deviceBlocks, hostBlocks)
}

// randomForwardRunner is a placeholder ForwardRunner that does no work and
// writes no logits; the server's sampler draws tokens at random instead.
// Real transformer kernels are outside this core's scope; any
// production deployment substitutes its own ForwardRunner implementation
// that drives the actual accelerator math.
type randomForwardRunner struct {
	vocabSize int64
}

func (r *randomForwardRunner) Forward(ctx context.Context, rank int, tables *engine.RankTables) error {
	return nil
}
