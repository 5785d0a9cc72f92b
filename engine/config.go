package engine

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config holds the full set of recognized server options, loadable from a
// YAML file. Fields not set in YAML keep their Go zero value (0, false, or
// the empty string).
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Scheduler SchedulerYAML   `yaml:"scheduler"`
	Memory    MemoryConfig    `yaml:"memory"`
	Intake    IntakeConfig    `yaml:"intake"`
}

// ModelConfig groups model-identity fields the step driver needs to size
// its tensor tables.
type ModelConfig struct {
	Name          string `yaml:"name"`
	NumLayer      int    `yaml:"num_layer"`
	VocabSize     int64  `yaml:"vocab_size"`
	PerLayerBytes int64  `yaml:"per_layer_bytes"`
}

// ClusterConfig groups tensor-parallel topology.
type ClusterConfig struct {
	TensorParallelSize int  `yaml:"tensor_parallel_size"`
	ConcurrentStages   bool `yaml:"concurrent_stages"`
}

// SchedulerYAML groups the admission gate and step-sizing knobs.
type SchedulerYAML struct {
	MaxWaitingQueueLen int64 `yaml:"max_waiting_queue_len"`
	MaxTokenLen        int64 `yaml:"max_token_len"`
	MaxBatchTokens     int64 `yaml:"max_batch_tokens"`
	// MaxBatchSize is the hard cap on concurrently running requests
	// (spec.md §6) — rule (d)'s admit-waiting pass never grows running
	// past this count, independent of the token budget.
	MaxBatchSize int64 `yaml:"max_batch_size"`
	ChunkSize    int64 `yaml:"chunk_size"`
}

// MemoryConfig groups block geometry and pool sizing.
type MemoryConfig struct {
	BlockTokenNum       int64   `yaml:"block_token_num"`
	ReservedMemoryRatio float64 `yaml:"reserved_memory_ratio"`
	BlockHostMemoryFactor float64 `yaml:"block_host_memory_factor"`
	// BlockDeviceMemoryRatio selects CalculateBlockNumber's sizing mode:
	// >= 0 means "this fraction of device_total outright"; < 0 (e.g. -1)
	// means "all live free memory minus ReservedMemoryRatio's headroom".
	// An unset field is 0, which selects the fraction mode with a zero
	// fraction; the free-minus-reserve mode must be set explicitly.
	BlockDeviceMemoryRatio float64 `yaml:"block_device_memory_ratio"`
	// LoraHostMemoryFactor is a recognized option (spec.md §6) reserved for
	// sizing host memory set aside for LoRA adapter swap space. This core
	// has no adapter-weight storage path (weight loading is an external
	// collaborator per spec.md §1), so the value is parsed and validated
	// but does not drive additional allocation — see DESIGN.md.
	LoraHostMemoryFactor float64 `yaml:"lora_host_memory_factor"`
}

// IntakeConfig selects the pluggable admission-ordering policy.
type IntakeConfig struct {
	Ordering      string `yaml:"ordering"`
	PrefixCacheOn bool   `yaml:"prefix_cache_on"`
}

// LoadConfig reads and parses a YAML server configuration file. Uses strict
// parsing: unrecognized keys (typos) are rejected rather than silently
// ignored.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validIntakeOrderings = map[string]bool{"": true, "fifo": true, "priority": true}

// IsValidIntakeOrdering returns true if name is a recognized intake ordering.
func IsValidIntakeOrdering(name string) bool { return validIntakeOrderings[name] }

// ValidIntakeOrderingNames returns sorted valid ordering names (excluding empty).
func ValidIntakeOrderingNames() []string {
	names := make([]string, 0, len(validIntakeOrderings))
	for n := range validIntakeOrderings {
		if n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks the config for internal consistency, returning an
// INVALID_ARGUMENT error describing the first problem found.
func (c *Config) Validate() error {
	if c.Cluster.TensorParallelSize <= 0 {
		return newErr(KindInvalidArgument, "cluster.tensor_parallel_size must be positive, got %d", c.Cluster.TensorParallelSize)
	}
	if c.Memory.BlockTokenNum <= 0 {
		return newErr(KindInvalidArgument, "memory.block_token_num must be positive, got %d", c.Memory.BlockTokenNum)
	}
	if c.Memory.ReservedMemoryRatio < 0 || c.Memory.ReservedMemoryRatio >= 1 {
		return newErr(KindInvalidArgument, "memory.reserved_memory_ratio must be in [0,1), got %f", c.Memory.ReservedMemoryRatio)
	}
	if c.Memory.BlockHostMemoryFactor <= 1 {
		return newErr(KindInvalidArgument, "memory.block_host_memory_factor must be > 1, got %f", c.Memory.BlockHostMemoryFactor)
	}
	if c.Memory.LoraHostMemoryFactor != 0 && c.Memory.LoraHostMemoryFactor <= 1 {
		return newErr(KindInvalidArgument, "memory.lora_host_memory_factor must be > 1 when set, got %f", c.Memory.LoraHostMemoryFactor)
	}
	if c.Memory.BlockDeviceMemoryRatio >= 0 && c.Memory.BlockDeviceMemoryRatio > 1 {
		return newErr(KindInvalidArgument, "memory.block_device_memory_ratio must be <= 1 when non-negative, got %f", c.Memory.BlockDeviceMemoryRatio)
	}
	if c.Scheduler.MaxBatchTokens <= 0 {
		return newErr(KindInvalidArgument, "scheduler.max_batch_tokens must be positive, got %d", c.Scheduler.MaxBatchTokens)
	}
	if c.Scheduler.MaxBatchSize <= 0 {
		return newErr(KindInvalidArgument, "scheduler.max_batch_size must be positive, got %d", c.Scheduler.MaxBatchSize)
	}
	if !IsValidIntakeOrdering(c.Intake.Ordering) {
		return newErr(KindInvalidArgument, "intake.ordering %q not one of %v", c.Intake.Ordering, ValidIntakeOrderingNames())
	}
	return nil
}

// BuildStrategy constructs the ContinuousBatchingStrategy this config
// describes.
func (c *Config) BuildStrategy() *ContinuousBatchingStrategy {
	var ordering IntakeOrdering = FIFOIntake{}
	if c.Intake.Ordering == "priority" {
		ordering = PriorityIntake{Policy: StaticPriority{}}
	}
	return &ContinuousBatchingStrategy{
		Intake:        ordering,
		ChunkSize:     c.Scheduler.ChunkSize,
		PrefixCacheOn: c.Intake.PrefixCacheOn,
	}
}
