// Config is loaded from YAML via yaml.v3, carrying the learned-index,
// arbiter, and table-cache knobs alongside the usual LSM tuning
// parameters, so a deployment can tune per-level behavior from a file
// rather than recompiling a struct literal.
package lsm

import (
	"fmt"
	"os"

	"github.com/DICL/HyperBourbon/arbiter"
	"gopkg.in/yaml.v3"
)

// Config controls every tunable of an Engine.
type Config struct {
	DataDir string `yaml:"data_dir"`

	MemTableSizeThreshold int `yaml:"memtable_size_threshold"`
	L0CompactionTrigger   int `yaml:"l0_compaction_trigger"`
	L0SlowdownTrigger     int `yaml:"l0_slowdown_trigger"`

	MaxOpenFiles int `yaml:"max_open_files"`

	CompressTables bool `yaml:"compress_tables"`

	MaxOutputFileSize uint64 `yaml:"max_output_file_size"`
	MinOutputFileSize uint64 `yaml:"min_output_file_size"`

	// ManualGarbageCutoff is loaded from the config file but not read by
	// RunCompaction. Drop rule A there only removes a later version of a
	// user key already seen in the merge, never a key's first appearance,
	// so no version is kept or dropped on account of this field.
	ManualGarbageCutoff uint64 `yaml:"manual_garbage_cutoff"`

	// AllowedSeeksPerFile seeds each file's read-triggered-compaction
	// budget (FileMetaData.RecordSeek); StraightReadsTrigger bounds the
	// number of consecutive classical-path reads before a compaction
	// check is forced regardless of seek budgets.
	AllowedSeeksPerFile  int `yaml:"allowed_seeks_per_file"`
	StraightReadsTrigger int `yaml:"straight_reads_trigger"`

	Arbiter arbiter.Config `yaml:"arbiter"`
}

// DefaultConfig returns the engine's out-of-the-box tuning, scaled for a
// small local deployment.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:               dataDir,
		MemTableSizeThreshold: 4 * 1024 * 1024,
		L0CompactionTrigger:   L0CompactionTrigger,
		L0SlowdownTrigger:     8,
		MaxOpenFiles:          500,
		CompressTables:        false,
		MaxOutputFileSize:     16 * 1024 * 1024,
		MinOutputFileSize:     4 * 1024 * 1024,
		AllowedSeeksPerFile:   100,
		StraightReadsTrigger:  10,
		Arbiter:               arbiter.DefaultConfig(),
	}
}

// LoadConfig reads a YAML config file, starting from DefaultConfig(dataDir)
// so a partial file only overrides what it mentions.
func LoadConfig(path string, dataDir string) (Config, error) {
	cfg := DefaultConfig(dataDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
