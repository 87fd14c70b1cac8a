package sched

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config carries the scheduler's keyword options. It is loaded from a YAML
// command file via LoadConfig and may be overridden by CLI flags before
// Validate is called. All fields are read-only once the scheduler starts.
type Config struct {
	// Basename keys the persisted status snapshot and the report file.
	Basename string `yaml:"basename" validate:"required"`
	// WallTime is the total wall-clock budget in minutes.
	WallTime float64 `yaml:"wall_time" validate:"required,gt=0"`
	// TotalCores is the core budget of the execution backend.
	TotalCores int `yaml:"total_cores" validate:"required,gt=0"`
	// SubjobCores is the core count of a single subjob.
	SubjobCores int `yaml:"subjob_cores" validate:"required,gt=0"`
	// NReplicas is the fixed size of the replica pool.
	NReplicas int `yaml:"nreplicas" validate:"required,gt=1"`
	// CycleTime is the sleep between scheduling ticks, in seconds.
	CycleTime float64 `yaml:"cycle_time"`
	// ReplicaRunTime is the estimated wall-clock minutes for one cycle.
	// Zero means "estimate as 10% of WallTime".
	ReplicaRunTime float64 `yaml:"replica_run_time" validate:"gte=0"`
	// SubjobsBufferSize is the in-flight oversubscription fraction of the
	// slot budget. Negative means "use the default of 0.5".
	SubjobsBufferSize float64 `yaml:"subjobs_buffer_size"`
	// ExchangeRounds is the number of sampling rounds per exchange event.
	// A negative value -p means n^p rounds for an eligible set of size n.
	ExchangeRounds int `yaml:"nexchg_rounds"`
	// Exchanger selects the exchange strategy by name; see
	// NewExchangeStrategy.
	Exchanger string `yaml:"exchanger"`
	// WorkDir is the directory holding the replica subdirectories r0..rN-1
	// and the status files. Empty means the current directory.
	WorkDir string `yaml:"work_dir"`
	// Verbose enables per-launch and per-exchange timing logs.
	Verbose bool `yaml:"verbose"`
	// Seed drives the partitioned RNG for launch shuffles and sampling.
	Seed int64 `yaml:"seed"`
}

const (
	defaultCycleTime         = 30.0
	defaultSubjobsBufferSize = 0.5
	defaultExchangeRounds    = 1
)

var validate = validator.New()

// LoadConfig reads a YAML command file. Defaults are not applied here so
// that CLI overrides can still distinguish "unset" fields; call
// ApplyDefaults then Validate before use.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read command file: %w", err)
	}
	cfg := &Config{SubjobsBufferSize: -1}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse command file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills the optional fields the command file left unset.
func (c *Config) ApplyDefaults() {
	if c.CycleTime <= 0 {
		c.CycleTime = defaultCycleTime
	}
	if c.ReplicaRunTime <= 0 {
		c.ReplicaRunTime = c.WallTime / 10
	}
	if c.SubjobsBufferSize < 0 {
		c.SubjobsBufferSize = defaultSubjobsBufferSize
	}
	if c.ExchangeRounds == 0 {
		c.ExchangeRounds = defaultExchangeRounds
	}
	if c.Exchanger == "" {
		c.Exchanger = ExchangerGibbs
	}
}

// Validate checks required options and cross-field consistency. A failed
// validation is a configuration error and fatal to the caller.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.SubjobCores > c.TotalCores {
		return fmt.Errorf("subjob_cores (%d) exceeds total_cores (%d)", c.SubjobCores, c.TotalCores)
	}
	if !IsValidExchanger(c.Exchanger) {
		return fmt.Errorf("unknown exchanger %q", c.Exchanger)
	}
	return nil
}

// AvailableSlots is the number of concurrent subjobs the core budget
// admits, before oversubscription.
func (c *Config) AvailableSlots() int {
	return c.TotalCores / c.SubjobCores
}
