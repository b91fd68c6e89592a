package deployapi

import (
	"fmt"
	"time"
)

// Capacity bounds the replica count of the service.
type Capacity struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

type Timeouts struct {
	Cluster time.Duration `yaml:"cluster" json:"cluster"`
	Service time.Duration `yaml:"service" json:"service"`
}

// Config is the deployment configuration applied on every create and update.
type Config struct {
	Capacity                        Capacity `yaml:"capacity"`
	VMShape                         string   `yaml:"vmShape"`
	CPUCores                        float64  `yaml:"cpuCores"`
	MemoryGB                        float64  `yaml:"memoryGB"`
	ScoringTimeoutMS                int      `yaml:"scoringTimeoutMs"`
	MaxRequestWaitMS                int      `yaml:"maxRequestWaitMs"`
	MaxConcurrentRequestsPerReplica int      `yaml:"maxConcurrentRequestsPerReplica"`
	MonitoringEnabled               bool     `yaml:"monitoringEnabled"`
	AuthEnabled                     bool     `yaml:"authEnabled"`

	Timeouts     Timeouts      `yaml:"timeouts"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

const (
	DefaultTimeout      = 20 * time.Minute
	DefaultPollInterval = 15 * time.Second
)

// DefaultConfig returns the configuration used for any field a config file
// leaves unset.
func DefaultConfig() Config {
	return Config{
		Capacity:                        Capacity{Min: 1, Max: 1},
		CPUCores:                        1,
		MemoryGB:                        1,
		ScoringTimeoutMS:                60000,
		MaxRequestWaitMS:                500,
		MaxConcurrentRequestsPerReplica: 1,
		AuthEnabled:                     true,
		Timeouts:                        Timeouts{Cluster: DefaultTimeout, Service: DefaultTimeout},
		PollInterval:                    DefaultPollInterval,
	}
}

func (c Config) Validate() error {
	if c.VMShape == "" {
		return fmt.Errorf("%w: vmShape is required", ErrInvalidConfig)
	}
	if c.Capacity.Min < 1 {
		return fmt.Errorf("%w: capacity.min must be at least 1, got %d", ErrInvalidConfig, c.Capacity.Min)
	}
	if c.Capacity.Min > c.Capacity.Max {
		return fmt.Errorf("%w: capacity.min %d exceeds capacity.max %d", ErrInvalidConfig, c.Capacity.Min, c.Capacity.Max)
	}
	if c.CPUCores <= 0 {
		return fmt.Errorf("%w: cpuCores must be positive", ErrInvalidConfig)
	}
	if c.MemoryGB <= 0 {
		return fmt.Errorf("%w: memoryGB must be positive", ErrInvalidConfig)
	}
	if c.ScoringTimeoutMS < 0 || c.MaxRequestWaitMS < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if c.MaxConcurrentRequestsPerReplica < 1 {
		return fmt.Errorf("%w: maxConcurrentRequestsPerReplica must be at least 1", ErrInvalidConfig)
	}
	if c.Timeouts.Cluster <= 0 || c.Timeouts.Service <= 0 {
		return fmt.Errorf("%w: wait timeouts must be positive", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: pollInterval must be positive", ErrInvalidConfig)
	}
	return nil
}
