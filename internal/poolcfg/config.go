// Package poolcfg defines the pool configuration surface and its YAML
// loading, validation, and hot-reload machinery.
package poolcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaintMethod selects how a pool decides a worker is due for maintenance.
type MaintMethod string

const (
	MaintByRequests MaintMethod = "requests"
	MaintByTime     MaintMethod = "time"
)

// Config is one named pool's configuration. It is immutable after
// creation except for the handful of fields tests hot-edit at runtime
// (MaxChildren, MaxConcurrentLaunches, ChildHeadroomPct) -- see Live below.
type Config struct {
	ID      string `yaml:"id" validate:"required"`
	Enabled bool   `yaml:"enabled"`

	Script string            `yaml:"script" validate:"required"`
	Args   []string          `yaml:"args"`
	Env    map[string]string `yaml:"env"`
	Dir    string            `yaml:"dir"`

	MinChildren           int        `yaml:"min_children" validate:"gte=0"`
	MaxChildren           int        `yaml:"max_children" validate:"gtefield=MinChildren"`
	MaxConcurrentRequests int        `yaml:"max_concurrent_requests" validate:"gte=0"`
	MaxRequestsPerChild   IntOrRange `yaml:"max_requests_per_child"`
	MaxConcurrentLaunches int        `yaml:"max_concurrent_launches" validate:"gte=1"`
	MaxConcurrentMaint    int        `yaml:"max_concurrent_maint" validate:"gte=1"`
	ChildHeadroomPct      float64    `yaml:"child_headroom_pct" validate:"gte=0"`
	ChildBusyFactor       int        `yaml:"child_busy_factor" validate:"gte=1"`

	StartupTimeoutSec  int64 `yaml:"startup_timeout_sec" validate:"gte=1"`
	ShutdownTimeoutSec int64 `yaml:"shutdown_timeout_sec" validate:"gte=1"`
	RequestTimeoutSec  int64 `yaml:"request_timeout_sec" validate:"gte=0"`
	MaintTimeoutSec    int64 `yaml:"maint_timeout_sec" validate:"gte=1"`

	AutoMaint     bool        `yaml:"auto_maint"`
	MaintMethod   MaintMethod `yaml:"maint_method" validate:"omitempty,oneof=requests time"`
	MaintRequests int64       `yaml:"maint_requests" validate:"gte=0"`
	MaintTimeSec  int64       `yaml:"maint_time_sec" validate:"gte=0"`

	URIMatch string   `yaml:"uri_match"`
	ACL      []string `yaml:"acl"`

	CompressionEnabled     bool   `yaml:"compression_enabled"`
	CompressionContentType string `yaml:"compression_content_type"`
}

// Default returns a pool config with conservative defaults suitable for a
// single named pool spawning an arbitrary worker script.
func Default(id, script string) *Config {
	return &Config{
		ID:                    id,
		Enabled:               true,
		Script:                script,
		MinChildren:           2,
		MaxChildren:           2,
		MaxConcurrentRequests: 0,
		MaxRequestsPerChild:   IntOrRange{Lo: 0, Hi: 0},
		MaxConcurrentLaunches: 2,
		MaxConcurrentMaint:    1,
		ChildHeadroomPct:      0,
		ChildBusyFactor:       1,
		StartupTimeoutSec:     10,
		ShutdownTimeoutSec:    10,
		RequestTimeoutSec:     30,
		MaintTimeoutSec:       10,
		AutoMaint:             false,
		MaintMethod:           MaintByRequests,
	}
}

var validate = validator.New()

// Validate checks field constraints beyond what the struct tags express:
// cross-field relationships that validator's tag DSL can express directly
// are declared on the struct (min_children <= max_children); the rest is
// checked here by hand.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("poolcfg: invalid config for pool %q: %w", c.ID, err)
	}

	if c.AutoMaint {
		switch c.MaintMethod {
		case MaintByRequests:
			if c.MaintRequests <= 0 {
				return fmt.Errorf("poolcfg: pool %q: auto_maint by requests needs maint_requests > 0", c.ID)
			}
		case MaintByTime:
			if c.MaintTimeSec <= 0 {
				return fmt.Errorf("poolcfg: pool %q: auto_maint by time needs maint_time_sec > 0", c.ID)
			}
		default:
			return fmt.Errorf("poolcfg: pool %q: auto_maint requires maint_method of requests or time", c.ID)
		}
	}

	if c.MaxRequestsPerChild.Lo < 0 || c.MaxRequestsPerChild.Hi < 0 {
		return fmt.Errorf("poolcfg: pool %q: max_requests_per_child must be >= 0", c.ID)
	}

	return nil
}

// StartupTimeout, ShutdownTimeout, RequestTimeout, and MaintTimeout convert
// the on-disk integer-seconds fields to time.Duration after YAML
// unmarshalling.
func (c *Config) StartupTimeout() time.Duration  { return time.Duration(c.StartupTimeoutSec) * time.Second }
func (c *Config) ShutdownTimeout() time.Duration { return time.Duration(c.ShutdownTimeoutSec) * time.Second }
func (c *Config) RequestTimeout() time.Duration  { return time.Duration(c.RequestTimeoutSec) * time.Second }
func (c *Config) MaintTimeout() time.Duration    { return time.Duration(c.MaintTimeoutSec) * time.Second }

// LoadFile reads and validates a single pool config from a YAML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("poolcfg: read %s: %w", path, err)
	}

	cfg := Default(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), "")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("poolcfg: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDir reads every *.yaml/*.yml file in dir as an independent pool
// config, keyed by pool id. A malformed file is reported but does not
// prevent the rest of the directory from loading.
func LoadDir(dir string) (map[string]*Config, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("poolcfg: read dir %s: %w", dir, err)}
	}

	pools := make(map[string]*Config)
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		cfg, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pools[cfg.ID] = cfg
	}
	return pools, errs
}

// Live holds a Config behind an atomic pointer so a pool's tick loop
// always observes a consistent snapshot even while a test or an admin API
// hot-edits MaxChildren, MaxConcurrentLaunches, or ChildHeadroomPct
// mid-run.
type Live struct {
	ptr atomic.Pointer[Config]
}

// NewLive wraps an initial config.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.ptr.Store(cfg)
	return l
}

// Get returns the current config snapshot.
func (l *Live) Get() *Config { return l.ptr.Load() }

// Set atomically swaps in a new config snapshot. It is the caller's job to
// copy-and-mutate: Set(l.Get() with one field changed), so unrelated
// readers never observe a half-updated struct.
func (l *Live) Set(cfg *Config) { l.ptr.Store(cfg) }
