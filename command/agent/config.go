// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/conductor/conductor"
	"github.com/hashicorp/conductor/conductor/structs"
	"github.com/hashicorp/conductor/version"
)

// Config is the configuration for the Conductor agent.
type Config struct {
	// Environment names the cluster this agent orchestrates deployments
	// for. It namespaces lock and freeze keys in the KV store.
	Environment string `hcl:"environment"`

	// DataDir is the directory to store our state in.
	DataDir string `hcl:"data_dir"`

	// StatePath is the bolt file holding jobs, events and the task queue.
	// Defaults to <data_dir>/conductor.db.
	StatePath string `hcl:"state_path"`

	// AppsDir is the directory of per-application configuration files,
	// laid out as <apps_dir>/<owner>/<repo>/<ref>.json.
	AppsDir string `hcl:"apps_dir"`

	// LogLevel is the level of the logs to put out
	LogLevel string `hcl:"log_level"`

	// LogJson enables log output in a JSON format
	LogJson bool `hcl:"log_json"`

	// Workers is the number of pipeline workers to run. Defaults to the
	// number of CPUs.
	Workers int `hcl:"workers"`

	// KV configures the key/value store carrying locks and freezes.
	KV *KVConfig `hcl:"kv"`

	// Deployer tunes the outbound deployer HTTP client.
	Deployer *DeployerConfig `hcl:"deployer"`

	// LockRetry, DeployRetry, WaitRetry and DefaultRetry override the
	// pipeline retry budgets.
	LockRetry    *RetryConfig `hcl:"lock_retry"`
	DeployRetry  *RetryConfig `hcl:"deploy_retry"`
	WaitRetry    *RetryConfig `hcl:"wait_retry"`
	DefaultRetry *RetryConfig `hcl:"default_retry"`

	// Telemetry is used to configure sending telemetry
	Telemetry *Telemetry `hcl:"telemetry"`

	// LockTTL bounds how long an application lock survives its holder.
	LockTTL    time.Duration `hcl:"-"`
	LockTTLHCL string        `hcl:"lock_ttl" json:"-"`

	// FreezeTTL bounds how long a freeze flag lives without a refresh.
	FreezeTTL    time.Duration `hcl:"-"`
	FreezeTTLHCL string        `hcl:"freeze_ttl" json:"-"`

	// JobRetention, EventRetention and TaskRetention bound how long
	// records survive in the state store.
	JobRetention      time.Duration `hcl:"-"`
	JobRetentionHCL   string        `hcl:"job_retention" json:"-"`
	EventRetention    time.Duration `hcl:"-"`
	EventRetentionHCL string        `hcl:"event_retention" json:"-"`
	TaskRetention     time.Duration `hcl:"-"`
	TaskRetentionHCL  string        `hcl:"task_retention" json:"-"`

	// TaskSoftLimit and TaskHardLimit bound how long a single pipeline
	// task may run.
	TaskSoftLimit    time.Duration `hcl:"-"`
	TaskSoftLimitHCL string        `hcl:"task_soft_limit" json:"-"`
	TaskHardLimit    time.Duration `hcl:"-"`
	TaskHardLimitHCL string        `hcl:"task_hard_limit" json:"-"`

	// GCSchedule is a cron expression scheduling retention sweeps.
	GCSchedule string `hcl:"gc_schedule"`

	// ConfigCacheTTL and ConfigCacheSize tune the evaluated application
	// config cache.
	ConfigCacheTTL    time.Duration `hcl:"-"`
	ConfigCacheTTLHCL string        `hcl:"config_cache_ttl" json:"-"`
	ConfigCacheSize   int           `hcl:"config_cache_size"`

	// DevMode is set by the -dev CLI flag.
	DevMode bool `hcl:"-"`

	// Version information is set at compilation time
	Version *version.VersionInfo

	// List of config files that have been loaded (in order)
	Files []string `hcl:"-"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// KVConfig configures the store carrying application locks and freeze
// flags.
type KVConfig struct {
	// Backend picks the store implementation, "consul" or "inmem". The
	// in-memory backend keeps locks local to one process and is only
	// suitable for dev mode.
	Backend string `hcl:"backend"`

	// Address is the Consul agent address. When empty, the standard
	// Consul client environment (CONSUL_HTTP_ADDR) applies.
	Address string `hcl:"address"`

	// Token is the Consul ACL token used for KV operations.
	Token string `hcl:"token" json:"-"`

	// Datacenter is the Consul datacenter to query.
	Datacenter string `hcl:"datacenter"`

	// Base prefixes every lock and freeze key.
	Base string `hcl:"base"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge merges two KV configs together.
func (a *KVConfig) Merge(b *KVConfig) *KVConfig {
	result := *a

	if b.Backend != "" {
		result.Backend = b.Backend
	}
	if b.Address != "" {
		result.Address = b.Address
	}
	if b.Token != "" {
		result.Token = b.Token
	}
	if b.Datacenter != "" {
		result.Datacenter = b.Datacenter
	}
	if b.Base != "" {
		result.Base = b.Base
	}
	return &result
}

// DeployerConfig tunes the HTTP client the deploy fan-out uses.
type DeployerConfig struct {
	// Timeout bounds a single deployer request.
	Timeout    time.Duration `hcl:"-"`
	TimeoutHCL string        `hcl:"timeout" json:"-"`

	// RequestsPerSecond rate limits outbound deployer traffic across all
	// fan-out branches. Zero falls back to the core default.
	RequestsPerSecond float64 `hcl:"requests_per_second"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge merges two deployer configs together.
func (a *DeployerConfig) Merge(b *DeployerConfig) *DeployerConfig {
	result := *a

	if b.Timeout != 0 {
		result.Timeout = b.Timeout
	}
	if b.TimeoutHCL != "" {
		result.TimeoutHCL = b.TimeoutHCL
	}
	if b.RequestsPerSecond != 0 {
		result.RequestsPerSecond = b.RequestsPerSecond
	}
	return &result
}

// RetryConfig overrides one pipeline retry budget. Attempts bounds total
// deliveries of a task, Delay spaces them.
type RetryConfig struct {
	Attempts int `hcl:"attempts"`

	Delay    time.Duration `hcl:"-"`
	DelayHCL string        `hcl:"delay" json:"-"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge merges two retry configs together.
func (a *RetryConfig) Merge(b *RetryConfig) *RetryConfig {
	result := *a

	if b.Attempts != 0 {
		result.Attempts = b.Attempts
	}
	if b.Delay != 0 {
		result.Delay = b.Delay
	}
	if b.DelayHCL != "" {
		result.DelayHCL = b.DelayHCL
	}
	return &result
}

// Telemetry is used to configure sending telemetry
type Telemetry struct {
	StatsiteAddr       string        `hcl:"statsite_address"`
	StatsdAddr         string        `hcl:"statsd_address"`
	DisableHostname    bool          `hcl:"disable_hostname"`
	CollectionInterval string        `hcl:"collection_interval"`
	collectionInterval time.Duration `hcl:"-"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge merges two telemetry configs together.
func (a *Telemetry) Merge(b *Telemetry) *Telemetry {
	result := *a

	if b.StatsiteAddr != "" {
		result.StatsiteAddr = b.StatsiteAddr
	}
	if b.StatsdAddr != "" {
		result.StatsdAddr = b.StatsdAddr
	}
	if b.DisableHostname {
		result.DisableHostname = true
	}
	if b.CollectionInterval != "" {
		result.CollectionInterval = b.CollectionInterval
	}
	if b.collectionInterval != 0 {
		result.collectionInterval = b.collectionInterval
	}
	return &result
}

// DevConfig is a Config that is used for dev mode of Conductor. Locks live
// in process memory and the state file lands in a throwaway directory
// unless the operator points somewhere.
func DevConfig() *Config {
	conf := DefaultConfig()
	conf.LogLevel = "DEBUG"
	conf.DevMode = true
	conf.KV.Backend = "inmem"
	return conf
}

// DefaultConfig is the baseline configuration for Conductor
func DefaultConfig() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "INFO",
		KV: &KVConfig{
			Backend: "consul",
			Base:    "conductor",
		},
		Deployer: &DeployerConfig{},
		Telemetry: &Telemetry{
			CollectionInterval: "1s",
			collectionInterval: 1 * time.Second,
		},
		Version: version.GetVersion(),
	}
}

// Merge merges two configurations.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.Environment != "" {
		result.Environment = b.Environment
	}
	if b.DataDir != "" {
		result.DataDir = b.DataDir
	}
	if b.StatePath != "" {
		result.StatePath = b.StatePath
	}
	if b.AppsDir != "" {
		result.AppsDir = b.AppsDir
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.Workers != 0 {
		result.Workers = b.Workers
	}
	if b.LockTTL != 0 {
		result.LockTTL = b.LockTTL
	}
	if b.LockTTLHCL != "" {
		result.LockTTLHCL = b.LockTTLHCL
	}
	if b.FreezeTTL != 0 {
		result.FreezeTTL = b.FreezeTTL
	}
	if b.FreezeTTLHCL != "" {
		result.FreezeTTLHCL = b.FreezeTTLHCL
	}
	if b.JobRetention != 0 {
		result.JobRetention = b.JobRetention
	}
	if b.JobRetentionHCL != "" {
		result.JobRetentionHCL = b.JobRetentionHCL
	}
	if b.EventRetention != 0 {
		result.EventRetention = b.EventRetention
	}
	if b.EventRetentionHCL != "" {
		result.EventRetentionHCL = b.EventRetentionHCL
	}
	if b.TaskRetention != 0 {
		result.TaskRetention = b.TaskRetention
	}
	if b.TaskRetentionHCL != "" {
		result.TaskRetentionHCL = b.TaskRetentionHCL
	}
	if b.TaskSoftLimit != 0 {
		result.TaskSoftLimit = b.TaskSoftLimit
	}
	if b.TaskSoftLimitHCL != "" {
		result.TaskSoftLimitHCL = b.TaskSoftLimitHCL
	}
	if b.TaskHardLimit != 0 {
		result.TaskHardLimit = b.TaskHardLimit
	}
	if b.TaskHardLimitHCL != "" {
		result.TaskHardLimitHCL = b.TaskHardLimitHCL
	}
	if b.GCSchedule != "" {
		result.GCSchedule = b.GCSchedule
	}
	if b.ConfigCacheTTL != 0 {
		result.ConfigCacheTTL = b.ConfigCacheTTL
	}
	if b.ConfigCacheTTLHCL != "" {
		result.ConfigCacheTTLHCL = b.ConfigCacheTTLHCL
	}
	if b.ConfigCacheSize != 0 {
		result.ConfigCacheSize = b.ConfigCacheSize
	}
	if b.DevMode {
		result.DevMode = true
	}
	if b.Version != nil {
		result.Version = b.Version
	}

	// Apply the KV config
	if result.KV == nil && b.KV != nil {
		kv := *b.KV
		result.KV = &kv
	} else if b.KV != nil {
		result.KV = result.KV.Merge(b.KV)
	}

	// Apply the deployer config
	if result.Deployer == nil && b.Deployer != nil {
		deployer := *b.Deployer
		result.Deployer = &deployer
	} else if b.Deployer != nil {
		result.Deployer = result.Deployer.Merge(b.Deployer)
	}

	// Apply the retry configs
	if result.LockRetry == nil && b.LockRetry != nil {
		retry := *b.LockRetry
		result.LockRetry = &retry
	} else if b.LockRetry != nil {
		result.LockRetry = result.LockRetry.Merge(b.LockRetry)
	}
	if result.DeployRetry == nil && b.DeployRetry != nil {
		retry := *b.DeployRetry
		result.DeployRetry = &retry
	} else if b.DeployRetry != nil {
		result.DeployRetry = result.DeployRetry.Merge(b.DeployRetry)
	}
	if result.WaitRetry == nil && b.WaitRetry != nil {
		retry := *b.WaitRetry
		result.WaitRetry = &retry
	} else if b.WaitRetry != nil {
		result.WaitRetry = result.WaitRetry.Merge(b.WaitRetry)
	}
	if result.DefaultRetry == nil && b.DefaultRetry != nil {
		retry := *b.DefaultRetry
		result.DefaultRetry = &retry
	} else if b.DefaultRetry != nil {
		result.DefaultRetry = result.DefaultRetry.Merge(b.DefaultRetry)
	}

	// Apply the telemetry config
	if result.Telemetry == nil && b.Telemetry != nil {
		telemetry := *b.Telemetry
		result.Telemetry = &telemetry
	} else if b.Telemetry != nil {
		result.Telemetry = result.Telemetry.Merge(b.Telemetry)
	}

	// Merge config files lists
	result.Files = append(result.Files, b.Files...)

	return &result
}

// ConductorConfig converts the agent configuration into a core
// configuration. Only values the operator set are applied so the core
// defaults survive.
func (c *Config) ConductorConfig() (*conductor.Config, error) {
	conf := conductor.DefaultConfig()

	if c.Environment != "" {
		conf.Environment = c.Environment
	}
	conf.StatePath = c.StatePath
	if conf.StatePath == "" && c.DataDir != "" {
		conf.StatePath = filepath.Join(c.DataDir, "conductor.db")
	}
	if conf.StatePath == "" && !c.DevMode {
		return nil, fmt.Errorf("must specify one of data_dir or state_path")
	}
	if c.Workers != 0 {
		conf.NumWorkers = c.Workers
	}
	if c.KV != nil && c.KV.Base != "" {
		conf.KVBase = c.KV.Base
	}
	if c.LockTTL != 0 {
		conf.LockTTL = c.LockTTL
	}
	if c.FreezeTTL != 0 {
		conf.FreezeTTL = c.FreezeTTL
	}
	if c.JobRetention != 0 {
		conf.JobRetention = c.JobRetention
	}
	if c.EventRetention != 0 {
		conf.EventRetention = c.EventRetention
	}
	if c.TaskRetention != 0 {
		conf.TaskRetention = c.TaskRetention
	}
	if c.TaskSoftLimit != 0 {
		conf.TaskSoftLimit = c.TaskSoftLimit
	}
	if c.TaskHardLimit != 0 {
		conf.TaskHardLimit = c.TaskHardLimit
	}
	if c.GCSchedule != "" {
		conf.GCSchedule = c.GCSchedule
	}
	if c.ConfigCacheTTL != 0 {
		conf.ConfigCacheTTL = c.ConfigCacheTTL
	}
	if c.ConfigCacheSize != 0 {
		conf.ConfigCacheSize = c.ConfigCacheSize
	}
	if c.Deployer != nil {
		if c.Deployer.Timeout != 0 {
			conf.DeployerTimeout = c.Deployer.Timeout
		}
		if c.Deployer.RequestsPerSecond != 0 {
			conf.DeployerRequestsPerSecond = c.Deployer.RequestsPerSecond
		}
	}
	applyRetry(&conf.LockRetry, c.LockRetry)
	applyRetry(&conf.DeployRetry, c.DeployRetry)
	applyRetry(&conf.WaitRetry, c.WaitRetry)
	applyRetry(&conf.DefaultRetry, c.DefaultRetry)

	return conf, nil
}

func applyRetry(dst *structs.RetryPolicy, src *RetryConfig) {
	if src == nil {
		return
	}
	if src.Attempts != 0 {
		dst.Attempts = src.Attempts
	}
	if src.Delay != 0 {
		dst.Delay = src.Delay
	}
}

// LoadConfig loads the configuration at the given path, regardless if it's a
// file or directory.
func LoadConfig(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return LoadConfigDir(path)
	}

	cleaned := filepath.Clean(path)
	config, err := ParseConfigFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("Error loading %s: %s", cleaned, err)
	}

	config.Files = append(config.Files, cleaned)
	return config, nil
}

// LoadConfigDir loads all the configurations in the given directory
// in alphabetical order.
func LoadConfigDir(dir string) (*Config, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf(
			"configuration path must be a directory: %s", dir)
	}

	var files []string
	err = nil
	for err != io.EOF {
		var fis []os.FileInfo
		fis, err = f.Readdir(128)
		if err != nil && err != io.EOF {
			return nil, err
		}

		for _, fi := range fis {
			// Ignore directories
			if fi.IsDir() {
				continue
			}

			// Only care about files that are valid to load.
			name := fi.Name()
			skip := true
			if strings.HasSuffix(name, ".hcl") {
				skip = false
			} else if strings.HasSuffix(name, ".json") {
				skip = false
			}
			if skip || isTemporaryFile(name) {
				continue
			}

			path := filepath.Join(dir, name)
			files = append(files, path)
		}
	}

	// Fast-path if we have no files
	if len(files) == 0 {
		return &Config{}, nil
	}

	sort.Strings(files)

	var result *Config
	for _, f := range files {
		config, err := ParseConfigFile(f)
		if err != nil {
			return nil, fmt.Errorf("Error loading %s: %s", f, err)
		}
		config.Files = append(config.Files, f)

		if result == nil {
			result = config
		} else {
			result = result.Merge(config)
		}
	}

	return result, nil
}

// isTemporaryFile returns true or false depending on whether the
// provided file name is a temporary file for the following editors:
// emacs or vim.
func isTemporaryFile(name string) bool {
	return strings.HasSuffix(name, "~") || // vim
		strings.HasPrefix(name, ".#") || // emacs
		(strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#")) // emacs
}
