// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/hashicorp/conductor/ci"
	"github.com/stretchr/testify/require"
)

func TestConfig_Merge(t *testing.T) {
	ci.Parallel(t)

	c0 := &Config{}

	c1 := &Config{
		KV:           &KVConfig{},
		Deployer:     &DeployerConfig{},
		LockRetry:    &RetryConfig{},
		DeployRetry:  &RetryConfig{},
		WaitRetry:    &RetryConfig{},
		DefaultRetry: &RetryConfig{},
		Telemetry:    &Telemetry{},
	}

	c2 := &Config{
		Environment: "staging",
		DataDir:     "/tmp/dir1",
		StatePath:   "/tmp/dir1/one.db",
		AppsDir:     "/tmp/apps1",
		LogLevel:    "INFO",
		LogJson:     false,
		Workers:     4,
		KV: &KVConfig{
			Backend:    "consul",
			Address:    "127.0.0.1:8500",
			Token:      "token1",
			Datacenter: "dc1",
			Base:       "conductor/one",
		},
		Deployer: &DeployerConfig{
			Timeout:           10 * time.Second,
			TimeoutHCL:        "10s",
			RequestsPerSecond: 8,
		},
		LockRetry: &RetryConfig{
			Attempts: 10,
			Delay:    1 * time.Second,
			DelayHCL: "1s",
		},
		DeployRetry: &RetryConfig{
			Attempts: 2,
			Delay:    5 * time.Second,
			DelayHCL: "5s",
		},
		WaitRetry: &RetryConfig{
			Attempts: 20,
			Delay:    5 * time.Second,
			DelayHCL: "5s",
		},
		DefaultRetry: &RetryConfig{
			Attempts: 2,
			Delay:    5 * time.Second,
			DelayHCL: "5s",
		},
		Telemetry: &Telemetry{
			StatsiteAddr:       "127.0.0.1:8125",
			StatsdAddr:         "127.0.0.1:8126",
			DisableHostname:    false,
			CollectionInterval: "5s",
			collectionInterval: 5 * time.Second,
		},
		LockTTL:           100 * time.Second,
		LockTTLHCL:        "100s",
		FreezeTTL:         12 * time.Hour,
		FreezeTTLHCL:      "12h",
		JobRetention:      24 * time.Hour,
		JobRetentionHCL:   "24h",
		EventRetention:    48 * time.Hour,
		EventRetentionHCL: "48h",
		TaskRetention:     6 * time.Hour,
		TaskRetentionHCL:  "6h",
		TaskSoftLimit:     30 * time.Second,
		TaskSoftLimitHCL:  "30s",
		TaskHardLimit:     60 * time.Second,
		TaskHardLimitHCL:  "60s",
		GCSchedule:        "@hourly",
		ConfigCacheTTL:    60 * time.Second,
		ConfigCacheTTLHCL: "60s",
		ConfigCacheSize:   64,
	}

	c3 := &Config{
		Environment: "production",
		DataDir:     "/tmp/dir2",
		StatePath:   "/tmp/dir2/two.db",
		AppsDir:     "/tmp/apps2",
		LogLevel:    "DEBUG",
		LogJson:     true,
		Workers:     16,
		KV: &KVConfig{
			Backend:    "inmem",
			Address:    "10.0.0.5:8500",
			Token:      "token2",
			Datacenter: "dc2",
			Base:       "conductor/two",
		},
		Deployer: &DeployerConfig{
			Timeout:           20 * time.Second,
			TimeoutHCL:        "20s",
			RequestsPerSecond: 32,
		},
		LockRetry: &RetryConfig{
			Attempts: 40,
			Delay:    2 * time.Second,
			DelayHCL: "2s",
		},
		DeployRetry: &RetryConfig{
			Attempts: 4,
			Delay:    10 * time.Second,
			DelayHCL: "10s",
		},
		WaitRetry: &RetryConfig{
			Attempts: 60,
			Delay:    15 * time.Second,
			DelayHCL: "15s",
		},
		DefaultRetry: &RetryConfig{
			Attempts: 6,
			Delay:    20 * time.Second,
			DelayHCL: "20s",
		},
		Telemetry: &Telemetry{
			StatsiteAddr:       "10.0.0.5:8125",
			StatsdAddr:         "10.0.0.5:8126",
			DisableHostname:    true,
			CollectionInterval: "10s",
			collectionInterval: 10 * time.Second,
		},
		LockTTL:           300 * time.Second,
		LockTTLHCL:        "300s",
		FreezeTTL:         48 * time.Hour,
		FreezeTTLHCL:      "48h",
		JobRetention:      168 * time.Hour,
		JobRetentionHCL:   "168h",
		EventRetention:    720 * time.Hour,
		EventRetentionHCL: "720h",
		TaskRetention:     12 * time.Hour,
		TaskRetentionHCL:  "12h",
		TaskSoftLimit:     45 * time.Second,
		TaskSoftLimitHCL:  "45s",
		TaskHardLimit:     90 * time.Second,
		TaskHardLimitHCL:  "90s",
		GCSchedule:        "@daily",
		ConfigCacheTTL:    90 * time.Second,
		ConfigCacheTTLHCL: "90s",
		ConfigCacheSize:   128,
		DevMode:           true,
	}

	result := c0.Merge(c1)
	result = result.Merge(c2)
	result = result.Merge(c3)
	require.Equal(t, c3, result)
}

func TestConfig_Merge_KeepsLowerPrecedence(t *testing.T) {
	ci.Parallel(t)

	base := DefaultConfig()
	partial := &Config{
		LogLevel: "DEBUG",
		KV:       &KVConfig{Address: "10.1.1.1:8500"},
	}

	result := base.Merge(partial)

	// Unset fields keep the lower precedence values.
	require.Equal(t, "local", result.Environment)
	require.Equal(t, "consul", result.KV.Backend)
	require.Equal(t, "conductor", result.KV.Base)

	// Set fields win.
	require.Equal(t, "DEBUG", result.LogLevel)
	require.Equal(t, "10.1.1.1:8500", result.KV.Address)
}

func TestDevConfig(t *testing.T) {
	ci.Parallel(t)

	conf := DevConfig()
	require.True(t, conf.DevMode)
	require.Equal(t, "DEBUG", conf.LogLevel)
	require.Equal(t, "inmem", conf.KV.Backend)

	// Dev mode must pass conversion without any paths configured.
	_, err := conf.ConductorConfig()
	require.NoError(t, err)
}

func TestConfig_ConductorConfig_Defaults(t *testing.T) {
	ci.Parallel(t)

	agentConf := DefaultConfig()
	agentConf.StatePath = "/tmp/conductor-test/state.db"

	conf, err := agentConf.ConductorConfig()
	require.NoError(t, err)

	// Core defaults survive when the agent config does not override them.
	require.Equal(t, 600*time.Second, conf.LockTTL)
	require.Equal(t, 24*time.Hour, conf.FreezeTTL)
	require.Equal(t, 20, conf.LockRetry.Attempts)
	require.Equal(t, 30*time.Second, conf.DeployerTimeout)
	require.Equal(t, float64(64), conf.DeployerRequestsPerSecond)
	require.Equal(t, "@hourly", conf.GCSchedule)
	require.Equal(t, 256, conf.ConfigCacheSize)
}

func TestConfig_ConductorConfig_Overrides(t *testing.T) {
	ci.Parallel(t)

	agentConf := DefaultConfig().Merge(&Config{
		Environment:     "production",
		StatePath:       "/tmp/conductor-test/state.db",
		Workers:         8,
		KV:              &KVConfig{Base: "conductor/prod"},
		Deployer:        &DeployerConfig{Timeout: 20 * time.Second, RequestsPerSecond: 16},
		LockRetry:       &RetryConfig{Attempts: 40, Delay: 2 * time.Second},
		WaitRetry:       &RetryConfig{Attempts: 60},
		LockTTL:         300 * time.Second,
		JobRetention:    168 * time.Hour,
		GCSchedule:      "@daily",
		ConfigCacheTTL:  90 * time.Second,
		ConfigCacheSize: 128,
	})

	conf, err := agentConf.ConductorConfig()
	require.NoError(t, err)

	require.Equal(t, "production", conf.Environment)
	require.Equal(t, "/tmp/conductor-test/state.db", conf.StatePath)
	require.Equal(t, 8, conf.NumWorkers)
	require.Equal(t, "conductor/prod", conf.KVBase)
	require.Equal(t, 20*time.Second, conf.DeployerTimeout)
	require.Equal(t, float64(16), conf.DeployerRequestsPerSecond)
	require.Equal(t, 40, conf.LockRetry.Attempts)
	require.Equal(t, 2*time.Second, conf.LockRetry.Delay)
	require.Equal(t, 300*time.Second, conf.LockTTL)
	require.Equal(t, 168*time.Hour, conf.JobRetention)
	require.Equal(t, "@daily", conf.GCSchedule)
	require.Equal(t, 90*time.Second, conf.ConfigCacheTTL)
	require.Equal(t, 128, conf.ConfigCacheSize)

	// A partial retry override keeps the default delay.
	require.Equal(t, 60, conf.WaitRetry.Attempts)
	require.Equal(t, 10*time.Second, conf.WaitRetry.Delay)

	// Untouched budgets keep the defaults.
	require.Equal(t, 10, conf.DeployRetry.Attempts)
}

func TestConfig_ConductorConfig_StatePath(t *testing.T) {
	ci.Parallel(t)

	// state_path wins when both are set.
	agentConf := DefaultConfig()
	agentConf.DataDir = "/var/lib/conductor"
	agentConf.StatePath = "/elsewhere/state.db"
	conf, err := agentConf.ConductorConfig()
	require.NoError(t, err)
	require.Equal(t, "/elsewhere/state.db", conf.StatePath)

	// data_dir provides the default state file location.
	agentConf = DefaultConfig()
	agentConf.DataDir = "/var/lib/conductor"
	conf, err = agentConf.ConductorConfig()
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/var/lib/conductor", "conductor.db"), conf.StatePath)

	// Neither is an error outside of dev mode.
	agentConf = DefaultConfig()
	_, err = agentConf.ConductorConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "data_dir or state_path")
}

func TestConfig_LoadConfig(t *testing.T) {
	ci.Parallel(t)

	// Fails if the target doesn't exist
	if _, err := LoadConfig("/unicorns/leprechauns"); err == nil {
		t.Fatalf("expected error, got nothing")
	}

	fh, err := os.CreateTemp("", "conductor")
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	defer os.Remove(fh.Name())

	if _, err := fh.WriteString(`{"environment":"west"}`); err != nil {
		t.Fatalf("err: %s", err)
	}

	// Works on a config file
	config, err := LoadConfig(fh.Name())
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	if config.Environment != "west" {
		t.Fatalf("bad: %#v", config)
	}

	expectedConfigFiles := []string{fh.Name()}
	if !reflect.DeepEqual(config.Files, expectedConfigFiles) {
		t.Errorf("Loaded configs don't match\nExpected\n%+vGot\n%+v\n",
			expectedConfigFiles, config.Files)
	}

	dir := t.TempDir()

	file1 := filepath.Join(dir, "config1.hcl")
	err = os.WriteFile(file1, []byte(`{"gc_schedule":"@daily"}`), 0600)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	// Works on config dir
	config, err = LoadConfig(dir)
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	if config.GCSchedule != "@daily" {
		t.Fatalf("bad: %#v", config)
	}

	expectedConfigFiles = []string{file1}
	if !reflect.DeepEqual(config.Files, expectedConfigFiles) {
		t.Errorf("Loaded configs don't match\nExpected\n%+vGot\n%+v\n",
			expectedConfigFiles, config.Files)
	}
}

func TestConfig_LoadConfigDir(t *testing.T) {
	ci.Parallel(t)

	// Fails if the dir doesn't exist.
	if _, err := LoadConfigDir("/unicorns/leprechauns"); err == nil {
		t.Fatalf("expected error, got nothing")
	}

	dir := t.TempDir()

	// Returns empty config on empty dir
	config, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	if config == nil {
		t.Fatalf("should not be nil")
	}

	file1 := filepath.Join(dir, "conf1.hcl")
	err = os.WriteFile(file1, []byte(`{"environment":"west"}`), 0600)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	file2 := filepath.Join(dir, "conf2.hcl")
	err = os.WriteFile(file2, []byte(`{"gc_schedule":"@daily"}`), 0600)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	file3 := filepath.Join(dir, "conf3.hcl")
	err = os.WriteFile(file3, []byte(`nope;!!!`), 0600)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	// Fails if we have a bad config file
	if _, err := LoadConfigDir(dir); err == nil {
		t.Fatalf("expected load error, got nothing")
	}

	if err := os.Remove(file3); err != nil {
		t.Fatalf("err: %s", err)
	}

	// Editor leftovers are skipped.
	file4 := filepath.Join(dir, "conf1.hcl~")
	err = os.WriteFile(file4, []byte(`nope;!!!`), 0600)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	// Works if configs are valid
	config, err = LoadConfigDir(dir)
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	if config.Environment != "west" || config.GCSchedule != "@daily" {
		t.Fatalf("bad: %#v", config)
	}
}

func TestConfig_LoadConfigsFileOrder(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()

	common := filepath.Join(dir, "common.hcl")
	if err := os.WriteFile(common, []byte(`{"environment":"west"}`), 0600); err != nil {
		t.Fatalf("err: %s", err)
	}
	override := filepath.Join(dir, "zz-override.json")
	if err := os.WriteFile(override, []byte(`{"environment":"east"}`), 0600); err != nil {
		t.Fatalf("err: %s", err)
	}

	config, err := LoadConfigDir(dir)
	if err != nil {
		t.Fatalf("Failed to load config: %s", err)
	}

	// Alphabetical order, later files win.
	if config.Environment != "east" {
		t.Fatalf("bad: %#v", config)
	}

	expected := []string{common, override}
	if !reflect.DeepEqual(config.Files, expected) {
		t.Errorf("Loaded configs don't match\nwant: %+v\n got: %+v\n",
			expected, config.Files)
	}
}

func TestIsTemporaryFile(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name   string
		expect bool
	}{
		{"conductor.hcl~", true},
		{".#conductor.hcl", true},
		{"#conductor.hcl#", true},
		{"conductor.hcl", false},
		{"conductor.json", false},
	}

	for _, tc := range cases {
		if got := isTemporaryFile(tc.name); got != tc.expect {
			t.Fatalf("isTemporaryFile(%q) = %v, want %v", tc.name, got, tc.expect)
		}
	}
}
