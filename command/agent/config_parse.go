// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"

	"github.com/hashicorp/conductor/helper"
)

// ParseConfigFile returns an agent.Config parsed from a file.
func ParseConfigFile(path string) (*Config, error) {
	// slurp
	var buf bytes.Buffer
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}

	// parse
	c := &Config{
		KV:        &KVConfig{},
		Deployer:  &DeployerConfig{},
		Telemetry: &Telemetry{},
	}

	err = hcl.Decode(c, buf.String())
	if err != nil {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, err)
	}

	// convert strings to time.Durations
	tds := []durationConversionMap{
		{"lock_ttl", &c.LockTTL, &c.LockTTLHCL, nil},
		{"freeze_ttl", &c.FreezeTTL, &c.FreezeTTLHCL, nil},
		{"job_retention", &c.JobRetention, &c.JobRetentionHCL, nil},
		{"event_retention", &c.EventRetention, &c.EventRetentionHCL, nil},
		{"task_retention", &c.TaskRetention, &c.TaskRetentionHCL, nil},
		{"task_soft_limit", &c.TaskSoftLimit, &c.TaskSoftLimitHCL, nil},
		{"task_hard_limit", &c.TaskHardLimit, &c.TaskHardLimitHCL, nil},
		{"config_cache_ttl", &c.ConfigCacheTTL, &c.ConfigCacheTTLHCL, nil},
		{"deployer.timeout", &c.Deployer.Timeout, &c.Deployer.TimeoutHCL, nil},
		{"telemetry.collection_interval", &c.Telemetry.collectionInterval, &c.Telemetry.CollectionInterval, nil},
	}
	for _, retry := range []struct {
		name string
		cfg  *RetryConfig
	}{
		{"lock_retry", c.LockRetry},
		{"deploy_retry", c.DeployRetry},
		{"wait_retry", c.WaitRetry},
		{"default_retry", c.DefaultRetry},
	} {
		if retry.cfg == nil {
			continue
		}
		tds = append(tds, durationConversionMap{
			retry.name + ".delay", &retry.cfg.Delay, &retry.cfg.DelayHCL, nil})
	}

	// convert strings to time.Durations
	err = convertDurations(tds)
	if err != nil {
		return nil, err
	}

	// report unexpected keys
	err = extraKeys(c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// durationConversionMap holds args for one duration conversion
type durationConversionMap struct {
	targetFieldPath string
	targetField     *time.Duration
	sourceField     *string
	setFunc         func(*time.Duration)
}

// convertDurations parses the duration strings specified in the config files
// into time.Durations
func convertDurations(xs []durationConversionMap) error {
	for _, x := range xs {
		// if targetField is not a pointer itself, use the field map.
		if x.targetField != nil && x.sourceField != nil && "" != *x.sourceField {
			d, err := time.ParseDuration(*x.sourceField)
			if err != nil {
				return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
			}

			*x.targetField = d
		} else if x.setFunc != nil && x.sourceField != nil && "" != *x.sourceField {
			// if targetField is a pointer itself, use the setFunc closure.
			d, err := time.ParseDuration(*x.sourceField)
			if err != nil {
				return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
			}
			x.setFunc(&d)
		}
	}

	return nil
}

func extraKeys(c *Config) error {
	// hcl leaves behind the block names as extra keys on the enclosing
	// struct. Clean up before looking for genuinely unexpected keys.
	for _, k := range []string{"kv", "deployer", "telemetry", "lock_retry",
		"deploy_retry", "wait_retry", "default_retry"} {
		helper.RemoveEqualFold(&c.ExtraKeysHCL, k)
	}

	return helper.UnusedKeys(c)
}
