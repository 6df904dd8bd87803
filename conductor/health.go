// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"context"
)

// HealthCheck is the verdict for one dependency.
type HealthCheck struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Health aggregates the per-dependency checks. Healthy is the conjunction.
type Health struct {
	Healthy bool                    `json:"healthy"`
	Checks  map[string]*HealthCheck `json:"checks"`
}

// Health probes the state store, the KV store backing locks and freezes,
// and the task queue. The agent logs this at startup; operators can call
// it any time.
func (c *Core) Health(ctx context.Context) *Health {
	checks := map[string]*HealthCheck{
		"state": checkErr(c.store.Ping()),
		"kv":    checkErr(c.kv.Ping(ctx)),
		"queue": checkBool(c.broker.Enabled(), "task broker disabled"),
	}

	healthy := true
	for _, check := range checks {
		healthy = healthy && check.Healthy
	}
	return &Health{Healthy: healthy, Checks: checks}
}

func checkErr(err error) *HealthCheck {
	if err != nil {
		return &HealthCheck{Detail: err.Error()}
	}
	return &HealthCheck{Healthy: true}
}

func checkBool(ok bool, detail string) *HealthCheck {
	if !ok {
		return &HealthCheck{Detail: detail}
	}
	return &HealthCheck{Healthy: true}
}
