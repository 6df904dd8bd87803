// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package helper

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestUnusedKeys(t *testing.T) {
	type nested struct {
		Value        string   `hcl:"value"`
		ExtraKeysHCL []string `hcl:",unusedKeys"`
	}
	type outer struct {
		Name         string   `hcl:"name"`
		Block        *nested  `hcl:"block"`
		ExtraKeysHCL []string `hcl:",unusedKeys"`
	}

	// Clean structs pass.
	must.NoError(t, UnusedKeys(&outer{Block: &nested{}}))

	// Keys at the top level are reported as-is.
	err := UnusedKeys(&outer{
		Block:        &nested{},
		ExtraKeysHCL: []string{"typo_key"},
	})
	must.Error(t, err)
	must.StrContains(t, err.Error(), "typo_key")

	// Keys in a nested block carry the block path.
	err = UnusedKeys(&outer{
		Block: &nested{ExtraKeysHCL: []string{"inner_typo"}},
	})
	must.Error(t, err)
	must.StrContains(t, err.Error(), "block")
	must.StrContains(t, err.Error(), "inner_typo")

	// Nil blocks are fine.
	must.NoError(t, UnusedKeys(&outer{}))
}

func TestRemoveEqualFold(t *testing.T) {
	xs := []string{"kv", "Deployer", "telemetry"}

	RemoveEqualFold(&xs, "deployer")
	must.Eq(t, []string{"kv", "telemetry"}, xs)

	// Misses leave the slice alone.
	RemoveEqualFold(&xs, "absent")
	must.Eq(t, []string{"kv", "telemetry"}, xs)

	// Removing the last entry nils the slice so unusedKeys checks see
	// nothing left over.
	RemoveEqualFold(&xs, "KV")
	RemoveEqualFold(&xs, "TELEMETRY")
	must.Nil(t, xs)
}
