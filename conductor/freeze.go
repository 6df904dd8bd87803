// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/conductor/conductor/kv"
	"github.com/hashicorp/conductor/conductor/structs"
)

// FreezeRegistry records which applications are paused. An undeploy freezes
// its application so late hooks cannot resurrect it; re-provisioning the
// application thaws it again. Flags carry a TTL and a missing flag means
// not frozen, so the registry fails open.
type FreezeRegistry struct {
	logger hclog.Logger
	store  kv.Store
	base   string
	env    string
	ttl    time.Duration
}

func NewFreezeRegistry(logger hclog.Logger, store kv.Store, config *Config) *FreezeRegistry {
	return &FreezeRegistry{
		logger: logger.Named("freeze"),
		store:  store,
		base:   config.KVBase,
		env:    config.Environment,
		ttl:    config.FreezeTTL,
	}
}

// Key returns the freeze flag key for an application.
func (f *FreezeRegistry) Key(git *structs.GitInfo) string {
	return fmt.Sprintf("%s/orchestrator/jobs/%s/%s/%s/%s/frozen",
		f.base, f.env, git.Owner, git.Repo, git.Ref)
}

// SetFrozen writes the flag explicitly in both directions. Thawing writes
// false rather than deleting so the registry keeps an audit trail in the
// store until the TTL clears it.
func (f *FreezeRegistry) SetFrozen(ctx context.Context, git *structs.GitInfo, frozen bool) error {
	key := f.Key(git)
	value := "false"
	if frozen {
		value = "true"
	}
	if err := f.store.Put(ctx, key, value, f.ttl); err != nil {
		return structs.WrapRecoverable(fmt.Errorf("freeze write failed: %w", err))
	}
	f.logger.Debug("set freeze flag", "key", key, "frozen", frozen)
	return nil
}

// IsFrozen reads the flag; an absent or lapsed flag means not frozen.
func (f *FreezeRegistry) IsFrozen(ctx context.Context, git *structs.GitInfo) (bool, error) {
	value, found, err := f.store.Get(ctx, f.Key(git))
	if err != nil {
		return false, structs.WrapRecoverable(fmt.Errorf("freeze read failed: %w", err))
	}
	if !found {
		return false, nil
	}
	return value == "true", nil
}
