// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mitchellh/hashstructure"

	"github.com/hashicorp/conductor/conductor/structs"
)

// ConfigLoader resolves the evaluated application config for a ref. The
// merging of provider layers happens outside the core; the loader hands
// back the finished snapshot. Implementations return coded errors so the
// failure path can distinguish a missing config from a broken one.
type ConfigLoader interface {
	Load(ctx context.Context, owner, repo, ref string) (*structs.AppConfig, error)
}

func configKey(owner, repo, ref string) string {
	return owner + "/" + repo + "/" + ref
}

// StaticLoader serves configs from a fixed table, with an optional fallback
// for applications without an entry. It backs dev mode and tests.
type StaticLoader struct {
	l        sync.RWMutex
	configs  map[string]*structs.AppConfig
	fallback *structs.AppConfig
}

func NewStaticLoader(fallback *structs.AppConfig) *StaticLoader {
	return &StaticLoader{
		configs:  make(map[string]*structs.AppConfig),
		fallback: fallback,
	}
}

// Set installs the config served for one application ref.
func (s *StaticLoader) Set(owner, repo, ref string, cfg *structs.AppConfig) {
	s.l.Lock()
	defer s.l.Unlock()
	s.configs[configKey(owner, repo, ref)] = cfg.Copy()
}

func (s *StaticLoader) Load(ctx context.Context, owner, repo, ref string) (*structs.AppConfig, error) {
	s.l.RLock()
	defer s.l.RUnlock()
	if cfg, ok := s.configs[configKey(owner, repo, ref)]; ok {
		return cfg.Copy(), nil
	}
	if s.fallback != nil {
		return s.fallback.Copy(), nil
	}
	return nil, structs.NewCodedError(structs.ErrCodeConfig,
		fmt.Sprintf("no configuration for %s", configKey(owner, repo, ref)))
}

// FileLoader serves configs from JSON files laid out as
// {dir}/{owner}/{repo}/{ref}.json, re-reading the file on every load. A
// fallback, if set, serves applications without a file. The agent uses this
// for its apps directory.
type FileLoader struct {
	logger   hclog.Logger
	dir      string
	fallback *structs.AppConfig
}

func NewFileLoader(logger hclog.Logger, dir string, fallback *structs.AppConfig) *FileLoader {
	return &FileLoader{
		logger:   logger.Named("config_files"),
		dir:      dir,
		fallback: fallback,
	}
}

func (f *FileLoader) Load(ctx context.Context, owner, repo, ref string) (*structs.AppConfig, error) {
	key := configKey(owner, repo, ref)

	// Coordinates come from webhook payloads; one carrying separators or
	// dot segments must not escape the apps directory.
	path := filepath.Join(f.dir, owner, repo, ref+".json")
	if !strings.HasPrefix(path, filepath.Clean(f.dir)+string(os.PathSeparator)) {
		return nil, structs.NewCodedError(structs.ErrCodeConfig,
			fmt.Sprintf("invalid application coordinates %s", key))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if f.fallback != nil {
				return f.fallback.Copy(), nil
			}
			return nil, structs.NewCodedError(structs.ErrCodeConfig,
				fmt.Sprintf("no configuration for %s", key))
		}
		return nil, structs.NewCodedError(structs.ErrCodeConfig,
			fmt.Sprintf("reading configuration for %s: %v", key, err))
	}

	var cfg structs.AppConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, structs.NewCodedError(structs.ErrCodeConfig,
			fmt.Sprintf("parsing configuration for %s: %v", key, err))
	}
	return &cfg, nil
}

// CachedLoader fronts a loader with an expiring LRU so a burst of hooks for
// the same ref does not hammer the provider. Entries age out after the TTL;
// a reload that comes back different from the last snapshot is logged so
// config drift is visible in one place.
type CachedLoader struct {
	logger hclog.Logger
	source ConfigLoader
	cache  *expirable.LRU[string, *structs.AppConfig]

	l      sync.Mutex
	hashes map[string]uint64
}

func NewCachedLoader(logger hclog.Logger, source ConfigLoader, size int, ttl time.Duration) *CachedLoader {
	return &CachedLoader{
		logger: logger.Named("config_cache"),
		source: source,
		cache:  expirable.NewLRU[string, *structs.AppConfig](size, nil, ttl),
		hashes: make(map[string]uint64),
	}
}

func (c *CachedLoader) Load(ctx context.Context, owner, repo, ref string) (*structs.AppConfig, error) {
	key := configKey(owner, repo, ref)
	if cfg, ok := c.cache.Get(key); ok {
		metrics.IncrCounter([]string{"conductor", "config_cache", "hit"}, 1)
		return cfg.Copy(), nil
	}
	metrics.IncrCounter([]string{"conductor", "config_cache", "miss"}, 1)

	cfg, err := c.source.Load(ctx, owner, repo, ref)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cfg.Copy())
	c.observe(key, cfg)
	return cfg, nil
}

// Invalidate drops the cached entry so the next load refetches.
func (c *CachedLoader) Invalidate(owner, repo, ref string) {
	key := configKey(owner, repo, ref)
	c.cache.Remove(key)

	c.l.Lock()
	delete(c.hashes, key)
	c.l.Unlock()
}

// Purge drops every cached entry. The agent calls this on reload so edited
// application files take effect without waiting out the TTL.
func (c *CachedLoader) Purge() {
	c.cache.Purge()

	c.l.Lock()
	c.hashes = make(map[string]uint64)
	c.l.Unlock()
}

func (c *CachedLoader) observe(key string, cfg *structs.AppConfig) {
	hash, err := hashstructure.Hash(cfg, nil)
	if err != nil {
		return
	}
	c.l.Lock()
	prev, seen := c.hashes[key]
	c.hashes[key] = hash
	c.l.Unlock()
	if seen && prev != hash {
		c.logger.Debug("application configuration changed", "app", key)
	}
}
