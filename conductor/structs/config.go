// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"sort"

	"github.com/mitchellh/copystructure"
)

// AppConfig is the evaluated configuration for one application ref as
// handed over by the config loader. The orchestrator reads the typed fields
// to make decisions; Proxy, Templates, Deployment and Security are opaque
// subtrees forwarded to deployers as-is.
type AppConfig struct {
	Enabled bool `json:"enabled"`

	// Deployers keyed by deployer name.
	Deployers map[string]*Deployer `json:"deployers,omitempty"`

	// Hooks keyed by hook type then hook name.
	Hooks map[string]map[string]*HookConfig `json:"hooks,omitempty"`

	// Notifications keyed by notifier kind.
	Notifications map[string]*NotificationConfig `json:"notifications,omitempty"`

	Security map[string]any `json:"security,omitempty"`
}

// Deployer is one downstream deployment target. Proxy, Templates and
// Deployment are forwarded verbatim in the deploy request body; the image a
// builder produced is grafted into Templates under app.args.image.
type Deployer struct {
	Enabled    bool           `json:"enabled"`
	URL        string         `json:"url,omitempty"`
	Proxy      map[string]any `json:"proxy,omitempty"`
	Templates  map[string]any `json:"templates,omitempty"`
	Deployment map[string]any `json:"deployment,omitempty"`
}

type HookConfig struct {
	Enabled bool `json:"enabled"`
}

// NotificationConfig controls one notifier kind. Level is the least severe
// level the notifier wants; lower numbered levels are more severe.
type NotificationConfig struct {
	Enabled bool `json:"enabled"`
	Level   int  `json:"level"`
}

// Copy deep copies the config including the opaque subtrees.
func (c *AppConfig) Copy() *AppConfig {
	if c == nil {
		return nil
	}
	raw, err := copystructure.Copy(c)
	if err != nil {
		panic(err)
	}
	return raw.(*AppConfig)
}

// EnabledDeployers returns the deployers that are enabled and have a URL to
// talk to, sorted by name so fan-outs are deterministic.
func (c *AppConfig) EnabledDeployers() []string {
	var names []string
	for name, d := range c.Deployers {
		if d != nil && d.Enabled && d.URL != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HookEnabled reports whether the named hook is configured and enabled.
func (c *AppConfig) HookEnabled(hookType, hookName string) bool {
	hc, ok := c.Hooks[hookType][hookName]
	return ok && hc != nil && hc.Enabled
}

// HasEnabledBuilder reports whether any builder hook is enabled. A job with
// nothing building an image has nothing to deploy.
func (c *AppConfig) HasEnabledBuilder() bool {
	for _, hc := range c.Hooks[HookTypeBuilder] {
		if hc != nil && hc.Enabled {
			return true
		}
	}
	return false
}

// Deployable reports whether applying hooks to this config can ever lead to
// a deploy.
func (c *AppConfig) Deployable() bool {
	return c.Enabled && c.HasEnabledBuilder() && len(c.EnabledDeployers()) > 0
}

// SetImage grafts the built image reference into every enabled deployer's
// template args, creating the nesting as needed.
func (c *AppConfig) SetImage(image string) {
	if image == "" {
		return
	}
	for _, name := range c.EnabledDeployers() {
		d := c.Deployers[name]
		if d.Templates == nil {
			d.Templates = make(map[string]any)
		}
		app, ok := d.Templates["app"].(map[string]any)
		if !ok {
			app = make(map[string]any)
			d.Templates["app"] = app
		}
		args, ok := app["args"].(map[string]any)
		if !ok {
			args = make(map[string]any)
			app["args"] = args
		}
		args["image"] = image
	}
}

// ToMap renders the config as an untyped document for event details.
// The result is scrubbed: encrypted values never leave the process.
func (c *AppConfig) ToMap() map[string]any {
	if c == nil {
		return nil
	}
	hooks := make(map[string]any, len(c.Hooks))
	for typ, names := range c.Hooks {
		inner := make(map[string]any, len(names))
		for name, hc := range names {
			inner[name] = map[string]any{"enabled": hc != nil && hc.Enabled}
		}
		hooks[typ] = inner
	}
	deployers := make(map[string]any, len(c.Deployers))
	for name, d := range c.Deployers {
		if d == nil {
			continue
		}
		deployers[name] = map[string]any{
			"enabled":    d.Enabled,
			"url":        d.URL,
			"proxy":      d.Proxy,
			"templates":  d.Templates,
			"deployment": d.Deployment,
		}
	}
	notifications := make(map[string]any, len(c.Notifications))
	for kind, nc := range c.Notifications {
		if nc == nil {
			continue
		}
		notifications[kind] = map[string]any{"enabled": nc.Enabled, "level": nc.Level}
	}
	doc := map[string]any{
		"enabled":       c.Enabled,
		"deployers":     deployers,
		"hooks":         hooks,
		"notifications": notifications,
		"security":      c.Security,
	}
	return ScrubValue(doc).(map[string]any)
}

// ScrubValue walks an untyped config document and removes secrets before
// the document is written anywhere durable. A map carrying a "value" key is
// a value wrapper: encrypted wrappers collapse to an empty string, plain
// wrappers collapse to the scrubbed inner value.
func ScrubValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		if inner, ok := tv["value"]; ok {
			if enc, _ := tv["encrypted"].(bool); enc {
				return ""
			}
			return ScrubValue(inner)
		}
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = ScrubValue(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = ScrubValue(item)
		}
		return out
	default:
		return v
	}
}
