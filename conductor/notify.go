// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/conductor/conductor/structs"
)

// Notification levels, ordered by severity. A notifier configured at level
// N receives every message with level <= N, so level 1 only hears about
// failures while level 5 hears everything down to pending chatter.
const (
	NotifyLevelFailed     = 1
	NotifyLevelFailedWarn = 2
	NotifyLevelSuccess    = 3
	NotifyLevelStarted    = 4
	NotifyLevelPending    = 5
)

// NotifyLevelName renders a level for log lines.
func NotifyLevelName(level int) string {
	switch level {
	case NotifyLevelFailed:
		return "failed"
	case NotifyLevelFailedWarn:
		return "failed-warn"
	case NotifyLevelSuccess:
		return "success"
	case NotifyLevelStarted:
		return "started"
	case NotifyLevelPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Notification is one message bound for the configured notifiers.
type Notification struct {
	Level   int    `json:"level"`
	Message string `json:"message"`

	// Code carries the error code on failure notifications.
	Code string `json:"code,omitempty"`

	Git         *structs.GitInfo `json:"git,omitempty"`
	JobID       string           `json:"job-id,omitempty"`
	Environment string           `json:"environment,omitempty"`
}

// Notifier delivers one notification over some transport. Implementations
// live outside the core; the built-in log notifier is the floor.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// NotifierRegistry routes notifications to the notifiers an application's
// config enables. Registration is by name; the config's notifications
// section decides per application which names hear what.
type NotifierRegistry struct {
	logger hclog.Logger

	l         sync.RWMutex
	notifiers map[string]Notifier
}

func NewNotifierRegistry(logger hclog.Logger) *NotifierRegistry {
	return &NotifierRegistry{
		logger:    logger.Named("notify"),
		notifiers: make(map[string]Notifier),
	}
}

// Register installs a notifier under a name. Registering the same name
// again replaces the previous notifier.
func (r *NotifierRegistry) Register(name string, n Notifier) {
	r.l.Lock()
	defer r.l.Unlock()
	r.notifiers[name] = n
}

// LogNotifierName is registered by the core so failures are visible even
// when an application configures no notifications at all.
const LogNotifierName = "log"

// Dispatch fans the notification out to every registered notifier the
// config enables at the message's level. A nil config means the sender had
// no application config in hand, usually on the failure path; only the log
// notifier hears those so the message is not lost.
func (r *NotifierRegistry) Dispatch(ctx context.Context, cfg *structs.AppConfig, n *Notification) error {
	r.l.RLock()
	defer r.l.RUnlock()

	if cfg == nil {
		if ln, ok := r.notifiers[LogNotifierName]; ok {
			return ln.Notify(ctx, n)
		}
		return nil
	}

	var mErr multierror.Error
	for name, notifier := range r.notifiers {
		nc := cfg.Notifications[name]
		if nc == nil || !nc.Enabled {
			continue
		}
		level := nc.Level
		if level <= 0 {
			level = NotifyLevelFailed
		}
		if n.Level > level {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			mErr.Errors = append(mErr.Errors, err)
			r.logger.Warn("notifier failed", "notifier", name, "error", err)
		}
	}
	return mErr.ErrorOrNil()
}

// LogNotifier writes notifications to the server log, mapping severity onto
// log levels.
type LogNotifier struct {
	logger hclog.Logger
}

func NewLogNotifier(logger hclog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notification")}
}

func (l *LogNotifier) Notify(ctx context.Context, n *Notification) error {
	args := []any{"level", NotifyLevelName(n.Level)}
	if n.Git != nil {
		args = append(args, "owner", n.Git.Owner, "repo", n.Git.Repo, "ref", n.Git.Ref)
	}
	if n.JobID != "" {
		args = append(args, "job_id", n.JobID)
	}
	if n.Code != "" {
		args = append(args, "code", n.Code)
	}

	switch n.Level {
	case NotifyLevelFailed:
		l.logger.Error(n.Message, args...)
	case NotifyLevelFailedWarn:
		l.logger.Warn(n.Message, args...)
	default:
		l.logger.Info(n.Message, args...)
	}
	return nil
}
