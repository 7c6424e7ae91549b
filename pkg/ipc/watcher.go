package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jsclaw/jsclaw/pkg/events"
	"github.com/jsclaw/jsclaw/pkg/log"
	"github.com/jsclaw/jsclaw/pkg/metrics"
	"github.com/jsclaw/jsclaw/pkg/types"
	"github.com/rs/zerolog"
)

// SendMessageFunc delivers an outbound chat message for a group. sender
// is empty when the container didn't set one.
type SendMessageFunc func(ctx context.Context, jid, text, sender string) error

// OnTaskFunc handles a task-control directive emitted by a container.
type OnTaskFunc func(ctx context.Context, taskType types.TaskDirectiveType, data interface{}, sourceGroup string, isMain bool) error

// GetRegisteredGroupsFunc returns the current set of known groups, keyed
// by folder (the watcher also tolerates a jid key).
type GetRegisteredGroupsFunc func() map[string]types.RegisteredGroup

// Collaborators bundles the host-side callbacks the watcher dispatches
// drained mailbox entries to. All three are required; a nil field means
// the corresponding mailbox kind is never drained.
type Collaborators struct {
	SendMessage          SendMessageFunc
	OnTask               OnTaskFunc
	GetRegisteredGroups  GetRegisteredGroupsFunc
}

// WatcherConfig configures the host-side IPC watcher.
type WatcherConfig struct {
	DataDir      string
	PollInterval time.Duration
}

// Watcher owns one periodic tick draining every registered group's
// messages/ and tasks/ mailboxes. Only one Watcher should run over a
// given data directory at a time. Two watchers racing to drain the same
// mailbox would non-deterministically split delivery between them.
type Watcher struct {
	cfg           WatcherConfig
	collaborators Collaborators
	logger        zerolog.Logger
	events        *events.Broker

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
	running bool
}

// NewWatcher creates a Watcher. Call Start to begin ticking.
func NewWatcher(cfg WatcherConfig, collaborators Collaborators, bus *events.Broker) *Watcher {
	return &Watcher{
		cfg:           cfg,
		collaborators: collaborators,
		logger:        log.WithComponent("ipc-watcher"),
		events:        bus,
	}
}

// Start runs one tick immediately, then one every cfg.PollInterval, until
// Stop is called. Starting an already-running Watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.stopped = make(chan struct{})
	stopCh := w.stopCh
	stopped := w.stopped
	w.mu.Unlock()

	go func() {
		defer close(stopped)
		w.tick(ctx)

		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.tick(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the ticker. It does not wait for an in-flight tick to
// finish. The tick's own drains are idempotent enough (files are either
// drained or left for the next run) that racing a shutdown against it is
// safe.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.running = false
}

func (w *Watcher) tick(ctx context.Context) {
	if w.collaborators.GetRegisteredGroups == nil {
		return
	}
	groups := w.collaborators.GetRegisteredGroups()

	ipcRoot := filepath.Join(w.cfg.DataDir, "ipc")
	dirEntries, err := os.ReadDir(ipcRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error().Err(err).Str("dir", ipcRoot).Msg("failed to list ipc root")
		}
		return
	}

	byFolder := make(map[string]types.RegisteredGroup, len(groups))
	for _, g := range groups {
		if g.Folder != "" {
			byFolder[g.Folder] = g
		}
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		folder := de.Name()
		group, known := byFolder[folder]
		if !known {
			continue
		}
		w.drainGroup(ctx, group)
	}
}

func (w *Watcher) drainGroup(ctx context.Context, group types.RegisteredGroup) {
	isMain := group.IsMain
	if !group.IsMainSet() {
		isMain = group.Folder == "main"
		w.logger.Debug().Str("group_folder", group.Folder).Msg("is_main unset, falling back to folder==\"main\" heuristic")
	}

	groupDir := filepath.Join(w.cfg.DataDir, "ipc", group.Folder)
	if w.collaborators.SendMessage != nil {
		w.drainMessages(ctx, group, isMain, filepath.Join(groupDir, "messages"))
	}
	if w.collaborators.OnTask != nil {
		w.drainTasks(ctx, group, isMain, filepath.Join(groupDir, "tasks"))
	}
}

func (w *Watcher) drainMessages(ctx context.Context, group types.RegisteredGroup, isMain bool, dir string) {
	entries, err := Drain(dir, nil)
	if err != nil {
		w.logger.Error().Err(err).Str("dir", dir).Msg("failed to drain messages mailbox")
		return
	}

	for _, entry := range entries {
		var msg types.IpcMessage
		if err := json.Unmarshal(entry.Data, &msg); err != nil {
			w.logger.Warn().Str("group_folder", group.Folder).Str("file", entry.Filename).Err(err).Msg("malformed message entry, skipping")
			continue
		}
		if msg.Text == "" {
			w.logger.Warn().Str("group_folder", group.Folder).Str("file", entry.Filename).Msg("message entry missing text, skipping")
			continue
		}

		target := msg.TargetJID
		if target == "" {
			target = group.JID
		}

		// Cross-group authorization: a non-main group may only target
		// itself. This is the isolation boundary between tenants.
		if !isMain && msg.TargetJID != "" && msg.TargetJID != group.JID {
			w.logger.Warn().
				Str("group_folder", group.Folder).
				Str("target_jid", msg.TargetJID).
				Msg("non-main group attempted to target another group, dropping message")
			continue
		}

		if w.collaborators.SendMessage == nil {
			continue
		}
		if err := w.collaborators.SendMessage(ctx, target, msg.Text, msg.Sender); err != nil {
			w.logger.Error().Str("group_folder", group.Folder).Err(err).Msg("failed to dispatch message")
			w.quarantine(dir, entry)
			metrics.IPCDispatchTotal.WithLabelValues("messages", "error").Inc()
			continue
		}
		metrics.IPCDispatchTotal.WithLabelValues("messages", "ok").Inc()
		if w.events != nil {
			w.events.Publish(&events.Event{Type: events.GroupMessageDispatched, Metadata: map[string]string{"group_folder": group.Folder}})
		}
	}
}

func (w *Watcher) drainTasks(ctx context.Context, group types.RegisteredGroup, isMain bool, dir string) {
	entries, err := Drain(dir, nil)
	if err != nil {
		w.logger.Error().Err(err).Str("dir", dir).Msg("failed to drain tasks mailbox")
		return
	}

	for _, entry := range entries {
		var raw struct {
			Type types.TaskDirectiveType `json:"type"`
			Data json.RawMessage         `json:"data"`
		}
		if err := json.Unmarshal(entry.Data, &raw); err != nil || raw.Type == "" {
			w.logger.Warn().Str("group_folder", group.Folder).Str("file", entry.Filename).Msg("malformed task entry, skipping")
			continue
		}

		var inner map[string]interface{}
		var data interface{} = raw.Data
		if len(raw.Data) > 0 && json.Unmarshal(raw.Data, &inner) == nil {
			if nested, ok := inner["data"]; ok {
				data = nested
			} else {
				data = inner
			}
		}

		if w.collaborators.OnTask == nil {
			continue
		}
		if err := w.collaborators.OnTask(ctx, raw.Type, data, group.Folder, isMain); err != nil {
			w.logger.Error().Str("group_folder", group.Folder).Err(err).Msg("failed to dispatch task directive")
			w.quarantine(dir, entry)
			metrics.IPCDispatchTotal.WithLabelValues("tasks", "error").Inc()
			continue
		}
		metrics.IPCDispatchTotal.WithLabelValues("tasks", "ok").Inc()
		if w.events != nil {
			w.events.Publish(&events.Event{Type: events.GroupTaskDispatched, Metadata: map[string]string{"group_folder": group.Folder, "task_type": string(raw.Type)}})
		}
	}
}

// quarantine moves a failed entry's payload into an errors/ sibling of
// dir, best-effort. The original file is already gone (Drain deletes on
// read success), so this recreates it from the decoded payload rather
// than renaming.
func (w *Watcher) quarantine(dir string, entry Entry) {
	errDir := filepath.Join(dir, "errors")
	if _, err := Write(errDir, json.RawMessage(entry.Data), ""); err != nil {
		w.logger.Error().Str("dir", errDir).Err(err).Msg("failed to quarantine ipc entry")
	}
	if w.events != nil {
		w.events.Publish(&events.Event{Type: events.IPCMessageQuarantined, Metadata: map[string]string{"dir": dir, "file": entry.Filename}})
	}
}
