package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/dida1024/infoSentry/internal/model"
)

// Flag names a policy switch that can be overridden at runtime.
type Flag string

const (
	FlagJudgment Flag = "judgment_enabled"
	FlagDelivery Flag = "delivery_enabled"
)

// ErrUnknownFlag is returned for a flag name that is not overridable.
var ErrUnknownFlag = errors.New("config: unknown flag")

// ParseFlag validates a flag name.
func ParseFlag(s string) (Flag, error) {
	switch f := Flag(s); f {
	case FlagJudgment, FlagDelivery:
		return f, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownFlag, s)
}

// PolicyStore holds the live decision policy. New runs read it once and
// carry the value in their input snapshot.
//
// Runtime flag overrides sit on top of the configured policy and survive
// policy file reloads until cleared.
type PolicyStore struct {
	current   atomic.Pointer[model.Policy]
	overrides atomic.Pointer[map[Flag]bool]
	mu        sync.Mutex // serializes override writers
}

// NewPolicyStore returns a store initialized with p.
func NewPolicyStore(p model.Policy) *PolicyStore {
	s := &PolicyStore{}
	s.current.Store(&p)
	s.overrides.Store(&map[Flag]bool{})
	return s
}

// Current returns the active policy with runtime overrides applied.
func (s *PolicyStore) Current() model.Policy {
	p := *s.current.Load()
	for f, on := range *s.overrides.Load() {
		switch f {
		case FlagJudgment:
			p.JudgmentEnabled = on
		case FlagDelivery:
			p.DeliveryEnabled = on
		}
	}
	return p
}

// Set validates p and makes it the configured policy. Overrides still apply.
func (s *PolicyStore) Set(p model.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.current.Store(&p)
	return nil
}

// Override pins f to on until ClearOverride.
func (s *PolicyStore) Override(f Flag, on bool) {
	s.updateOverrides(func(m map[Flag]bool) { m[f] = on })
}

// ClearOverride drops a runtime override so f follows configuration again.
func (s *PolicyStore) ClearOverride(f Flag) {
	s.updateOverrides(func(m map[Flag]bool) { delete(m, f) })
}

// Overridden returns the overridden flag names in sorted order.
func (s *PolicyStore) Overridden() []string {
	m := *s.overrides.Load()
	out := make([]string, 0, len(m))
	for f := range m {
		out = append(out, string(f))
	}
	slices.Sort(out)
	return out
}

func (s *PolicyStore) updateOverrides(fn func(map[Flag]bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(*s.overrides.Load())
	fn(next)
	s.overrides.Store(&next)
}

// PolicyWatcher reloads the policy overlay file into a PolicyStore when it
// changes on disk. An invalid file is logged and the previous policy stays.
type PolicyWatcher struct {
	path   string
	base   model.Policy
	store  *PolicyStore
	logger *slog.Logger
}

// NewPolicyWatcher creates a watcher for path. base is the policy the
// overlay is applied on top of, usually model.DefaultPolicy().
func NewPolicyWatcher(path string, base model.Policy, store *PolicyStore, logger *slog.Logger) *PolicyWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWatcher{path: path, base: base, store: store, logger: logger}
}

// Start watches the file's directory until ctx is cancelled. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	go func() {
		defer func() { _ = fsw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload(ev.Op)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *PolicyWatcher) reload(op fsnotify.Op) {
	p, err := LoadPolicyFile(w.path, w.base)
	if err != nil {
		w.logger.Warn("policy reload failed, keeping previous policy", "path", w.path, "op", op.String(), "error", err)
		return
	}
	if err := w.store.Set(p); err != nil {
		w.logger.Warn("policy reload rejected, keeping previous policy", "path", w.path, "error", err)
		return
	}
	w.logger.Info("policy reloaded", "path", w.path, "op", op.String(),
		"immediate", p.Thresholds.Immediate, "boundary", p.Thresholds.Boundary, "batch", p.Thresholds.Batch,
		"judgment_enabled", p.JudgmentEnabled, "delivery_enabled", p.DeliveryEnabled)
}
