// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace materializes isolated copies of a project and provides
// atomic, content-verified mutation on them.
//
// # Description
//
// A Manager owns one Workspace per active task. Apply lands whole
// changesets atomically through a stage-then-swap protocol, Revert restores
// byte-identical prior content from a reverse log, and Promote copies the
// final state back into the project root exactly once.
//
// # Thread Safety
//
// Manager and Workspace are safe for concurrent use. Mutations on a single
// Workspace are serialized by its internal mutex.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Workspace
// =============================================================================

// priorFile is the pre-apply state of one file, kept for revert.
type priorFile struct {
	existed bool
	content []byte
	mode    os.FileMode
}

// ApplyRecord is one entry in a workspace's reverse log.
type ApplyRecord struct {
	// ChangeSetID uniquely identifies the applied ChangeSet.
	ChangeSetID string

	// Fingerprint is the ChangeSet's content fingerprint.
	Fingerprint string

	// AppliedAt is when the apply completed.
	AppliedAt time.Time

	// Reverted indicates the record has been rolled back.
	Reverted bool

	// prior holds pre-apply file states keyed by workspace-relative path.
	prior map[string]*priorFile
}

// Paths returns the workspace-relative paths this record touched.
func (r *ApplyRecord) Paths() []string {
	paths := make([]string, 0, len(r.prior))
	for p := range r.prior {
		paths = append(paths, p)
	}
	return paths
}

// Workspace is an isolated, mutable view of one project for one task.
type Workspace struct {
	// TaskID is the owning task.
	TaskID string

	// Root is the absolute workspace directory.
	Root string

	// ProjectRoot is the absolute source project directory.
	ProjectRoot string

	strategy Strategy
	logger   *slog.Logger

	mu sync.Mutex

	// manifest maps workspace-relative paths to their sha256 at Begin time.
	// Promote uses it to detect drift in the project root.
	manifest map[string]string

	// current tracks the expected live hash of every workspace file. Apply
	// and Revert keep it in sync; the mutation watcher compares disk
	// against it when flagged.
	current map[string]string

	// log is the ordered reverse-patch log.
	log  []*ApplyRecord
	byID map[string]*ApplyRecord

	promoted bool
	released bool

	watcher *mutationWatcher
}

// StrategyName returns the name of the materialization strategy in use.
func (w *Workspace) StrategyName() string {
	return w.strategy.Name()
}

// History returns the apply records in application order.
func (w *Workspace) History() []*ApplyRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*ApplyRecord, len(w.log))
	copy(out, w.log)
	return out
}

// Promoted reports whether Promote has completed on this workspace.
func (w *Workspace) Promoted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.promoted
}

// resolve joins a workspace-relative path onto the workspace root.
func (w *Workspace) resolve(rel string) string {
	return filepath.Join(w.Root, filepath.FromSlash(rel))
}

// =============================================================================
// Manager
// =============================================================================

// ManagerConfig tunes workspace creation.
type ManagerConfig struct {
	// BaseDir is where mirror workspaces are created. Empty uses the
	// system temp directory.
	BaseDir string `yaml:"base_dir"`

	// WatchMutations enables the fsnotify watcher on mirror workspaces so
	// out-of-band edits between applies are flagged.
	WatchMutations bool `yaml:"watch_mutations"`
}

// Manager owns the active workspaces, one per task.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Workspace

	// promoteLocks serializes promotes per project root.
	promoteMu    sync.Mutex
	promoteLocks map[string]*sync.Mutex
}

// NewManager creates a workspace manager.
func NewManager(config ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:       config,
		logger:       logger,
		active:       make(map[string]*Workspace),
		promoteLocks: make(map[string]*sync.Mutex),
	}
}

// Begin materializes a workspace for a task.
//
// # Description
//
// Selects a strategy for the project root (git worktree when the project is
// under version control, full mirror otherwise), materializes the isolated
// view, and snapshots a content-hash manifest of every file. The source
// project root is never mutated here.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - projectRoot: Absolute path of the source project.
//   - taskID: Owning task. At most one workspace may exist per task.
//
// # Outputs
//
//   - *Workspace: The materialized workspace.
//   - error: ErrTaskActive when the task already has a workspace.
func (m *Manager) Begin(ctx context.Context, projectRoot, taskID string) (*Workspace, error) {
	if !filepath.IsAbs(projectRoot) {
		return nil, fmt.Errorf("projectRoot must be absolute: %s", projectRoot)
	}

	m.mu.Lock()
	if _, ok := m.active[taskID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskActive, taskID)
	}
	// Reserve the slot before the (slow) materialization.
	m.active[taskID] = nil
	m.mu.Unlock()

	ws, err := m.materialize(ctx, projectRoot, taskID)
	m.mu.Lock()
	if err != nil {
		delete(m.active, taskID)
		m.mu.Unlock()
		return nil, err
	}
	m.active[taskID] = ws
	m.mu.Unlock()

	m.logger.Info("workspace materialized",
		slog.String("task_id", taskID),
		slog.String("strategy", ws.StrategyName()),
		slog.String("root", ws.Root),
		slog.Int("manifest_files", len(ws.manifest)),
	)
	recordBeginMetric(ws.StrategyName())
	return ws, nil
}

func (m *Manager) materialize(ctx context.Context, projectRoot, taskID string) (*Workspace, error) {
	strategy := selectStrategy(projectRoot, taskID)

	baseDir := m.config.BaseDir
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	root, err := os.MkdirTemp(baseDir, "autoloop-ws-"+taskID+"-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	if err := strategy.Materialize(ctx, projectRoot, root); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("materializing workspace: %w", err)
	}

	manifest, err := hashTree(root)
	if err != nil {
		strategy.Cleanup(ctx, projectRoot, root)
		return nil, fmt.Errorf("hashing workspace: %w", err)
	}

	current := make(map[string]string, len(manifest))
	for path, hash := range manifest {
		current[path] = hash
	}

	ws := &Workspace{
		TaskID:      taskID,
		Root:        root,
		ProjectRoot: projectRoot,
		strategy:    strategy,
		logger:      m.logger,
		manifest:    manifest,
		current:     current,
		byID:        make(map[string]*ApplyRecord),
	}

	if m.config.WatchMutations && strategy.Name() == "mirror" {
		watcher, err := newMutationWatcher(root, m.logger)
		if err != nil {
			m.logger.Warn("mutation watcher unavailable", slog.String("error", err.Error()))
		} else {
			ws.watcher = watcher
		}
	}
	return ws, nil
}

// Get returns the active workspace for a task.
func (m *Manager) Get(taskID string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.active[taskID]
	if !ok || ws == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return ws, nil
}

// Release tears down a task's workspace and frees the task slot.
func (m *Manager) Release(ctx context.Context, taskID string) error {
	m.mu.Lock()
	ws, ok := m.active[taskID]
	delete(m.active, taskID)
	m.mu.Unlock()

	if !ok || ws == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	ws.mu.Lock()
	ws.released = true
	if ws.watcher != nil {
		ws.watcher.Close()
		ws.watcher = nil
	}
	ws.mu.Unlock()

	if err := ws.strategy.Cleanup(ctx, ws.ProjectRoot, ws.Root); err != nil {
		return fmt.Errorf("cleaning up workspace: %w", err)
	}
	m.logger.Info("workspace released", slog.String("task_id", taskID))
	return nil
}

// promoteLock returns the mutex serializing promotes into one project root.
func (m *Manager) promoteLock(projectRoot string) *sync.Mutex {
	m.promoteMu.Lock()
	defer m.promoteMu.Unlock()
	lock, ok := m.promoteLocks[projectRoot]
	if !ok {
		lock = &sync.Mutex{}
		m.promoteLocks[projectRoot] = lock
	}
	return lock
}

// =============================================================================
// Hashing
// =============================================================================

// hashTree hashes every regular file under root, keyed by slash-separated
// relative path.
func hashTree(root string) (map[string]string, error) {
	manifest := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		manifest[filepath.ToSlash(rel)] = hashBytes(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// hashBytes returns the hex sha256 of data.
func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
