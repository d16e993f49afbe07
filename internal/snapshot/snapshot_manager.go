// ============================================================================
// hackops export snapshots
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot_manager.go
// Purpose: Point-in-time JSON export of action records, print jobs and agent
// heartbeats for the audit and analytics side.
//
// Atomic write:
//   1. encode to <path>.tmp
//   2. fsync
//   3. rename over <path>
//   A reader sees the previous export or the new one, never a partial file.
//
// File layout:
//   {
//     "schema_version": 1,
//     "exported_at": "...",
//     "actions": [...],
//     "jobs": [...],
//     "agents": [...]
//   }
//
// ============================================================================

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
)

// SchemaVersion is the export format written by this package.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Export is the content of one snapshot file.
type Export struct {
	SchemaVer  int                    `json:"schema_version"`
	ExportedAt time.Time              `json:"exported_at"`
	Actions    []types.ActionRecord   `json:"actions"`
	Jobs       []types.PrintJob       `json:"jobs"`
	Agents     []types.AgentHeartbeat `json:"agents"`
}

// JobsByStatus counts the exported jobs per status.
func (e Export) JobsByStatus() map[types.JobStatus]int {
	out := make(map[types.JobStatus]int, len(types.JobStatuses))
	for _, job := range e.Jobs {
		out[job.Status]++
	}
	return out
}

// Capture reads the full store into an Export.
func Capture(ctx context.Context, s store.Store, at time.Time) (Export, error) {
	actions, err := s.ListActions(ctx, store.ActionFilter{})
	if err != nil {
		return Export{}, fmt.Errorf("capture actions: %w", err)
	}
	jobs, err := s.ListPrintJobs(ctx, store.JobFilter{})
	if err != nil {
		return Export{}, fmt.Errorf("capture jobs: %w", err)
	}
	agents, err := s.ListHeartbeats(ctx)
	if err != nil {
		return Export{}, fmt.Errorf("capture heartbeats: %w", err)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })

	return Export{
		SchemaVer:  SchemaVersion,
		ExportedAt: at.UTC(),
		Actions:    actions,
		Jobs:       jobs,
		Agents:     agents,
	}, nil
}

// Manager writes and loads the export at one path.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write replaces the export atomically.
func (m *Manager) Write(data Export) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data Export) error {
	data.SchemaVer = SchemaVersion
	if data.Actions == nil {
		data.Actions = []types.ActionRecord{}
	}
	if data.Jobs == nil {
		data.Jobs = []types.PrintJob{}
	}
	if data.Agents == nil {
		data.Agents = []types.AgentHeartbeat{}
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if _, err := f.Write(jsonBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads and validates the export.
func (m *Manager) Load() (Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Export
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return Export{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return Export{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup renames the current export to <path>.<timestamp> before
// writing, and keeps at most keepBackups of those backups.
func (m *Manager) WriteWithBackup(data Export, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().UTC().Format("20060102T150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	if err := m.writeLocked(data); err != nil {
		return err
	}
	return m.pruneBackups(keepBackups)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range matches {
		if strings.HasSuffix(p, ".tmp") {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("list snapshot backups: %w", err)
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("remove old snapshot backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
