// Package snapshot persists per-target status across restarts.
//
// # Design
//
// The cache file is a whole-state JSON document written atomically (temp
// file + rename) every snapshot interval and once more at shutdown. There
// is no write-ahead log; losing up to one interval of records on a crash is
// an accepted trade for dead-simple durability.
//
// A corrupt or unreadable cache degrades to a cold start with a warning,
// never a refusal to boot.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ifpj/netwatch/pkg/types"
)

// DefaultInterval is how often the periodic snapshot loop writes.
const DefaultInterval = 5 * time.Minute

// StatusSource yields the statuses to persist. Implemented by the
// supervisor.
type StatusSource interface {
	Statuses() []types.TargetStatus
}

// Manager writes periodic and shutdown-time snapshots.
type Manager struct {
	path     string
	source   StatusSource
	interval time.Duration
	logger   *slog.Logger
}

// NewManager creates a snapshot manager. A zero interval means
// DefaultInterval.
func NewManager(path string, source StatusSource, interval time.Duration, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		path:     path,
		source:   source,
		interval: interval,
		logger:   logger.With("component", "snapshot"),
	}
}

// Run writes snapshots on the interval until ctx is cancelled. The final
// shutdown snapshot is the coordinator's job, not Run's: it must happen
// after the runners have quiesced.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Save(); err != nil {
				m.logger.Error("periodic snapshot failed", "error", err)
			}
		}
	}
}

// Save atomically writes the current statuses to the cache file.
func (m *Manager) Save() error {
	statuses := m.source.Statuses()
	snap := types.Snapshot{
		Version:  types.SnapshotVersion,
		Statuses: make(map[string]types.TargetStatus, len(statuses)),
	}
	for _, st := range statuses {
		snap.Statuses[st.Target.ID] = st
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing snapshot file: %w", err)
	}

	m.logger.Debug("snapshot written", "targets", len(snap.Statuses))
	return nil
}

// Load reads the cache file and returns statuses keyed by target id.
//
// A missing file returns an empty map: first boot is not an error. Pending
// counters are zeroed on the way out since the probe streak they counted
// died with the old process.
func Load(path string) (map[string]types.TargetStatus, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]types.TargetStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if snap.Version != types.SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	for id, st := range snap.Statuses {
		st.PendingCount = 0
		st.PendingState = st.CurrentState != nil && *st.CurrentState
		snap.Statuses[id] = st
	}
	return snap.Statuses, nil
}
