// Package testutil provides testing utilities and fixtures.
//
// Fixtures use functional options for customization:
//
//	target := testutil.FixtureTarget()
//	target := testutil.FixtureTarget(func(t *types.Target) {
//		t.Protocol = types.ProtocolICMP
//		t.Port = nil
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ifpj/netwatch/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// IntPtr returns a pointer to p, for Target.Port literals in tests.
func IntPtr(p int) *int {
	return &p
}

// FixtureTarget creates a TCP target with sensible defaults.
func FixtureTarget(overrides ...func(*types.Target)) types.Target {
	target := types.Target{
		ID:        uuid.New().String(),
		Name:      "test-target-" + uuid.New().String()[:8],
		Protocol:  types.ProtocolTCP,
		Host:      "127.0.0.1",
		Port:      IntPtr(80),
		Interval:  10,
		Timeout:   2,
		Threshold: 3,
	}
	for _, override := range overrides {
		override(&target)
	}
	return target
}

// FixtureRecord creates a successful probe record stamped now.
func FixtureRecord(overrides ...func(*types.ProbeRecord)) types.ProbeRecord {
	rec := types.ProbeRecord{
		Success:   true,
		LatencyMs: 12.5,
		Timestamp: time.Now().UTC(),
	}
	for _, override := range overrides {
		override(&rec)
	}
	return rec
}

// FixtureStatus creates a confirmed-up status with n records, newest first.
func FixtureStatus(target types.Target, n int, overrides ...func(*types.TargetStatus)) types.TargetStatus {
	up := true
	now := time.Now().UTC()
	records := make([]types.ProbeRecord, n)
	for i := range records {
		records[i] = types.ProbeRecord{
			Success:   true,
			LatencyMs: 10,
			Timestamp: now.Add(-time.Duration(i) * time.Duration(target.Interval) * time.Second),
		}
	}
	st := types.TargetStatus{
		Target:       target,
		CurrentState: &up,
		ConfirmedAt:  now.Add(-time.Duration(n) * time.Second),
		PendingState: true,
		Records:      records,
	}
	for _, override := range overrides {
		override(&st)
	}
	return st
}

// FixtureConfig creates a config wrapping the given targets.
func FixtureConfig(targets ...types.Target) *types.Config {
	return &types.Config{
		Targets:           targets,
		Alert:             types.AlertConfig{Enabled: false},
		DataRetentionDays: 3,
	}
}
