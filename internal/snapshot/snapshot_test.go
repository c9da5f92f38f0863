package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ifpj/netwatch/internal/testutil"
	"github.com/ifpj/netwatch/pkg/types"
)

// staticSource serves a fixed status set.
type staticSource struct{ statuses []types.TargetStatus }

func (s *staticSource) Statuses() []types.TargetStatus { return s.statuses }

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	target := testutil.FixtureTarget()
	st := testutil.FixtureStatus(target, 8, func(s *types.TargetStatus) {
		s.PendingCount = 2 // mid-flap at shutdown
		s.PendingState = false
	})

	m := NewManager(path, &staticSource{[]types.TargetStatus{st}}, 0, testutil.NewTestLogger())
	if err := m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := restored[target.ID]
	if !ok {
		t.Fatalf("target %s missing from snapshot", target.ID)
	}
	if got.CurrentState == nil || *got.CurrentState != *st.CurrentState {
		t.Error("current_state did not round-trip")
	}
	if !got.ConfirmedAt.Equal(st.ConfirmedAt) {
		t.Errorf("confirmed_at = %v, want %v", got.ConfirmedAt, st.ConfirmedAt)
	}
	if len(got.Records) != len(st.Records) {
		t.Errorf("records = %d, want %d", len(got.Records), len(st.Records))
	}
	for i := range st.Records {
		if !got.Records[i].Timestamp.Equal(st.Records[i].Timestamp) {
			t.Errorf("record %d timestamp drifted", i)
		}
	}
	// Pending counters describe a dead probe streak and must reset.
	if got.PendingCount != 0 {
		t.Errorf("pending_count = %d after restore, want 0", got.PendingCount)
	}
}

func TestLoad_MissingFileIsColdStart(t *testing.T) {
	restored, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing cache must not error: %v", err)
	}
	if len(restored) != 0 {
		t.Errorf("restored = %d entries from nothing", len(restored))
	}
}

func TestLoad_CorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte(`{"version": 1, "statuses": {`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("corrupt cache must surface an error for the cold-start path")
	}
}

func TestLoad_UnsupportedVersionErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "statuses": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("future snapshot version must not be silently accepted")
	}
}

func TestSave_LeavesNoTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	m := NewManager(path, &staticSource{nil}, 0, testutil.NewTestLogger())
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestSave_OverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	target := testutil.FixtureTarget()
	src := &staticSource{[]types.TargetStatus{testutil.FixtureStatus(target, 1)}}
	m := NewManager(path, src, 0, testutil.NewTestLogger())

	if err := m.Save(); err != nil {
		t.Fatal(err)
	}
	src.statuses = []types.TargetStatus{testutil.FixtureStatus(target, 2)}
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}

	restored, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(restored[target.ID].Records); got != 2 {
		t.Errorf("records = %d, want the second write's 2", got)
	}
}
