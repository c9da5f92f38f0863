package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ifpj/netwatch/internal/bus"
	"github.com/ifpj/netwatch/internal/probe"
	"github.com/ifpj/netwatch/internal/testutil"
	"github.com/ifpj/netwatch/pkg/types"
)

// countingProber counts probes per target and always reports UP.
type countingProber struct {
	mu    sync.Mutex
	count map[string]int
}

func newCountingProber() *countingProber {
	return &countingProber{count: make(map[string]int)}
}

func (p *countingProber) Protocol() types.Protocol { return types.ProtocolTCP }

func (p *countingProber) Probe(ctx context.Context, target types.Target) types.ProbeRecord {
	p.mu.Lock()
	p.count[target.ID]++
	p.mu.Unlock()
	return types.ProbeRecord{Success: true, LatencyMs: 1, Timestamp: time.Now().UTC()}
}

func (p *countingProber) probes(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count[id]
}

// panicProber blows up on every probe, to exercise crash isolation.
type panicProber struct{ calls chan struct{} }

func (p *panicProber) Protocol() types.Protocol { return types.ProtocolTCP }

func (p *panicProber) Probe(ctx context.Context, target types.Target) types.ProbeRecord {
	select {
	case p.calls <- struct{}{}:
	default:
	}
	panic("wire tripped")
}

func registryWith(t *testing.T, p probe.Prober) *probe.Registry {
	t.Helper()
	r := probe.NewRegistry()
	if err := r.Register(p); err != nil {
		t.Fatal(err)
	}
	return r
}

func newSupervisor(t *testing.T, p probe.Prober) *Supervisor {
	t.Helper()
	return New(Config{
		Registry: registryWith(t, p),
		Bus:      bus.New(0),
		Logger:   testutil.NewTestLogger(),
	})
}

func startSupervisor(t *testing.T, s *Supervisor, cfg *types.Config, restored map[string]types.TargetStatus) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx, cfg, restored); err != nil {
		cancel()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		s.Wait(5 * time.Second)
	})
	return cancel
}

// waitFor polls until cond is true or the deadline hits.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func slowTarget(name string) types.Target {
	return testutil.FixtureTarget(func(tg *types.Target) {
		tg.ID = name
		tg.Name = name
		tg.Interval = 3600 // one immediate probe, then quiet
		tg.Timeout = 2
	})
}

func TestSupervisor_StartsRunnerPerTarget(t *testing.T) {
	prober := newCountingProber()
	s := newSupervisor(t, prober)
	startSupervisor(t, s, testutil.FixtureConfig(slowTarget("a"), slowTarget("b")), nil)

	waitFor(t, "both targets probed", func() bool {
		return prober.probes("a") >= 1 && prober.probes("b") >= 1
	})

	statuses := s.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if statuses[0].Target.ID != "a" || statuses[1].Target.ID != "b" {
		t.Error("statuses must come back in config order")
	}
}

func TestSupervisor_NameEditPreservesRunner(t *testing.T) {
	prober := newCountingProber()
	s := newSupervisor(t, prober)
	startSupervisor(t, s, testutil.FixtureConfig(slowTarget("a")), nil)
	waitFor(t, "first probe", func() bool { return prober.probes("a") >= 1 })

	before, _ := s.Status("a")
	records := len(before.Records)

	renamed := slowTarget("a")
	renamed.Name = "renamed"
	if err := s.Apply(testutil.FixtureConfig(renamed)); err != nil {
		t.Fatal(err)
	}

	after, ok := s.Status("a")
	if !ok {
		t.Fatal("target lost across rename")
	}
	if len(after.Records) != records {
		t.Errorf("records = %d, want %d preserved", len(after.Records), records)
	}
	if after.Target.Name != "renamed" {
		t.Errorf("name = %q, want renamed", after.Target.Name)
	}
	// Unchanged hash means the loop never restarted: no extra immediate
	// first probe fired.
	if got := prober.probes("a"); got != 1 {
		t.Errorf("probe count = %d, want 1 (no restart)", got)
	}
}

func TestSupervisor_ParameterChangeRestartsCarryingHistory(t *testing.T) {
	prober := newCountingProber()
	s := newSupervisor(t, prober)
	startSupervisor(t, s, testutil.FixtureConfig(slowTarget("a")), nil)
	waitFor(t, "first probe", func() bool { return prober.probes("a") >= 1 })
	waitFor(t, "first record", func() bool {
		st, _ := s.Status("a")
		return len(st.Records) >= 1
	})

	before, _ := s.Status("a")

	changed := slowTarget("a")
	changed.Port = testutil.IntPtr(81)
	if err := s.Apply(testutil.FixtureConfig(changed)); err != nil {
		t.Fatal(err)
	}

	// The restarted runner probes immediately: history grows past the
	// carried records instead of starting over.
	waitFor(t, "post-restart probe", func() bool { return prober.probes("a") >= 2 })
	waitFor(t, "carried history grows", func() bool {
		st, _ := s.Status("a")
		return len(st.Records) >= len(before.Records)+1
	})

	after, _ := s.Status("a")
	if after.CurrentState == nil || !*after.CurrentState {
		t.Error("confirmed state must carry across a parameter change")
	}
	if *after.Target.Port != 81 {
		t.Error("new parameters not applied")
	}
}

func TestSupervisor_RemovedTargetStops(t *testing.T) {
	prober := newCountingProber()
	s := newSupervisor(t, prober)
	startSupervisor(t, s, testutil.FixtureConfig(slowTarget("a"), slowTarget("b")), nil)
	waitFor(t, "both probed", func() bool {
		return prober.probes("a") >= 1 && prober.probes("b") >= 1
	})

	if err := s.Apply(testutil.FixtureConfig(slowTarget("a"))); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Status("b"); ok {
		t.Error("removed target still has a status")
	}
	if len(s.Statuses()) != 1 {
		t.Error("statuses must shrink with the config")
	}
}

func TestSupervisor_RestoresFromSnapshot(t *testing.T) {
	target := slowTarget("a")
	restored := map[string]types.TargetStatus{
		"a":    testutil.FixtureStatus(target, 12),
		"gone": testutil.FixtureStatus(slowTarget("gone"), 5),
	}

	prober := newCountingProber()
	s := newSupervisor(t, prober)
	startSupervisor(t, s, testutil.FixtureConfig(target), restored)

	waitFor(t, "warm-started history grows", func() bool {
		st, _ := s.Status("a")
		return len(st.Records) >= 13
	})
	st, _ := s.Status("a")
	if st.CurrentState == nil || !*st.CurrentState {
		t.Error("snapshot state not restored")
	}
	if _, ok := s.Status("gone"); ok {
		t.Error("snapshot-only target must be discarded")
	}
}

func TestSupervisor_RestartsCrashedRunner(t *testing.T) {
	prober := &panicProber{calls: make(chan struct{}, 10)}
	s := newSupervisor(t, prober)
	startSupervisor(t, s, testutil.FixtureConfig(slowTarget("a")), nil)

	// Two probe calls means the supervisor restarted the loop after the
	// first panic.
	for i := 0; i < 2; i++ {
		select {
		case <-prober.calls:
		case <-time.After(10 * time.Second):
			t.Fatalf("probe call %d never happened; crashed runner not restarted", i+1)
		}
	}
	if _, ok := s.Status("a"); !ok {
		t.Error("crashed runner lost its status")
	}
}

func TestSupervisor_ApplyBeforeStartFails(t *testing.T) {
	s := newSupervisor(t, newCountingProber())
	if err := s.Apply(testutil.FixtureConfig(slowTarget("a"))); err == nil {
		t.Error("Apply before Start must fail")
	}
}
