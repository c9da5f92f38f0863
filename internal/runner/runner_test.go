package runner

import (
	"context"
	"testing"
	"time"

	"github.com/ifpj/netwatch/internal/bus"
	"github.com/ifpj/netwatch/internal/testutil"
	"github.com/ifpj/netwatch/pkg/types"
)

// scriptedProber replays a fixed outcome sequence, then repeats the last.
type scriptedProber struct {
	proto    types.Protocol
	outcomes []bool
	calls    chan struct{}
	i        int
}

func newScriptedProber(outcomes ...bool) *scriptedProber {
	return &scriptedProber{
		proto:    types.ProtocolTCP,
		outcomes: outcomes,
		calls:    make(chan struct{}, 100),
	}
}

func (p *scriptedProber) Protocol() types.Protocol { return p.proto }

func (p *scriptedProber) Probe(ctx context.Context, target types.Target) types.ProbeRecord {
	idx := p.i
	if idx >= len(p.outcomes) {
		idx = len(p.outcomes) - 1
	}
	p.i++
	select {
	case p.calls <- struct{}{}:
	default:
	}
	rec := types.ProbeRecord{
		Success:   p.outcomes[idx],
		Timestamp: time.Now().UTC(),
	}
	if rec.Success {
		rec.LatencyMs = 5
	} else {
		rec.Message = "connection refused"
	}
	return rec
}

func shortTarget() types.Target {
	return testutil.FixtureTarget(func(t *types.Target) {
		t.Interval = 1
		t.Timeout = 1 // probers are mocked, never sleeps
		t.Threshold = 2
	})
}

// waitCalls blocks until the prober has run n times.
func waitCalls(t *testing.T, p *scriptedProber, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.calls:
		case <-time.After(5 * time.Second):
			t.Fatalf("prober reached only %d of %d calls", i, n)
		}
	}
}

func TestRunner_FirstProbeRunsImmediately(t *testing.T) {
	prober := newScriptedProber(true)
	r := New(Config{
		Target:        shortTarget(),
		Prober:        prober,
		Bus:           bus.New(0),
		RetentionDays: 1,
		Logger:        testutil.NewTestLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case <-prober.calls:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("first probe did not run immediately")
	}
}

func TestRunner_PublishesStatusAndTransition(t *testing.T) {
	b := bus.New(0)
	statuses := b.Subscribe(bus.KindStatus)
	transitions := b.Subscribe(bus.KindTransition)
	defer statuses.Close()
	defer transitions.Close()

	prober := newScriptedProber(true)
	r := New(Config{
		Target:        shortTarget(),
		Prober:        prober,
		Bus:           b,
		RetentionDays: 1,
		Logger:        testutil.NewTestLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case ev := <-statuses.Events():
		st := ev.Status
		if len(st.Records) != 1 || !st.Records[0].Success {
			t.Errorf("status records = %+v", st.Records)
		}
		if st.CurrentState == nil || !*st.CurrentState {
			t.Error("status must carry the confirmed UP state")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no status update published")
	}

	select {
	case ev := <-transitions.Events():
		tr := ev.Transition
		if tr.From != types.StateUnknown || tr.To != types.StateUp {
			t.Errorf("transition = %s->%s, want UNKNOWN->UP", tr.From, tr.To)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first confirmation did not publish a transition")
	}
}

func TestRunner_AppendsHistoryInOrder(t *testing.T) {
	prober := newScriptedProber(true, true, false)
	r := New(Config{
		Target:        shortTarget(),
		Prober:        prober,
		Bus:           bus.New(0),
		RetentionDays: 1,
		Logger:        testutil.NewTestLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.After(10 * time.Second)
	for {
		st := r.Status()
		if len(st.Records) >= 3 {
			if st.Records[0].Success {
				t.Error("newest record should be the scripted failure")
			}
			for i := 1; i < len(st.Records); i++ {
				if st.Records[i].Timestamp.After(st.Records[i-1].Timestamp) {
					t.Error("records not newest-first")
				}
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("only %d records landed", len(st.Records))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunner_RestoreCarriesStateAndHistory(t *testing.T) {
	target := shortTarget()
	st := testutil.FixtureStatus(target, 30)

	r := New(Config{
		Target:        target,
		Prober:        newScriptedProber(true),
		Bus:           bus.New(0),
		RetentionDays: 1,
		Logger:        testutil.NewTestLogger(),
	})
	r.Restore(st)

	got := r.Status()
	if len(got.Records) != 30 {
		t.Fatalf("records = %d, want 30", len(got.Records))
	}
	if got.CurrentState == nil || !*got.CurrentState {
		t.Error("confirmed state not restored")
	}
	if got.PendingCount != 0 {
		t.Error("pending counters must reset on restore")
	}
}

func TestRunner_StopsOnCancel(t *testing.T) {
	prober := newScriptedProber(true)
	r := New(Config{
		Target:        shortTarget(),
		Prober:        prober,
		Bus:           bus.New(0),
		RetentionDays: 1,
		Logger:        testutil.NewTestLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	waitCalls(t, prober, 1)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop on cancellation")
	}
}
