// Package runner drives the probe loop for a single target.
//
// # Loop
//
// 1. Wait for the global probe-rate limiter
// 2. Probe with the target's timeout
// 3. Append the record, feed the confirmation state machine
// 4. Publish a status update (always) and a transition (on confirmation)
// 5. Sleep until lastStart + interval
//
// The first probe runs immediately so the dashboard is meaningful right
// after startup. The loop owns the target's status exclusively; readers get
// value snapshots through Status.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ifpj/netwatch/internal/bus"
	"github.com/ifpj/netwatch/internal/history"
	"github.com/ifpj/netwatch/internal/probe"
	"github.com/ifpj/netwatch/internal/state"
	"github.com/ifpj/netwatch/pkg/types"
)

// RecentWindow is how many records ride along on each status update event.
// The full history is served by /api/status, not the event stream.
const RecentWindow = 30

// Config assembles a runner.
type Config struct {
	Target        types.Target
	Prober        probe.Prober
	Bus           *bus.Bus
	Limiter       *rate.Limiter // may be nil
	RetentionDays int
	Logger        *slog.Logger
}

// Runner probes one target on its interval.
type Runner struct {
	target  types.Target
	prober  probe.Prober
	bus     *bus.Bus
	limiter *rate.Limiter
	logger  *slog.Logger

	// mu guards sm; records has its own lock. Readers (HTTP handlers,
	// snapshot writer) get value snapshots via Status.
	mu      sync.Mutex
	sm      *state.Machine
	records *history.Ring
}

// New creates a runner in the Unknown state with empty history.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	return &Runner{
		target:  cfg.Target,
		prober:  cfg.Prober,
		bus:     cfg.Bus,
		limiter: cfg.Limiter,
		logger:  logger.With("component", "runner", "target", cfg.Target.Name),
		sm:      state.New(cfg.Target.Threshold),
		records: history.New(retention, history.Capacity(cfg.RetentionDays, cfg.Target.Interval)),
	}
}

// Restore seeds confirmed state and history from a snapshot or from the
// runner this one replaces after a parameter edit. Pending counters are
// dropped; they described probes the new loop never saw.
func (r *Runner) Restore(st types.TargetStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.CurrentState != nil {
		confirmed := types.StateDown
		if *st.CurrentState {
			confirmed = types.StateUp
		}
		r.sm.Restore(confirmed, st.ConfirmedAt)
	}
	r.records.Replace(st.Records)
}

// Target returns the runner's target definition.
func (r *Runner) Target() types.Target {
	return r.target
}

// Status returns a point-in-time copy of the target's full status.
func (r *Runner) Status() types.TargetStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status(r.records.All())
}

// status assembles a TargetStatus around the given record slice.
// Caller holds r.mu.
func (r *Runner) status(records []types.ProbeRecord) types.TargetStatus {
	st := types.TargetStatus{
		Target:      r.target,
		ConfirmedAt: r.sm.ConfirmedAt(),
		Records:     records,
	}
	if s := r.sm.State(); s != types.StateUnknown {
		up := s.IsUp()
		st.CurrentState = &up
	}
	st.PendingState, st.PendingCount = r.sm.Pending()
	return st
}

// Run probes until ctx is cancelled. It returns ctx.Err, or panics out to
// the supervisor on an internal invariant violation.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Debug("runner started",
		"protocol", r.target.Protocol,
		"interval", r.target.Interval,
		"timeout", r.target.Timeout)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		start := time.Now()
		r.probeOnce(ctx)

		// Next probe starts interval after this one started, regardless of
		// how long the probe itself took.
		wait := time.Until(start.Add(r.target.IntervalDuration()))
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// probeOnce runs one probe cycle: probe, record, confirm, publish.
func (r *Runner) probeOnce(ctx context.Context) {
	rec := r.prober.Probe(ctx, r.target)
	if ctx.Err() != nil {
		// Shutting down; an abandoned probe's outcome is not data.
		return
	}

	r.records.Append(rec)

	r.mu.Lock()
	from, to, flipped := r.sm.Observe(rec.Success, rec.Timestamp)
	update := r.status(r.records.Recent(RecentWindow))
	r.mu.Unlock()

	r.bus.PublishStatus(update)

	if !flipped {
		return
	}
	tr := types.Transition{
		Target:  r.target,
		From:    from,
		To:      to,
		At:      rec.Timestamp,
		Message: rec.Message,
	}
	r.logger.Info("state transition",
		"from", from,
		"to", to,
		"latency_ms", rec.LatencyMs,
		"message", rec.Message)
	r.bus.PublishTransition(tr)
}
