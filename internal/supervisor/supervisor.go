// Package supervisor owns the live set of target runners and reconciles it
// with configuration changes.
//
// # Hot-reload
//
// Apply never tears down the whole runner set. Each target is matched by id
// and then by a content hash over its probing parameters:
//
//   - id gone from the new config: stop the runner, discard its status
//   - new id: start a fresh runner (warm-started from a snapshot if one
//     was restored at boot)
//   - same id, same hash: leave the runner untouched, history and confirmed
//     state intact
//   - same id, changed hash: restart the runner, carrying records and
//     confirmed state across since the endpoint identity is unchanged
//
// Reconciliations are serialized; concurrent config POSTs apply in arrival
// order.
//
// # Crash isolation
//
// A panicking runner is caught at the supervisor boundary, logged, and
// restarted after one second with its status preserved. One broken target
// never takes down the monitor.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ifpj/netwatch/internal/bus"
	"github.com/ifpj/netwatch/internal/config"
	"github.com/ifpj/netwatch/internal/probe"
	"github.com/ifpj/netwatch/internal/runner"
	"github.com/ifpj/netwatch/pkg/types"
)

// restartBackoff is the pause before restarting a crashed runner.
const restartBackoff = 1 * time.Second

// AlertSink receives the alert section of each applied config. Implemented
// by the webhook dispatcher.
type AlertSink interface {
	Configure(types.AlertConfig)
}

// Config assembles a supervisor.
type Config struct {
	Registry   *probe.Registry
	Bus        *bus.Bus
	Limiter    *rate.Limiter // may be nil
	AlertSink  AlertSink     // may be nil
	ConfigPath string        // "" disables persistence (tests)
	Logger     *slog.Logger
}

// Supervisor owns the target_id -> runner map.
type Supervisor struct {
	registry  *probe.Registry
	bus       *bus.Bus
	limiter   *rate.Limiter
	alertSink AlertSink
	path      string
	logger    *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cfg     *types.Config
	handles map[string]*handle
	order   []string // target ids in config order
}

// handle tracks one running target loop.
type handle struct {
	target types.Target
	hash   uint64
	runner *runner.Runner
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor with no runners.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		registry:  cfg.Registry,
		bus:       cfg.Bus,
		limiter:   cfg.Limiter,
		alertSink: cfg.AlertSink,
		path:      cfg.ConfigPath,
		logger:    logger.With("component", "supervisor"),
		handles:   make(map[string]*handle),
	}
}

// Start launches runners for the initial config. Restored statuses (from
// the snapshot file) warm-start runners by target id; ids without a config
// entry are discarded. The initial config is not re-persisted.
func (s *Supervisor) Start(ctx context.Context, cfg *types.Config, restored map[string]types.TargetStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx
	if err := s.reconcile(cfg, restored); err != nil {
		return err
	}
	if s.alertSink != nil {
		s.alertSink.Configure(cfg.Alert)
	}
	return nil
}

// Apply reconciles the runner set with a new config and persists it.
func (s *Supervisor) Apply(cfg *types.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return fmt.Errorf("supervisor not started")
	}
	if err := s.reconcile(cfg, nil); err != nil {
		return err
	}
	if s.alertSink != nil {
		s.alertSink.Configure(cfg.Alert)
	}
	if s.path != "" {
		if err := config.Save(s.path, cfg); err != nil {
			return fmt.Errorf("persisting config: %w", err)
		}
	}
	s.logger.Info("config applied",
		"targets", len(cfg.Targets),
		"webhooks", len(cfg.Alert.Webhooks))
	return nil
}

// reconcile applies the id-plus-content-hash diff. Caller holds s.mu.
func (s *Supervisor) reconcile(cfg *types.Config, restored map[string]types.TargetStatus) error {
	s.cfg = cfg

	newIDs := make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		newIDs[t.ID] = true
	}

	// Stop runners whose target is gone; their status goes with them.
	for id, h := range s.handles {
		if !newIDs[id] {
			s.stopHandle(h)
			delete(s.handles, id)
			s.logger.Info("target removed", "target", h.target.Name, "id", id)
		}
	}

	order := make([]string, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		order = append(order, t.ID)
		hash := t.ContentHash()

		h, exists := s.handles[t.ID]
		if exists && h.hash == hash {
			// Probing parameters unchanged; cosmetic edits (name) show up in
			// Status/Statuses without touching the loop. The runner's own
			// events keep the target definition it was started with.
			h.target = t
			continue
		}

		var carry *types.TargetStatus
		if exists {
			st := h.runner.Status()
			carry = &st
			s.stopHandle(h)
			s.logger.Info("target parameters changed, restarting runner",
				"target", t.Name, "id", t.ID)
		} else if restored != nil {
			if st, ok := restored[t.ID]; ok {
				carry = &st
			}
		}

		nh, err := s.startHandle(t, hash, carry)
		if err != nil {
			return err
		}
		s.handles[t.ID] = nh
	}

	s.order = order
	return nil
}

// startHandle builds and launches a runner. Caller holds s.mu.
func (s *Supervisor) startHandle(t types.Target, hash uint64, carry *types.TargetStatus) (*handle, error) {
	prober, ok := s.registry.Get(t.Protocol)
	if !ok {
		return nil, fmt.Errorf("target %q: no prober for protocol %s (missing capability?)", t.ID, t.Protocol)
	}

	r := runner.New(runner.Config{
		Target:        t,
		Prober:        prober,
		Bus:           s.bus,
		Limiter:       s.limiter,
		RetentionDays: s.retentionDays(),
		Logger:        s.logger,
	})
	if carry != nil {
		r.Restore(*carry)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	h := &handle{
		target: t,
		hash:   hash,
		runner: r,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.supervise(ctx, h)
	return h, nil
}

// supervise runs the runner loop, restarting it after a backoff if it
// panics. The runner's status survives restarts untouched.
func (s *Supervisor) supervise(ctx context.Context, h *handle) {
	defer close(h.done)
	for {
		err := s.runSafely(ctx, h)
		if err == nil || ctx.Err() != nil {
			return
		}
		s.logger.Error("runner crashed, restarting",
			"target", h.target.Name,
			"error", err,
			"backoff", restartBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartBackoff):
		}
	}
}

// runSafely converts a runner panic into an error at the supervisor
// boundary.
func (s *Supervisor) runSafely(ctx context.Context, h *handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	h.runner.Run(ctx)
	return nil
}

// stopHandle cancels a runner and waits for its loop to exit. Caller holds
// s.mu.
func (s *Supervisor) stopHandle(h *handle) {
	h.cancel()
	<-h.done
}

// Wait blocks until every runner has stopped or the timeout elapses. Called
// at shutdown after the root context is cancelled.
func (s *Supervisor) Wait(timeout time.Duration) {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline.C:
			s.logger.Warn("timed out waiting for runners to stop")
			return
		}
	}
}

// Statuses returns a snapshot of every target's status in config order.
func (s *Supervisor) Statuses() []types.TargetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TargetStatus, 0, len(s.order))
	for _, id := range s.order {
		if h, ok := s.handles[id]; ok {
			st := h.runner.Status()
			st.Target = h.target
			out = append(out, st)
		}
	}
	return out
}

// Status returns one target's status snapshot.
func (s *Supervisor) Status(id string) (types.TargetStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return types.TargetStatus{}, false
	}
	st := h.runner.Status()
	st.Target = h.target
	return st, true
}

// Config returns the active configuration.
func (s *Supervisor) Config() *types.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// MaxProbeTimeout returns the largest configured probe timeout, used to
// size the shutdown grace period.
func (s *Supervisor) MaxProbeTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := time.Duration(0)
	for _, h := range s.handles {
		if d := h.target.TimeoutDuration(); d > max {
			max = d
		}
	}
	return max
}

// retentionDays reads the active retention setting. Caller holds s.mu.
func (s *Supervisor) retentionDays() int {
	if s.cfg == nil {
		return config.DefaultRetentionDays
	}
	return s.cfg.DataRetentionDays
}
