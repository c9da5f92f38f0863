// Package probe implements the protocol-level reachability checks.
//
// # Design
//
//  1. One Prober per protocol, all implementing a small shared interface
//  2. A Registry maps protocols to probers and verifies capabilities at
//     registration, not at probe time
//  3. Probe failures are data: Probe always returns a ProbeRecord, never an
//     error. The record's Message carries the failure detail.
//
// # Deadlines
//
// Every prober derives its own deadline from the target's timeout and
// enforces it on the underlying socket or request. A probe must not outlive
// its deadline by more than scheduling slack.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ifpj/netwatch/pkg/types"
)

// Prober executes probes for one protocol.
type Prober interface {
	// Protocol returns the protocol this prober handles.
	Protocol() types.Protocol

	// Probe checks the target once and reports the outcome. The outcome's
	// Timestamp is the probe start; LatencyMs is 0 on failure.
	Probe(ctx context.Context, target types.Target) types.ProbeRecord
}

// CapabilityChecker is implemented by probers that need host facilities
// beyond plain sockets. Check runs once at registration.
type CapabilityChecker interface {
	Check() error
}

// Registry maps protocols to probers.
type Registry struct {
	probers map[types.Protocol]Prober
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{probers: make(map[types.Protocol]Prober)}
}

// Register adds a prober. Returns an error if the protocol is already
// registered or the prober's capability check fails; the caller decides
// whether a failed check is fatal or just worth a loud diagnostic.
func (r *Registry) Register(p Prober) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	proto := p.Protocol()
	if _, exists := r.probers[proto]; exists {
		return fmt.Errorf("prober already registered: %s", proto)
	}
	if c, ok := p.(CapabilityChecker); ok {
		if err := c.Check(); err != nil {
			return fmt.Errorf("prober %s capability check: %w", proto, err)
		}
	}
	r.probers[proto] = p
	return nil
}

// Get returns the prober for a protocol.
func (r *Registry) Get(proto types.Protocol) (Prober, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probers[proto]
	return p, ok
}

// List returns all registered protocols.
func (r *Registry) List() []types.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	protos := make([]types.Protocol, 0, len(r.probers))
	for p := range r.probers {
		protos = append(protos, p)
	}
	return protos
}

// DefaultRegistry builds a registry with all built-in probers registered.
// Probers whose capability check fails (ICMP without socket permission) are
// skipped; the returned slice carries one diagnostic per skipped prober.
func DefaultRegistry() (*Registry, []error) {
	r := NewRegistry()
	var diags []error
	for _, p := range []Prober{
		NewTCPProber(),
		NewICMPProber(),
		NewDNSProber(),
		NewHTTPProber(types.ProtocolHTTP),
		NewHTTPProber(types.ProtocolHTTPS),
	} {
		if err := r.Register(p); err != nil {
			diags = append(diags, err)
		}
	}
	return r, diags
}

// =============================================================================
// HELPERS
// =============================================================================

// latencyMs converts a wall-clock duration to fractional milliseconds.
func latencyMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// failure builds a failed record with the probe start time and message.
func failure(start time.Time, msg string) types.ProbeRecord {
	return types.ProbeRecord{
		Success:   false,
		Message:   msg,
		Timestamp: start.UTC(),
	}
}

// success builds a successful record with the measured latency.
func success(start time.Time, latency time.Duration, msg string) types.ProbeRecord {
	return types.ProbeRecord{
		Success:   true,
		LatencyMs: latencyMs(latency),
		Message:   msg,
		Timestamp: start.UTC(),
	}
}
