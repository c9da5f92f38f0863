// Package state implements the per-target confirmation state machine.
//
// # Hysteresis, not majority vote
//
// A target's confirmed state only flips after `threshold` consecutive
// probes that disagree with it. Any probe that agrees with the confirmed
// state resets the pending counter, so isolated flaps are suppressed no
// matter how often they recur. The very first probe of a target confirms
// immediately so the dashboard shows a real state from startup.
package state

import (
	"time"

	"github.com/ifpj/netwatch/pkg/types"
)

// Machine tracks confirmed and pending state for one target. Not safe for
// concurrent use; the owning runner serializes observations.
type Machine struct {
	threshold    int
	state        types.State
	confirmedAt  time.Time
	pendingUp    bool
	pendingCount int
}

// New creates a machine in the Unknown state.
func New(threshold int) *Machine {
	if threshold < 1 {
		threshold = 1
	}
	return &Machine{
		threshold: threshold,
		state:     types.StateUnknown,
	}
}

// Observe feeds one probe result into the machine and reports whether the
// confirmed state changed.
func (m *Machine) Observe(success bool, at time.Time) (from, to types.State, flipped bool) {
	if m.state == types.StateUnknown {
		m.state = stateFor(success)
		m.confirmedAt = at
		m.pendingUp = success
		m.pendingCount = 0
		return types.StateUnknown, m.state, true
	}

	if success == m.state.IsUp() {
		// Agreement with the confirmed state clears any pending flip.
		m.pendingUp = m.state.IsUp()
		m.pendingCount = 0
		return m.state, m.state, false
	}

	if m.pendingCount > 0 && m.pendingUp == success {
		m.pendingCount++
	} else {
		m.pendingUp = success
		m.pendingCount = 1
	}

	if m.pendingCount < m.threshold {
		return m.state, m.state, false
	}

	from = m.state
	m.state = stateFor(success)
	m.confirmedAt = at
	m.pendingUp = success
	m.pendingCount = 0
	return from, m.state, true
}

// State returns the confirmed state.
func (m *Machine) State() types.State { return m.state }

// ConfirmedAt returns when the confirmed state was last established.
func (m *Machine) ConfirmedAt() time.Time { return m.confirmedAt }

// Pending returns the candidate state and how many consecutive probes
// support it.
func (m *Machine) Pending() (up bool, count int) {
	return m.pendingUp, m.pendingCount
}

// Restore sets the confirmed state from a snapshot. Pending counters stay
// zero: they describe a probe streak that ended with the old process.
func (m *Machine) Restore(st types.State, confirmedAt time.Time) {
	m.state = st
	m.confirmedAt = confirmedAt
	m.pendingUp = st.IsUp()
	m.pendingCount = 0
}

func stateFor(success bool) types.State {
	if success {
		return types.StateUp
	}
	return types.StateDown
}
