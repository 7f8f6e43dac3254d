package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Discovery status values.
const (
	DiscoveryIdle    = "idle"
	DiscoveryRunning = "running"
	DiscoveryDone    = "done"
	DiscoveryError   = "error"
)

const historyCap = 50

// ErrDiscoveryRunning is returned when a scan is started while one is in
// flight.
var ErrDiscoveryRunning = errors.New("discovery already running")

// DiscoveryHistoryEntry records one completed scan.
type DiscoveryHistoryEntry struct {
	TS       string `json:"ts"`
	RawCount int    `json:"raw_count"`
}

// DiscoveryState is the operator-visible state of the scan FSM.
type DiscoveryState struct {
	Status      string `json:"status"`
	Subnet      string `json:"subnet,omitempty"`
	Actor       string `json:"actor,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DiscoverySnapshot is the full /discover view.
type DiscoverySnapshot struct {
	Devices []DiscoveredDevice      `json:"devices"`
	State   DiscoveryState          `json:"state"`
	History []DiscoveryHistoryEntry `json:"history"`
}

// Discovery is the scan state machine:
// idle -> running -> done | error, done|error -> running on restart.
// The timeout is polled, not interrupt-driven: Snapshot promotes an expired
// running state to error before returning.
type Discovery struct {
	timeout time.Duration

	mu          sync.Mutex
	status      string
	subnet      string
	actor       string
	startedAt   time.Time
	completedAt time.Time
	deadline    time.Time
	message     string
	errCode     string
	results     []DiscoveredDevice
	rawCount    int
	history     []DiscoveryHistoryEntry
}

// NewDiscovery creates an idle FSM with the given scan timeout.
func NewDiscovery(timeout time.Duration) *Discovery {
	return &Discovery{timeout: timeout, status: DiscoveryIdle}
}

// Start transitions to running, resetting results and arming the deadline.
// Rejected while a scan is already running.
func (d *Discovery) Start(subnet, actor string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tickLocked(now)
	if d.status == DiscoveryRunning {
		return ErrDiscoveryRunning
	}

	d.status = DiscoveryRunning
	d.subnet = subnet
	d.actor = actor
	d.startedAt = now
	d.completedAt = time.Time{}
	d.deadline = now.Add(d.timeout)
	d.message = ""
	d.errCode = ""
	d.results = nil
	d.rawCount = 0
	return nil
}

// RecordRaw notes an unfiltered probe frame, appending it to scan history
// so a scan that never reaches results still leaves a trace.
func (d *Discovery) RecordRaw(ts string, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rawCount = count
	d.appendHistoryLocked(DiscoveryHistoryEntry{TS: ts, RawCount: count})
}

// Complete stores the device list and transitions to done, clearing the
// deadline and appending a history entry (cap 50, keep tail).
func (d *Discovery) Complete(msg DiscoverResults, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.status = DiscoveryDone
	d.results = msg.Devices
	d.completedAt = now
	d.deadline = time.Time{}
	d.message = fmt.Sprintf("Found %d devices", len(msg.Devices))
	d.errCode = ""

	rawCount := d.rawCount
	if rawCount == 0 {
		rawCount = len(msg.Devices)
	}
	d.appendHistoryLocked(DiscoveryHistoryEntry{TS: msg.TS, RawCount: rawCount})
}

func (d *Discovery) appendHistoryLocked(entry DiscoveryHistoryEntry) {
	d.history = append(d.history, entry)
	if len(d.history) > historyCap {
		d.history = d.history[len(d.history)-historyCap:]
	}
}

// Snapshot returns the current view, promoting an expired running scan to
// error first.
func (d *Discovery) Snapshot(now time.Time) DiscoverySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tickLocked(now)

	devices := make([]DiscoveredDevice, len(d.results))
	copy(devices, d.results)

	tail := d.history
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	history := make([]DiscoveryHistoryEntry, len(tail))
	copy(history, tail)

	return DiscoverySnapshot{
		Devices: devices,
		State:   d.stateLocked(),
		History: history,
	}
}

// State returns just the FSM state, with lazy timeout promotion.
func (d *Discovery) State(now time.Time) DiscoveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tickLocked(now)
	return d.stateLocked()
}

func (d *Discovery) tickLocked(now time.Time) {
	if d.status != DiscoveryRunning || !now.After(d.deadline) {
		return
	}

	d.status = DiscoveryError
	d.errCode = fmt.Sprintf("timeout>%ds", int(d.timeout.Seconds()))
	d.message = "Edge bridge did not respond"
	d.completedAt = now
	d.deadline = time.Time{}

	log.Warn().
		Str("subnet", d.subnet).
		Str("error", d.errCode).
		Msg("Discovery scan timed out")
}

func (d *Discovery) stateLocked() DiscoveryState {
	st := DiscoveryState{
		Status:  d.status,
		Subnet:  d.subnet,
		Actor:   d.actor,
		Message: d.message,
		Error:   d.errCode,
	}
	if !d.startedAt.IsZero() {
		st.StartedAt = d.startedAt.UTC().Format(time.RFC3339)
	}
	if !d.completedAt.IsZero() {
		st.CompletedAt = d.completedAt.UTC().Format(time.RFC3339)
	}
	if !d.deadline.IsZero() {
		st.Deadline = d.deadline.UTC().Format(time.RFC3339)
	}
	return st
}
