// Package control exposes the scan lifecycle as a small set of Go
// methods on a Manager, mirroring the external control surface a
// dashboard/HTTP layer would call: start a scan, poll its status, read
// back results, and subscribe to update events.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FranksOps/sqlisentinel/internal/scanner"
	"github.com/FranksOps/sqlisentinel/internal/storage"
)

// ScanState enumerates the lifecycle of a single scan.
type ScanState int32

const (
	StateIdle ScanState = iota
	StateCrawling
	StateProbing
	StateExporting
)

func (s ScanState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCrawling:
		return "Crawling"
	case StateProbing:
		return "Probing"
	case StateExporting:
		return "Exporting"
	default:
		return "Unknown"
	}
}

// ScanStatus is the snapshot returned by Manager.Status.
type ScanStatus struct {
	Running bool
	State   string
}

// ResultsView is a point-in-time snapshot of the most recently completed
// scan's findings; a scan's findings appear only once its Run returns.
type ResultsView struct {
	Count     int
	UpdatedAt time.Time
	Results   []*storage.Finding
}

// Event is emitted on the Manager's event channel whenever the results
// snapshot changes or the scan state transitions.
type Event struct {
	Type string // "update"
}

// Manager coordinates a single in-flight scan at a time, guarded by a
// CAS-based ScanState so a second StartScan call while one is running is
// rejected rather than racing with it.
type Manager struct {
	logger *slog.Logger

	state int32 // atomic ScanState

	mu        sync.RWMutex
	results   []*storage.Finding
	updatedAt time.Time

	events chan Event
}

// NewManager creates an idle Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		events: make(chan Event, 16),
	}
}

// StartScan attempts to transition Idle -> Crawling and launches the scan
// in the background. If a scan is already running, it returns
// (false, nil) rather than an error, since a busy Manager isn't broken.
func (m *Manager) StartScan(ctx context.Context, opts scanner.Options) (bool, error) {
	if !atomic.CompareAndSwapInt32(&m.state, int32(StateIdle), int32(StateCrawling)) {
		return false, nil
	}

	if _, err := scanner.ValidateSeed(opts.StartURL); err != nil {
		atomic.StoreInt32(&m.state, int32(StateIdle))
		return false, fmt.Errorf("control: invalid seed: %w", err)
	}

	go m.run(ctx, opts)
	return true, nil
}

func (m *Manager) run(ctx context.Context, opts scanner.Options) {
	defer atomic.StoreInt32(&m.state, int32(StateIdle))
	defer m.emit()

	s := scanner.New(opts, m.logger)

	atomic.StoreInt32(&m.state, int32(StateCrawling))
	m.emit()

	findings, err := s.Run(ctx, func(phase scanner.Phase) {
		switch phase {
		case scanner.PhaseProbing:
			atomic.StoreInt32(&m.state, int32(StateProbing))
		case scanner.PhaseExporting:
			atomic.StoreInt32(&m.state, int32(StateExporting))
		}
		m.emit()
	})
	if err != nil {
		m.logger.Error("scan failed", "err", err)
		return
	}

	m.mu.Lock()
	m.results = findings
	m.updatedAt = time.Now()
	m.mu.Unlock()
}

// Status reports whether a scan is currently running and its state.
func (m *Manager) Status() ScanStatus {
	state := ScanState(atomic.LoadInt32(&m.state))
	return ScanStatus{Running: state != StateIdle, State: state.String()}
}

// Results returns a snapshot copy of the most recently completed scan's
// findings.
func (m *Manager) Results() ResultsView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*storage.Finding, len(m.results))
	copy(out, m.results)

	return ResultsView{
		Count:     len(out),
		UpdatedAt: m.updatedAt,
		Results:   out,
	}
}

// Events returns a channel that receives an Event whenever the results
// snapshot or running state changes. The channel is never closed by
// Manager; callers should treat it as a best-effort notification stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit() {
	select {
	case m.events <- Event{Type: "update"}:
	default:
		// Drop the event rather than block the scan goroutine; Events() is a
		// best-effort notification channel, not a guaranteed log.
	}
}
