package adapter

import (
	"sync"

	"github.com/kcchien/iiot-gateway/internal/model"
)

// StatusMachine tracks the adapter status state machine of spec §4.1 and
// fans out status-changed events to the shared event channel. All three
// protocol adapters embed one instead of re-implementing the transition
// table.
type StatusMachine struct {
	mu     sync.Mutex
	status model.ConnectionStatus
	events chan Event
}

// NewStatusMachine returns a StatusMachine starting in "disconnected",
// publishing transitions on events.
func NewStatusMachine(events chan Event) *StatusMachine {
	return &StatusMachine{status: model.StatusDisconnected, events: events}
}

// Set transitions to status (if different) and emits an EventStatusChanged.
func (s *StatusMachine) Set(status model.ConnectionStatus, err error) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if !changed {
		return
	}
	s.emit(Event{Kind: EventStatusChanged, Status: status, Err: err})
}

// Get returns the current status.
func (s *StatusMachine) Get() model.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *StatusMachine) emit(e Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	default:
		// Slow consumer: status events are superseded by the next
		// transition, so dropping here (rather than blocking the
		// adapter's I/O goroutine) is safe.
	}
}
