package engine

import (
	"context"
	"sync"
	"time"

	"github.com/tksa/receptionist/internal/ai"
	"github.com/tksa/receptionist/internal/directory"
)

// State is the dialog position of one call.
type State string

const (
	StateGreeting             State = "greeting"
	StateWaitingServiceChoice State = "waiting_service_choice"
	StateTransferring         State = "transferring"
	StateCollectingMessage    State = "collecting_message"
	StateEnding               State = "ending"
)

// Snapshot is a read-only view of a session for the admin surface.
type Snapshot struct {
	ChannelID     string `json:"channel_id"`
	CallerID      string `json:"caller_id"`
	State         State  `json:"state"`
	TargetService string `json:"target_service,omitempty"`
}

// callSession holds the per-call dialog state. All fields except the ones
// guarded by mu are owned by the session's mailbox goroutine.
type callSession struct {
	channelID string
	callerID  string
	startedAt time.Time

	mu     sync.Mutex
	state  State
	target *directory.Service

	info         map[string]string
	conversation []ai.Message
	retries      int
	notified     bool
	watchdog     *time.Timer

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *callSession) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *callSession) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *callSession) setTarget(svc *directory.Service) {
	s.mu.Lock()
	s.target = svc
	s.mu.Unlock()
}

func (s *callSession) targetName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return ""
	}
	return s.target.Name
}

// stopWatchdog is called only from the mailbox goroutine, so the timer field
// needs no locking. A fire that already slipped into the inbox is discarded
// by the state check in the timeout handler.
func (s *callSession) stopWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *callSession) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ChannelID: s.channelID,
		CallerID:  s.callerID,
		State:     s.state,
	}
	if s.target != nil {
		snap.TargetService = s.target.Name
	}
	return snap
}
