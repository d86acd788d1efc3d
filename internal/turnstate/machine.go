// Package turnstate gates who may speak in a session.
//
// The responder may produce exactly one reply, and only directly after the
// operator asked for it. Every other transition revokes that grant.
package turnstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-lab/internal/model/turn"
)

// ErrPermissionDenied is returned when the responder tries to speak without
// an active grant from the operator.
var ErrPermissionDenied = errors.New("responder cannot speak without the operator's request")

// Phase is the coarse position of the session in the turn order.
type Phase string

const (
	OperatorActive     Phase = "OPERATOR_ACTIVE"
	OperatorToExternal Phase = "OPERATOR_TO_EXTERNAL"
	ResponderPrivate   Phase = "RESPONDER_PRIVATE"
	ExternalActive     Phase = "EXTERNAL_ACTIVE"
	// IdleWaiting is reserved for hosts that park a session between
	// operators; no transition in this package enters it.
	IdleWaiting Phase = "IDLE_WAITING"
)

// State is the tagged value owned by the machine.
type State struct {
	Phase             Phase `json:"phase"`
	ResponderMaySpeak bool  `json:"responderMaySpeak"`
	AwaitingOperator  bool  `json:"awaitingOperator"`
}

func initialState() State {
	return State{Phase: OperatorActive, AwaitingOperator: true}
}

// Status is a point-in-time report of the machine.
type Status struct {
	State
	TurnCount int `json:"turnCount"`
}

// Recorder receives every turn the machine produces. A returned error does
// not roll back the transition.
type Recorder interface {
	Record(ctx context.Context, t turn.Turn) error
}

// historyCap bounds the machine's own turn history; the interaction log is
// the full record.
const historyCap = 256

// Machine serializes all transitions behind a single mutex so at most one
// turn is ever in flight.
type Machine struct {
	mu       sync.Mutex
	state    State
	recorder Recorder
	now      func() time.Time

	history   []turn.Turn
	turnCount int
}

// New creates a machine in the initial OPERATOR_ACTIVE state. A nil recorder
// keeps turns in the machine's own history only.
func New(recorder Recorder) *Machine {
	return &Machine{
		state:    initialState(),
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OperatorActs records a plain operator action. The operator holds the floor
// and any outstanding responder grant is revoked.
func (m *Machine) OperatorActs(ctx context.Context, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = State{Phase: OperatorActive}
	return m.appendLocked(ctx, turn.Operator, turn.AudienceNone, action)
}

// OperatorRequestsResponder grants the responder exactly one reply.
func (m *Machine) OperatorRequestsResponder(ctx context.Context, question string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = State{Phase: ResponderPrivate, ResponderMaySpeak: true}
	return m.appendLocked(ctx, turn.Operator, turn.AudienceResponder, question)
}

// ResponderReplies consumes the grant. Without one it fails with
// ErrPermissionDenied and leaves the state untouched.
func (m *Machine) ResponderReplies(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.ResponderMaySpeak {
		return fmt.Errorf("%w (phase %s)", ErrPermissionDenied, m.state.Phase)
	}

	m.state = State{Phase: ResponderPrivate, AwaitingOperator: true}
	return m.appendLocked(ctx, turn.Responder, turn.AudienceNone, text)
}

// OperatorToExternal records a message the operator addressed to the
// external party.
func (m *Machine) OperatorToExternal(ctx context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = State{Phase: OperatorToExternal}
	return m.appendLocked(ctx, turn.Operator, turn.AudienceExternal, message)
}

// ExternalSpeaks records a message from the external party. It never grants
// the responder permission to speak.
func (m *Machine) ExternalSpeaks(ctx context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = State{Phase: ExternalActive, AwaitingOperator: true}
	return m.appendLocked(ctx, turn.External, turn.AudienceNone, message)
}

// ForceReset hands the floor back to the operator. It has no precondition
// and records no turn.
func (m *Machine) ForceReset() {
	m.mu.Lock()
	m.state = initialState()
	m.mu.Unlock()
}

// State returns the current tagged state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanResponderSpeak reports whether a responder reply would be accepted now.
func (m *Machine) CanResponderSpeak() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ResponderMaySpeak
}

// Status reports the state plus the number of plain operator turns and
// responder replies.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, TurnCount: m.turnCount}
}

// History returns up to limit of the most recent turns, oldest first.
func (m *Machine) History(limit int) []turn.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		return nil
	}
	start := len(m.history) - limit
	if start < 0 {
		start = 0
	}
	return append([]turn.Turn(nil), m.history[start:]...)
}

// FormatHistory renders recent turns one per line, truncating payloads.
func FormatHistory(turns []turn.Turn, label func(turn.Speaker) string) string {
	if label == nil {
		label = func(s turn.Speaker) string { return string(s) }
	}

	var b strings.Builder
	for i, t := range turns {
		who := label(t.Speaker)
		switch t.Audience {
		case turn.AudienceResponder:
			who += "->" + label(turn.Responder)
		case turn.AudienceExternal:
			who += "->" + label(turn.External)
		}
		fmt.Fprintf(&b, "[%s] %s: %s", t.CreatedAt.Local().Format("15:04:05"), who, truncate(t.Payload, 50))
		if i < len(turns)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (m *Machine) appendLocked(ctx context.Context, speaker turn.Speaker, audience turn.Audience, payload string) error {
	t := turn.New(speaker, audience, payload, m.now())
	m.history = append(m.history, t)
	if len(m.history) > historyCap {
		m.history = append(m.history[:0:0], m.history[len(m.history)-historyCap:]...)
	}
	if (speaker == turn.Operator && audience == turn.AudienceNone) || speaker == turn.Responder {
		m.turnCount++
	}

	if m.recorder == nil {
		return nil
	}
	if err := m.recorder.Record(ctx, t); err != nil {
		return fmt.Errorf("record %s turn: %w", t.Tag(), err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
