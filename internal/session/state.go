package session

import (
	"context"

	"github.com/looplab/fsm"

	fsmutil "github.com/mqdeck-io/mqdeck/internal/pkg/util/fsm"
)

// State is the lifecycle state of a session's broker connection.
type State string

const (
	Disconnected  State = "disconnected"
	Connecting    State = "connecting"
	Connected     State = "connected"
	Disconnecting State = "disconnecting"
)

func (s State) String() string { return string(s) }

// Lifecycle events driving the state machine. Request-originated events come
// from consumer calls on the facade; worker-originated events come from the
// network worker.
const (
	eventConnectRequested    = "connect_requested"
	eventWorkerConnected     = "worker_connected"
	eventWorkerConnectFailed = "worker_connect_failed"
	eventDisconnectRequested = "disconnect_requested"
	eventWorkerLost          = "worker_connection_lost"
	eventWorkerDisconnected  = "worker_disconnected"
)

// stateMachine wraps a looplab FSM with the session transition table. It is
// not safe for concurrent use; the facade serializes access.
type stateMachine struct {
	fsm *fsm.FSM

	// onTransition fires once per completed transition, before Fire
	// returns. The facade uses it to queue the state-changed notification
	// so it stays ordered with stream appends from the same event.
	onTransition func(from, to State)
}

func newStateMachine(onTransition func(from, to State)) *stateMachine {
	m := &stateMachine{onTransition: onTransition}

	events := fsm.Events{
		{Name: eventConnectRequested, Src: []string{string(Disconnected)}, Dst: string(Connecting)},
		{Name: eventWorkerConnected, Src: []string{string(Connecting)}, Dst: string(Connected)},
		{Name: eventWorkerConnectFailed, Src: []string{string(Connecting)}, Dst: string(Disconnected)},
		{Name: eventDisconnectRequested, Src: []string{string(Connected)}, Dst: string(Disconnecting)},
		{Name: eventWorkerLost, Src: []string{string(Connected)}, Dst: string(Disconnected)},
		{Name: eventWorkerDisconnected, Src: []string{string(Disconnecting)}, Dst: string(Disconnected)},
	}

	callbacks := fsm.Callbacks{
		"after_event": fsmutil.WrapEvent(func(_ context.Context, e *fsm.Event) error {
			if m.onTransition != nil && e.Src != e.Dst {
				m.onTransition(State(e.Src), State(e.Dst))
			}
			return nil
		}),
	}

	m.fsm = fsm.NewFSM(string(Disconnected), events, callbacks)
	return m
}

// Fire applies one lifecycle event. An event not allowed in the current
// state returns an error and leaves the state untouched.
func (m *stateMachine) Fire(event string) error {
	return m.fsm.Event(context.Background(), event)
}

// Current returns the authoritative state value.
func (m *stateMachine) Current() State {
	return State(m.fsm.Current())
}

// forceDisconnected drops the machine straight to Disconnected, bypassing
// the transition table. Used only when a session is torn down while a
// connect or disconnect is still in flight.
func (m *stateMachine) forceDisconnected() {
	cur := m.Current()
	if cur == Disconnected {
		return
	}
	m.fsm.SetState(string(Disconnected))
	if m.onTransition != nil {
		m.onTransition(cur, Disconnected)
	}
}
