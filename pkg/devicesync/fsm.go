package devicesync

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/denwilliams/go-device-sync/pkg/metrics"
)

const (
	// EventPublish resets the device to syncing whenever a command goes out.
	EventPublish = "publish"
	// EventAck completes the cycle on a matching acknowledgement.
	EventAck = "ack"
)

type stateMachine struct {
	*fsm.FSM
}

func newStateMachine(kind string, initial State) *stateMachine {
	events := fsm.Events{
		{Name: EventPublish, Src: []string{string(StateSyncing), string(StateSynced)}, Dst: string(StateSyncing)},
		{Name: EventAck, Src: []string{string(StateSyncing)}, Dst: string(StateSynced)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			metrics.RecordSyncTransition(kind, e.Dst)
		},
	}

	return &stateMachine{FSM: fsm.NewFSM(string(initial), events, callbacks)}
}

func (m *stateMachine) State() State {
	return State(m.Current())
}

// publish reports whether the state changed. Publishing while already
// syncing is not an error.
func (m *stateMachine) publish(ctx context.Context) (bool, error) {
	err := m.Event(ctx, EventPublish)
	if err == nil {
		return true, nil
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return false, nil
	}
	return false, err
}

// ack reports whether the state changed. An ack while synced is ignored.
func (m *stateMachine) ack(ctx context.Context) (bool, error) {
	err := m.Event(ctx, EventAck)
	if err == nil {
		return true, nil
	}

	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		return false, nil
	}
	return false, err
}

func (m *stateMachine) restore(state State) {
	m.SetState(string(state))
}
