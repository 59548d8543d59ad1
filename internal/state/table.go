// Package state implements the VM lifecycle state machine.
//
// The legal (state, event) pairs are declared once as looplab/fsm event
// descriptors. Machine.Transition looks up the destination in that table and
// then applies it to the persisted record with a single conditional update,
// so two callers racing on the same VM cannot both win.
package state

import (
	"context"
	"errors"
	"sort"

	"github.com/looplab/fsm"

	"github.com/jbweber/foreman/api/v1alpha1"
)

// Event is a state machine input.
type Event string

const (
	EventStartRequested            Event = "StartRequested"
	EventOperationSucceeded        Event = "OperationSucceeded"
	EventOperationFailed           Event = "OperationFailed"
	EventOperationRetry            Event = "OperationRetry"
	EventStopRequested             Event = "StopRequested"
	EventMigrationRequested        Event = "MigrationRequested"
	EventStorageMigrationRequested Event = "StorageMigrationRequested"
	EventDestroyRequested          Event = "DestroyRequested"
	EventRecoveryRequested         Event = "RecoveryRequested"
	EventExpungeOperation          Event = "ExpungeOperation"
	EventAgentReportStopped        Event = "AgentReportStopped"
	EventFollowAgentPowerOnReport  Event = "FollowAgentPowerOnReport"
	EventFollowAgentPowerOffReport Event = "FollowAgentPowerOffReport"
)

func src(states ...v1alpha1.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func dst(s v1alpha1.State) string { return string(s) }

const (
	created   = v1alpha1.StateCreated
	starting  = v1alpha1.StateStarting
	running   = v1alpha1.StateRunning
	stopping  = v1alpha1.StateStopping
	stopped   = v1alpha1.StateStopped
	migrating = v1alpha1.StateMigrating
	destroyed = v1alpha1.StateDestroyed
	expunging = v1alpha1.StateExpunging
	errored   = v1alpha1.StateError
)

// transitions is the complete state table. Events whose destination depends
// on the source state appear once per destination.
var transitions = fsm.Events{
	{Name: string(EventStartRequested), Src: src(created, stopped), Dst: dst(starting)},

	{Name: string(EventOperationRetry), Src: src(starting), Dst: dst(starting)},

	{Name: string(EventOperationSucceeded), Src: src(starting, running, migrating), Dst: dst(running)},
	{Name: string(EventOperationSucceeded), Src: src(stopping), Dst: dst(stopped)},

	{Name: string(EventOperationFailed), Src: src(starting), Dst: dst(stopped)},
	{Name: string(EventOperationFailed), Src: src(migrating, stopping), Dst: dst(running)},
	{Name: string(EventOperationFailed), Src: src(created, stopped), Dst: dst(errored)},
	{Name: string(EventOperationFailed), Src: src(expunging), Dst: dst(expunging)},

	{Name: string(EventStopRequested), Src: src(running), Dst: dst(stopping)},
	{Name: string(EventStopRequested), Src: src(stopping), Dst: dst(stopping)},
	{Name: string(EventStopRequested), Src: src(stopped), Dst: dst(stopped)},

	{Name: string(EventMigrationRequested), Src: src(running, migrating), Dst: dst(migrating)},
	{Name: string(EventStorageMigrationRequested), Src: src(stopped), Dst: dst(migrating)},

	{Name: string(EventDestroyRequested), Src: src(created, stopped), Dst: dst(destroyed)},
	{Name: string(EventDestroyRequested), Src: src(errored), Dst: dst(expunging)},

	{Name: string(EventRecoveryRequested), Src: src(destroyed), Dst: dst(stopped)},

	{Name: string(EventExpungeOperation), Src: src(stopped, destroyed, expunging, errored), Dst: dst(expunging)},

	{Name: string(EventAgentReportStopped), Src: src(starting, running, migrating, stopping, stopped), Dst: dst(stopped)},

	{Name: string(EventFollowAgentPowerOnReport), Src: src(starting, running, stopping, stopped, migrating), Dst: dst(running)},
	{Name: string(EventFollowAgentPowerOffReport), Src: src(starting, running, stopping, stopped, migrating), Dst: dst(stopped)},
}

// Next returns the state that event leads to from the given state, and false
// if the table has no such transition.
func Next(from v1alpha1.State, event Event) (v1alpha1.State, bool) {
	f := fsm.NewFSM(string(from), transitions, nil)
	err := f.Event(context.Background(), string(event))
	if err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return from, false
		}
	}
	return v1alpha1.State(f.Current()), true
}

// Allowed returns the events accepted in the given state, sorted.
func Allowed(from v1alpha1.State) []Event {
	f := fsm.NewFSM(string(from), transitions, nil)
	names := f.AvailableTransitions()
	sort.Strings(names)
	out := make([]Event, len(names))
	for i, n := range names {
		out[i] = Event(n)
	}
	return out
}

// Row is one entry of the state table.
type Row struct {
	From  v1alpha1.State
	Event Event
	To    v1alpha1.State
}

// Table returns every legal transition ordered by source state and event.
func Table() []Row {
	var rows []Row
	for _, from := range v1alpha1.AllStates {
		for _, ev := range Allowed(from) {
			to, _ := Next(from, ev)
			rows = append(rows, Row{From: from, Event: ev, To: to})
		}
	}
	return rows
}

// Graphviz renders the state table in DOT format.
func Graphviz() string {
	return fsm.Visualize(fsm.NewFSM(string(created), transitions, nil))
}
