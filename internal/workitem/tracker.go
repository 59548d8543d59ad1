// Package workitem tracks the per-VM exclusivity record held by an in-flight
// lifecycle operation.
//
// An operation calls Start before touching the VM and must call Done when it
// finishes, successfully or not. Done is written with a context that ignores
// cancellation so that a cancelled caller cannot leak the item. Items that are
// left open anyway are found by the Scanner.
package workitem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/vmerr"
)

// Tracker creates, advances and closes work items.
type Tracker struct {
	items        store.WorkItemStore
	node         string
	pollInterval time.Duration
	log          *zap.SugaredLogger

	// Heartbeat is how often an item's activity time is refreshed while its
	// operation runs on this node. Zero disables refreshing.
	Heartbeat time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
	beats   map[string]context.CancelFunc
}

type waiter struct {
	ch   chan struct{}
	refs int
}

// NewTracker creates a Tracker. pollInterval bounds how long Wait can miss a
// Done written by another node.
func NewTracker(items store.WorkItemStore, node string, pollInterval time.Duration, log *zap.SugaredLogger) *Tracker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Tracker{
		items:        items,
		node:         node,
		pollInterval: pollInterval,
		log:          log,
		waiters:      make(map[string]*waiter),
		beats:        make(map[string]context.CancelFunc),
	}
}

// Start opens a work item for vm. If the VM already has an open item the
// returned error is vmerr.KindConcurrentOperation and holder is that item.
func (t *Tracker) Start(ctx context.Context, vm *v1alpha1.VirtualMachine, target v1alpha1.State, jobID string) (wi, holder *v1alpha1.WorkItem, err error) {
	wi = &v1alpha1.WorkItem{
		ID:          uuid.New().String(),
		VMID:        vm.UID,
		VMType:      vm.Spec.Type,
		TargetState: target,
		Step:        v1alpha1.StepPrepare,
		Node:        t.node,
		JobID:       jobID,
	}

	err = t.items.Create(ctx, wi)
	if err == nil {
		t.log.Debugw("Work item opened", "vm", vm.UID, "item", wi.ID, "target", target, "job", jobID)
		t.beat(ctx, wi)
		return wi, nil, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, nil, vmerr.Wrap(vmerr.KindFatal, vm.UID, "workitem", fmt.Errorf("failed to open work item: %w", err))
	}

	holder, findErr := t.items.FindOpen(ctx, vm.UID)
	if findErr != nil && !errors.Is(findErr, store.ErrNotFound) {
		return nil, nil, vmerr.Wrap(vmerr.KindFatal, vm.UID, "workitem", findErr)
	}
	return nil, holder, vmerr.New(vmerr.KindConcurrentOperation, vm.UID, "workitem",
		"another operation holds the vm: %v", err)
}

// Advance moves wi to step. Steps only move forward.
func (t *Tracker) Advance(ctx context.Context, wi *v1alpha1.WorkItem, step v1alpha1.Step) error {
	if err := t.items.UpdateStep(ctx, wi.ID, step); err != nil {
		return vmerr.Wrap(vmerr.KindFatal, wi.VMID, "workitem", fmt.Errorf("failed to advance work item to %s: %w", step, err))
	}
	wi.Step = step
	return nil
}

// Done closes wi and wakes local waiters. Failures are logged; the stalled
// scanner will close the item later.
func (t *Tracker) Done(ctx context.Context, wi *v1alpha1.WorkItem) {
	if wi == nil {
		return
	}
	t.stopBeat(wi.ID)
	if err := t.items.UpdateStep(context.WithoutCancel(ctx), wi.ID, v1alpha1.StepDone); err != nil {
		t.log.Errorw("Failed to close work item", "vm", wi.VMID, "item", wi.ID, "error", err)
		return
	}
	wi.Step = v1alpha1.StepDone
	t.log.Debugw("Work item closed", "vm", wi.VMID, "item", wi.ID)
	t.notify(wi.ID)
}

// Open returns the VM's open work item, or nil if there is none.
func (t *Tracker) Open(ctx context.Context, vmID string) (*v1alpha1.WorkItem, error) {
	wi, err := t.items.FindOpen(ctx, vmID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return wi, err
}

// Wait blocks until the item is Done, the timeout passes or ctx ends. It
// reports whether the item was seen Done. Items closed on this node wake the
// waiter immediately; items closed elsewhere are seen on the next poll.
func (t *Tracker) Wait(ctx context.Context, itemID string, timeout time.Duration) (bool, error) {
	ch := t.subscribe(itemID)
	defer t.unsubscribe(itemID, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		wi, err := t.items.Get(ctx, itemID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return true, nil
			}
			return false, err
		}
		if wi.Step == v1alpha1.StepDone {
			return true, nil
		}

		select {
		case <-ch:
			return true, nil
		case <-ticker.C:
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// beat refreshes wi until Done, so scanners on other nodes do not take a
// long-running operation for a stalled one. Beating stops on its own once
// the item is closed elsewhere.
func (t *Tracker) beat(ctx context.Context, wi *v1alpha1.WorkItem) {
	if t.Heartbeat <= 0 {
		return
	}
	beatCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	t.beats[wi.ID] = cancel
	t.mu.Unlock()

	go func(id, vmID string) {
		ticker := time.NewTicker(t.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				err := t.items.Touch(beatCtx, id)
				if err == nil {
					continue
				}
				if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
					t.stopBeat(id)
					return
				}
				t.log.Warnw("Failed to refresh work item", "vm", vmID, "item", id, "error", err)
			}
		}
	}(wi.ID, wi.VMID)
}

func (t *Tracker) stopBeat(itemID string) {
	t.mu.Lock()
	cancel, ok := t.beats[itemID]
	delete(t.beats, itemID)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

func (t *Tracker) subscribe(itemID string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.waiters[itemID]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		t.waiters[itemID] = w
	}
	w.refs++
	return w.ch
}

func (t *Tracker) unsubscribe(itemID string, ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.waiters[itemID]
	if !ok || w.ch != ch {
		return
	}
	w.refs--
	if w.refs == 0 {
		delete(t.waiters, itemID)
	}
}

func (t *Tracker) notify(itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.waiters[itemID]; ok {
		close(w.ch)
		delete(t.waiters, itemID)
	}
}
