package workitem

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/metrics"
	"github.com/jbweber/foreman/internal/store"
)

// StalledHandler settles a VM whose operation stopped making progress while
// the VM is still in a transitional state. It owns closing the item.
type StalledHandler interface {
	HandleStalled(ctx context.Context, wi *v1alpha1.WorkItem, vm *v1alpha1.VirtualMachine) error
}

// activity reports whether an operation for the VM is executing on this node.
type activity interface {
	Running(vmID string) bool
}

// Scanner periodically looks for work items that have not been updated for
// longer than the stale threshold.
type Scanner struct {
	tracker   *Tracker
	items     store.WorkItemStore
	vms       store.VMStore
	handler   StalledHandler
	active    activity
	threshold time.Duration
	interval  time.Duration
	log       *zap.SugaredLogger
	now       func() time.Time
}

// NewScanner creates a Scanner. active may be nil.
func NewScanner(tracker *Tracker, vms store.VMStore, handler StalledHandler, active activity,
	threshold, interval time.Duration, log *zap.SugaredLogger) *Scanner {
	return &Scanner{
		tracker:   tracker,
		items:     tracker.items,
		vms:       vms,
		handler:   handler,
		active:    active,
		threshold: threshold,
		interval:  interval,
		log:       log,
		now:       time.Now,
	}
}

// Run scans every interval until ctx ends.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil {
				s.log.Warnw("Stalled work item scan failed", "error", err)
			}
		}
	}
}

// ScanOnce handles every stalled item once and returns how many were
// resolved. A failure on one item does not stop the scan.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	stalled, err := s.items.ListStalled(ctx, s.now().Add(-s.threshold))
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, wi := range stalled {
		if s.active != nil && s.active.Running(wi.VMID) {
			continue
		}

		vm, err := s.vms.Get(ctx, wi.VMID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.log.Infow("Closing work item for missing vm", "vm", wi.VMID, "item", wi.ID)
			s.tracker.Done(ctx, wi)
			metrics.RecordStalled("vm_missing")
			resolved++
			continue
		case err != nil:
			s.log.Warnw("Failed to load vm for stalled work item", "vm", wi.VMID, "item", wi.ID, "error", err)
			continue
		}

		if !vm.Status.State.IsTransitional() {
			s.log.Infow("Closing stalled work item, vm settled",
				"vm", wi.VMID, "item", wi.ID, "step", wi.Step, "state", vm.Status.State)
			s.tracker.Done(ctx, wi)
			metrics.RecordStalled("closed")
			resolved++
			continue
		}

		s.log.Warnw("Work item stalled with vm in transition",
			"vm", wi.VMID, "item", wi.ID, "step", wi.Step, "state", vm.Status.State, "node", wi.Node)
		if err := s.handler.HandleStalled(ctx, wi, vm); err != nil {
			s.log.Errorw("Failed to settle stalled vm", "vm", wi.VMID, "item", wi.ID, "error", err)
			metrics.RecordStalled("failed")
			continue
		}
		metrics.RecordStalled("settled")
		resolved++
	}
	return resolved, nil
}
