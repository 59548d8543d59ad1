// Package powerstate reconciles agent power reports against the persisted
// VM records.
//
// Hosts report the power state of every VM they run. A report never changes
// a record by itself: the reconciler first records it, then decides whether
// the record must follow it. VMs with an operation in flight are only
// recorded; the operation owns them until it finishes.
package powerstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/agent"
	"github.com/jbweber/foreman/internal/alert"
	"github.com/jbweber/foreman/internal/guru"
	"github.com/jbweber/foreman/internal/ha"
	"github.com/jbweber/foreman/internal/metrics"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/vmerr"
	"github.com/jbweber/foreman/internal/workitem"
)

// Syncer makes a VM record follow a power report. It reports whether the
// record changed.
type Syncer interface {
	SyncPowerState(ctx context.Context, vmID string, ps v1alpha1.PowerState, hostID string) (bool, error)
}

// Config tunes the reconciler.
type Config struct {
	// PingInterval is how often every host is asked for a report.
	PingInterval time.Duration
	// GracefulFactor times PingInterval is how long a VM may be missing
	// from its host's reports before it is declared PowerReportMissing.
	GracefulFactor int
}

// DefaultConfig returns the default reconciler settings.
func DefaultConfig() Config {
	return Config{PingInterval: 60 * time.Second, GracefulFactor: 2}
}

// GracefulPeriod returns GracefulFactor × PingInterval.
func (c Config) GracefulPeriod() time.Duration {
	return time.Duration(c.GracefulFactor) * c.PingInterval
}

// Deps are the reconciler's collaborators.
type Deps struct {
	VMs       store.VMStore
	Jobs      store.JobStore
	Tracker   *workitem.Tracker
	Syncer    Syncer
	HA        ha.Manager
	Gurus     *guru.Registry
	Transport agent.Transport
	Alerts    alert.Sink
	// Hosts lists the host ids pinged by Run.
	Hosts []string
}

// Summary counts what one report caused.
type Summary struct {
	Reported int
	Deferred int
	Followed int
	Restarts int
	Stops    int
	Missing  int
}

func (s Summary) String() string {
	return fmt.Sprintf("reported=%d deferred=%d followed=%d restarts=%d stops=%d missing=%d",
		s.Reported, s.Deferred, s.Followed, s.Restarts, s.Stops, s.Missing)
}

// Reconciler ingests power reports.
type Reconciler struct {
	Deps
	cfg Config
	log *zap.SugaredLogger
	now func() time.Time

	// lastSeen holds hosts that answered within the graceful period.
	lastSeen *cache.Cache
}

// New creates a Reconciler.
func New(deps Deps, cfg Config, log *zap.SugaredLogger) *Reconciler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.GracefulFactor <= 0 {
		cfg.GracefulFactor = DefaultConfig().GracefulFactor
	}
	return &Reconciler{
		Deps:     deps,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		lastSeen: cache.New(cfg.GracefulPeriod(), cfg.GracefulPeriod()),
	}
}

// Run pings every host once per interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		r.Pass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pass asks every host for a report and ingests the answers. A host that
// has not answered for longer than the graceful period has all its VMs
// checked as missing.
func (r *Reconciler) Pass(ctx context.Context) {
	start := r.now()
	defer func() { metrics.ObserveReconcileTime(r.now().Sub(start)) }()

	for _, hostID := range r.Hosts {
		if ctx.Err() != nil {
			return
		}
		answers, err := r.Transport.Send(ctx, hostID, agent.ReportStatesCommand{})
		if err == nil && len(answers) > 0 && answers[0].Result {
			r.lastSeen.SetDefault(hostID, r.now())
			if _, err := r.Ingest(ctx, hostID, answers[0].States); err != nil {
				r.log.Warnw("Failed to ingest power report", "host", hostID, "error", err)
			}
			continue
		}

		r.log.Warnw("Host did not report power states", "host", hostID, "error", err)
		if _, ok := r.lastSeen.Get(hostID); ok {
			continue
		}
		sum := Summary{}
		if err := r.sweepMissing(ctx, hostID, nil, &sum); err != nil {
			r.log.Warnw("Failed to check vms of silent host", "host", hostID, "error", err)
		}
	}
}

// Ingest reconciles one host's report of VM name to power state. VMs the
// host should run but did not mention are checked as missing. Ingesting
// the same report twice acts at most once.
func (r *Reconciler) Ingest(ctx context.Context, hostID string, states map[string]v1alpha1.PowerState) (Summary, error) {
	sum := Summary{Reported: len(states)}
	var errs []error
	for name, ps := range states {
		if err := r.reconcile(ctx, hostID, name, ps, &sum); err != nil {
			r.log.Warnw("Failed to reconcile power report", "host", hostID, "vm", name, "power", ps, "error", err)
			errs = append(errs, err)
		}
	}
	if err := r.sweepMissing(ctx, hostID, states, &sum); err != nil {
		errs = append(errs, err)
	}
	r.log.Debugw("Power report ingested", "host", hostID, "summary", sum.String())
	return sum, errors.Join(errs...)
}

func (r *Reconciler) reconcile(ctx context.Context, hostID, name string, ps v1alpha1.PowerState, sum *Summary) error {
	vm, err := r.VMs.GetByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		r.log.Debugw("Report for unknown vm", "host", hostID, "vm", name)
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.VMs.UpdatePowerState(ctx, vm.UID, ps, hostID, r.now()); err != nil {
		return err
	}

	busy, err := r.busy(ctx, vm.UID)
	if err != nil {
		return err
	}
	if busy {
		sum.Deferred++
		metrics.RecordReconcileAction("deferred")
		return nil
	}

	switch ps {
	case v1alpha1.PowerOn:
		return r.handleOn(ctx, vm, hostID, sum)
	case v1alpha1.PowerOff:
		if vm.Status.State.IsHostBound() && vm.Status.HostID == hostID {
			return r.handleOff(ctx, vm, hostID, ps, sum)
		}
	}
	return nil
}

// busy reports whether an operation, queued job or HA task owns the VM.
func (r *Reconciler) busy(ctx context.Context, vmID string) (bool, error) {
	if pending, err := r.Jobs.HasPending(ctx, vmID); err != nil || pending {
		return pending, err
	}
	if wi, err := r.Tracker.Open(ctx, vmID); err != nil || wi != nil {
		return wi != nil, err
	}
	return r.HA.HasPendingWork(ctx, vmID)
}

func (r *Reconciler) handleOn(ctx context.Context, vm *v1alpha1.VirtualMachine, hostID string, sum *Summary) error {
	switch vm.Status.State {
	case v1alpha1.StateStarting, v1alpha1.StateRunning, v1alpha1.StateStopping,
		v1alpha1.StateStopped, v1alpha1.StateMigrating:
	default:
		// The VM should not exist on any host.
		if err := r.HA.ScheduleStop(ctx, vm, hostID, fmt.Sprintf("running while %s", vm.Status.State)); err != nil {
			return err
		}
		sum.Stops++
		metrics.RecordReconcileAction("ha_stop")
		return nil
	}
	if vm.Status.State == v1alpha1.StateRunning && vm.Status.HostID == hostID {
		return nil
	}

	persisted, prevHost := vm.Status.State, vm.Status.HostID
	changed, err := r.Syncer.SyncPowerState(ctx, vm.UID, v1alpha1.PowerOn, hostID)
	if err != nil {
		return r.deferOnConflict(err, sum)
	}
	if !changed {
		return nil
	}
	sum.Followed++
	metrics.RecordReconcileAction("power_on")
	r.raise(ctx, alert.Alert{
		Type:     alert.TypePowerDrift,
		Severity: alert.SeverityWarning,
		VMID:     vm.UID,
		VMName:   vm.Name,
		HostID:   hostID,
		Subject:  fmt.Sprintf("VM %s found running on %s", vm.Name, hostID),
		Body:     fmt.Sprintf("Record was %s on host %q; it now follows the host report.", persisted, prevHost),
	})
	return nil
}

// handleOff deals with a VM that should run on hostID but is off or
// missing there.
func (r *Reconciler) handleOff(ctx context.Context, vm *v1alpha1.VirtualMachine, hostID string, ps v1alpha1.PowerState, sum *Summary) error {
	if vm.Spec.HAEnabled && r.restartsOnHostUp(vm) {
		if err := r.HA.ScheduleRestart(ctx, vm, fmt.Sprintf("reported %s on %s", ps, hostID)); err != nil {
			return err
		}
		sum.Restarts++
		metrics.RecordReconcileAction("ha_restart")
		return nil
	}

	persisted := vm.Status.State
	changed, err := r.Syncer.SyncPowerState(ctx, vm.UID, ps, hostID)
	if err != nil {
		return r.deferOnConflict(err, sum)
	}
	if !changed {
		return nil
	}
	sum.Followed++
	metrics.RecordReconcileAction("stopped")
	r.raise(ctx, alert.Alert{
		Type:     alert.TypeUnexpectedStop,
		Severity: alert.SeverityCritical,
		VMID:     vm.UID,
		VMName:   vm.Name,
		HostID:   hostID,
		Subject:  fmt.Sprintf("VM %s stopped unexpectedly on %s", vm.Name, hostID),
		Body:     fmt.Sprintf("Record was %s; host reported %s. The VM has been marked Stopped.", persisted, ps),
	})
	return nil
}

func (r *Reconciler) restartsOnHostUp(vm *v1alpha1.VirtualMachine) bool {
	g, err := r.Gurus.Get(vm.Spec.HypervisorType)
	if err != nil {
		r.log.Warnw("No guru for vm, HA restart not possible", "vm", vm.UID, "error", err)
		return false
	}
	return g.RestartsOnHostUp()
}

// deferOnConflict treats losing the VM to an operation that started in
// the meantime as a deferral.
func (r *Reconciler) deferOnConflict(err error, sum *Summary) error {
	if vmerr.IsConcurrentOperation(err) {
		sum.Deferred++
		metrics.RecordReconcileAction("deferred")
		return nil
	}
	return err
}

// sweepMissing checks the VMs recorded on hostID that reported leaves out.
// A VM is declared missing only once neither its record nor its power
// state has changed for the graceful period.
func (r *Reconciler) sweepMissing(ctx context.Context, hostID string, reported map[string]v1alpha1.PowerState, sum *Summary) error {
	vms, err := r.VMs.ListByHost(ctx, hostID)
	if err != nil {
		return err
	}
	now := r.now()
	grace := r.cfg.GracefulPeriod()

	var errs []error
	for _, vm := range vms {
		if _, ok := reported[vm.Name]; ok || !vm.Status.State.IsHostBound() {
			continue
		}
		if now.Sub(lastChange(vm)) <= grace {
			continue
		}
		if err := r.VMs.UpdatePowerState(ctx, vm.UID, v1alpha1.PowerReportMissing, hostID, now); err != nil {
			errs = append(errs, err)
			continue
		}
		sum.Missing++
		metrics.RecordReconcileAction("missing")

		busy, err := r.busy(ctx, vm.UID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if busy {
			sum.Deferred++
			metrics.RecordReconcileAction("deferred")
			continue
		}
		r.log.Infow("VM missing from host reports", "vm", vm.UID, "host", hostID, "since", lastChange(vm))
		if err := r.handleOff(ctx, vm, hostID, v1alpha1.PowerReportMissing, sum); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func lastChange(vm *v1alpha1.VirtualMachine) time.Time {
	t := vm.Status.PowerStateUpdateTime.Time
	if vm.Status.UpdateTime.After(t) {
		t = vm.Status.UpdateTime.Time
	}
	return t
}

func (r *Reconciler) raise(ctx context.Context, a alert.Alert) {
	if r.Alerts == nil {
		return
	}
	if err := r.Alerts.Send(ctx, a); err != nil {
		r.log.Warnw("Failed to send alert", "vm", a.VMID, "type", a.Type, "error", err)
	}
}
