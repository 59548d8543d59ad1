package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/metrics"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/vmerr"
)

// Config tunes a Dispatcher.
type Config struct {
	// Node identifies this control-plane node as job owner.
	Node      string
	Workers   int
	QueueSize int
	// PollInterval caps the Outcome poll interval and paces retries of jobs
	// whose VM is leased by another job.
	PollInterval time.Duration
	// WaitCeiling bounds how long a caller waits on an Outcome.
	WaitCeiling time.Duration
	LeaseTTL    time.Duration
	// RecoverInterval is how often queued jobs are picked up from the store.
	RecoverInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.WaitCeiling <= 0 {
		c.WaitCeiling = 30 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.RecoverInterval <= 0 {
		c.RecoverInterval = 30 * time.Second
	}
}

var _ Operations = (*Dispatcher)(nil)

// Dispatcher submits, runs and waits on work jobs. It implements Operations,
// so callers use it exactly like the orchestrator it fronts.
type Dispatcher struct {
	jobs  store.JobStore
	ops   Operations
	lease Lease
	bus   Bus
	cfg   Config
	log   *zap.SugaredLogger

	queue chan string

	mu      sync.Mutex
	queued  map[string]bool
	active  map[string]bool
	running map[string]int
}

// NewDispatcher creates a Dispatcher running jobs against ops.
func NewDispatcher(jobs store.JobStore, ops Operations, lease Lease, bus Bus, cfg Config, log *zap.SugaredLogger) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		jobs:    jobs,
		ops:     ops,
		lease:   lease,
		bus:     bus,
		cfg:     cfg,
		log:     log,
		queue:   make(chan string, cfg.QueueSize),
		queued:  make(map[string]bool),
		active:  make(map[string]bool),
		running: make(map[string]int),
	}
}

// Submit records w as a job and queues it. If a pending job of the same
// kind already exists for the VM, its Outcome is returned instead.
func (d *Dispatcher) Submit(ctx context.Context, w Work, caller string) (*Outcome, error) {
	kind := w.Kind()
	if existing, err := d.jobs.FindPending(ctx, w.VM(), kind); err == nil {
		metrics.RecordSubmit(string(kind), true)
		d.log.Debugw("Reusing pending job", "vm", w.VM(), "job", existing.ID, "cmd", kind)
		return d.outcome(existing.ID), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up pending %s job: %w", kind, err)
	}

	info, err := Encode(w)
	if err != nil {
		return nil, err
	}
	job := &v1alpha1.WorkJob{
		ID:      uuid.New().String(),
		VMID:    w.VM(),
		Cmd:     kind,
		CmdInfo: info,
		Caller:  caller,
	}
	if err := d.jobs.Submit(ctx, job); err != nil {
		if !errors.Is(err, store.ErrDuplicateJob) {
			return nil, fmt.Errorf("failed to submit %s job: %w", kind, err)
		}
		// Lost the race with another submitter.
		existing, findErr := d.jobs.FindPending(ctx, w.VM(), kind)
		if findErr != nil {
			return nil, fmt.Errorf("failed to submit %s job: %w", kind, err)
		}
		metrics.RecordSubmit(string(kind), true)
		return d.outcome(existing.ID), nil
	}

	metrics.RecordSubmit(string(kind), false)
	d.log.Infow("Job submitted", "vm", job.VMID, "job", job.ID, "cmd", kind, "caller", caller)
	d.enqueue(job.ID)
	return d.outcome(job.ID), nil
}

// Outcome returns a handle on an existing job.
func (d *Dispatcher) Outcome(jobID string) *Outcome {
	return d.outcome(jobID)
}

func (d *Dispatcher) outcome(jobID string) *Outcome {
	return &Outcome{JobID: jobID, jobs: d.jobs, bus: d.bus, poll: d.cfg.PollInterval, ceiling: d.cfg.WaitCeiling}
}

// Running reports whether a job for vmID is executing on this node.
func (d *Dispatcher) Running(vmID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[vmID] > 0
}

func (d *Dispatcher) enqueue(jobID string) {
	d.mu.Lock()
	if d.queued[jobID] || d.active[jobID] {
		d.mu.Unlock()
		return
	}
	d.queued[jobID] = true
	d.mu.Unlock()

	select {
	case d.queue <- jobID:
	default:
		d.mu.Lock()
		delete(d.queued, jobID)
		d.mu.Unlock()
		d.log.Warnw("Job queue full, job left for recovery", "job", jobID)
	}
}

// RecoverJobs queues every job that is queued in the store or was in
// progress on this node, and returns how many were found.
func (d *Dispatcher) RecoverJobs(ctx context.Context) (int, error) {
	jobs, err := d.jobs.ListRecoverable(ctx, d.cfg.Node)
	if err != nil {
		return 0, fmt.Errorf("failed to list recoverable jobs: %w", err)
	}
	for _, job := range jobs {
		d.enqueue(job.ID)
	}
	return len(jobs), nil
}

// Run starts the workers and the recovery loop and blocks until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(d.cfg.RecoverInterval)
		defer ticker.Stop()
		for {
			if n, err := d.RecoverJobs(ctx); err != nil {
				d.log.Warnw("Job recovery pass failed", "error", err)
			} else if n > 0 {
				d.log.Debugw("Job recovery pass", "jobs", n)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.mu.Lock()
			delete(d.queued, id)
			busy := d.active[id]
			d.active[id] = true
			d.mu.Unlock()
			if busy {
				continue
			}
			d.process(ctx, id)
			d.mu.Lock()
			delete(d.active, id)
			d.mu.Unlock()
		}
	}
}

// process runs one job if its VM lease can be taken, and requeues it later
// otherwise.
func (d *Dispatcher) process(ctx context.Context, jobID string) {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		d.log.Warnw("Failed to load job", "job", jobID, "error", err)
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	holder := d.cfg.Node + "/" + job.ID
	ok, err := d.lease.Acquire(ctx, job.VMID, holder, d.cfg.LeaseTTL)
	if err != nil || !ok {
		if err != nil {
			d.log.Warnw("Failed to lease vm", "vm", job.VMID, "job", job.ID, "error", err)
		}
		time.AfterFunc(d.cfg.PollInterval, func() { d.enqueue(job.ID) })
		return
	}
	defer func() {
		if err := d.lease.Release(context.WithoutCancel(ctx), job.VMID, holder); err != nil {
			d.log.Warnw("Failed to release vm lease", "vm", job.VMID, "job", job.ID, "error", err)
		}
	}()

	if err := d.jobs.MarkInProgress(ctx, job.ID, d.cfg.Node); err != nil {
		d.log.Warnw("Failed to claim job", "job", job.ID, "error", err)
		return
	}

	d.mu.Lock()
	d.running[job.VMID]++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running[job.VMID]--
		if d.running[job.VMID] == 0 {
			delete(d.running, job.VMID)
		}
		d.mu.Unlock()
	}()

	began := time.Now()
	result := d.execute(ctx, job, holder)

	status := v1alpha1.JobSucceeded
	if result.Failed() {
		status = v1alpha1.JobFailed
	}
	done := context.WithoutCancel(ctx)
	if err := d.jobs.Complete(done, job.ID, status, marshalResult(result)); err != nil {
		d.log.Errorw("Failed to complete job", "vm", job.VMID, "job", job.ID, "error", err)
		return
	}
	if err := d.bus.Publish(done, job.ID); err != nil {
		d.log.Warnw("Failed to publish job completion", "job", job.ID, "error", err)
	}
	metrics.RecordJobCompletion(string(job.Cmd), string(status), time.Since(began))

	if result.Failed() {
		d.log.Warnw("Job failed", "vm", job.VMID, "job", job.ID, "cmd", job.Cmd, "error", result.Error.Message)
	} else {
		d.log.Infow("Job succeeded", "vm", job.VMID, "job", job.ID, "cmd", job.Cmd)
	}
}

func (d *Dispatcher) execute(ctx context.Context, job *v1alpha1.WorkJob, holder string) Result {
	w, err := Decode(job.Cmd, job.CmdInfo)
	if err != nil {
		return ErrorResult(err)
	}

	runCtx, cancel := context.WithCancel(WithJob(ctx, job.ID))
	defer cancel()
	go d.keepLease(runCtx, job.VMID, holder)

	return execute(runCtx, d.ops, w)
}

// keepLease refreshes the VM lease until ctx ends. A lost lease is logged;
// the state machine's conditional update still guards the VM.
func (d *Dispatcher) keepLease(ctx context.Context, vmID, holder string) {
	ticker := time.NewTicker(d.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := d.lease.Refresh(ctx, vmID, holder, d.cfg.LeaseTTL)
			if err != nil {
				d.log.Warnw("Failed to refresh vm lease", "vm", vmID, "error", err)
			} else if !ok {
				d.log.Errorw("VM lease lost while job running", "vm", vmID, "holder", holder)
			}
		}
	}
}

// dispatch runs w inline when ctx is already inside a job, and otherwise
// submits it and waits for the result.
func (d *Dispatcher) dispatch(ctx context.Context, w Work) (Result, error) {
	if JobID(ctx) != "" {
		return execute(ctx, d.ops, w), nil
	}
	o, err := d.Submit(ctx, w, callerFrom(ctx))
	if err != nil {
		return Result{}, vmerr.Wrap(vmerr.KindFatal, w.VM(), string(w.Kind()), err)
	}
	return o.Wait(ctx)
}

func (d *Dispatcher) call(ctx context.Context, w Work) error {
	r, err := d.dispatch(ctx, w)
	if err != nil {
		return err
	}
	return r.Err()
}

type callerKey struct{}

// WithCaller records who is submitting jobs from ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func callerFrom(ctx context.Context) string {
	c, _ := ctx.Value(callerKey{}).(string)
	return c
}

// Start runs a start job for vmID, on hostID when given, and waits for it.
func (d *Dispatcher) Start(ctx context.Context, vmID, hostID string) error {
	return d.call(ctx, StartWork{VMID: vmID, HostID: hostID})
}

// Stop runs a stop job. force destroys the domain instead of shutting it down.
func (d *Dispatcher) Stop(ctx context.Context, vmID string, force bool) error {
	return d.call(ctx, StopWork{VMID: vmID, Force: force})
}

// Reboot runs a reboot job.
func (d *Dispatcher) Reboot(ctx context.Context, vmID string) error {
	return d.call(ctx, RebootWork{VMID: vmID})
}

// Migrate runs a compute migration job to destHostID. pools pins volumes to
// destination pools; nil lets the planner choose.
func (d *Dispatcher) Migrate(ctx context.Context, vmID, destHostID string, live bool, pools map[string]string) error {
	return d.call(ctx, MigrateWork{VMID: vmID, DestHostID: destHostID, Live: live, Pools: pools})
}

// MigrateAway runs a job moving the VM off srcHostID.
func (d *Dispatcher) MigrateAway(ctx context.Context, vmID, srcHostID string) error {
	return d.call(ctx, MigrateAwayWork{VMID: vmID, SrcHostID: srcHostID})
}

// MigrateStorage runs a storage migration job. pools maps volume id to pool id.
func (d *Dispatcher) MigrateStorage(ctx context.Context, vmID string, pools map[string]string) error {
	return d.call(ctx, MigrateStorageWork{VMID: vmID, Pools: pools})
}

// Scale runs a job changing the VM's vCPUs and memory.
func (d *Dispatcher) Scale(ctx context.Context, vmID string, vcpus, memoryMiB int) error {
	return d.call(ctx, ScaleWork{VMID: vmID, VCPUs: vcpus, MemoryMiB: memoryMiB})
}

// AddNic runs a job attaching a NIC on networkID and returns the new NIC.
func (d *Dispatcher) AddNic(ctx context.Context, vmID, networkID string) (*v1alpha1.Nic, error) {
	r, err := d.dispatch(ctx, AddNicWork{VMID: vmID, NetworkID: networkID})
	if err != nil {
		return nil, err
	}
	var nic v1alpha1.Nic
	if err := r.Into(&nic); err != nil {
		return nil, err
	}
	return &nic, nil
}

// RemoveNic runs a job detaching nicID. It reports whether a NIC was removed.
func (d *Dispatcher) RemoveNic(ctx context.Context, vmID, nicID string) (bool, error) {
	r, err := d.dispatch(ctx, RemoveNicWork{VMID: vmID, NicID: nicID})
	if err != nil {
		return false, err
	}
	if err := r.Err(); err != nil {
		return false, err
	}
	return r.Bool, nil
}

// Destroy runs a destroy job, expunging the VM afterwards when expunge is set.
func (d *Dispatcher) Destroy(ctx context.Context, vmID string, expunge bool) error {
	return d.call(ctx, DestroyWork{VMID: vmID, Expunge: expunge})
}

// Expunge runs an expunge job.
func (d *Dispatcher) Expunge(ctx context.Context, vmID string) error {
	return d.call(ctx, ExpungeWork{VMID: vmID})
}

// Recover runs a job restoring a destroyed VM to Stopped.
func (d *Dispatcher) Recover(ctx context.Context, vmID string) error {
	return d.call(ctx, RecoverWork{VMID: vmID})
}
