package main

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"

	"github.com/jbweber/foreman/internal/agent/libvirt"
	"github.com/jbweber/foreman/internal/alert"
	"github.com/jbweber/foreman/internal/config"
	"github.com/jbweber/foreman/internal/deploy"
	"github.com/jbweber/foreman/internal/guru"
	"github.com/jbweber/foreman/internal/ha"
	"github.com/jbweber/foreman/internal/jobqueue"
	"github.com/jbweber/foreman/internal/logger"
	"github.com/jbweber/foreman/internal/migration"
	"github.com/jbweber/foreman/internal/orchestrator"
	"github.com/jbweber/foreman/internal/powerstate"
	"github.com/jbweber/foreman/internal/resources"
	"github.com/jbweber/foreman/internal/state"
	"github.com/jbweber/foreman/internal/store"
	"github.com/jbweber/foreman/internal/workitem"
)

// lifecycle joins the single-host operations and the migrations into the
// full set a job can carry.
type lifecycle struct {
	*orchestrator.Orchestrator
	*migration.Coordinator
}

var _ jobqueue.Operations = lifecycle{}

// pinger is implemented by stores that can check their backend.
type pinger interface {
	Ping(ctx context.Context) error
}

// app holds every wired component of a control-plane node.
type app struct {
	cfg *config.Config

	store     store.Store
	redis     *redis.Client
	bus       jobqueue.Bus
	transport *libvirt.Transport
	planner   *deploy.StaticPlanner
	network   *resources.NetworkLedger

	orchestrator *orchestrator.Orchestrator
	dispatcher   *jobqueue.Dispatcher
	ha           *ha.Scheduler
	reconciler   *powerstate.Reconciler
	scanner      *workitem.Scanner
	sentry       *alert.SentrySink
}

// buildApp wires a node from cfg.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	node := cfg.Node
	a := &app{cfg: cfg}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st

	var lease jobqueue.Lease = jobqueue.NewLocalLease()
	a.bus = jobqueue.NewLocalBus()
	if cfg.Redis.Address != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.bus = jobqueue.NewRedisBus(a.redis, cfg.Queue.Channel, logger.For(logger.ComponentDispatcher))
		if cfg.Queue.Lease == "redis" {
			lease = jobqueue.NewRedisLease(a.redis, "foreman:")
		}
	}

	hosts, inventory := hostsFrom(cfg)
	a.transport = libvirt.NewTransport(hosts, libvirt.Options{
		CommandTimeout:  cfg.Agent.CommandTimeout.D(),
		ConnectTimeout:  cfg.Agent.ConnectTimeout.D(),
		ShutdownTimeout: cfg.Agent.ShutdownTimeout.D(),
	}, logger.For(logger.ComponentAgent))

	pools := poolsFrom(cfg)
	resLog := logger.For(logger.ComponentResources)
	a.planner = deploy.NewStaticPlanner(inventory, pools, resLog)
	a.network, err = resources.NewNetworkLedger(networksFrom(cfg), resLog)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build network ledger: %w", err)
	}
	a.network.WithClaims(st.Addresses())

	vms := st.VMs()
	tracker := workitem.NewTracker(st.WorkItems(), node, cfg.WorkItems.PollInterval.D(), logger.For(logger.ComponentWorkItems))
	tracker.Heartbeat = cfg.WorkItems.StaleThreshold.D() / 3
	a.orchestrator = orchestrator.New(orchestrator.Deps{
		VMs:       vms,
		Machine:   state.NewMachine(vms, logger.For(logger.ComponentStateMachine)),
		Tracker:   tracker,
		Planner:   a.planner,
		Catalog:   catalogFrom(cfg),
		Storage:   resources.NewStorageLedger(pools, resLog),
		Network:   a.network,
		Gurus:     guru.NewRegistry(&guru.KVM{}),
		Transport: a.transport,
		Events:    jobqueue.NewPowerNotifier(a.bus, logger.For(logger.ComponentDispatcher)),
	}, orchestrator.Config{
		StartRetries: cfg.Orchestrator.StartRetries,
		LockRetries:  cfg.Orchestrator.LockRetries,
		LockWait:     cfg.Orchestrator.LockWait.D(),
	}, logger.For(logger.ComponentOrchestrator))
	coordinator := migration.New(a.orchestrator, logger.For(logger.ComponentMigration))
	ops := lifecycle{
		Orchestrator: a.orchestrator,
		Coordinator:  coordinator,
	}

	a.dispatcher = jobqueue.NewDispatcher(st.Jobs(), ops, lease, a.bus, jobqueue.Config{
		Node:            node,
		Workers:         cfg.Queue.Workers,
		QueueSize:       cfg.Queue.QueueSize,
		PollInterval:    cfg.Queue.PollInterval.D(),
		WaitCeiling:     cfg.Queue.WaitCeiling.D(),
		LeaseTTL:        cfg.Queue.LeaseTTL.D(),
		RecoverInterval: cfg.Queue.RecoverInterval.D(),
	}, logger.For(logger.ComponentDispatcher))

	a.ha = ha.NewScheduler(&haActions{ops: a.dispatcher, vms: vms, o: a.orchestrator},
		cfg.HA.MaxAttempts, cfg.HA.RetryDelay.D(), logger.For(logger.ComponentHA))
	coordinator.HA = a.ha

	sink, err := a.alertSink()
	if err != nil {
		a.Close()
		return nil, err
	}

	hostIDs := make([]string, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hostIDs = append(hostIDs, h.ID)
	}
	a.reconciler = powerstate.New(powerstate.Deps{
		VMs:       vms,
		Jobs:      st.Jobs(),
		Tracker:   tracker,
		Syncer:    a.orchestrator,
		HA:        a.ha,
		Gurus:     a.orchestrator.Gurus,
		Transport: a.transport,
		Alerts:    sink,
		Hosts:     hostIDs,
	}, powerstate.Config{
		PingInterval:   cfg.PowerState.PingInterval.D(),
		GracefulFactor: cfg.PowerState.GracefulFactor,
	}, logger.For(logger.ComponentReconciler))

	a.scanner = workitem.NewScanner(tracker, vms, a.orchestrator, a.dispatcher,
		cfg.WorkItems.StaleThreshold.D(), cfg.WorkItems.ScanInterval.D(), logger.For(logger.ComponentWorkItems))

	if err := a.adopt(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return pg, nil
	default:
		return store.NewMemory(), nil
	}
}

func (a *app) alertSink() (alert.Sink, error) {
	sinks := alert.Multi{alert.NewLogSink(logger.For(logger.ComponentAlert))}
	if a.cfg.Alerts.SentryDSN != "" {
		s, err := alert.NewSentrySink(sentry.ClientOptions{
			Dsn:         a.cfg.Alerts.SentryDSN,
			Environment: a.cfg.Alerts.Environment,
			ServerName:  a.cfg.Node,
			Release:     version,
		})
		if err != nil {
			return nil, err
		}
		a.sentry = s
		sinks = append(sinks, s)
	}
	return alert.NewDeduper(sinks, a.cfg.Alerts.DedupWindow.D()), nil
}

// adopt rebuilds the in-memory capacity and address reservations from the
// VM records, so a restarted node does not hand them out twice.
func (a *app) adopt(ctx context.Context) error {
	list, err := a.store.VMs().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list VMs: %w", err)
	}
	for _, vm := range list {
		a.network.Adopt(ctx, vm)
		if vm.Status.State.IsHostBound() {
			a.planner.Adopt(vm)
		}
	}
	return nil
}

// Close releases connections. It is safe on a partially built app.
func (a *app) Close() {
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			logger.For(logger.ComponentAgent).Warnw("Failed to close agent connections", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.sentry != nil {
		a.sentry.Flush(2 * time.Second)
	}
	if a.store != nil {
		a.store.Close()
	}
}

func hostsFrom(cfg *config.Config) ([]libvirt.Host, []deploy.Host) {
	ssh := libvirt.SSHOptions{
		User:           cfg.Agent.SSH.User,
		KeyFile:        cfg.Agent.SSH.KeyFile,
		KnownHostsFile: cfg.Agent.SSH.KnownHostsFile,
	}
	agentHosts := make([]libvirt.Host, 0, len(cfg.Hosts))
	inventory := make([]deploy.Host, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		agentHosts = append(agentHosts, libvirt.Host{ID: h.ID, Address: h.Address, SSH: ssh})
		inventory = append(inventory, deploy.Host{
			ID:             h.ID,
			Address:        h.Address,
			ZoneID:         h.ZoneID,
			PodID:          h.PodID,
			ClusterID:      h.ClusterID,
			HypervisorType: h.HypervisorType,
			VCPUs:          h.VCPUs,
			MemoryMiB:      h.MemoryMiB,
		})
	}
	return agentHosts, inventory
}

func poolsFrom(cfg *config.Config) []deploy.Pool {
	pools := make([]deploy.Pool, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		pools = append(pools, deploy.Pool{
			ID:         p.ID,
			Scope:      deploy.PoolScope(p.Scope),
			ZoneID:     p.ZoneID,
			PodID:      p.PodID,
			ClusterID:  p.ClusterID,
			HostID:     p.HostID,
			Path:       p.Path,
			Tags:       p.Tags,
			Managed:    p.Managed,
			CapacityGB: p.CapacityGB,
		})
	}
	return pools
}

func networksFrom(cfg *config.Config) []resources.Network {
	nets := make([]resources.Network, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		nets = append(nets, resources.Network{ID: n.ID, Bridge: n.Bridge, CIDR: n.CIDR, Gateway: n.Gateway})
	}
	return nets
}

func catalogFrom(cfg *config.Config) *deploy.StaticCatalog {
	c := &deploy.StaticCatalog{
		Offerings: make(map[string]deploy.Offering, len(cfg.Offerings)),
		Templates: make(map[string]deploy.Template, len(cfg.Templates)),
	}
	for _, o := range cfg.Offerings {
		c.Offerings[o.ID] = deploy.Offering{ID: o.ID, VCPUs: o.VCPUs, MemoryMiB: o.MemoryMiB, StorageTags: o.StorageTags}
	}
	for _, t := range cfg.Templates {
		c.Templates[t.ID] = deploy.Template{ID: t.ID, Name: t.Name, Path: t.Path}
	}
	return c
}

// haActions carries out HA decisions as lifecycle jobs.
type haActions struct {
	ops jobqueue.Operations
	vms store.VMStore
	o   *orchestrator.Orchestrator
}

var _ ha.Actions = (*haActions)(nil)

// Restart force-stops whatever is left of the VM and starts it again on any
// host.
func (h *haActions) Restart(ctx context.Context, vmID string) error {
	ctx = jobqueue.WithCaller(ctx, "ha")
	if err := h.ops.Stop(ctx, vmID, true); err != nil {
		return fmt.Errorf("ha restart: %w", err)
	}
	return h.ops.Start(ctx, vmID, "")
}

// ForceStop stops a VM whose record and power report disagree. A VM whose
// record is not on a host has no lifecycle job to run, so the domain is
// destroyed directly on the host that reported it.
func (h *haActions) ForceStop(ctx context.Context, vmID string) error {
	vm, err := h.vms.Get(ctx, vmID)
	if err != nil {
		return err
	}
	if vm.Status.State.IsHostBound() {
		return h.ops.Stop(jobqueue.WithCaller(ctx, "ha"), vmID, true)
	}
	if vm.Status.PowerHostID == "" {
		return nil
	}
	h.o.CompensatingStop(ctx, vm, vm.Status.PowerHostID)
	return nil
}

// logFields is a helper for structured startup logging.
func (a *app) logFields() []interface{} {
	return []interface{}{
		"node", a.cfg.Node,
		"store", a.cfg.Store.Driver,
		"lease", a.cfg.Queue.Lease,
		"hosts", len(a.cfg.Hosts),
		"workers", a.cfg.Queue.Workers,
	}
}
