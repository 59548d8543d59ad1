package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jbweber/foreman/api/v1alpha1"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Postgres is a Store backed by PostgreSQL.
//
// VM records keep the fields that take part in conditional updates in their
// own columns; everything else lives in a JSONB document.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and applies the schema.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Ping checks the connection; used by the readiness check.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) VMs() VMStore             { return pgVMs{p.pool} }
func (p *Postgres) WorkItems() WorkItemStore { return pgItems{p.pool} }
func (p *Postgres) Jobs() JobStore           { return pgJobs{p.pool} }
func (p *Postgres) Addresses() AddressStore  { return pgAddrs{p.pool} }
func (p *Postgres) Close()                   { p.pool.Close() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTime(t v1alpha1.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	tt := t.Time
	return &tt
}

func fromNullTime(t *time.Time) v1alpha1.Time {
	if t == nil {
		return v1alpha1.Time{}
	}
	return v1alpha1.Time{Time: *t}
}

type pgVMs struct{ pool *pgxpool.Pool }

const vmColumns = `doc, state, power_state, power_state_update_time, power_host_id,
	host_id, last_host_id, update_count, updated_at`

func scanVM(row pgx.Row) (*v1alpha1.VirtualMachine, error) {
	var (
		doc                []byte
		state, powerState  string
		powerTime          *time.Time
		powerHost          string
		hostID, lastHostID string
		updateCount        int64
		updatedAt          time.Time
	)
	if err := row.Scan(&doc, &state, &powerState, &powerTime, &powerHost,
		&hostID, &lastHostID, &updateCount, &updatedAt); err != nil {
		return nil, err
	}

	vm := &v1alpha1.VirtualMachine{}
	if err := json.Unmarshal(doc, vm); err != nil {
		return nil, fmt.Errorf("failed to decode vm document: %w", err)
	}
	vm.Status.State = v1alpha1.State(state)
	vm.Status.PowerState = v1alpha1.PowerState(powerState)
	vm.Status.PowerStateUpdateTime = fromNullTime(powerTime)
	vm.Status.PowerHostID = powerHost
	vm.Status.HostID = hostID
	vm.Status.LastHostID = lastHostID
	vm.Status.UpdateCount = updateCount
	vm.Status.UpdateTime = v1alpha1.Time{Time: updatedAt}
	return vm, nil
}

func (s pgVMs) getWhere(ctx context.Context, where string, arg interface{}) (*v1alpha1.VirtualMachine, error) {
	vm, err := scanVM(s.pool.QueryRow(ctx, `SELECT `+vmColumns+` FROM vm_instance WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("vm %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vm %v: %w", arg, err)
	}
	return vm, nil
}

func (s pgVMs) Get(ctx context.Context, id string) (*v1alpha1.VirtualMachine, error) {
	return s.getWhere(ctx, `id = $1`, id)
}

func (s pgVMs) GetByName(ctx context.Context, name string) (*v1alpha1.VirtualMachine, error) {
	return s.getWhere(ctx, `name = $1 AND removed IS NULL`, name)
}

func (s pgVMs) Create(ctx context.Context, vm *v1alpha1.VirtualMachine) error {
	doc, err := json.Marshal(vm)
	if err != nil {
		return fmt.Errorf("failed to encode vm %s: %w", vm.UID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO vm_instance (id, name, state, power_state, host_id, last_host_id, update_count, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		vm.UID, vm.Name, string(vm.Status.State), string(vm.Status.PowerState),
		vm.Status.HostID, vm.Status.LastHostID, vm.Status.UpdateCount, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("vm %s (%s) already exists: %w", vm.UID, vm.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert vm %s: %w", vm.UID, err)
	}
	return nil
}

func (s pgVMs) UpdateState(ctx context.Context, u StateUpdate) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vm_instance
		   SET state = $2, host_id = $3, last_host_id = $4,
		       update_count = update_count + 1, updated_at = now()
		 WHERE id = $1 AND state = $5 AND update_count = $6 AND host_id = $7`,
		u.VMID, string(u.ToState), u.HostID, u.LastHostID,
		string(u.FromState), u.FromUpdateCount, u.FromHostID)
	if err != nil {
		return false, fmt.Errorf("failed to update state of vm %s: %w", u.VMID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, u.VMID); err != nil {
		return false, err
	}
	return false, nil
}

func (s pgVMs) UpdatePowerState(ctx context.Context, id string, ps v1alpha1.PowerState, hostID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vm_instance SET power_state = $2, power_host_id = $3, power_state_update_time = $4
		 WHERE id = $1`, id, string(ps), hostID, at)
	if err != nil {
		return fmt.Errorf("failed to update power state of vm %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vm %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s pgVMs) Update(ctx context.Context, vm *v1alpha1.VirtualMachine) error {
	doc, err := json.Marshal(vm)
	if err != nil {
		return fmt.Errorf("failed to encode vm %s: %w", vm.UID, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE vm_instance SET doc = $2, name = $3, removed = $4 WHERE id = $1`,
		vm.UID, doc, vm.Name, nullTime(vm.Status.Removed))
	if err != nil {
		return fmt.Errorf("failed to update vm %s: %w", vm.UID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vm %s: %w", vm.UID, ErrNotFound)
	}
	return nil
}

func (s pgVMs) list(ctx context.Context, where string, args ...interface{}) ([]*v1alpha1.VirtualMachine, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+vmColumns+` FROM vm_instance WHERE `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}
	defer rows.Close()

	var out []*v1alpha1.VirtualMachine
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

func (s pgVMs) List(ctx context.Context) ([]*v1alpha1.VirtualMachine, error) {
	return s.list(ctx, `removed IS NULL`)
}

func (s pgVMs) ListByHost(ctx context.Context, hostID string) ([]*v1alpha1.VirtualMachine, error) {
	return s.list(ctx, `removed IS NULL AND host_id = $1`, hostID)
}

type pgItems struct{ pool *pgxpool.Pool }

const itemColumns = `id, vm_id, vm_type, target_state, step, node, job_id, created_at, updated_at`

func scanItem(row pgx.Row) (*v1alpha1.WorkItem, error) {
	var (
		wi                   v1alpha1.WorkItem
		vmType, target, step string
		created, updated     time.Time
	)
	if err := row.Scan(&wi.ID, &wi.VMID, &vmType, &target, &step, &wi.Node, &wi.JobID, &created, &updated); err != nil {
		return nil, err
	}
	wi.VMType = v1alpha1.VMType(vmType)
	wi.TargetState = v1alpha1.State(target)
	wi.Step = v1alpha1.Step(step)
	wi.CreatedAt = v1alpha1.Time{Time: created}
	wi.UpdatedAt = v1alpha1.Time{Time: updated}
	return &wi, nil
}

func (s pgItems) Create(ctx context.Context, wi *v1alpha1.WorkItem) error {
	var created time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO vm_work_item (id, vm_id, vm_type, target_state, step, step_rank, node, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at`,
		wi.ID, wi.VMID, string(wi.VMType), string(wi.TargetState), string(wi.Step), wi.Step.Rank(), wi.Node, wi.JobID,
	).Scan(&created)
	if isUniqueViolation(err) {
		return fmt.Errorf("vm %s already has an open work item: %w", wi.VMID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert work item for vm %s: %w", wi.VMID, err)
	}
	wi.CreatedAt = v1alpha1.Time{Time: created}
	wi.UpdatedAt = wi.CreatedAt
	return nil
}

func (s pgItems) Get(ctx context.Context, id string) (*v1alpha1.WorkItem, error) {
	wi, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM vm_work_item WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load work item %s: %w", id, err)
	}
	return wi, nil
}

func (s pgItems) FindOpen(ctx context.Context, vmID string) (*v1alpha1.WorkItem, error) {
	wi, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM vm_work_item WHERE vm_id = $1 AND step <> 'Done'`, vmID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open work item for vm %s: %w", vmID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open work item for vm %s: %w", vmID, err)
	}
	return wi, nil
}

func (s pgItems) UpdateStep(ctx context.Context, id string, step v1alpha1.Step) error {
	if step.Rank() < 0 {
		return fmt.Errorf("work item %s: unknown step %q: %w", id, step, ErrConflict)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE vm_work_item SET step = $2, step_rank = $3, updated_at = now()
		 WHERE id = $1 AND step_rank <= $3 AND (step <> 'Done' OR $2 = 'Done')`,
		id, string(step), step.Rank())
	if err != nil {
		return fmt.Errorf("failed to update work item %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("work item %s: %w", id, checkStep(current.Step, step))
}

func (s pgItems) Touch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE vm_work_item SET updated_at = now() WHERE id = $1 AND step <> 'Done'`, id)
	if err != nil {
		return fmt.Errorf("failed to touch work item %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("work item %s is done or missing: %w", id, ErrConflict)
	}
	return nil
}

func (s pgItems) ListStalled(ctx context.Context, before time.Time) ([]*v1alpha1.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM vm_work_item
		WHERE step <> 'Done' AND updated_at < $1 ORDER BY updated_at`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled work items: %w", err)
	}
	defer rows.Close()

	var out []*v1alpha1.WorkItem
	for rows.Next() {
		wi, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

type pgJobs struct{ pool *pgxpool.Pool }

const jobColumns = `id, vm_id, cmd, cmd_info, status, node, caller, result, created_at, updated_at`

func scanJob(row pgx.Row) (*v1alpha1.WorkJob, error) {
	var (
		job              v1alpha1.WorkJob
		cmd, status      string
		created, updated time.Time
	)
	if err := row.Scan(&job.ID, &job.VMID, &cmd, &job.CmdInfo, &status, &job.Node, &job.Caller,
		&job.Result, &created, &updated); err != nil {
		return nil, err
	}
	job.Cmd = v1alpha1.CommandKind(cmd)
	job.Status = v1alpha1.JobStatus(status)
	job.CreatedAt = v1alpha1.Time{Time: created}
	job.UpdatedAt = v1alpha1.Time{Time: updated}
	return &job, nil
}

func (s pgJobs) Submit(ctx context.Context, job *v1alpha1.WorkJob) error {
	job.Status = v1alpha1.JobQueued
	var created time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO vm_work_job (id, vm_id, cmd, cmd_info, status, caller)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		job.ID, job.VMID, string(job.Cmd), job.CmdInfo, string(job.Status), job.Caller,
	).Scan(&created)
	if isUniqueViolation(err) {
		return fmt.Errorf("vm %s %s job: %w", job.VMID, job.Cmd, ErrDuplicateJob)
	}
	if err != nil {
		return fmt.Errorf("failed to insert job for vm %s: %w", job.VMID, err)
	}
	job.CreatedAt = v1alpha1.Time{Time: created}
	job.UpdatedAt = job.CreatedAt
	return nil
}

func (s pgJobs) Get(ctx context.Context, id string) (*v1alpha1.WorkJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM vm_work_job WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return job, nil
}

func (s pgJobs) FindPending(ctx context.Context, vmID string, cmd v1alpha1.CommandKind) (*v1alpha1.WorkJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM vm_work_job
		WHERE vm_id = $1 AND cmd = $2 AND status IN ('queued', 'in_progress')`, vmID, string(cmd)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pending %s job for vm %s: %w", cmd, vmID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending job for vm %s: %w", vmID, err)
	}
	return job, nil
}

func (s pgJobs) HasPending(ctx context.Context, vmID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM vm_work_job
		WHERE vm_id = $1 AND status IN ('queued', 'in_progress'))`, vmID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending jobs for vm %s: %w", vmID, err)
	}
	return exists, nil
}

func (s pgJobs) MarkInProgress(ctx context.Context, id, node string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vm_work_job SET status = 'in_progress', node = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('queued', 'in_progress')`, id, node)
	if err != nil {
		return fmt.Errorf("failed to mark job %s in progress: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %s already finished: %w", id, ErrConflict)
	}
	return nil
}

func (s pgJobs) Complete(ctx context.Context, id string, status v1alpha1.JobStatus, result []byte) error {
	if !status.IsTerminal() {
		return fmt.Errorf("complete job %s with non-terminal status %s: %w", id, status, ErrConflict)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE vm_work_job SET status = $2, result = $3, updated_at = now() WHERE id = $1`,
		id, string(status), result)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s pgJobs) ListRecoverable(ctx context.Context, node string) ([]*v1alpha1.WorkJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM vm_work_job
		WHERE status = 'queued' OR (status = 'in_progress' AND node = $1)
		ORDER BY created_at`, node)
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable jobs: %w", err)
	}
	defer rows.Close()

	var out []*v1alpha1.WorkJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type pgAddrs struct{ pool *pgxpool.Pool }

func (s pgAddrs) Claim(ctx context.Context, networkID, ip, nicID, vmID string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO vm_nic_address (network_id, ip, nic_id, vm_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (network_id, ip) DO NOTHING`, networkID, ip, nicID, vmID)
	if err != nil {
		return fmt.Errorf("failed to claim address %s on network %s: %w", ip, networkID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var holder string
	err = s.pool.QueryRow(ctx, `SELECT nic_id FROM vm_nic_address WHERE network_id = $1 AND ip = $2`,
		networkID, ip).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		// freed between the insert and the lookup
		return s.Claim(ctx, networkID, ip, nicID, vmID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up address %s on network %s: %w", ip, networkID, err)
	}
	if holder != nicID {
		return fmt.Errorf("address %s on network %s: %w", ip, networkID, ErrConflict)
	}
	return nil
}

func (s pgAddrs) Free(ctx context.Context, networkID, ip, nicID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM vm_nic_address WHERE network_id = $1 AND ip = $2 AND nic_id = $3`,
		networkID, ip, nicID)
	if err != nil {
		return fmt.Errorf("failed to free address %s on network %s: %w", ip, networkID, err)
	}
	return nil
}
