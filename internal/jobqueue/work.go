// Package jobqueue turns lifecycle operations into durable work jobs and runs
// them with at most one active job per VM.
//
// A call made from inside a running job executes inline, since the caller
// already holds the VM. Any other call looks for a pending job of the same
// kind for the VM, submits one if there is none, and waits on its Outcome.
package jobqueue

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/jbweber/foreman/api/v1alpha1"
	"github.com/jbweber/foreman/internal/vmerr"
)

// Operations are the lifecycle operations a job can carry.
type Operations interface {
	Start(ctx context.Context, vmID, hostID string) error
	Stop(ctx context.Context, vmID string, force bool) error
	Reboot(ctx context.Context, vmID string) error
	Migrate(ctx context.Context, vmID, destHostID string, live bool, pools map[string]string) error
	MigrateAway(ctx context.Context, vmID, srcHostID string) error
	MigrateStorage(ctx context.Context, vmID string, pools map[string]string) error
	Scale(ctx context.Context, vmID string, vcpus, memoryMiB int) error
	AddNic(ctx context.Context, vmID, networkID string) (*v1alpha1.Nic, error)
	RemoveNic(ctx context.Context, vmID, nicID string) (bool, error)
	Destroy(ctx context.Context, vmID string, expunge bool) error
	Expunge(ctx context.Context, vmID string) error
	Recover(ctx context.Context, vmID string) error
}

// Work is a serializable description of one operation. The set of variants
// is closed.
type Work interface {
	Kind() v1alpha1.CommandKind
	VM() string
	work()
}

type StartWork struct {
	VMID string `json:"vmID"`
	// HostID pins the destination; empty lets the planner choose.
	HostID string `json:"hostID,omitempty"`
}

type StopWork struct {
	VMID  string `json:"vmID"`
	Force bool   `json:"force,omitempty"`
}

type RebootWork struct {
	VMID string `json:"vmID"`
}

type MigrateWork struct {
	VMID       string `json:"vmID"`
	DestHostID string `json:"destHostID"`
	Live       bool   `json:"live"`
	// Pools maps volume id to the pool it moves to at the destination;
	// volumes not named are placed by the planner.
	Pools map[string]string `json:"pools,omitempty"`
}

type MigrateAwayWork struct {
	VMID      string `json:"vmID"`
	SrcHostID string `json:"srcHostID"`
}

type MigrateStorageWork struct {
	VMID string `json:"vmID"`
	// Pools maps volume id to destination pool id.
	Pools map[string]string `json:"pools"`
}

type ScaleWork struct {
	VMID      string `json:"vmID"`
	VCPUs     int    `json:"vcpus"`
	MemoryMiB int    `json:"memoryMiB"`
}

type AddNicWork struct {
	VMID      string `json:"vmID"`
	NetworkID string `json:"networkID"`
}

type RemoveNicWork struct {
	VMID  string `json:"vmID"`
	NicID string `json:"nicID"`
}

type DestroyWork struct {
	VMID    string `json:"vmID"`
	Expunge bool   `json:"expunge,omitempty"`
}

type ExpungeWork struct {
	VMID string `json:"vmID"`
}

type RecoverWork struct {
	VMID string `json:"vmID"`
}

func (StartWork) Kind() v1alpha1.CommandKind          { return v1alpha1.CmdStart }
func (StopWork) Kind() v1alpha1.CommandKind           { return v1alpha1.CmdStop }
func (RebootWork) Kind() v1alpha1.CommandKind         { return v1alpha1.CmdReboot }
func (MigrateWork) Kind() v1alpha1.CommandKind        { return v1alpha1.CmdMigrate }
func (MigrateAwayWork) Kind() v1alpha1.CommandKind    { return v1alpha1.CmdMigrateAway }
func (MigrateStorageWork) Kind() v1alpha1.CommandKind { return v1alpha1.CmdMigrateStorage }
func (ScaleWork) Kind() v1alpha1.CommandKind          { return v1alpha1.CmdScale }
func (AddNicWork) Kind() v1alpha1.CommandKind         { return v1alpha1.CmdAddNic }
func (RemoveNicWork) Kind() v1alpha1.CommandKind      { return v1alpha1.CmdRemoveNic }
func (DestroyWork) Kind() v1alpha1.CommandKind        { return v1alpha1.CmdDestroy }
func (ExpungeWork) Kind() v1alpha1.CommandKind        { return v1alpha1.CmdExpunge }
func (RecoverWork) Kind() v1alpha1.CommandKind        { return v1alpha1.CmdRecover }

func (w StartWork) VM() string          { return w.VMID }
func (w StopWork) VM() string           { return w.VMID }
func (w RebootWork) VM() string         { return w.VMID }
func (w MigrateWork) VM() string        { return w.VMID }
func (w MigrateAwayWork) VM() string    { return w.VMID }
func (w MigrateStorageWork) VM() string { return w.VMID }
func (w ScaleWork) VM() string          { return w.VMID }
func (w AddNicWork) VM() string         { return w.VMID }
func (w RemoveNicWork) VM() string      { return w.VMID }
func (w DestroyWork) VM() string        { return w.VMID }
func (w ExpungeWork) VM() string        { return w.VMID }
func (w RecoverWork) VM() string        { return w.VMID }

func (StartWork) work()          {}
func (StopWork) work()           {}
func (RebootWork) work()         {}
func (MigrateWork) work()        {}
func (MigrateAwayWork) work()    {}
func (MigrateStorageWork) work() {}
func (ScaleWork) work()          {}
func (AddNicWork) work()         {}
func (RemoveNicWork) work()      {}
func (DestroyWork) work()        {}
func (ExpungeWork) work()        {}
func (RecoverWork) work()        {}

// Encode serializes w for storage in a job.
func Encode(w Work) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s work: %w", w.Kind(), err)
	}
	return data, nil
}

var decoders = map[v1alpha1.CommandKind]func([]byte) (Work, error){
	v1alpha1.CmdStart:          decodeAs[StartWork],
	v1alpha1.CmdStop:           decodeAs[StopWork],
	v1alpha1.CmdReboot:         decodeAs[RebootWork],
	v1alpha1.CmdMigrate:        decodeAs[MigrateWork],
	v1alpha1.CmdMigrateAway:    decodeAs[MigrateAwayWork],
	v1alpha1.CmdMigrateStorage: decodeAs[MigrateStorageWork],
	v1alpha1.CmdScale:          decodeAs[ScaleWork],
	v1alpha1.CmdAddNic:         decodeAs[AddNicWork],
	v1alpha1.CmdRemoveNic:      decodeAs[RemoveNicWork],
	v1alpha1.CmdDestroy:        decodeAs[DestroyWork],
	v1alpha1.CmdExpunge:        decodeAs[ExpungeWork],
	v1alpha1.CmdRecover:        decodeAs[RecoverWork],
}

func decodeAs[T Work](data []byte) (Work, error) {
	var w T
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return w, nil
}

// Decode rebuilds the work stored in a job of the given kind.
func Decode(kind v1alpha1.CommandKind, data []byte) (Work, error) {
	decode, ok := decoders[kind]
	if !ok {
		return nil, vmerr.New(vmerr.KindInvalidParameter, "", "decode", "unknown command kind %q", kind)
	}
	w, err := decode(data)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInvalidParameter, "", "decode", fmt.Errorf("failed to decode %s work: %w", kind, err))
	}
	return w, nil
}

// execute runs w against ops.
func execute(ctx context.Context, ops Operations, w Work) Result {
	switch w := w.(type) {
	case StartWork:
		return ErrorResult(ops.Start(ctx, w.VMID, w.HostID))
	case StopWork:
		return ErrorResult(ops.Stop(ctx, w.VMID, w.Force))
	case RebootWork:
		return ErrorResult(ops.Reboot(ctx, w.VMID))
	case MigrateWork:
		return ErrorResult(ops.Migrate(ctx, w.VMID, w.DestHostID, w.Live, w.Pools))
	case MigrateAwayWork:
		return ErrorResult(ops.MigrateAway(ctx, w.VMID, w.SrcHostID))
	case MigrateStorageWork:
		return ErrorResult(ops.MigrateStorage(ctx, w.VMID, w.Pools))
	case ScaleWork:
		return ErrorResult(ops.Scale(ctx, w.VMID, w.VCPUs, w.MemoryMiB))
	case AddNicWork:
		nic, err := ops.AddNic(ctx, w.VMID, w.NetworkID)
		if err != nil {
			return ErrorResult(err)
		}
		return ValueResult(nic)
	case RemoveNicWork:
		removed, err := ops.RemoveNic(ctx, w.VMID, w.NicID)
		if err != nil {
			return ErrorResult(err)
		}
		return BoolResult(removed)
	case DestroyWork:
		return ErrorResult(ops.Destroy(ctx, w.VMID, w.Expunge))
	case ExpungeWork:
		return ErrorResult(ops.Expunge(ctx, w.VMID))
	case RecoverWork:
		return ErrorResult(ops.Recover(ctx, w.VMID))
	default:
		return ErrorResult(vmerr.New(vmerr.KindFatal, w.VM(), "execute", "unhandled work %T", w))
	}
}
