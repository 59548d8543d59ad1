package agent

import (
	"context"
	"fmt"

	"github.com/jbweber/foreman/internal/vmerr"
)

// Transport delivers command batches to hosts.
//
// Transport errors are categorized: vmerr.KindAgentUnavailable when the
// commands definitely did not run, vmerr.KindAgentTimeout when no answer
// arrived in time. For a timeout, Active reports whether a command may still
// be executing on the host; callers use it to choose between HA
// investigation and treating the command as not done.
type Transport interface {
	Send(ctx context.Context, hostID string, cmds ...Command) ([]Answer, error)
}

// Unavailable builds a KindAgentUnavailable error for host.
func Unavailable(hostID string, err error) error {
	return &vmerr.Error{Kind: vmerr.KindAgentUnavailable, Err: fmt.Errorf("host %s: %w", hostID, err)}
}

// TimedOut builds a KindAgentTimeout error for host.
func TimedOut(hostID string, active bool, err error) error {
	return &vmerr.Error{Kind: vmerr.KindAgentTimeout, Active: active, Err: fmt.Errorf("host %s: %w", hostID, err)}
}
