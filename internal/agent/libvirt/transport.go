package libvirt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/foreman/internal/agent"
)

// Options configures a Transport.
type Options struct {
	// CommandTimeout bounds one batch, from connect to the last answer.
	CommandTimeout time.Duration
	// ConnectTimeout bounds dialing a host.
	ConnectTimeout time.Duration
	// ShutdownTimeout bounds a graceful stop before the domain is destroyed.
	ShutdownTimeout time.Duration
}

// conn is a cached connection to one host.
type conn struct {
	client libvirtClient
	close  func() error
}

// dialFunc opens a connection to a host.
type dialFunc func(ctx context.Context, host Host, timeout time.Duration) (*conn, error)

// Transport sends command batches to hosts over libvirt RPC.
type Transport struct {
	opts Options
	log  *zap.SugaredLogger
	dial dialFunc

	mu    sync.Mutex
	hosts map[string]Host
	conns map[string]*conn
}

var _ agent.Transport = (*Transport)(nil)

// NewTransport creates a Transport for the given hosts.
func NewTransport(hosts []Host, opts Options, log *zap.SugaredLogger) *Transport {
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 2 * time.Minute
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	t := &Transport{
		opts:  opts,
		log:   log,
		dial:  dialLibvirt,
		hosts: make(map[string]Host, len(hosts)),
		conns: make(map[string]*conn),
	}
	for _, h := range hosts {
		t.hosts[h.ID] = h
	}
	return t
}

func dialLibvirt(ctx context.Context, host Host, timeout time.Duration) (*conn, error) {
	l, err := ConnectWithContext(ctx, host, timeout)
	if err != nil {
		return nil, err
	}
	return &conn{client: l, close: l.Disconnect}, nil
}

// Send executes cmds on hostID in order, stopping after the first failed
// answer.
//
// A connection failure before any command was issued is AgentUnavailable.
// Running out of time, or losing the connection once a command was issued,
// is AgentTimeout with Active set: the host may still be executing it. The
// in-flight call is not interrupted; its eventual result is discarded.
func (t *Transport) Send(ctx context.Context, hostID string, cmds ...agent.Command) ([]agent.Answer, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.CommandTimeout)
	defer cancel()

	c, err := t.conn(ctx, hostID)
	if err != nil {
		return nil, agent.Unavailable(hostID, err)
	}

	type result struct {
		answers []agent.Answer
		err     error
	}
	var (
		mu     sync.Mutex
		issued bool
	)
	resultCh := make(chan result, 1)
	exec := newExecutor(c.client, t.opts.ShutdownTimeout, t.log)

	go func() {
		answers := make([]agent.Answer, 0, len(cmds))
		for _, cmd := range cmds {
			mu.Lock()
			issued = true
			mu.Unlock()

			ans, err := exec.run(ctx, cmd)
			if err != nil {
				resultCh <- result{answers: answers, err: err}
				return
			}
			answers = append(answers, ans)
			if !ans.Result {
				break
			}
		}
		resultCh <- result{answers: answers}
	}()

	select {
	case <-ctx.Done():
		t.drop(hostID, c)
		mu.Lock()
		active := issued
		mu.Unlock()
		t.log.Warnw("Agent command batch timed out", "host", hostID, "active", active)
		return nil, agent.TimedOut(hostID, active, ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			t.drop(hostID, c)
			t.log.Warnw("Lost libvirt connection during command batch", "host", hostID, "error", res.err)
			return res.answers, agent.TimedOut(hostID, true, res.err)
		}
		return res.answers, nil
	}
}

// Ping verifies that hostID is reachable.
func (t *Transport) Ping(ctx context.Context, hostID string) error {
	ans, err := t.Send(ctx, hostID, agent.ReportStatesCommand{})
	if err != nil {
		return err
	}
	if len(ans) != 1 || !ans[0].Result {
		return fmt.Errorf("host %s: %s", hostID, agent.FirstFailure(ans))
	}
	return nil
}

// Close disconnects from every host.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for id, c := range t.conns {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection to %s: %w", id, err)
		}
		delete(t.conns, id)
	}
	return firstErr
}

func (t *Transport) conn(ctx context.Context, hostID string) (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[hostID]; ok {
		return c, nil
	}
	host, ok := t.hosts[hostID]
	if !ok {
		return nil, fmt.Errorf("unknown host")
	}
	c, err := t.dial(ctx, host, t.opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	t.conns[hostID] = c
	t.log.Infow("Connected to libvirt", "host", hostID, "address", host.Address)
	return c, nil
}

// drop forgets a connection so the next batch redials.
func (t *Transport) drop(hostID string, c *conn) {
	t.mu.Lock()
	if cur, ok := t.conns[hostID]; ok && cur == c {
		delete(t.conns, hostID)
	} else {
		c = nil
	}
	t.mu.Unlock()
	if c != nil {
		_ = c.close()
	}
}
