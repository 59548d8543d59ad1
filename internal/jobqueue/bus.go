package jobqueue

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Bus carries job-completion notices, and power-state changes keyed by
// vmKey, to waiting Outcomes.
type Bus interface {
	Publish(ctx context.Context, jobID string) error
	// Subscribe returns a channel that receives once jobID is published,
	// and a function to unsubscribe.
	Subscribe(jobID string) (<-chan struct{}, func())
}

// LocalBus delivers notices within one process.
type LocalBus struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewLocalBus creates a LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[chan struct{}]struct{})}
}

// Publish implements Bus.
func (b *LocalBus) Publish(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[jobID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(jobID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan struct{}]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[jobID], ch)
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
	}
}

// RedisBus publishes notices on a Redis channel so that Outcomes on every
// node wake up. Run must be running for local subscribers to be notified.
type RedisBus struct {
	rdb     redis.UniversalClient
	channel string
	local   *LocalBus
	log     *zap.SugaredLogger
}

// NewRedisBus creates a RedisBus on channel.
func NewRedisBus(rdb redis.UniversalClient, channel string, log *zap.SugaredLogger) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel, local: NewLocalBus(), log: log}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, jobID string) error {
	return b.rdb.Publish(ctx, b.channel, jobID).Err()
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(jobID string) (<-chan struct{}, func()) {
	return b.local.Subscribe(jobID)
}

// Run relays published notices to local subscribers until ctx ends.
func (b *RedisBus) Run(ctx context.Context) error {
	ps := b.rdb.Subscribe(ctx, b.channel)
	defer ps.Close()

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				b.log.Warnw("Job notice subscription closed", "channel", b.channel)
				return nil
			}
			_ = b.local.Publish(ctx, msg.Payload)
		}
	}
}

// vmKey is the bus key for power-state changes of vmID. Job ids are UUIDs
// and never collide with it.
func vmKey(vmID string) string { return "vm/" + vmID }

// PowerNotifier publishes power-state changes on a Bus.
type PowerNotifier struct {
	bus Bus
	log *zap.SugaredLogger
}

// NewPowerNotifier creates a PowerNotifier.
func NewPowerNotifier(bus Bus, log *zap.SugaredLogger) *PowerNotifier {
	return &PowerNotifier{bus: bus, log: log}
}

// PowerChanged wakes Outcomes waiting on jobs for vmID.
func (n *PowerNotifier) PowerChanged(ctx context.Context, vmID string) {
	if err := n.bus.Publish(ctx, vmKey(vmID)); err != nil {
		n.log.Warnw("Failed to publish power state change", "vm", vmID, "error", err)
	}
}
