package jobqueue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func exerciseLease(t *testing.T, l Lease, key string) {
	t.Helper()
	ctx := context.Background()

	ok, err := l.Acquire(ctx, key, "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire(a) = %v, %v", ok, err)
	}
	if ok, _ := l.Acquire(ctx, key, "b", time.Minute); ok {
		t.Fatal("second holder acquired a held lease")
	}
	if ok, _ := l.Refresh(ctx, key, "b", time.Minute); ok {
		t.Error("non-holder refreshed the lease")
	}
	if ok, _ := l.Refresh(ctx, key, "a", time.Minute); !ok {
		t.Error("holder could not refresh")
	}

	// A non-holder release leaves the lease in place.
	_ = l.Release(ctx, key, "b")
	if ok, _ := l.Acquire(ctx, key, "b", time.Minute); ok {
		t.Fatal("lease released by a non-holder")
	}

	if err := l.Release(ctx, key, "a"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok, _ := l.Acquire(ctx, key, "b", time.Minute); !ok {
		t.Error("lease not free after release")
	}
	_ = l.Release(ctx, key, "b")
}

func TestLocalLease(t *testing.T) {
	exerciseLease(t, NewLocalLease(), "vm-1")
}

func TestLocalBus(t *testing.T) {
	b := NewLocalBus()
	ch, cancel := b.Subscribe("job-1")
	other, cancelOther := b.Subscribe("job-2")
	defer cancelOther()

	_ = b.Publish(context.Background(), "job-1")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified")
	}
	select {
	case <-other:
		t.Fatal("wrong job notified")
	default:
	}

	cancel()
	// Publishing with no subscribers is fine.
	_ = b.Publish(context.Background(), "job-1")
}

// Redis-backed tests need a server: FOREMAN_TEST_REDIS=localhost:6379.
func testRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("FOREMAN_TEST_REDIS")
	if addr == "" {
		t.Skip("FOREMAN_TEST_REDIS not set")
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	return rdb
}

func TestRedisLease(t *testing.T) {
	rdb := testRedis(t)
	exerciseLease(t, NewRedisLease(rdb, "foreman-test:"), "vm-"+time.Now().Format("150405.000000"))
}

func TestRedisBus(t *testing.T) {
	rdb := testRedis(t)
	b := NewRedisBus(rdb, "foreman-test:jobs", zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	ch, unsubscribe := b.Subscribe("job-1")
	defer unsubscribe()

	deadline := time.After(2 * time.Second)
	for {
		// Run may not have subscribed yet; publish until the notice lands.
		_ = b.Publish(ctx, "job-1")
		select {
		case <-ch:
			return
		case <-deadline:
			t.Fatal("notice not relayed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
