package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courier/internal/db"
	"courier/internal/hotstate"
)

func testHot(t *testing.T) (*hotstate.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := &db.RedisDB{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	return hotstate.NewClient(rdb, time.Hour, time.Minute, zap.NewNop()), mr
}

func TestSingleLeader(t *testing.T) {
	hot, _ := testHot(t)
	ctx := context.Background()

	a := NewElector(hot, 30*time.Second, 10*time.Second, zap.NewNop())
	b := NewElector(hot, 30*time.Second, 10*time.Second, zap.NewNop())

	a.tick(ctx)
	b.tick(ctx)

	if !a.IsLeader() {
		t.Error("first campaigner should hold the lock")
	}
	if b.IsLeader() {
		t.Error("second campaigner acquired a held lock")
	}
}

func TestLeaderRefreshKeepsLock(t *testing.T) {
	hot, mr := testHot(t)
	ctx := context.Background()

	e := NewElector(hot, 30*time.Second, 10*time.Second, zap.NewNop())
	e.tick(ctx)
	if !e.IsLeader() {
		t.Fatal("failed to acquire")
	}

	mr.FastForward(20 * time.Second)
	e.tick(ctx)
	if !e.IsLeader() {
		t.Error("refresh within TTL lost the lock")
	}

	if mr.TTL(lockKey) != 30*time.Second {
		t.Errorf("refresh did not reset TTL, got %v", mr.TTL(lockKey))
	}
}

func TestFailoverAfterExpiry(t *testing.T) {
	hot, mr := testHot(t)
	ctx := context.Background()

	a := NewElector(hot, 30*time.Second, 10*time.Second, zap.NewNop())
	b := NewElector(hot, 30*time.Second, 10*time.Second, zap.NewNop())

	a.tick(ctx)
	if !a.IsLeader() {
		t.Fatal("a failed to acquire")
	}

	// a stops heartbeating; the lock expires.
	mr.FastForward(31 * time.Second)

	b.tick(ctx)
	if !b.IsLeader() {
		t.Error("b should take over after expiry")
	}

	var resigned bool
	a.OnResigned = func() { resigned = true }
	a.tick(ctx)
	if a.IsLeader() {
		t.Error("a still believes it leads after losing the lock")
	}
	if !resigned {
		t.Error("a did not fire OnResigned")
	}
}

func TestReleaseOnShutdown(t *testing.T) {
	hot, mr := testHot(t)
	ctx := context.Background()

	e := NewElector(hot, 30*time.Second, 10*time.Second, zap.NewNop())
	e.tick(ctx)
	if !e.IsLeader() {
		t.Fatal("failed to acquire")
	}

	e.release()
	if e.IsLeader() {
		t.Error("release did not clear leadership")
	}
	if mr.Exists(lockKey) {
		t.Error("release did not delete the lock")
	}
}
