package semaphore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/ridgeback/gatekeeper/pkg/coordination"
)

type staticLayout map[string]Config

func (l staticLayout) Semaphore(name string) (Config, bool) {
	c, ok := l[name]
	return c, ok
}

func newTestHandler(t *testing.T, layout Layout) *Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := coordination.NewRedisStore(client)
	return NewHandler(store, "tenant1", layout, logr.Discard())
}

func TestAcquire_NoSemaphoreIsNoop(t *testing.T) {
	h := newTestHandler(t, staticLayout{})
	ok, err := h.Acquire(context.Background(), "item-1", "job1", nil, false)
	if err != nil || !ok {
		t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
	}
}

func TestAcquire_ResourcesFirstShortCircuit(t *testing.T) {
	h := newTestHandler(t, staticLayout{"s": {Name: "s", Max: 1}})
	sem := &JobSemaphore{Name: "s", ResourcesFirst: true}
	ok, err := h.Acquire(context.Background(), "item-1", "job1", sem, true)
	if err != nil || !ok {
		t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
	}
	holders, err := h.Holders(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(holders) != 0 {
		t.Fatalf("resources-first acquire should not touch holders, got %v", holders)
	}
}

func TestAcquire_UpToMaxThenFull(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t, staticLayout{"build-gate": {Name: "build-gate", Max: 2}})
	sem := &JobSemaphore{Name: "build-gate"}

	okX, err := h.Acquire(ctx, "X", "job1", sem, false)
	if err != nil || !okX {
		t.Fatalf("X should acquire: ok=%v err=%v", okX, err)
	}
	okY, err := h.Acquire(ctx, "Y", "job1", sem, false)
	if err != nil || !okY {
		t.Fatalf("Y should acquire: ok=%v err=%v", okY, err)
	}
	okZ, err := h.Acquire(ctx, "Z", "job1", sem, false)
	if err != nil {
		t.Fatal(err)
	}
	if okZ {
		t.Fatal("Z should not acquire a full semaphore")
	}

	holders, err := h.Holders(ctx, "build-gate")
	if err != nil {
		t.Fatal(err)
	}
	if len(holders) != 2 {
		t.Fatalf("expected 2 holders, got %v", holders)
	}

	if err := h.Release(ctx, "X", "job1", sem); err != nil {
		t.Fatal(err)
	}
	okZ2, err := h.Acquire(ctx, "Z", "job1", sem, false)
	if err != nil || !okZ2 {
		t.Fatalf("Z should acquire after release: ok=%v err=%v", okZ2, err)
	}
}

func TestAcquire_IdempotentReacquire(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t, staticLayout{"s": {Name: "s", Max: 1}})
	sem := &JobSemaphore{Name: "s"}

	if ok, err := h.Acquire(ctx, "X", "job1", sem, false); err != nil || !ok {
		t.Fatalf("first acquire failed: %v %v", ok, err)
	}
	if ok, err := h.Acquire(ctx, "X", "job1", sem, false); err != nil || !ok {
		t.Fatalf("repeated acquire should return true: %v %v", ok, err)
	}
	holders, err := h.Holders(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(holders) != 1 {
		t.Fatalf("repeated acquire must not duplicate holder, got %v", holders)
	}
}

func TestAcquireThenRelease_LeavesHoldersUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t, staticLayout{"s": {Name: "s", Max: 3}})
	sem := &JobSemaphore{Name: "s"}

	if _, err := h.Acquire(ctx, "X", "job1", sem, false); err != nil {
		t.Fatal(err)
	}
	if err := h.Release(ctx, "X", "job1", sem); err != nil {
		t.Fatal(err)
	}
	holders, err := h.Holders(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(holders) != 0 {
		t.Fatalf("expected empty holders after acquire+release, got %v", holders)
	}
}

func TestRelease_MissingNodeIsNoop(t *testing.T) {
	h := newTestHandler(t, staticLayout{"s": {Name: "s", Max: 1}})
	sem := &JobSemaphore{Name: "s"}
	if err := h.Release(context.Background(), "ghost", "job1", sem); err != nil {
		t.Fatalf("expected no error releasing against a missing node, got %v", err)
	}
}

func TestHolders_MissingNodeReturnsEmpty(t *testing.T) {
	h := newTestHandler(t, staticLayout{})
	holders, err := h.Holders(context.Background(), "never-acquired")
	if err != nil {
		t.Fatal(err)
	}
	if len(holders) != 0 {
		t.Fatalf("expected empty holders, got %v", holders)
	}
}

func TestMaxCountDefaultsToOne(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t, staticLayout{})
	sem := &JobSemaphore{Name: "undeclared"}

	if ok, err := h.Acquire(ctx, "X", "job1", sem, false); err != nil || !ok {
		t.Fatalf("first acquire of undeclared semaphore should succeed: %v %v", ok, err)
	}
	if ok, err := h.Acquire(ctx, "Y", "job1", sem, false); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("undeclared semaphore should default to max=1")
	}
}
