package lifecycle

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/clock"
	"github.com/hskwon/stampede/internal/lock"
	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/storage"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *lock.Service, *clock.Fake) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clk := clock.NewFake(t0)
	locks := lock.NewService(store, clk, logger)
	return NewService(store, locks, clk, logger), locks, clk
}

func TestStartRegistersIdle(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	wp, err := svc.Start(ctx, "w1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if wp.Status != models.WorkerIdle || wp.CurrentSymbol != "" {
		t.Fatalf("worker = %+v, want IDLE with no symbol", wp)
	}
	if !wp.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", wp.StartedAt, t0)
	}
}

func TestStartRejectsLiveDuplicate(t *testing.T) {
	t.Parallel()
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "w1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// A duplicate inside the same second is still a duplicate; the stored
	// timestamps cannot tell the incarnations apart, the write count can.
	if _, err := svc.Start(ctx, "w1"); err == nil ||
		!strings.Contains(err.Error(), "already registered") {
		t.Fatalf("same-second duplicate Start = %v, want already-registered error", err)
	}

	clk.Advance(time.Second)
	if _, err := svc.Start(ctx, "w1"); err == nil ||
		!strings.Contains(err.Error(), "already registered") {
		t.Fatalf("duplicate Start = %v, want already-registered error", err)
	}
}

func TestStartOverTerminated(t *testing.T) {
	t.Parallel()
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "w1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Stop(ctx, "w1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	clk.Advance(time.Minute)
	wp, err := svc.Start(ctx, "w1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !wp.StartedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("StartedAt = %v, want restart time", wp.StartedAt)
	}
}

func TestTransitionEnforcesGraph(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "w1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := svc.Transition(ctx, "w1", models.WorkerScanning, ""); err != nil {
		t.Fatalf("IDLE->SCANNING: %v", err)
	}
	if err := svc.Transition(ctx, "w1", models.WorkerHolding, "AAA"); err != nil {
		t.Fatalf("SCANNING->HOLDING: %v", err)
	}
	wp, err := svc.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wp.CurrentSymbol != "AAA" {
		t.Errorf("CurrentSymbol = %q, want AAA", wp.CurrentSymbol)
	}

	// HOLDING -> IDLE is not in the graph.
	if err := svc.Transition(ctx, "w1", models.WorkerIdle, ""); err == nil {
		t.Fatal("HOLDING->IDLE accepted, want error")
	}
	// HOLDING without a symbol fails validation before touching the store.
	if err := svc.Transition(ctx, "w1", models.WorkerHolding, ""); err == nil {
		t.Fatal("HOLDING without symbol accepted, want error")
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	if err := svc.Heartbeat(ctx, "ghost"); err == nil {
		t.Fatal("Heartbeat for unregistered worker succeeded")
	}

	if _, err := svc.Start(ctx, "w1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clk.Advance(30 * time.Second)
	if err := svc.Heartbeat(ctx, "w1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	wp, err := svc.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !wp.LastHeartbeatAt.Equal(t0.Add(30 * time.Second)) {
		t.Errorf("LastHeartbeatAt = %v, want %v", wp.LastHeartbeatAt, t0.Add(30*time.Second))
	}
}

func TestCleanupStaleWorkersReapsAndReleasesLocks(t *testing.T) {
	t.Parallel()
	svc, locks, clk := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "dead"); err != nil {
		t.Fatalf("Start dead: %v", err)
	}
	if err := svc.Transition(ctx, "dead", models.WorkerScanning, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := svc.Transition(ctx, "dead", models.WorkerHolding, "AAA"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := locks.Acquire(ctx, "AAA", "dead", time.Hour); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	clk.Advance(2 * time.Minute)
	if _, err := svc.Start(ctx, "alive"); err != nil {
		t.Fatalf("Start alive: %v", err)
	}

	reaped, err := svc.CleanupStaleWorkers(ctx, 90*time.Second)
	if err != nil {
		t.Fatalf("CleanupStaleWorkers: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	wp, err := svc.Get(ctx, "dead")
	if err != nil {
		t.Fatalf("Get dead: %v", err)
	}
	if wp.Status != models.WorkerTerminated || wp.CurrentSymbol != "" {
		t.Errorf("reaped worker = %+v, want TERMINATED with no symbol", wp)
	}

	// The dead worker's lock was expired in the same pass, so the symbol
	// is free again.
	if _, err := locks.Acquire(ctx, "AAA", "alive", time.Hour); err != nil {
		t.Fatalf("Acquire after reap: %v", err)
	}

	live, err := svc.Get(ctx, "alive")
	if err != nil {
		t.Fatalf("Get alive: %v", err)
	}
	if live.Status != models.WorkerIdle {
		t.Errorf("live worker status = %s, want IDLE", live.Status)
	}
}

func TestCleanupStaleWorkersIsIdempotent(t *testing.T) {
	t.Parallel()
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "dead"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clk.Advance(5 * time.Minute)

	for i, want := range []int{1, 0} {
		reaped, err := svc.CleanupStaleWorkers(ctx, time.Minute)
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		if reaped != want {
			t.Errorf("pass %d reaped = %d, want %d", i, reaped, want)
		}
	}
}
