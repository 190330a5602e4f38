package redis

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSchedulerClaimsDueRoundsOnce(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	a := NewScheduler(client, "ns", time.Millisecond, nil)
	b := NewScheduler(client, "ns", time.Millisecond, nil)
	a.clock = func() time.Time { return now }
	b.clock = a.clock

	_ = a.Schedule(ctx, "due", now.Add(-time.Second))
	_ = a.Schedule(ctx, "later", now.Add(time.Hour))

	first := a.claimDue(ctx)
	second := b.claimDue(ctx)
	if len(first) != 1 || first[0] != "due" {
		t.Fatalf("expected to claim due round, got %v", first)
	}
	if len(second) != 0 {
		t.Fatalf("due round claimed twice: %v", second)
	}
	if n, _ := a.Pending(ctx); n != 1 {
		t.Fatalf("expected later round pending, got %d", n)
	}
}

func TestSchedulerReclaimsLapsedLease(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	sched := NewScheduler(client, "ns", time.Millisecond, nil).WithLease(time.Minute)
	sched.clock = func() time.Time { return now }
	_ = sched.Schedule(ctx, "q1", now.Add(-time.Second))

	if got := sched.claimDue(ctx); len(got) != 1 || got[0] != "q1" {
		t.Fatalf("expected q1 claimed, got %v", got)
	}
	if got := sched.claimDue(ctx); len(got) != 0 {
		t.Fatalf("leased round claimed again: %v", got)
	}

	// The claiming instance died before the close finished.
	now = now.Add(2 * time.Minute)
	if got := sched.claimDue(ctx); len(got) != 1 || got[0] != "q1" {
		t.Fatalf("expected lapsed lease to be reclaimed, got %v", got)
	}

	sched.release(ctx, "q1")
	now = now.Add(time.Hour)
	if got := sched.claimDue(ctx); len(got) != 0 {
		t.Fatalf("released round claimed again: %v", got)
	}
}

func TestSchedulerRunInvokesHandler(t *testing.T) {
	_, client := newTestClient(t)
	sched := NewScheduler(client, "ns", 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu    sync.Mutex
		fired []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx, func(_ context.Context, id string) {
			mu.Lock()
			fired = append(fired, id)
			mu.Unlock()
		})
	}()

	if err := sched.Schedule(ctx, "q1", time.Now().Add(10*time.Millisecond)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handler not invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if n, _ := client.ZCard(context.Background(), "ns:closes:closing").Result(); n != 0 {
		t.Fatalf("closed round still leased")
	}
}
