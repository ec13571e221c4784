package verify

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-audit/internal/utils"
)

func TestQuotaResetsAtLocalMidnight(t *testing.T) {
	loc := seoul(t)
	// 23:59 in Seoul.
	clock := &fakeClock{now: time.Date(2024, 5, 1, 23, 59, 0, 0, loc)}
	q := NewQuota(2, loc, clock)

	if err := q.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := q.Acquire(context.Background()); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := q.Acquire(context.Background()); !utils.HasCode(err, utils.CodeDailyLimit) {
		t.Fatalf("expected daily limit, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	if err := q.Acquire(context.Background()); err != nil {
		t.Fatalf("expected reset after midnight, got %v", err)
	}
	if q.Remaining() != 1 {
		t.Fatalf("expected one slot left, got %d", q.Remaining())
	}
}

func TestQuotaDayFollowsTimezone(t *testing.T) {
	loc := seoul(t)
	// 14:30 UTC is already the next day in Seoul (UTC+9).
	clock := &fakeClock{now: time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)}
	q := NewQuota(1, loc, clock)
	if err := q.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(time.Hour)
	if err := q.Acquire(context.Background()); !utils.HasCode(err, utils.CodeDailyLimit) {
		t.Fatalf("same Seoul day must stay limited, got %v", err)
	}
}

func TestQuotaSeedAndRefund(t *testing.T) {
	loc := seoul(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, loc)}
	store := newMemStore()
	store.usage["2024-05-01/fake"] = 1
	store.usage["2024-04-30/fake"] = 5
	store.usage["2024-05-01/mock"] = 2

	q := NewQuota(3, loc, clock)
	if err := q.Seed(context.Background(), store, "fake"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if q.Remaining() != 2 {
		t.Fatalf("expected seeded usage of 1, remaining %d", q.Remaining())
	}
	if err := q.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if store.usage["2024-05-01/fake"] != 2 {
		t.Fatalf("expected the attempt recorded, got %d", store.usage["2024-05-01/fake"])
	}
	q.Refund(context.Background())
	if q.Remaining() != 2 || store.usage["2024-05-01/fake"] != 1 {
		t.Fatalf("expected refund, remaining %d recorded %d", q.Remaining(), store.usage["2024-05-01/fake"])
	}
}

func TestQuotaSurvivesRestartWithFailedAttempts(t *testing.T) {
	loc := seoul(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, loc)}
	store := newMemStore()

	first := NewQuota(2, loc, clock)
	if err := first.Seed(context.Background(), store, "fake"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Two delivered attempts that never produced a persisted result.
	for i := 0; i < 2; i++ {
		if err := first.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	restarted := NewQuota(2, loc, clock)
	if err := restarted.Seed(context.Background(), store, "fake"); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if store.resultCount() != 0 {
		t.Fatalf("no results should exist")
	}
	if err := restarted.Acquire(context.Background()); !utils.HasCode(err, utils.CodeDailyLimit) {
		t.Fatalf("restart must keep counting attempts, got %v", err)
	}
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	q := NewQuota(0, time.UTC, nil)
	for i := 0; i < 100; i++ {
		if err := q.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if q.Remaining() != -1 {
		t.Fatalf("expected -1 for unlimited")
	}
}
