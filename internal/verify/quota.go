package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miradorstack/mirador-audit/internal/utils"
)

// UsageLedger persists attempt counts per local day and provider. day is
// formatted as 2006-01-02 in the quota's timezone.
type UsageLedger interface {
	DailyUsage(ctx context.Context, day, provider string) (int, error)
	AddUsage(ctx context.Context, day, provider string, delta int) error
}

// Quota is a daily call budget within a timezone. A limit of zero disables it.
type Quota struct {
	mu    sync.Mutex
	limit int
	loc   *time.Location
	clock utils.Clock
	day   time.Time
	used  int

	ledger   UsageLedger
	provider string
}

// NewQuota builds a quota of limit calls per calendar day in loc.
func NewQuota(limit int, loc *time.Location, clock utils.Clock) *Quota {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	q := &Quota{limit: limit, loc: loc, clock: clock}
	q.day = utils.StartOfDay(clock.Now(), loc)
	return q
}

// Seed loads today's usage from ledger and records every later attempt
// there, so the budget holds across restarts.
func (q *Quota) Seed(ctx context.Context, ledger UsageLedger, provider string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	n, err := ledger.DailyUsage(ctx, dayKey(q.day), provider)
	if err != nil {
		return fmt.Errorf("seed quota: %w", err)
	}
	q.used = n
	q.ledger = ledger
	q.provider = provider
	return nil
}

// Acquire consumes one slot or fails with llm_daily_limit_reached.
func (q *Quota) Acquire(ctx context.Context) error {
	q.mu.Lock()
	q.rollLocked()
	if q.limit <= 0 {
		q.mu.Unlock()
		return nil
	}
	if q.used >= q.limit {
		day := dayKey(q.day)
		q.mu.Unlock()
		return utils.NewCodedError(utils.CodeDailyLimit, "verify.quota",
			fmt.Sprintf("daily verifier limit of %d reached for %s", q.limit, day), nil)
	}
	q.used++
	day := dayKey(q.day)
	q.mu.Unlock()

	if q.ledger == nil {
		return nil
	}
	if err := q.ledger.AddUsage(context.WithoutCancel(ctx), day, q.provider, 1); err != nil {
		q.mu.Lock()
		if dayKey(q.day) == day && q.used > 0 {
			q.used--
		}
		q.mu.Unlock()
		return utils.NewAppError("verify.quota", "record verifier usage", err)
	}
	return nil
}

// Refund returns one slot consumed today.
func (q *Quota) Refund(ctx context.Context) {
	q.mu.Lock()
	q.rollLocked()
	if q.limit <= 0 || q.used == 0 {
		q.mu.Unlock()
		return
	}
	q.used--
	day := dayKey(q.day)
	q.mu.Unlock()

	if q.ledger != nil {
		_ = q.ledger.AddUsage(context.WithoutCancel(ctx), day, q.provider, -1)
	}
}

// Remaining reports the slots left today, or -1 when unlimited.
func (q *Quota) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollLocked()
	if q.limit <= 0 {
		return -1
	}
	return q.limit - q.used
}

func dayKey(day time.Time) string { return day.Format("2006-01-02") }

func (q *Quota) rollLocked() {
	today := utils.StartOfDay(q.clock.Now(), q.loc)
	if !today.Equal(q.day) {
		q.day = today
		q.used = 0
	}
}
