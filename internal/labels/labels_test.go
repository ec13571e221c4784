package labels

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/repo"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newStore(t *testing.T) (*Store, *repo.Store) {
	t.Helper()
	db, err := repo.Open(context.Background(), filepath.Join(t.TempDir(), "labels.db"), nil)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err = db.UpsertCandidates(context.Background(), []models.ScoredCandidate{{
		Candidate: models.Candidate{
			ID: "c1", Type: models.TypeMaverickBuying, AnchorObjectID: "po1",
			Status: models.StatusOpen, RunID: "r1", CreatedAt: created, UpdatedAt: created,
		},
		Evidence: models.EvidenceBundle{CandidateID: "c1"},
	}}, created)
	if err != nil {
		t.Fatalf("seed candidate: %v", err)
	}
	return NewStore(db, &stepClock{now: created}, nil), db
}

func TestSubmitMovesOpenToReviewedOnce(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()

	first, cand, err := store.Submit(ctx, "c1", models.LabelRequest{Label: models.LabelConfirm, ReasonCode: "policy_breach"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if cand.Status != models.StatusReviewed {
		t.Fatalf("expected reviewed, got %s", cand.Status)
	}
	reviewedAt := cand.UpdatedAt

	second, cand, err := store.Submit(ctx, "c1", models.LabelRequest{Label: models.LabelNeedsMore, ReasonCode: "missing_docs", Note: "ask AP"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if cand.Status != models.StatusReviewed || !cand.UpdatedAt.Equal(reviewedAt) {
		t.Fatalf("second label must not transition again, got %+v", cand)
	}

	latest, err := store.Latest(ctx, "c1")
	if err != nil || latest == nil || latest.ID != second.ID {
		t.Fatalf("expected latest %s, got %+v %v", second.ID, latest, err)
	}
	all, err := store.List(ctx, "c1")
	if err != nil || len(all) != 2 || all[0].ID != first.ID {
		t.Fatalf("expected both labels in order, got %+v %v", all, err)
	}

	stored, _ := db.GetCandidate(ctx, "c1")
	if stored.Status != models.StatusReviewed {
		t.Fatalf("expected persisted reviewed status, got %s", stored.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	if _, _, err := store.Submit(ctx, "c1", models.LabelRequest{Label: "maybe", ReasonCode: "x"}); !utils.HasCode(err, utils.CodeInvalidRequest) {
		t.Fatalf("expected invalid_request for bad label, got %v", err)
	}
	if _, _, err := store.Submit(ctx, "c1", models.LabelRequest{Label: models.LabelReject, ReasonCode: "  "}); !utils.HasCode(err, utils.CodeInvalidRequest) {
		t.Fatalf("expected invalid_request for missing reason, got %v", err)
	}
	if _, _, err := store.Submit(ctx, "missing", models.LabelRequest{Label: models.LabelReject, ReasonCode: "x"}); !utils.HasCode(err, utils.CodeCandidateNotFound) {
		t.Fatalf("expected candidate_not_found, got %v", err)
	}
}

func TestArchiveKeepsAppendingLabels(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	cand, err := store.Archive(ctx, "c1")
	if err != nil || cand.Status != models.StatusArchived {
		t.Fatalf("archive: %+v %v", cand, err)
	}
	_, cand, err = store.Submit(ctx, "c1", models.LabelRequest{Label: models.LabelReject, ReasonCode: "duplicate"})
	if err != nil {
		t.Fatalf("submit on archived: %v", err)
	}
	if cand.Status != models.StatusArchived {
		t.Fatalf("archived candidate must stay archived, got %s", cand.Status)
	}
}

func TestConcurrentSubmitsAllAppend(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.Submit(ctx, "c1", models.LabelRequest{Label: models.LabelConfirm, ReasonCode: "ok"}); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	all, err := store.List(ctx, "c1")
	if err != nil || len(all) != 8 {
		t.Fatalf("expected 8 labels, got %d %v", len(all), err)
	}
	if len(store.locks) != 0 {
		t.Fatalf("expected per-candidate locks to be released")
	}
}
