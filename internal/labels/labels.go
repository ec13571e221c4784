package labels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-audit/internal/metrics"
	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// Repo is the persistence the label store writes through.
type Repo interface {
	InsertLabel(ctx context.Context, label models.Label) (models.Candidate, error)
	ListLabels(ctx context.Context, candidateID string) ([]models.Label, error)
	LatestLabel(ctx context.Context, candidateID string) (*models.Label, error)
	SetStatus(ctx context.Context, id string, to models.Status, now time.Time, from ...models.Status) (models.Candidate, error)
}

// Store appends reviewer labels and drives the candidate status.
// Writes for one candidate are serialized; different candidates proceed in parallel.
type Store struct {
	repo   Repo
	clock  utils.Clock
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore builds a label store over repo.
func NewStore(repo Repo, clock utils.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, clock: clock, logger: logger, locks: make(map[string]*keyLock)}
}

// Submit validates req, appends a label and moves an open candidate to reviewed.
func (s *Store) Submit(ctx context.Context, candidateID string, req models.LabelRequest) (models.Label, models.Candidate, error) {
	if !req.Label.Valid() {
		return models.Label{}, models.Candidate{}, utils.NewCodedError(utils.CodeInvalidRequest, "labels.Submit",
			fmt.Sprintf("label must be one of confirm, reject, needs_more; got %q", req.Label), nil)
	}
	reason := strings.TrimSpace(req.ReasonCode)
	if reason == "" {
		return models.Label{}, models.Candidate{}, utils.NewCodedError(utils.CodeInvalidRequest, "labels.Submit", "reason_code is required", nil)
	}

	unlock := s.lock(candidateID)
	defer unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return models.Label{}, models.Candidate{}, utils.NewAppError("labels.Submit", "generate label id", err)
	}
	label := models.Label{
		ID:          id.String(),
		CandidateID: candidateID,
		Label:       req.Label,
		ReasonCode:  reason,
		Note:        req.Note,
		Reviewer:    req.Reviewer,
		CreatedAt:   s.clock.Now().UTC(),
	}
	candidate, err := s.repo.InsertLabel(ctx, label)
	if err != nil {
		return models.Label{}, models.Candidate{}, err
	}
	metrics.IncLabel(string(label.Label))
	s.logger.Info("label recorded",
		slog.String("candidate_id", candidateID),
		slog.String("label", string(label.Label)),
		slog.String("reason_code", reason),
		slog.String("status", string(candidate.Status)))
	return label, candidate, nil
}

// List returns labels in created order.
func (s *Store) List(ctx context.Context, candidateID string) ([]models.Label, error) {
	return s.repo.ListLabels(ctx, candidateID)
}

// Latest returns the most recent label, or nil.
func (s *Store) Latest(ctx context.Context, candidateID string) (*models.Label, error) {
	return s.repo.LatestLabel(ctx, candidateID)
}

// Archive moves an open or reviewed candidate to archived.
func (s *Store) Archive(ctx context.Context, candidateID string) (models.Candidate, error) {
	unlock := s.lock(candidateID)
	defer unlock()
	candidate, err := s.repo.SetStatus(ctx, candidateID, models.StatusArchived, s.clock.Now().UTC(),
		models.StatusOpen, models.StatusReviewed)
	if err != nil {
		return models.Candidate{}, err
	}
	s.logger.Info("candidate archived", slog.String("candidate_id", candidateID))
	return candidate, nil
}

func (s *Store) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}
