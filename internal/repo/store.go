package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// Store persists runs, candidates, evidence, verification results and labels.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// ScoreUpdate recomposes a candidate's confidence alongside a verify result.
type ScoreUpdate struct {
	FinalConf float64
	Priority  float64
}

// Open opens the sqlite database at dsn and migrates the schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := OpenSQLite(ctx, dsn, logger)
	if err != nil {
		return nil, err
	}
	store, err := New(db, logger)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return store, nil
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&RunRecord{}, &CandidateRecord{}, &EvidenceRecord{}, &VerificationRecord{}, &LabelRecord{}, &UsageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertRun records a batch pass.
func (s *Store) UpsertRun(ctx context.Context, run models.Run) error {
	rec := runRecord(run)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}
	return nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (models.Run, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).Order("started_at desc").Order("run_id desc").Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Run{}, utils.NewCodedError(utils.CodeCandidateNotFound, "repo.LatestRun", "no run recorded", err)
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("latest run: %w", err)
	}
	return rec.model(), nil
}

// UpsertCandidates writes candidates and their evidence in one transaction.
// Existing rows keep their status and created_at.
func (s *Store) UpsertCandidates(ctx context.Context, items []models.ScoredCandidate, now time.Time) error {
	if len(items) == 0 {
		return nil
	}
	candidates := make([]CandidateRecord, 0, len(items))
	evidence := make([]EvidenceRecord, 0, len(items))
	for _, item := range items {
		candidates = append(candidates, candidateRecord(item.Candidate))
		evidence = append(evidence, evidenceRecord(item.Evidence, now))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "candidate_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"type", "anchor_object_id", "anchor_object_type", "base_conf", "final_conf",
				"severity", "priority", "run_id", "scores", "updated_at",
			}),
		}).CreateInBatches(&candidates, 200).Error
		if err != nil {
			return fmt.Errorf("upsert candidates: %w", err)
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "candidate_id"}},
			UpdateAll: true,
		}).CreateInBatches(&evidence, 200).Error
		if err != nil {
			return fmt.Errorf("upsert evidence: %w", err)
		}
		return nil
	})
}

// GetCandidate loads one candidate.
func (s *Store) GetCandidate(ctx context.Context, id string) (models.Candidate, error) {
	return getCandidate(s.db.WithContext(ctx), id)
}

func getCandidate(db *gorm.DB, id string) (models.Candidate, error) {
	var rec CandidateRecord
	err := db.Where("candidate_id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Candidate{}, candidateNotFound(id)
	}
	if err != nil {
		return models.Candidate{}, fmt.Errorf("get candidate %s: %w", id, err)
	}
	return rec.model(), nil
}

// GetEvidence loads a candidate's evidence bundle.
func (s *Store) GetEvidence(ctx context.Context, id string) (models.EvidenceBundle, error) {
	var rec EvidenceRecord
	err := s.db.WithContext(ctx).Where("candidate_id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.EvidenceBundle{}, candidateNotFound(id)
	}
	if err != nil {
		return models.EvidenceBundle{}, fmt.Errorf("get evidence %s: %w", id, err)
	}
	return rec.model(), nil
}

// ListEvidence loads the evidence bundles of ids, keyed by candidate id.
func (s *Store) ListEvidence(ctx context.Context, ids []string) (map[string]models.EvidenceBundle, error) {
	out := make(map[string]models.EvidenceBundle, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var recs []EvidenceRecord
	if err := s.db.WithContext(ctx).Where("candidate_id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	for _, rec := range recs {
		out[rec.CandidateID] = rec.model()
	}
	return out, nil
}

// SaveSubgraph persists a lazily built subgraph.
func (s *Store) SaveSubgraph(ctx context.Context, id string, sg models.Subgraph, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&EvidenceRecord{}).
		Where("candidate_id = ?", id).
		Select("subgraph", "updated_at").
		Updates(&EvidenceRecord{Subgraph: &sg, UpdatedAt: now})
	if res.Error != nil {
		return fmt.Errorf("save subgraph %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return candidateNotFound(id)
	}
	return nil
}

// ListCandidates returns one page of candidates and the filtered total.
// An empty run id resolves to the latest run.
func (s *Store) ListCandidates(ctx context.Context, req models.ListCandidatesRequest) ([]models.Candidate, int64, string, error) {
	runID := req.RunID
	if runID == "" {
		run, err := s.LatestRun(ctx)
		if err != nil {
			if utils.HasCode(err, utils.CodeCandidateNotFound) {
				return nil, 0, "", nil
			}
			return nil, 0, "", err
		}
		runID = run.ID
	}

	query := s.db.WithContext(ctx).Model(&CandidateRecord{}).Where("run_id = ?", runID)
	if req.Status != "" {
		query = query.Where("status = ?", string(req.Status))
	}
	if req.Type != "" {
		query = query.Where("type = ?", string(req.Type))
	}
	if req.MinConf != nil {
		query = query.Where("final_conf >= ?", *req.MinConf)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, runID, fmt.Errorf("count candidates: %w", err)
	}

	switch req.Sort {
	case models.SortFinalConfAsc:
		query = query.Order("final_conf asc")
	case models.SortSeverity:
		query = query.Order("severity desc").Order("final_conf desc")
	case models.SortPriority:
		query = query.Order("priority desc")
	case models.SortRecency:
		query = query.Order("updated_at desc")
	default:
		query = query.Order("final_conf desc")
	}
	query = query.Order("candidate_id asc")
	if req.Limit > 0 {
		query = query.Limit(req.Limit)
	}
	if req.Offset > 0 {
		query = query.Offset(req.Offset)
	}

	var recs []CandidateRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, 0, runID, fmt.Errorf("list candidates: %w", err)
	}
	out := make([]models.Candidate, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.model())
	}
	return out, total, runID, nil
}

// FindVerificationByKey returns the newest persisted result for a cache key.
func (s *Store) FindVerificationByKey(ctx context.Context, key string) (models.VerificationResult, bool, error) {
	var rec VerificationRecord
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).
		Order("created_at desc").Order("id desc").Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.VerificationResult{}, false, nil
	}
	if err != nil {
		return models.VerificationResult{}, false, fmt.Errorf("find verification: %w", err)
	}
	return rec.model(), true, nil
}

// LatestVerification returns the newest result of a kind for a candidate.
func (s *Store) LatestVerification(ctx context.Context, candidateID string, kind models.VerificationKind) (*models.VerificationResult, error) {
	var rec VerificationRecord
	err := s.db.WithContext(ctx).
		Where("candidate_id = ? AND kind = ?", candidateID, string(kind)).
		Order("created_at desc").Order("id desc").Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest verification %s: %w", candidateID, err)
	}
	result := rec.model()
	return &result, nil
}

// LatestVerifications returns the newest result of a kind per candidate.
func (s *Store) LatestVerifications(ctx context.Context, ids []string, kind models.VerificationKind) (map[string]models.VerificationResult, error) {
	out := make(map[string]models.VerificationResult, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var recs []VerificationRecord
	err := s.db.WithContext(ctx).
		Where("candidate_id IN ? AND kind = ?", ids, string(kind)).
		Order("created_at asc").Order("id asc").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("latest verifications: %w", err)
	}
	for _, rec := range recs {
		out[rec.CandidateID] = rec.model()
	}
	return out, nil
}

// InsertVerification appends a result. When update is set the candidate's
// confidence is recomposed in the same transaction.
func (s *Store) InsertVerification(ctx context.Context, result models.VerificationResult, update *ScoreUpdate) error {
	rec := verificationRecord(result)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getCandidate(tx, result.CandidateID); err != nil {
			return err
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert verification: %w", err)
		}
		if update == nil {
			return nil
		}
		return updateFinalConf(tx, result.CandidateID, update.FinalConf, update.Priority, result.CreatedAt)
	})
}

// UpdateFinalConf overwrites a candidate's final confidence and priority.
func (s *Store) UpdateFinalConf(ctx context.Context, id string, finalConf, priority float64, now time.Time) error {
	return updateFinalConf(s.db.WithContext(ctx), id, finalConf, priority, now)
}

func updateFinalConf(db *gorm.DB, id string, finalConf, priority float64, now time.Time) error {
	res := db.Model(&CandidateRecord{}).Where("candidate_id = ?", id).
		Updates(map[string]any{"final_conf": finalConf, "priority": priority, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("update final_conf %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return candidateNotFound(id)
	}
	return nil
}

// DailyUsage returns the verifier attempts recorded for day and provider.
func (s *Store) DailyUsage(ctx context.Context, day, provider string) (int, error) {
	var rec UsageRecord
	err := s.db.WithContext(ctx).Where("day = ? AND provider = ?", day, provider).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read verifier usage: %w", err)
	}
	return rec.Calls, nil
}

// AddUsage adjusts the attempt count of day and provider by delta, never
// below zero.
func (s *Store) AddUsage(ctx context.Context, day, provider string, delta int) error {
	rec := UsageRecord{Day: day, Provider: provider, Calls: max(delta, 0), UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "provider"}},
		DoUpdates: clause.Assignments(map[string]any{
			"calls":      gorm.Expr("MAX(calls + ?, 0)", delta),
			"updated_at": rec.UpdatedAt,
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("record verifier usage: %w", err)
	}
	return nil
}

// InsertLabel appends a label and promotes an open candidate to reviewed.
// It returns the candidate as stored after the write.
func (s *Store) InsertLabel(ctx context.Context, label models.Label) (models.Candidate, error) {
	rec := labelRecord(label)
	var out models.Candidate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate, err := getCandidate(tx, label.CandidateID)
		if err != nil {
			return err
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert label: %w", err)
		}
		if candidate.Status == models.StatusOpen {
			err := tx.Model(&CandidateRecord{}).Where("candidate_id = ?", candidate.ID).
				Updates(map[string]any{"status": string(models.StatusReviewed), "updated_at": label.CreatedAt}).Error
			if err != nil {
				return fmt.Errorf("promote candidate %s: %w", candidate.ID, err)
			}
			candidate.Status = models.StatusReviewed
			candidate.UpdatedAt = label.CreatedAt
		}
		out = candidate
		return nil
	})
	return out, err
}

// ListLabels returns a candidate's labels in created order.
func (s *Store) ListLabels(ctx context.Context, candidateID string) ([]models.Label, error) {
	var recs []LabelRecord
	err := s.db.WithContext(ctx).Where("candidate_id = ?", candidateID).
		Order("created_at asc").Order("label_id asc").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list labels %s: %w", candidateID, err)
	}
	out := make([]models.Label, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.model())
	}
	return out, nil
}

// LatestLabel returns the newest label, or nil when none exists.
func (s *Store) LatestLabel(ctx context.Context, candidateID string) (*models.Label, error) {
	var rec LabelRecord
	err := s.db.WithContext(ctx).Where("candidate_id = ?", candidateID).
		Order("created_at desc").Order("label_id desc").Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest label %s: %w", candidateID, err)
	}
	label := rec.model()
	return &label, nil
}

// SetStatus moves a candidate to status to if its current status is in from.
func (s *Store) SetStatus(ctx context.Context, id string, to models.Status, now time.Time, from ...models.Status) (models.Candidate, error) {
	var out models.Candidate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate, err := getCandidate(tx, id)
		if err != nil {
			return err
		}
		if candidate.Status == to {
			out = candidate
			return nil
		}
		allowed := len(from) == 0
		for _, st := range from {
			if candidate.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return utils.NewCodedError(utils.CodeInvalidTransition, "repo.SetStatus",
				fmt.Sprintf("cannot move %s from %s to %s", id, candidate.Status, to), nil)
		}
		err = tx.Model(&CandidateRecord{}).Where("candidate_id = ?", id).
			Updates(map[string]any{"status": string(to), "updated_at": now}).Error
		if err != nil {
			return fmt.Errorf("set status %s: %w", id, err)
		}
		candidate.Status = to
		candidate.UpdatedAt = now
		out = candidate
		return nil
	})
	return out, err
}

func candidateNotFound(id string) error {
	return utils.NewCodedError(utils.CodeCandidateNotFound, "repo", fmt.Sprintf("candidate %s not found", id), nil)
}

// StorePatterns attaches a mined summary to a run.
func (s *Store) StorePatterns(ctx context.Context, runID string, patterns []models.AnomalyPattern) error {
	res := s.db.WithContext(ctx).Model(&RunRecord{}).Where("run_id = ?", runID).
		Select("summary").Updates(&RunRecord{Summary: patterns})
	if res.Error != nil {
		return fmt.Errorf("store patterns %s: %w", runID, res.Error)
	}
	return nil
}
