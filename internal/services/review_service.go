package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// CandidateRepo is the read side of the review store.
type CandidateRepo interface {
	ListCandidates(ctx context.Context, req models.ListCandidatesRequest) ([]models.Candidate, int64, string, error)
	ListEvidence(ctx context.Context, ids []string) (map[string]models.EvidenceBundle, error)
	GetCandidate(ctx context.Context, id string) (models.Candidate, error)
	GetEvidence(ctx context.Context, id string) (models.EvidenceBundle, error)
	LatestVerification(ctx context.Context, candidateID string, kind models.VerificationKind) (*models.VerificationResult, error)
	LatestVerifications(ctx context.Context, ids []string, kind models.VerificationKind) (map[string]models.VerificationResult, error)
	LatestRun(ctx context.Context) (models.Run, error)
}

// Verifier runs verify and explain requests.
type Verifier interface {
	Run(ctx context.Context, candidateID string, kind models.VerificationKind) (models.VerificationResult, error)
	States(ctx context.Context, candidateID string) (map[models.VerificationKind]models.VerificationState, error)
}

// LabelStore appends reviewer labels.
type LabelStore interface {
	Submit(ctx context.Context, candidateID string, req models.LabelRequest) (models.Label, models.Candidate, error)
	List(ctx context.Context, candidateID string) ([]models.Label, error)
	Latest(ctx context.Context, candidateID string) (*models.Label, error)
	Archive(ctx context.Context, candidateID string) (models.Candidate, error)
}

// SubgraphResolver yields a candidate's subgraph.
type SubgraphResolver interface {
	Resolve(ctx context.Context, candidate models.Candidate, bundle models.EvidenceBundle) (*models.Subgraph, error)
}

// Previewer projects per-type preview features.
type Previewer interface {
	Preview(typ models.CandidateType, features map[string]any) map[string]any
}

// ReviewService is the review queue facade shared by the HTTP and gRPC transports.
type ReviewService struct {
	logger    *slog.Logger
	repo      CandidateRepo
	verifier  Verifier
	labels    LabelStore
	subgraphs SubgraphResolver
	preview   Previewer
	latencies *utils.LatencyTracker
}

// NewReviewService constructs the facade. verifier, subgraphs and preview may be nil.
func NewReviewService(logger *slog.Logger, repo CandidateRepo, verifier Verifier, labels LabelStore, subgraphs SubgraphResolver, preview Previewer) *ReviewService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewService{
		logger:    logger,
		repo:      repo,
		verifier:  verifier,
		labels:    labels,
		subgraphs: subgraphs,
		preview:   preview,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// NormalizeListRequest applies queue defaults: status open, sort by final_conf,
// limit 100 capped at 500. Status "all" disables the status filter.
func NormalizeListRequest(req models.ListCandidatesRequest) (models.ListCandidatesRequest, error) {
	switch req.Status {
	case "":
		req.Status = models.StatusOpen
	case "all":
		req.Status = ""
	default:
		if !req.Status.Valid() {
			return req, invalid("status %q is not one of open, reviewed, archived, all", req.Status)
		}
	}
	if req.Type != "" && !req.Type.Valid() {
		return req, invalid("unknown candidate type %q", req.Type)
	}
	if !req.Sort.Valid() {
		return req, invalid("unknown sort %q", req.Sort)
	}
	if req.Sort == "" {
		req.Sort = models.SortFinalConf
	}
	if req.MinConf != nil && (*req.MinConf < 0 || *req.MinConf > 1) {
		return req, invalid("min_conf must be within [0,1], got %v", *req.MinConf)
	}
	if req.Offset < 0 {
		return req, invalid("offset must not be negative")
	}
	switch {
	case req.Limit <= 0:
		req.Limit = defaultListLimit
	case req.Limit > maxListLimit:
		req.Limit = maxListLimit
	}
	return req, nil
}

// List returns one page of the review queue.
func (s *ReviewService) List(ctx context.Context, req models.ListCandidatesRequest) (models.ListCandidatesResponse, error) {
	req, err := NormalizeListRequest(req)
	if err != nil {
		return models.ListCandidatesResponse{}, err
	}
	candidates, total, runID, err := s.repo.ListCandidates(ctx, req)
	if err != nil {
		return models.ListCandidatesResponse{}, err
	}

	resp := models.ListCandidatesResponse{Items: make([]models.CandidateListItem, 0, len(candidates)), Total: total, RunID: runID}
	if len(candidates) == 0 {
		return resp, nil
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}
	verdicts, err := s.repo.LatestVerifications(ctx, ids, models.KindVerify)
	if err != nil {
		return models.ListCandidatesResponse{}, err
	}
	var bundles map[string]models.EvidenceBundle
	if s.preview != nil {
		if bundles, err = s.repo.ListEvidence(ctx, ids); err != nil {
			return models.ListCandidatesResponse{}, err
		}
	}
	for _, c := range candidates {
		item := models.CandidateListItem{Candidate: c}
		if v, ok := verdicts[c.ID]; ok {
			item.LatestVerdict = v.Verdict
		}
		if b, ok := bundles[c.ID]; ok {
			item.FeaturesPreview = s.preview.Preview(c.Type, b.Features)
		}
		resp.Items = append(resp.Items, item)
	}
	return resp, nil
}

// Detail returns a candidate with its evidence, latest label and verifier outputs.
func (s *ReviewService) Detail(ctx context.Context, id string) (models.CandidateDetail, error) {
	candidate, err := s.repo.GetCandidate(ctx, id)
	if err != nil {
		return models.CandidateDetail{}, err
	}
	bundle, err := s.repo.GetEvidence(ctx, id)
	if err != nil {
		return models.CandidateDetail{}, err
	}
	detail := models.CandidateDetail{Candidate: candidate, Evidence: bundle}
	if s.labels != nil {
		if detail.LatestLabel, err = s.labels.Latest(ctx, id); err != nil {
			return models.CandidateDetail{}, err
		}
	}
	if detail.LatestVerify, err = s.repo.LatestVerification(ctx, id, models.KindVerify); err != nil {
		return models.CandidateDetail{}, err
	}
	if detail.LatestExplain, err = s.repo.LatestVerification(ctx, id, models.KindExplain); err != nil {
		return models.CandidateDetail{}, err
	}
	if s.verifier != nil {
		if detail.States, err = s.verifier.States(ctx, id); err != nil {
			return models.CandidateDetail{}, err
		}
	} else {
		detail.States = map[models.VerificationKind]models.VerificationState{
			models.KindVerify:  stateOf(detail.LatestVerify),
			models.KindExplain: stateOf(detail.LatestExplain),
		}
	}
	return detail, nil
}

// Subgraph returns the candidate's evidence subgraph, building it lazily.
func (s *ReviewService) Subgraph(ctx context.Context, id string) (models.Subgraph, error) {
	candidate, err := s.repo.GetCandidate(ctx, id)
	if err != nil {
		return models.Subgraph{}, err
	}
	bundle, err := s.repo.GetEvidence(ctx, id)
	if err != nil {
		return models.Subgraph{}, err
	}
	if bundle.Subgraph != nil {
		return *bundle.Subgraph, nil
	}
	if s.subgraphs == nil {
		return models.Subgraph{}, utils.NewAppError("services.Subgraph", "subgraph was not stored and lazy building is disabled", nil)
	}
	sg, err := s.subgraphs.Resolve(ctx, candidate, bundle)
	if err != nil {
		return models.Subgraph{}, err
	}
	return *sg, nil
}

// Verify asks the verifier to judge a candidate and returns the recomposed candidate.
func (s *ReviewService) Verify(ctx context.Context, id string) (models.VerificationResponse, error) {
	return s.runVerifier(ctx, id, models.KindVerify)
}

// Explain asks the verifier for a reviewer-facing explanation.
func (s *ReviewService) Explain(ctx context.Context, id string) (models.VerificationResponse, error) {
	return s.runVerifier(ctx, id, models.KindExplain)
}

func (s *ReviewService) runVerifier(ctx context.Context, id string, kind models.VerificationKind) (models.VerificationResponse, error) {
	if s.verifier == nil {
		return models.VerificationResponse{}, utils.NewAppError("services.Verify", "verifier not configured", nil)
	}
	start := time.Now()
	result, err := s.verifier.Run(ctx, id, kind)
	if err != nil {
		s.logger.Warn("verification failed",
			slog.String("candidate_id", id),
			slog.String("kind", string(kind)),
			slog.String("error_code", string(utils.CodeOf(err))),
			slog.Any("error", err),
		)
		return models.VerificationResponse{}, err
	}
	if !result.Cached {
		s.observeLatency(time.Since(start))
	}
	candidate, err := s.repo.GetCandidate(ctx, id)
	if err != nil {
		return models.VerificationResponse{}, err
	}
	return models.VerificationResponse{Result: result, Candidate: candidate}, nil
}

func (s *ReviewService) observeLatency(d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("verification latency", slog.Duration("p95", s.latencies.Percentile(0.95)), slog.Int("samples", count))
	}
}

// SubmitLabel appends a reviewer label.
func (s *ReviewService) SubmitLabel(ctx context.Context, id string, req models.LabelRequest) (models.LabelResponse, error) {
	label, candidate, err := s.labels.Submit(ctx, id, req)
	if err != nil {
		return models.LabelResponse{}, err
	}
	return models.LabelResponse{Label: label, Candidate: candidate}, nil
}

// Labels lists a candidate's labels in created order.
func (s *ReviewService) Labels(ctx context.Context, id string) (models.LabelsResponse, error) {
	if _, err := s.repo.GetCandidate(ctx, id); err != nil {
		return models.LabelsResponse{}, err
	}
	labels, err := s.labels.List(ctx, id)
	if err != nil {
		return models.LabelsResponse{}, err
	}
	if labels == nil {
		labels = []models.Label{}
	}
	return models.LabelsResponse{CandidateID: id, Labels: labels}, nil
}

// Archive removes a candidate from the active queue.
func (s *ReviewService) Archive(ctx context.Context, id string) (models.Candidate, error) {
	return s.labels.Archive(ctx, id)
}

// LatestRun returns the most recent batch run.
func (s *ReviewService) LatestRun(ctx context.Context) (models.Run, error) {
	return s.repo.LatestRun(ctx)
}

// LatencyP95 returns the p95 latency of uncached verifier calls.
func (s *ReviewService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(0.95)
}

func stateOf(result *models.VerificationResult) models.VerificationState {
	if result == nil {
		return models.StateAbsent
	}
	return models.StateCompleted
}

func invalid(format string, args ...any) error {
	return utils.NewCodedError(utils.CodeInvalidRequest, "services.List", fmt.Sprintf(format, args...), nil)
}
