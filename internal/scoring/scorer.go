package scoring

import (
	"fmt"
	"math"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// Verdict adjustment bounds applied after blending.
const (
	RejectCap    = 0.49
	ConfirmFloor = 0.51
)

// Weights combine the four sub-scores into base_conf.
type Weights struct {
	S, R, I, Q float64
}

// DefaultWeights are 0.45/0.20/0.25/0.10.
func DefaultWeights() Weights {
	return Weights{S: 0.45, R: 0.20, I: 0.25, Q: 0.10}
}

// Validate requires every weight in [0,1] and a sum of 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.S, w.R, w.I, w.Q} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return utils.NewCodedError(utils.CodeConfigViolation, "scoring", fmt.Sprintf("weight %v outside [0,1]", v), nil)
		}
	}
	if sum := w.S + w.R + w.I + w.Q; math.Abs(sum-1) > 1e-6 {
		return utils.NewCodedError(utils.CodeConfigViolation, "scoring", fmt.Sprintf("weights sum to %.6f, want 1", sum), nil)
	}
	return nil
}

// SeveritySource yields the rule severity of a detector type.
type SeveritySource interface {
	Severity(typ models.CandidateType) float64
}

// Scorer computes deterministic base scores and composes them with verification.
type Scorer struct {
	weights  Weights
	alpha    float64
	severity SeveritySource
}

// NewScorer validates the weights and alpha. severity may be nil.
func NewScorer(weights Weights, alpha float64, severity SeveritySource) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if alpha < 0 || alpha > 1 || math.IsNaN(alpha) {
		return nil, utils.NewCodedError(utils.CodeConfigViolation, "scoring", fmt.Sprintf("alpha %v outside [0,1]", alpha), nil)
	}
	return &Scorer{weights: weights, alpha: alpha, severity: severity}, nil
}

// Alpha returns the blend factor.
func (s *Scorer) Alpha() float64 { return s.alpha }

// Base returns base_conf and its sub-scores for a raw candidate.
func (s *Scorer) Base(raw models.RawCandidate) (float64, models.ScoreBreakdown) {
	parts := subScores(raw)
	w := s.weights
	base := clamp(w.S*parts.S + w.R*parts.R + w.I*parts.I + w.Q*parts.Q)
	return base, parts
}

// Severity derives the candidate's severity from its features, falling back
// to the rule severity of its type, and to 0.5 without a rule source.
func (s *Scorer) Severity(raw models.RawCandidate) float64 {
	if v, ok := CandidateSeverity(raw); ok {
		return v
	}
	if s.severity == nil {
		return 0.5
	}
	return clamp(s.severity.Severity(raw.Type))
}

// Final composes base with the latest verify result; nil leaves base unchanged.
func (s *Scorer) Final(base float64, latest *models.VerificationResult) float64 {
	if latest == nil || latest.Kind != models.KindVerify {
		return clamp(base)
	}
	return Compose(base, latest.Verdict, latest.VConf, s.alpha)
}

// Priority ranks candidates by severity weighted with confidence.
func Priority(severity, finalConf float64) float64 {
	return clamp(severity) * clamp(finalConf)
}

// Compose blends base and v_conf with alpha, then applies the verdict bound:
// reject caps at RejectCap, confirm floors at ConfirmFloor.
func Compose(base float64, verdict models.Verdict, vConf, alpha float64) float64 {
	blended := alpha*clamp(base) + (1-alpha)*clamp(vConf)
	switch verdict {
	case models.VerdictReject:
		blended = math.Min(blended, RejectCap)
	case models.VerdictConfirm:
		blended = math.Max(blended, ConfirmFloor)
	}
	return clamp(blended)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
