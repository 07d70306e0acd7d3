package risk

import (
	"context"
	"log"
	"math"
	"time"

	"outpass/internal/metrics"
)

// Score sources.
const (
	SourceRules = "rules"
	SourceModel = "model"
)

// RequestRecord is one historical request, reduced to what scoring needs.
type RequestRecord struct {
	Rejected   bool
	LateReturn bool
	CreatedAt  time.Time
}

// ViolationRecord is one non-dismissed violation.
type ViolationRecord struct {
	PenaltyPoints int
	OccurredAt    time.Time
}

// HistorySource supplies a student's history. Implementations must already
// exclude dismissed violations.
type HistorySource interface {
	RequestHistory(ctx context.Context, studentID string) ([]RequestRecord, error)
	ViolationHistory(ctx context.Context, studentID string) ([]ViolationRecord, error)
}

// RequestContext describes a not-yet-created request, enabling model scoring.
type RequestContext struct {
	Type          string
	Destination   string
	DepartureTime time.Time
	ReturnTime    time.Time
}

// Result is a computed risk score. Source records whether the external model
// or the rule-based path produced it; only logs and metrics consume it.
type Result struct {
	Score    int    `json:"score"`
	Category string `json:"category"`
	Source   string `json:"-"`
}

// Scorer computes a student's risk of violating an outpass. The external
// model is best-effort: any delegation failure silently degrades to the
// rule-based score and is never observable by the caller.
type Scorer struct {
	history   HistorySource
	predictor *Predictor
	now       func() time.Time
}

// NewScorer creates a scorer. predictor may be nil to disable delegation.
func NewScorer(history HistorySource, predictor *Predictor) *Scorer {
	return &Scorer{history: history, predictor: predictor, now: time.Now}
}

// Score computes the risk score in [0,100] for a student, optionally in the
// context of a pending request. A history read failure is returned to the
// caller; scoring itself never fails.
func (s *Scorer) Score(ctx context.Context, studentID string, reqCtx *RequestContext) (Result, error) {
	violations, err := s.history.ViolationHistory(ctx, studentID)
	if err != nil {
		return Result{}, err
	}
	requests, err := s.history.RequestHistory(ctx, studentID)
	if err != nil {
		return Result{}, err
	}
	now := s.now().UTC()

	if s.predictor != nil && s.predictor.Enabled && reqCtx != nil {
		pred, err := s.predictor.Predict(ctx, buildFeatures(*reqCtx, violations, requests, now))
		if err == nil {
			score := clamp(int(math.Round(pred.RiskScore)))
			metrics.RiskScores.WithLabelValues(SourceModel).Inc()
			log.Printf("risk model scored student %s: %d (%s, %s)", studentID, score, pred.RiskCategory, pred.ModelVersion)
			return Result{Score: score, Category: Category(score), Source: SourceModel}, nil
		}
		log.Printf("risk model unavailable, using rules: %v", err)
	}

	score := ruleBased(violations, requests, now)
	metrics.RiskScores.WithLabelValues(SourceRules).Inc()
	return Result{Score: score, Category: Category(score), Source: SourceRules}, nil
}

// ruleBased aggregates history into a score: penalty points, rejection rate,
// late returns, and recent request frequency, clamped to [0,100].
func ruleBased(violations []ViolationRecord, requests []RequestRecord, now time.Time) int {
	score := 0
	for _, v := range violations {
		score += v.PenaltyPoints
	}

	var rejected, late, recent30d int
	for _, r := range requests {
		if r.Rejected {
			rejected++
		}
		if r.LateReturn {
			late++
		}
		if now.Sub(r.CreatedAt) <= 30*24*time.Hour {
			recent30d++
		}
	}

	if len(requests) > 0 {
		rate := float64(rejected) / float64(len(requests))
		if rate > 0.3 {
			score += 20
		} else if rate > 0.2 {
			score += 10
		}
	}

	score += late * 15

	if recent30d > 10 {
		score += 10
	} else if recent30d > 5 {
		score += 5
	}

	return clamp(score)
}

// Category labels a score: <=30 low, 31-60 medium, >60 high. These
// boundaries are shared with every consumer that labels scores.
func Category(score int) string {
	switch {
	case score <= 30:
		return "low"
	case score <= 60:
		return "medium"
	default:
		return "high"
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
