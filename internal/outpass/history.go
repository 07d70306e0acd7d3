package outpass

import (
	"context"

	"outpass/internal/risk"
)

// historySource adapts the repository to the scorer's history contract.
// Dismissed violations are excluded at the query.
type historySource struct {
	repo Repository
}

// NewHistorySource exposes a student's request and violation history to the
// risk scorer.
func NewHistorySource(repo Repository) risk.HistorySource {
	return historySource{repo: repo}
}

func (h historySource) RequestHistory(ctx context.Context, studentID string) ([]risk.RequestRecord, error) {
	reqs, err := h.repo.ListRequests(ctx, RequestFilter{StudentID: studentID})
	if err != nil {
		return nil, err
	}
	records := make([]risk.RequestRecord, 0, len(reqs))
	for _, r := range reqs {
		records = append(records, risk.RequestRecord{
			Rejected:   r.Status == StatusRejected || r.Status == StatusParentRejected,
			LateReturn: r.LateReturn,
			CreatedAt:  r.CreatedAt,
		})
	}
	return records, nil
}

func (h historySource) ViolationHistory(ctx context.Context, studentID string) ([]risk.ViolationRecord, error) {
	violations, err := h.repo.ListViolations(ctx, ViolationFilter{StudentID: studentID, ExcludeDismissed: true})
	if err != nil {
		return nil, err
	}
	records := make([]risk.ViolationRecord, 0, len(violations))
	for _, v := range violations {
		records = append(records, risk.ViolationRecord{
			PenaltyPoints: v.PenaltyPoints,
			OccurredAt:    v.ViolationDate,
		})
	}
	return records, nil
}
