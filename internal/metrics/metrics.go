package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsCreated counts leave requests accepted by the lifecycle manager.
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outpass_requests_created_total",
		Help: "Leave requests created.",
	})

	// Decisions counts parent and admin decisions by outcome.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outpass_decisions_total",
		Help: "Approval decisions recorded.",
	}, []string{"gate", "outcome"})

	// RiskScores counts risk computations by the source that produced the score.
	RiskScores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outpass_risk_scores_total",
		Help: "Risk scores computed, labeled by rules or model.",
	}, []string{"source"})

	// ScansProcessed counts gate-scan return events applied by the worker.
	ScansProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outpass_scans_processed_total",
		Help: "Gate scan messages processed.",
	}, []string{"result"})
)
