package outpass

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"outpass/internal/metrics"
	"outpass/internal/pass"
	"outpass/internal/risk"
)

// Service owns the request state machine and the violation tracker. Every
// operation takes the caller's principal; authorization is enforced here,
// not left to the transport layer.
type Service struct {
	repo   Repository
	scorer *risk.Scorer
	passes *pass.Issuer
	now    func() time.Time
}

// NewService creates a service.
func NewService(repo Repository, scorer *risk.Scorer, passes *pass.Issuer) *Service {
	return &Service{repo: repo, scorer: scorer, passes: passes, now: time.Now}
}

// NewRequest is the student's submission payload.
type NewRequest struct {
	Type             RequestType `json:"type"`
	Destination      string      `json:"destination"`
	Reason           string      `json:"reason"`
	EmergencyContact string      `json:"emergency_contact"`
	DepartureTime    time.Time   `json:"departure_time"`
	ReturnTime       time.Time   `json:"return_time"`
}

// CreateRequest validates a submission, scores it, and persists it awaiting
// the parent's decision.
func (s *Service) CreateRequest(ctx context.Context, p Principal, nr NewRequest) (Request, error) {
	if p.Role != RoleStudent {
		return Request{}, AuthorizationError()
	}

	var fields []FieldError
	if !nr.Type.Valid() {
		fields = append(fields, FieldError{Field: "type", Error: "must be regular_outing, home_visit or emergency"})
	}
	if nr.Destination == "" {
		fields = append(fields, FieldError{Field: "destination", Error: "required"})
	}
	if nr.Reason == "" {
		fields = append(fields, FieldError{Field: "reason", Error: "required"})
	}
	if nr.EmergencyContact == "" {
		fields = append(fields, FieldError{Field: "emergency_contact", Error: "required"})
	}
	if nr.DepartureTime.IsZero() {
		fields = append(fields, FieldError{Field: "departure_time", Error: "required"})
	}
	if nr.ReturnTime.IsZero() {
		fields = append(fields, FieldError{Field: "return_time", Error: "required"})
	}
	if len(fields) > 0 {
		return Request{}, ValidationError("missing or invalid fields", fields...)
	}

	now := s.now().UTC()
	if nr.DepartureTime.Before(now.Add(30 * time.Minute)) {
		return Request{}, ValidationError("departure time must be at least 30 minutes from now",
			FieldError{Field: "departure_time", Error: "too soon"})
	}
	if !nr.ReturnTime.After(nr.DepartureTime) {
		return Request{}, ValidationError("return time must be after departure time",
			FieldError{Field: "return_time", Error: "must be after departure"})
	}
	if max := nr.Type.MaxDuration(); nr.ReturnTime.Sub(nr.DepartureTime) > max {
		return Request{}, ValidationError(fmt.Sprintf("%s requests may not exceed %s", nr.Type, max),
			FieldError{Field: "return_time", Error: "duration exceeds limit for type"})
	}

	result, err := s.scorer.Score(ctx, p.ID, &risk.RequestContext{
		Type:          string(nr.Type),
		Destination:   nr.Destination,
		DepartureTime: nr.DepartureTime,
		ReturnTime:    nr.ReturnTime,
	})
	if err != nil {
		return Request{}, DependencyError("risk history unavailable", err)
	}

	req := Request{
		ID:               uuid.NewString(),
		StudentID:        p.ID,
		Type:             nr.Type,
		Destination:      nr.Destination,
		Reason:           nr.Reason,
		EmergencyContact: nr.EmergencyContact,
		DepartureTime:    nr.DepartureTime,
		ReturnTime:       nr.ReturnTime,
		Status:           StatusAwaitingParent,
		RiskScore:        result.Score,
		RiskCategory:     result.Category,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return Request{}, storeErr(err)
	}
	metrics.RequestsCreated.Inc()
	return req, nil
}

// ParentDecision records the linked parent's approval or rejection. A
// rejection is final; the request never reaches an administrator.
func (s *Service) ParentDecision(ctx context.Context, p Principal, requestID string, approved bool, comment string) (Request, error) {
	if p.Role != RoleParent {
		return Request{}, AuthorizationError()
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, storeErr(err)
	}
	if p.StudentID != req.StudentID {
		return Request{}, AuthorizationError()
	}
	if req.Status != StatusAwaitingParent {
		return Request{}, InvalidStateError("request is not awaiting parent decision")
	}

	now := s.now().UTC()
	req.ParentApproval = approved
	req.ParentComment = comment
	req.ParentDecidedAt = &now
	req.UpdatedAt = now
	if approved {
		req.Status = StatusParentApproved
	} else {
		req.Status = StatusParentRejected
	}

	ok, err := s.repo.UpdateRequestIf(ctx, req, StatusAwaitingParent)
	if err != nil {
		return Request{}, storeErr(err)
	}
	if !ok {
		return Request{}, InvalidStateError("request is not awaiting parent decision")
	}
	metrics.Decisions.WithLabelValues("parent", outcome(approved)).Inc()
	return req, nil
}

// AdminDecision records the administrator's final decision. Approval issues
// the pass in the same operation; the conditional write keeps the pass and
// the transition atomic.
func (s *Service) AdminDecision(ctx context.Context, p Principal, requestID string, approved bool, comment string) (Request, error) {
	if p.Role != RoleAdmin {
		return Request{}, AuthorizationError()
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, storeErr(err)
	}
	if req.Status != StatusParentApproved {
		return Request{}, InvalidStateError("request must be parent-approved first")
	}

	now := s.now().UTC()
	req.AdminApproval = approved
	req.AdminComment = comment
	req.AdminDecidedAt = &now
	req.UpdatedAt = now
	if approved {
		issued, err := s.passes.Issue(req.ID, req.StudentID, req.ReturnTime)
		if err != nil {
			return Request{}, DependencyError("pass issuance failed", err)
		}
		req.Status = StatusApproved
		req.PassToken = issued.Token
		req.PassIssuedAt = &issued.IssuedAt
		req.PassExpiresAt = &issued.ExpiresAt
	} else {
		req.Status = StatusRejected
	}

	ok, err := s.repo.UpdateRequestIf(ctx, req, StatusParentApproved)
	if err != nil {
		return Request{}, storeErr(err)
	}
	if !ok {
		return Request{}, InvalidStateError("request must be parent-approved first")
	}
	metrics.Decisions.WithLabelValues("admin", outcome(approved)).Inc()
	return req, nil
}

// GetRequest returns one request, scoped to the caller.
func (s *Service) GetRequest(ctx context.Context, p Principal, requestID string) (Request, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, storeErr(err)
	}
	if !canSeeStudent(p, req.StudentID) {
		return Request{}, AuthorizationError()
	}
	req.Status = req.EffectiveStatus(s.now().UTC())
	return req, nil
}

// ListRequests returns the caller's visible requests: students their own,
// parents their linked student's, admins everything.
func (s *Service) ListRequests(ctx context.Context, p Principal) ([]Request, error) {
	f, err := scopeFilter(p)
	if err != nil {
		return nil, err
	}
	reqs, err := s.repo.ListRequests(ctx, f)
	if err != nil {
		return nil, storeErr(err)
	}
	now := s.now().UTC()
	for i := range reqs {
		reqs[i].Status = reqs[i].EffectiveStatus(now)
	}
	return reqs, nil
}

// RetrievePass returns the issued pass for an approved request.
func (s *Service) RetrievePass(ctx context.Context, p Principal, requestID string) (pass.Pass, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return pass.Pass{}, storeErr(err)
	}
	if p.Role != RoleAdmin && !(p.Role == RoleStudent && p.ID == req.StudentID) {
		return pass.Pass{}, AuthorizationError()
	}
	if req.EffectiveStatus(s.now().UTC()) != StatusApproved || req.PassToken == "" {
		return pass.Pass{}, NotReadyError("request is not approved or pass not issued")
	}
	return pass.Pass{
		Token:     req.PassToken,
		IssuedAt:  *req.PassIssuedAt,
		ExpiresAt: *req.PassExpiresAt,
	}, nil
}

// RecordReturn applies a gate-reported return to an approved request and
// files a late-return violation when the student is overdue. The violation
// is best-effort: a failure to file it is logged, never surfaced, and an
// administrator can record it manually.
func (s *Service) RecordReturn(ctx context.Context, p Principal, requestID string, returnedAt time.Time) (Request, error) {
	if p.Role != RoleAdmin && p.Role != RoleGate {
		return Request{}, AuthorizationError()
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Request{}, storeErr(err)
	}
	if req.Status != StatusApproved || req.PassToken == "" {
		return Request{}, InvalidStateError("request has no outstanding pass")
	}
	if req.ActualReturnTime != nil {
		return Request{}, InvalidStateError("return already recorded")
	}

	returnedAt = returnedAt.UTC()
	now := s.now().UTC()
	req.ActualReturnTime = &returnedAt
	req.LateReturn = returnedAt.After(req.ReturnTime)
	req.UpdatedAt = now

	ok, err := s.repo.UpdateRequestIf(ctx, req, StatusApproved)
	if err != nil {
		return Request{}, storeErr(err)
	}
	if !ok {
		return Request{}, InvalidStateError("request has no outstanding pass")
	}

	if req.LateReturn {
		severity, points := latenessPenalty(returnedAt.Sub(req.ReturnTime))
		v := Violation{
			ID:            uuid.NewString(),
			StudentID:     req.StudentID,
			RequestID:     req.ID,
			Type:          ViolationLateReturn,
			Description:   fmt.Sprintf("returned %s after the scheduled time", returnedAt.Sub(req.ReturnTime).Round(time.Minute)),
			Severity:      severity,
			PenaltyPoints: points,
			ViolationDate: returnedAt,
			Status:        ViolationUnresolved,
			CreatedAt:     now,
		}
		if err := s.repo.CreateViolation(ctx, v); err != nil {
			log.Printf("late-return violation for request %s not recorded: %v", req.ID, err)
		}
	}
	return req, nil
}

// latenessPenalty grades a late return by how overdue it is.
func latenessPenalty(delay time.Duration) (Severity, int) {
	switch {
	case delay <= time.Hour:
		return SeverityLow, 10
	case delay <= 3*time.Hour:
		return SeverityMedium, 15
	default:
		return SeverityHigh, 25
	}
}

// NewViolation is the administrator's submission payload.
type NewViolation struct {
	StudentID     string        `json:"student_id"`
	RequestID     string        `json:"request_id,omitempty"`
	Type          ViolationType `json:"type"`
	Description   string        `json:"description"`
	Severity      Severity      `json:"severity"`
	PenaltyPoints int           `json:"penalty_points"`
	ViolationDate time.Time     `json:"violation_date,omitempty"`
}

// RecordViolation files a new violation. Deliberately permissive beyond
// field validation: administrators are trusted.
func (s *Service) RecordViolation(ctx context.Context, p Principal, nv NewViolation) (Violation, error) {
	if p.Role != RoleAdmin {
		return Violation{}, AuthorizationError()
	}

	var fields []FieldError
	if nv.StudentID == "" {
		fields = append(fields, FieldError{Field: "student_id", Error: "required"})
	}
	if !nv.Type.Valid() {
		fields = append(fields, FieldError{Field: "type", Error: "unknown violation type"})
	}
	if nv.Description == "" {
		fields = append(fields, FieldError{Field: "description", Error: "required"})
	}
	if !nv.Severity.Valid() {
		fields = append(fields, FieldError{Field: "severity", Error: "must be low, medium or high"})
	}
	if nv.PenaltyPoints < 0 {
		fields = append(fields, FieldError{Field: "penalty_points", Error: "must not be negative"})
	}
	if len(fields) > 0 {
		return Violation{}, ValidationError("missing or invalid fields", fields...)
	}

	now := s.now().UTC()
	date := nv.ViolationDate
	if date.IsZero() {
		date = now
	}
	v := Violation{
		ID:            uuid.NewString(),
		StudentID:     nv.StudentID,
		RequestID:     nv.RequestID,
		Type:          nv.Type,
		Description:   nv.Description,
		Severity:      nv.Severity,
		PenaltyPoints: nv.PenaltyPoints,
		ViolationDate: date,
		Status:        ViolationUnresolved,
		CreatedAt:     now,
	}
	if err := s.repo.CreateViolation(ctx, v); err != nil {
		return Violation{}, storeErr(err)
	}
	return v, nil
}

// ResolveViolation moves an open violation to resolved or dismissed.
// One-way: a terminal violation never changes again.
func (s *Service) ResolveViolation(ctx context.Context, p Principal, violationID string, status ViolationStatus, adminNotes string) (Violation, error) {
	if p.Role != RoleAdmin {
		return Violation{}, AuthorizationError()
	}
	if status != ViolationResolved && status != ViolationDismissed {
		return Violation{}, ValidationError("status must be resolved or dismissed",
			FieldError{Field: "status", Error: "must be resolved or dismissed"})
	}
	v, err := s.repo.GetViolation(ctx, violationID)
	if err != nil {
		return Violation{}, storeErr(err)
	}
	if v.Status.Terminal() {
		return Violation{}, InvalidStateError("violation is already " + string(v.Status))
	}

	now := s.now().UTC()
	v.Status = status
	v.AdminNotes = adminNotes
	v.ActionTaken = true
	v.ResolvedAt = &now

	ok, err := s.repo.UpdateViolationIfOpen(ctx, v)
	if err != nil {
		return Violation{}, storeErr(err)
	}
	if !ok {
		return Violation{}, InvalidStateError("violation is no longer open")
	}
	return v, nil
}

// ListViolations returns the caller's visible violations, scoped like requests.
func (s *Service) ListViolations(ctx context.Context, p Principal) ([]Violation, error) {
	f, err := scopeFilter(p)
	if err != nil {
		return nil, err
	}
	violations, err := s.repo.ListViolations(ctx, ViolationFilter{StudentID: f.StudentID})
	if err != nil {
		return nil, storeErr(err)
	}
	return violations, nil
}

// StudentStats summarizes a student's own standing for their dashboard.
type StudentStats struct {
	TotalRequests  int    `json:"total_requests"`
	ActiveRequests int    `json:"active_requests"`
	Violations     int    `json:"violations"`
	RiskScore      int    `json:"risk_score"`
	RiskCategory   string `json:"risk_category"`
}

// Stats computes the calling student's dashboard numbers.
func (s *Service) Stats(ctx context.Context, p Principal) (StudentStats, error) {
	if p.Role != RoleStudent {
		return StudentStats{}, AuthorizationError()
	}
	reqs, err := s.repo.ListRequests(ctx, RequestFilter{StudentID: p.ID})
	if err != nil {
		return StudentStats{}, storeErr(err)
	}
	violations, err := s.repo.ListViolations(ctx, ViolationFilter{StudentID: p.ID})
	if err != nil {
		return StudentStats{}, storeErr(err)
	}
	result, err := s.scorer.Score(ctx, p.ID, nil)
	if err != nil {
		return StudentStats{}, DependencyError("risk history unavailable", err)
	}

	now := s.now().UTC()
	active := 0
	for _, r := range reqs {
		if r.Active(now) {
			active++
		}
	}
	return StudentStats{
		TotalRequests:  len(reqs),
		ActiveRequests: active,
		Violations:     len(violations),
		RiskScore:      result.Score,
		RiskCategory:   result.Category,
	}, nil
}

// Overview is the admin dashboard summary for the current month.
type Overview struct {
	TotalRequests   int         `json:"total_requests"`
	ApprovalRate    float64     `json:"approval_rate"`
	ActiveOutpasses int         `json:"active_outpasses"`
	LateReturns     int         `json:"late_returns"`
	ViolationAlerts []Violation `json:"violation_alerts"`
}

// AdminOverview computes month-to-date statistics and recent open violations.
func (s *Service) AdminOverview(ctx context.Context, p Principal) (Overview, error) {
	if p.Role != RoleAdmin {
		return Overview{}, AuthorizationError()
	}
	now := s.now().UTC()
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	monthly, err := s.repo.ListRequests(ctx, RequestFilter{CreatedAfter: startOfMonth})
	if err != nil {
		return Overview{}, storeErr(err)
	}
	var approved, lateReturns int
	for _, r := range monthly {
		if r.Status == StatusApproved {
			approved++
		}
		if r.LateReturn && r.ActualReturnTime != nil && !r.ActualReturnTime.Before(startOfMonth) {
			lateReturns++
		}
	}
	rate := 0.0
	if len(monthly) > 0 {
		rate = math.Round(float64(approved)/float64(len(monthly))*1000) / 10
	}

	all, err := s.repo.ListRequests(ctx, RequestFilter{Status: StatusApproved})
	if err != nil {
		return Overview{}, storeErr(err)
	}
	active := 0
	for _, r := range all {
		if r.Active(now) {
			active++
		}
	}

	alerts, err := s.repo.ListViolations(ctx, ViolationFilter{OpenOnly: true, Limit: 10})
	if err != nil {
		return Overview{}, storeErr(err)
	}

	return Overview{
		TotalRequests:   len(monthly),
		ApprovalRate:    rate,
		ActiveOutpasses: active,
		LateReturns:     lateReturns,
		ViolationAlerts: alerts,
	}, nil
}

// QueueEntry is a parent-approved request waiting for the administrator,
// annotated with the student's current standing.
type QueueEntry struct {
	Request           Request `json:"request"`
	StudentRiskScore  int     `json:"student_risk_score"`
	StudentViolations int     `json:"student_violations"`
}

// AdminQueue lists parent-approved requests with each student's current risk.
func (s *Service) AdminQueue(ctx context.Context, p Principal) ([]QueueEntry, error) {
	if p.Role != RoleAdmin {
		return nil, AuthorizationError()
	}
	reqs, err := s.repo.ListRequests(ctx, RequestFilter{Status: StatusParentApproved})
	if err != nil {
		return nil, storeErr(err)
	}
	entries := make([]QueueEntry, 0, len(reqs))
	for _, r := range reqs {
		result, err := s.scorer.Score(ctx, r.StudentID, nil)
		if err != nil {
			return nil, DependencyError("risk history unavailable", err)
		}
		violations, err := s.repo.ListViolations(ctx, ViolationFilter{StudentID: r.StudentID})
		if err != nil {
			return nil, storeErr(err)
		}
		entries = append(entries, QueueEntry{
			Request:           r,
			StudentRiskScore:  result.Score,
			StudentViolations: len(violations),
		})
	}
	return entries, nil
}

// RegisterGate records a gate device ahead of token issuance.
func (s *Service) RegisterGate(ctx context.Context, gateID string) error {
	return storeErr(s.repo.UpsertGate(ctx, gateID))
}

// SaveGateRefresh stores a gate's refresh token for rotation checks.
func (s *Service) SaveGateRefresh(ctx context.Context, gateID, token string, expiresAt time.Time) error {
	return storeErr(s.repo.SaveRefreshToken(ctx, gateID, token, expiresAt))
}

func canSeeStudent(p Principal, studentID string) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleStudent:
		return p.ID == studentID
	case RoleParent:
		return p.StudentID == studentID
	}
	return false
}

func scopeFilter(p Principal) (RequestFilter, error) {
	switch p.Role {
	case RoleAdmin:
		return RequestFilter{}, nil
	case RoleStudent:
		return RequestFilter{StudentID: p.ID}, nil
	case RoleParent:
		if p.StudentID == "" {
			return RequestFilter{}, AuthorizationError()
		}
		return RequestFilter{StudentID: p.StudentID}, nil
	}
	return RequestFilter{}, AuthorizationError()
}

func outcome(approved bool) string {
	if approved {
		return "approved"
	}
	return "rejected"
}

// storeErr passes domain errors through and wraps anything else as a
// dependency failure.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return DependencyError("store unavailable", err)
}
