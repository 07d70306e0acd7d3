package outpass

import "time"

// Roles supplied by the identity provider. The core trusts them completely.
const (
	RoleStudent = "student"
	RoleParent  = "parent"
	RoleAdmin   = "admin"
	RoleGate    = "gate"
)

// Principal is the authenticated caller threaded into every operation.
// Parents carry the id of their linked student.
type Principal struct {
	ID        string
	Role      string
	StudentID string
}

// RequestType classifies a leave request. Each type carries a maximum
// duration enforced at creation.
type RequestType string

const (
	TypeRegularOuting RequestType = "regular_outing"
	TypeHomeVisit     RequestType = "home_visit"
	TypeEmergency     RequestType = "emergency"
)

// MaxDuration returns the longest leave this request type allows.
func (t RequestType) MaxDuration() time.Duration {
	switch t {
	case TypeRegularOuting:
		return 12 * time.Hour
	case TypeHomeVisit:
		return 7 * 24 * time.Hour
	case TypeEmergency:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case TypeRegularOuting, TypeHomeVisit, TypeEmergency:
		return true
	}
	return false
}

// Status is a request's workflow state.
type Status string

const (
	StatusAwaitingParent Status = "awaiting_parent"
	StatusParentApproved Status = "parent_approved"
	StatusParentRejected Status = "parent_rejected"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusExpired        Status = "expired"
)

// Request is one leave application moving through the approval workflow.
type Request struct {
	ID               string      `json:"id"`
	StudentID        string      `json:"student_id"`
	Type             RequestType `json:"type"`
	Destination      string      `json:"destination"`
	Reason           string      `json:"reason"`
	EmergencyContact string      `json:"emergency_contact"`
	DepartureTime    time.Time   `json:"departure_time"`
	ReturnTime       time.Time   `json:"return_time"`
	Status           Status      `json:"status"`

	ParentApproval  bool       `json:"parent_approval"`
	ParentComment   string     `json:"parent_comment,omitempty"`
	ParentDecidedAt *time.Time `json:"parent_decided_at,omitempty"`
	AdminApproval   bool       `json:"admin_approval"`
	AdminComment    string     `json:"admin_comment,omitempty"`
	AdminDecidedAt  *time.Time `json:"admin_decided_at,omitempty"`

	RiskScore    int    `json:"risk_score"`
	RiskCategory string `json:"risk_category"`

	PassToken        string     `json:"pass_token,omitempty"`
	PassIssuedAt     *time.Time `json:"pass_issued_at,omitempty"`
	PassExpiresAt    *time.Time `json:"pass_expires_at,omitempty"`
	ActualReturnTime *time.Time `json:"actual_return_time,omitempty"`
	LateReturn       bool       `json:"late_return"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveStatus derives the workflow state as of now. An approved request
// whose pass expiry has passed reads as expired; expiry is never swept in
// the background.
func (r *Request) EffectiveStatus(now time.Time) Status {
	if r.Status == StatusApproved && r.PassExpiresAt != nil && now.After(*r.PassExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// Active reports whether the request currently lets the student be out:
// approved with a pass, and neither the recorded return nor the scheduled
// return is in the past.
func (r *Request) Active(now time.Time) bool {
	if r.Status != StatusApproved || r.PassToken == "" {
		return false
	}
	if r.ActualReturnTime == nil {
		return true
	}
	return r.ActualReturnTime.After(now) && r.ReturnTime.After(now)
}

// ViolationType classifies a recorded infraction.
type ViolationType string

const (
	ViolationLateReturn      ViolationType = "late_return"
	ViolationUnauthorizedExt ViolationType = "unauthorized_extension"
	ViolationFalseInfo       ViolationType = "false_information"
	ViolationUnauthorizedLoc ViolationType = "unauthorized_location"
	ViolationOther           ViolationType = "other"
)

// Valid reports whether t is a known violation type.
func (t ViolationType) Valid() bool {
	switch t {
	case ViolationLateReturn, ViolationUnauthorizedExt, ViolationFalseInfo,
		ViolationUnauthorizedLoc, ViolationOther:
		return true
	}
	return false
}

// Severity grades a violation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// ViolationStatus is a violation's review state.
type ViolationStatus string

const (
	ViolationUnresolved  ViolationStatus = "unresolved"
	ViolationUnderReview ViolationStatus = "under_review"
	ViolationResolved    ViolationStatus = "resolved"
	ViolationDismissed   ViolationStatus = "dismissed"
)

// Terminal reports whether s can no longer change. Resolution is one-way.
func (s ViolationStatus) Terminal() bool {
	return s == ViolationResolved || s == ViolationDismissed
}

// Violation is one recorded infraction against hostel rules.
type Violation struct {
	ID            string          `json:"id"`
	StudentID     string          `json:"student_id"`
	RequestID     string          `json:"request_id,omitempty"`
	Type          ViolationType   `json:"type"`
	Description   string          `json:"description"`
	Severity      Severity        `json:"severity"`
	PenaltyPoints int             `json:"penalty_points"`
	ViolationDate time.Time       `json:"violation_date"`
	Status        ViolationStatus `json:"status"`
	ActionTaken   bool            `json:"action_taken"`
	AdminNotes    string          `json:"admin_notes,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
