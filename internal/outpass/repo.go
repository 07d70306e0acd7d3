package outpass

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestFilter narrows request queries.
type RequestFilter struct {
	StudentID    string
	Status       Status
	CreatedAfter time.Time
}

// ViolationFilter narrows violation queries.
type ViolationFilter struct {
	StudentID        string
	ExcludeDismissed bool
	OpenOnly         bool
	Since            time.Time
	Limit            int
}

// Repository persists requests and violations. State transitions are
// conditional writes guarded on the current status so racing decisions
// cannot both succeed.
type Repository interface {
	CreateRequest(ctx context.Context, req Request) error
	GetRequest(ctx context.Context, id string) (Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]Request, error)
	UpdateRequestIf(ctx context.Context, req Request, expect Status) (bool, error)

	CreateViolation(ctx context.Context, v Violation) error
	GetViolation(ctx context.Context, id string) (Violation, error)
	ListViolations(ctx context.Context, f ViolationFilter) ([]Violation, error)
	UpdateViolationIfOpen(ctx context.Context, v Violation) (bool, error)

	UpsertGate(ctx context.Context, gateID string) error
	SaveRefreshToken(ctx context.Context, gateID, token string, expiresAt time.Time) error
}

// PostgresRepository stores outpass data in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const requestColumns = `id, student_id, type, destination, reason, emergency_contact,
	departure_time, return_time, status,
	parent_approval, parent_comment, parent_decided_at,
	admin_approval, admin_comment, admin_decided_at,
	risk_score, risk_category,
	pass_token, pass_issued_at, pass_expires_at,
	actual_return_time, late_return, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (Request, error) {
	var r Request
	err := row.Scan(
		&r.ID, &r.StudentID, &r.Type, &r.Destination, &r.Reason, &r.EmergencyContact,
		&r.DepartureTime, &r.ReturnTime, &r.Status,
		&r.ParentApproval, &r.ParentComment, &r.ParentDecidedAt,
		&r.AdminApproval, &r.AdminComment, &r.AdminDecidedAt,
		&r.RiskScore, &r.RiskCategory,
		&r.PassToken, &r.PassIssuedAt, &r.PassExpiresAt,
		&r.ActualReturnTime, &r.LateReturn, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

// CreateRequest inserts a new request.
func (r *PostgresRepository) CreateRequest(ctx context.Context, req Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`,
		req.ID, req.StudentID, req.Type, req.Destination, req.Reason, req.EmergencyContact,
		req.DepartureTime, req.ReturnTime, req.Status,
		req.ParentApproval, req.ParentComment, req.ParentDecidedAt,
		req.AdminApproval, req.AdminComment, req.AdminDecidedAt,
		req.RiskScore, req.RiskCategory,
		req.PassToken, req.PassIssuedAt, req.PassExpiresAt,
		req.ActualReturnTime, req.LateReturn, req.CreatedAt, req.UpdatedAt,
	)
	return err
}

// GetRequest returns a single request by id.
func (r *PostgresRepository) GetRequest(ctx context.Context, id string) (Request, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, NotFoundError("request not found")
	}
	return req, err
}

// ListRequests returns requests matching the filter, newest first.
func (r *PostgresRepository) ListRequests(ctx context.Context, f RequestFilter) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests`
	args := []any{}
	clauses := []string{}
	if f.StudentID != "" {
		clauses = append(clauses, "student_id = $"+itoa(len(args)+1))
		args = append(args, f.StudentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = $"+itoa(len(args)+1))
		args = append(args, f.Status)
	}
	if !f.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_at >= $"+itoa(len(args)+1))
		args = append(args, f.CreatedAfter)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// UpdateRequestIf writes the request's mutable fields only while its stored
// status still equals expect. Returns false when the guard failed, which the
// caller must surface as an invalid-state error.
func (r *PostgresRepository) UpdateRequestIf(ctx context.Context, req Request, expect Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE requests SET
			status = $3,
			parent_approval = $4, parent_comment = $5, parent_decided_at = $6,
			admin_approval = $7, admin_comment = $8, admin_decided_at = $9,
			pass_token = $10, pass_issued_at = $11, pass_expires_at = $12,
			actual_return_time = $13, late_return = $14, updated_at = $15
		WHERE id = $1 AND status = $2
	`,
		req.ID, expect, req.Status,
		req.ParentApproval, req.ParentComment, req.ParentDecidedAt,
		req.AdminApproval, req.AdminComment, req.AdminDecidedAt,
		req.PassToken, req.PassIssuedAt, req.PassExpiresAt,
		req.ActualReturnTime, req.LateReturn, req.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const violationColumns = `id, student_id, request_id, type, description, severity,
	penalty_points, violation_date, status, action_taken, admin_notes, resolved_at, created_at`

func scanViolation(row interface{ Scan(...any) error }) (Violation, error) {
	var v Violation
	err := row.Scan(
		&v.ID, &v.StudentID, &v.RequestID, &v.Type, &v.Description, &v.Severity,
		&v.PenaltyPoints, &v.ViolationDate, &v.Status, &v.ActionTaken,
		&v.AdminNotes, &v.ResolvedAt, &v.CreatedAt,
	)
	return v, err
}

// CreateViolation inserts a new violation.
func (r *PostgresRepository) CreateViolation(ctx context.Context, v Violation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO violations (`+violationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		v.ID, v.StudentID, v.RequestID, v.Type, v.Description, v.Severity,
		v.PenaltyPoints, v.ViolationDate, v.Status, v.ActionTaken,
		v.AdminNotes, v.ResolvedAt, v.CreatedAt,
	)
	return err
}

// GetViolation returns a single violation by id.
func (r *PostgresRepository) GetViolation(ctx context.Context, id string) (Violation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+violationColumns+` FROM violations WHERE id = $1`, id)
	v, err := scanViolation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Violation{}, NotFoundError("violation not found")
	}
	return v, err
}

// ListViolations returns violations matching the filter, newest first.
func (r *PostgresRepository) ListViolations(ctx context.Context, f ViolationFilter) ([]Violation, error) {
	query := `SELECT ` + violationColumns + ` FROM violations`
	args := []any{}
	clauses := []string{}
	if f.StudentID != "" {
		clauses = append(clauses, "student_id = $"+itoa(len(args)+1))
		args = append(args, f.StudentID)
	}
	if f.ExcludeDismissed {
		clauses = append(clauses, "status <> '"+string(ViolationDismissed)+"'")
	}
	if f.OpenOnly {
		clauses = append(clauses, "status IN ('"+string(ViolationUnresolved)+"','"+string(ViolationUnderReview)+"')")
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "violation_date >= $"+itoa(len(args)+1))
		args = append(args, f.Since)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += " ORDER BY violation_date DESC"
	if f.Limit > 0 {
		query += " LIMIT $" + itoa(len(args)+1)
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// UpdateViolationIfOpen applies a resolution only while the violation is
// still open. Resolution is one-way; a terminal violation never changes.
func (r *PostgresRepository) UpdateViolationIfOpen(ctx context.Context, v Violation) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE violations SET
			status = $2, action_taken = $3, admin_notes = $4, resolved_at = $5
		WHERE id = $1 AND status IN ('unresolved', 'under_review')
	`, v.ID, v.Status, v.ActionTaken, v.AdminNotes, v.ResolvedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertGate ensures a gate device record exists.
func (r *PostgresRepository) UpsertGate(ctx context.Context, gateID string) error {
	if gateID == "" {
		return ValidationError("gate id required", FieldError{Field: "gate_id", Error: "required"})
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gates (gate_id)
		VALUES ($1)
		ON CONFLICT (gate_id) DO NOTHING
	`, gateID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *PostgresRepository) SaveRefreshToken(ctx context.Context, gateID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (gate_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, gateID, token, expiresAt)
	return err
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}
