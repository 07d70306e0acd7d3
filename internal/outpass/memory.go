package outpass

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded in-memory Repository for dev and tests,
// selected with STORE_BACKEND=memory.
type MemoryRepository struct {
	mu         sync.Mutex
	requests   map[string]Request
	violations map[string]Violation
	gates      map[string]bool
	refresh    map[string]time.Time
}

// NewMemoryRepository creates an empty in-memory repo.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests:   make(map[string]Request),
		violations: make(map[string]Violation),
		gates:      make(map[string]bool),
		refresh:    make(map[string]time.Time),
	}
}

// CreateRequest inserts a new request.
func (m *MemoryRepository) CreateRequest(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	m.requests[req.ID] = req
	return nil
}

// GetRequest returns a single request by id.
func (m *MemoryRepository) GetRequest(_ context.Context, id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, NotFoundError("request not found")
	}
	return req, nil
}

// ListRequests returns requests matching the filter, newest first.
func (m *MemoryRepository) ListRequests(_ context.Context, f RequestFilter) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Request
	for _, req := range m.requests {
		if f.StudentID != "" && req.StudentID != f.StudentID {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if !f.CreatedAfter.IsZero() && req.CreatedAt.Before(f.CreatedAfter) {
			continue
		}
		res = append(res, req)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// UpdateRequestIf applies the update only while the stored status equals expect.
func (m *MemoryRepository) UpdateRequestIf(_ context.Context, req Request, expect Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[req.ID]
	if !ok || cur.Status != expect {
		return false, nil
	}
	m.requests[req.ID] = req
	return true, nil
}

// CreateViolation inserts a new violation.
func (m *MemoryRepository) CreateViolation(_ context.Context, v Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	m.violations[v.ID] = v
	return nil
}

// GetViolation returns a single violation by id.
func (m *MemoryRepository) GetViolation(_ context.Context, id string) (Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.violations[id]
	if !ok {
		return Violation{}, NotFoundError("violation not found")
	}
	return v, nil
}

// ListViolations returns violations matching the filter, newest first.
func (m *MemoryRepository) ListViolations(_ context.Context, f ViolationFilter) ([]Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Violation
	for _, v := range m.violations {
		if f.StudentID != "" && v.StudentID != f.StudentID {
			continue
		}
		if f.ExcludeDismissed && v.Status == ViolationDismissed {
			continue
		}
		if f.OpenOnly && v.Status != ViolationUnresolved && v.Status != ViolationUnderReview {
			continue
		}
		if !f.Since.IsZero() && v.ViolationDate.Before(f.Since) {
			continue
		}
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ViolationDate.After(res[j].ViolationDate) })
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

// UpdateViolationIfOpen applies a resolution only while the violation is open.
func (m *MemoryRepository) UpdateViolationIfOpen(_ context.Context, v Violation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.violations[v.ID]
	if !ok || cur.Status.Terminal() {
		return false, nil
	}
	m.violations[v.ID] = v
	return true, nil
}

// UpsertGate ensures a gate device record exists.
func (m *MemoryRepository) UpsertGate(_ context.Context, gateID string) error {
	if gateID == "" {
		return ValidationError("gate id required", FieldError{Field: "gate_id", Error: "required"})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates[gateID] = true
	return nil
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (m *MemoryRepository) SaveRefreshToken(_ context.Context, gateID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[gateID+"|"+token] = expiresAt
	return nil
}
