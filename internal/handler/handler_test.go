package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outpass/internal/auth"
	"outpass/internal/config"
	"outpass/internal/outpass"
	"outpass/internal/pass"
	"outpass/internal/queue"
	"outpass/internal/risk"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	repo   *outpass.MemoryRepository
	q      *queue.InMemory
	cfg    config.App
	passes *pass.Issuer
}

func newFixture() *fixture {
	cfg := config.App{
		JWTIssuer:      "outpass-test",
		JWTSigningKey:  "test-signing-key",
		PassSigningKey: "test-pass-key",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
	}
	repo := outpass.NewMemoryRepository()
	passes := pass.NewIssuer(cfg.PassSigningKey, cfg.JWTIssuer)
	svc := outpass.NewService(repo, risk.NewScorer(outpass.NewHistorySource(repo), nil), passes)
	q := queue.NewInMemory(8)

	router := gin.New()
	New(svc, q, cfg).Register(router)
	return &fixture{router: router, repo: repo, q: q, cfg: cfg, passes: passes}
}

func (f *fixture) token(t *testing.T, subject, role, studentID string) string {
	t.Helper()
	pair, err := auth.Issue(subject, role, studentID, f.cfg.JWTIssuer, f.cfg.JWTSigningKey, f.cfg.AccessTTL, f.cfg.RefreshTTL)
	require.NoError(t, err)
	return pair.AccessToken
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func submission() map[string]any {
	dep := time.Now().UTC().Add(2 * time.Hour)
	return map[string]any{
		"type":              "regular_outing",
		"destination":       "City Library",
		"reason":            "project work",
		"emergency_contact": "+91 98765 43210",
		"departure_time":    dep,
		"return_time":       dep.Add(4 * time.Hour),
	}
}

func TestCreateRequestEndpoint(t *testing.T) {
	f := newFixture()
	studentToken := f.token(t, "stu-1", outpass.RoleStudent, "")

	w := f.do(t, http.MethodPost, "/v1/requests", studentToken, submission())

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var req outpass.Request
	require.NoError(t, json.Unmarshal(decode(t, w)["request"], &req))
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, outpass.StatusAwaitingParent, req.Status)
	assert.Equal(t, "stu-1", req.StudentID)
	assert.Equal(t, "low", req.RiskCategory)
}

func TestCreateRequestEndpointRejectsValidation(t *testing.T) {
	f := newFixture()
	studentToken := f.token(t, "stu-1", outpass.RoleStudent, "")

	body := submission()
	body["departure_time"] = time.Now().UTC().Add(10 * time.Minute)

	w := f.do(t, http.MethodPost, "/v1/requests", studentToken, body)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"validation"`)
	assert.Contains(t, w.Body.String(), `"fields"`)
}

func TestCreateRequestEndpointAuth(t *testing.T) {
	f := newFixture()

	w := f.do(t, http.MethodPost, "/v1/requests", "", submission())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	parentToken := f.token(t, "par-1", outpass.RoleParent, "stu-1")
	w = f.do(t, http.MethodPost, "/v1/requests", parentToken, submission())
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestApprovalFlowEndpoints(t *testing.T) {
	f := newFixture()
	studentToken := f.token(t, "stu-1", outpass.RoleStudent, "")
	parentToken := f.token(t, "par-1", outpass.RoleParent, "stu-1")
	adminToken := f.token(t, "adm-1", outpass.RoleAdmin, "")

	w := f.do(t, http.MethodPost, "/v1/requests", studentToken, submission())
	require.Equal(t, http.StatusCreated, w.Code)
	var req outpass.Request
	require.NoError(t, json.Unmarshal(decode(t, w)["request"], &req))

	// admin cannot jump the parent gate
	w = f.do(t, http.MethodPut, "/v1/requests/"+req.ID+"/admin-decision", adminToken,
		map[string]any{"approved": true})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPut, "/v1/requests/"+req.ID+"/parent-decision", parentToken,
		map[string]any{"approved": true, "comment": "ok"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(decode(t, w)["request"], &req))
	assert.Equal(t, outpass.StatusParentApproved, req.Status)

	w = f.do(t, http.MethodPut, "/v1/requests/"+req.ID+"/admin-decision", adminToken,
		map[string]any{"approved": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(decode(t, w)["request"], &req))
	assert.Equal(t, outpass.StatusApproved, req.Status)
	assert.NotEmpty(t, req.PassToken)

	w = f.do(t, http.MethodGet, "/v1/requests/"+req.ID+"/pass", studentToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var issued pass.Pass
	require.NoError(t, json.Unmarshal(decode(t, w)["pass"], &issued))

	claims, err := f.passes.Verify(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, req.ID, claims.RequestID)
	assert.Equal(t, "stu-1", claims.StudentID)
}

func TestParentDecisionEndpointWrongParent(t *testing.T) {
	f := newFixture()
	studentToken := f.token(t, "stu-1", outpass.RoleStudent, "")
	strangerToken := f.token(t, "par-9", outpass.RoleParent, "stu-9")

	w := f.do(t, http.MethodPost, "/v1/requests", studentToken, submission())
	require.Equal(t, http.StatusCreated, w.Code)
	var req outpass.Request
	require.NoError(t, json.Unmarshal(decode(t, w)["request"], &req))

	w = f.do(t, http.MethodPut, "/v1/requests/"+req.ID+"/parent-decision", strangerToken,
		map[string]any{"approved": true})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "access denied")
}

func TestDecisionEndpointRequiresVerdict(t *testing.T) {
	f := newFixture()
	parentToken := f.token(t, "par-1", outpass.RoleParent, "stu-1")

	w := f.do(t, http.MethodPut, "/v1/requests/some-id/parent-decision", parentToken,
		map[string]any{"comment": "no verdict"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPassEndpointBeforeApproval(t *testing.T) {
	f := newFixture()
	studentToken := f.token(t, "stu-1", outpass.RoleStudent, "")

	w := f.do(t, http.MethodPost, "/v1/requests", studentToken, submission())
	require.Equal(t, http.StatusCreated, w.Code)
	var req outpass.Request
	require.NoError(t, json.Unmarshal(decode(t, w)["request"], &req))

	w = f.do(t, http.MethodGet, "/v1/requests/"+req.ID+"/pass", studentToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/v1/requests/missing/pass", studentToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func approveViaAPI(t *testing.T, f *fixture) outpass.Request {
	t.Helper()
	studentToken := f.token(t, "stu-1", outpass.RoleStudent, "")
	parentToken := f.token(t, "par-1", outpass.RoleParent, "stu-1")
	adminToken := f.token(t, "adm-1", outpass.RoleAdmin, "")

	w := f.do(t, http.MethodPost, "/v1/requests", studentToken, submission())
	require.Equal(t, http.StatusCreated, w.Code)
	var req outpass.Request
	require.NoError(t, json.Unmarshal(decode(t, w)["request"], &req))

	w = f.do(t, http.MethodPut, "/v1/requests/"+req.ID+"/parent-decision", parentToken,
		map[string]any{"approved": true})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPut, "/v1/requests/"+req.ID+"/admin-decision", adminToken,
		map[string]any{"approved": true})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(decode(t, w)["request"], &req))
	return req
}

func TestReturnEndpointRecordsLateReturn(t *testing.T) {
	f := newFixture()
	adminToken := f.token(t, "adm-1", outpass.RoleAdmin, "")
	approved := approveViaAPI(t, f)

	w := f.do(t, http.MethodPut, "/v1/requests/"+approved.ID+"/return", adminToken,
		map[string]any{"returned_at": approved.ReturnTime.Add(30 * time.Minute)})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var req outpass.Request
	require.NoError(t, json.Unmarshal(decode(t, w)["request"], &req))
	assert.True(t, req.LateReturn)

	// the second report hits an already-closed request
	w = f.do(t, http.MethodPut, "/v1/requests/"+approved.ID+"/return", adminToken,
		map[string]any{"returned_at": approved.ReturnTime.Add(time.Hour)})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestScanEndpointQueuesEvent(t *testing.T) {
	f := newFixture()
	gateToken := f.token(t, "gate-main", outpass.RoleGate, "")
	scannedAt := time.Now().UTC().Truncate(time.Second)

	w := f.do(t, http.MethodPost, "/v1/scans", gateToken,
		map[string]any{"token": "some-pass-token", "scanned_at": scannedAt})

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	messages, err := f.q.Consume(ctx)
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.Equal(t, queue.TypeGateReturn, msg.Type)
		evt, err := queue.ParseScanEvent(msg)
		require.NoError(t, err)
		assert.Equal(t, "gate-main", evt.GateID)
		assert.Equal(t, "some-pass-token", evt.Token)
		assert.Equal(t, scannedAt.Unix(), evt.ScannedAt.Unix())
	case <-ctx.Done():
		t.Fatal("scan event never reached the queue")
	}
}

func TestScanEndpointRejectsStudents(t *testing.T) {
	f := newFixture()
	studentToken := f.token(t, "stu-1", outpass.RoleStudent, "")

	w := f.do(t, http.MethodPost, "/v1/scans", studentToken,
		map[string]any{"token": "some-pass-token"})

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGateRegisterEndpoint(t *testing.T) {
	f := newFixture()

	w := f.do(t, http.MethodPost, "/v1/gates/register", "", map[string]any{"gate_id": "gate-7"})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tokens))
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)

	// the issued token is immediately usable on the scan endpoint
	w = f.do(t, http.MethodPost, "/v1/scans", tokens.AccessToken,
		map[string]any{"token": "some-pass-token"})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestGateRegisterEndpointValidation(t *testing.T) {
	f := newFixture()

	w := f.do(t, http.MethodPost, "/v1/gates/register", "", map[string]any{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestViolationEndpoints(t *testing.T) {
	f := newFixture()
	adminToken := f.token(t, "adm-1", outpass.RoleAdmin, "")
	studentToken := f.token(t, "stu-1", outpass.RoleStudent, "")

	w := f.do(t, http.MethodPost, "/v1/violations", adminToken, map[string]any{
		"student_id":     "stu-1",
		"type":           "unauthorized_extension",
		"description":    "stayed out past the approved window without notice",
		"severity":       "medium",
		"penalty_points": 15,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var v outpass.Violation
	require.NoError(t, json.Unmarshal(decode(t, w)["violation"], &v))
	assert.Equal(t, outpass.ViolationUnresolved, v.Status)

	// students may only list, not file
	w = f.do(t, http.MethodPost, "/v1/violations", studentToken, map[string]any{})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/v1/violations", studentToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []outpass.Violation
	require.NoError(t, json.Unmarshal(decode(t, w)["violations"], &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, v.ID, listed[0].ID)

	w = f.do(t, http.MethodPut, "/v1/violations/"+v.ID+"/resolve", adminToken,
		map[string]any{"status": "resolved", "admin_notes": "warning issued"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(decode(t, w)["violation"], &v))
	assert.Equal(t, outpass.ViolationResolved, v.Status)

	w = f.do(t, http.MethodPut, "/v1/violations/"+v.ID+"/resolve", adminToken,
		map[string]any{"status": "dismissed"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStatsAndAdminEndpoints(t *testing.T) {
	f := newFixture()
	studentToken := f.token(t, "stu-1", outpass.RoleStudent, "")
	adminToken := f.token(t, "adm-1", outpass.RoleAdmin, "")
	approveViaAPI(t, f)

	w := f.do(t, http.MethodGet, "/v1/students/stats", studentToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats outpass.StudentStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 1, stats.ActiveRequests)

	w = f.do(t, http.MethodGet, "/v1/students/stats", adminToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/v1/admin/overview", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var overview outpass.Overview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &overview))
	assert.Equal(t, 1, overview.TotalRequests)
	assert.Equal(t, 1, overview.ActiveOutpasses)

	w = f.do(t, http.MethodGet, "/v1/admin/queue", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/admin/overview", studentToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListRequestsEndpointScoping(t *testing.T) {
	f := newFixture()
	studentToken := f.token(t, "stu-1", outpass.RoleStudent, "")
	otherToken := f.token(t, "stu-2", outpass.RoleStudent, "")

	w := f.do(t, http.MethodPost, "/v1/requests", studentToken, submission())
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodGet, "/v1/requests", otherToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []outpass.Request
	require.NoError(t, json.Unmarshal(decode(t, w)["requests"], &listed))
	assert.Empty(t, listed)
}
