package handler

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"outpass/internal/auth"
	"outpass/internal/config"
	"outpass/internal/outpass"
	"outpass/internal/queue"
)

// Handler exposes the outpass core over HTTP.
type Handler struct {
	svc *outpass.Service
	q   queue.Queue
	cfg config.App
}

// New creates a handler.
func New(svc *outpass.Service, q queue.Queue, cfg config.App) *Handler {
	return &Handler{svc: svc, q: q, cfg: cfg}
}

// Register mounts all authenticated and public routes on the engine.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/v1/gates/register", h.RegisterGate)

	v1 := r.Group("/v1", auth.Require(h.cfg.JWTSigningKey, h.cfg.JWTIssuer))

	v1.POST("/requests", auth.RequireRole(outpass.RoleStudent), h.CreateRequest)
	v1.GET("/requests", h.ListRequests)
	v1.GET("/requests/:id", h.GetRequest)
	v1.PUT("/requests/:id/parent-decision", auth.RequireRole(outpass.RoleParent), h.ParentDecision)
	v1.PUT("/requests/:id/admin-decision", auth.RequireRole(outpass.RoleAdmin), h.AdminDecision)
	v1.GET("/requests/:id/pass", h.RetrievePass)
	v1.PUT("/requests/:id/return", auth.RequireRole(outpass.RoleAdmin), h.RecordReturn)

	v1.POST("/violations", auth.RequireRole(outpass.RoleAdmin), h.RecordViolation)
	v1.GET("/violations", h.ListViolations)
	v1.PUT("/violations/:id/resolve", auth.RequireRole(outpass.RoleAdmin), h.ResolveViolation)

	v1.GET("/students/stats", auth.RequireRole(outpass.RoleStudent), h.StudentStats)
	v1.GET("/admin/overview", auth.RequireRole(outpass.RoleAdmin), h.AdminOverview)
	v1.GET("/admin/queue", auth.RequireRole(outpass.RoleAdmin), h.AdminQueue)

	v1.POST("/scans", auth.RequireRole(outpass.RoleGate, outpass.RoleAdmin), h.Scan)
}

// CreateRequest handles a student's leave submission.
func (h *Handler) CreateRequest(c *gin.Context) {
	var nr outpass.NewRequest
	if err := c.ShouldBindJSON(&nr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": outpass.KindValidation})
		return
	}
	req, err := h.svc.CreateRequest(c.Request.Context(), auth.PrincipalFrom(c), nr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": req})
}

// ListRequests returns the caller's visible requests.
func (h *Handler) ListRequests(c *gin.Context) {
	reqs, err := h.svc.ListRequests(c.Request.Context(), auth.PrincipalFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if reqs == nil {
		reqs = []outpass.Request{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

// GetRequest returns a single request.
func (h *Handler) GetRequest(c *gin.Context) {
	req, err := h.svc.GetRequest(c.Request.Context(), auth.PrincipalFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

type decisionBody struct {
	Approved *bool  `json:"approved" binding:"required"`
	Comment  string `json:"comment"`
}

// ParentDecision records the parent gate's decision.
func (h *Handler) ParentDecision(c *gin.Context) {
	var body decisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": outpass.KindValidation})
		return
	}
	req, err := h.svc.ParentDecision(c.Request.Context(), auth.PrincipalFrom(c), c.Param("id"), *body.Approved, body.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// AdminDecision records the final administrator decision.
func (h *Handler) AdminDecision(c *gin.Context) {
	var body decisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": outpass.KindValidation})
		return
	}
	req, err := h.svc.AdminDecision(c.Request.Context(), auth.PrincipalFrom(c), c.Param("id"), *body.Approved, body.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// RetrievePass returns the issued pass for an approved request.
func (h *Handler) RetrievePass(c *gin.Context) {
	p, err := h.svc.RetrievePass(c.Request.Context(), auth.PrincipalFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pass": p})
}

type returnBody struct {
	ReturnedAt time.Time `json:"returned_at" binding:"required"`
}

// RecordReturn lets an administrator record a return directly, bypassing the
// scan queue.
func (h *Handler) RecordReturn(c *gin.Context) {
	var body returnBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": outpass.KindValidation})
		return
	}
	req, err := h.svc.RecordReturn(c.Request.Context(), auth.PrincipalFrom(c), c.Param("id"), body.ReturnedAt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// RecordViolation files a new violation.
func (h *Handler) RecordViolation(c *gin.Context) {
	var nv outpass.NewViolation
	if err := c.ShouldBindJSON(&nv); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": outpass.KindValidation})
		return
	}
	v, err := h.svc.RecordViolation(c.Request.Context(), auth.PrincipalFrom(c), nv)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"violation": v})
}

// ListViolations returns the caller's visible violations.
func (h *Handler) ListViolations(c *gin.Context) {
	violations, err := h.svc.ListViolations(c.Request.Context(), auth.PrincipalFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if violations == nil {
		violations = []outpass.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{"violations": violations})
}

type resolveBody struct {
	Status     outpass.ViolationStatus `json:"status" binding:"required"`
	AdminNotes string                  `json:"admin_notes"`
}

// ResolveViolation moves an open violation to resolved or dismissed.
func (h *Handler) ResolveViolation(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": outpass.KindValidation})
		return
	}
	v, err := h.svc.ResolveViolation(c.Request.Context(), auth.PrincipalFrom(c), c.Param("id"), body.Status, body.AdminNotes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"violation": v})
}

// StudentStats returns the calling student's dashboard numbers.
func (h *Handler) StudentStats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context(), auth.PrincipalFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// AdminOverview returns month-to-date statistics.
func (h *Handler) AdminOverview(c *gin.Context) {
	overview, err := h.svc.AdminOverview(c.Request.Context(), auth.PrincipalFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

// AdminQueue returns parent-approved requests awaiting the administrator.
func (h *Handler) AdminQueue(c *gin.Context) {
	entries, err := h.svc.AdminQueue(c.Request.Context(), auth.PrincipalFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": entries})
}

type scanBody struct {
	Token     string    `json:"token" binding:"required"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Scan accepts a gate device's pass scan and queues it for the worker.
func (h *Handler) Scan(c *gin.Context) {
	var body scanBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": outpass.KindValidation})
		return
	}
	if body.ScannedAt.IsZero() {
		body.ScannedAt = time.Now().UTC()
	}
	msg, err := queue.NewScanMessage(queue.ScanEvent{
		GateID:    auth.PrincipalFrom(c).ID,
		Token:     body.Token,
		ScannedAt: body.ScannedAt,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan encode failed"})
		return
	}
	if err := h.q.Publish(c.Request.Context(), msg); err != nil {
		log.Printf("scan publish failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scan queue unavailable", "kind": outpass.KindDependency})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type gateRegisterBody struct {
	GateID string `json:"gate_id" binding:"required"`
}

// RegisterGate registers a gate device and issues its tokens.
func (h *Handler) RegisterGate(c *gin.Context) {
	var body gateRegisterBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": outpass.KindValidation})
		return
	}
	if err := h.svc.RegisterGate(c.Request.Context(), body.GateID); err != nil {
		writeError(c, err)
		return
	}
	tokens, err := auth.Issue(body.GateID, outpass.RoleGate, "", h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if err := h.svc.SaveGateRefresh(c.Request.Context(), body.GateID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		log.Printf("gate refresh token not saved: %v", err)
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// writeError maps a domain error kind to an HTTP status and a
// machine-readable body.
func writeError(c *gin.Context, err error) {
	kind := outpass.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case outpass.KindValidation:
		status = http.StatusBadRequest
	case outpass.KindAuthorization:
		status = http.StatusForbidden
	case outpass.KindInvalidState, outpass.KindNotReady:
		status = http.StatusConflict
	case outpass.KindNotFound:
		status = http.StatusNotFound
	case outpass.KindDependency:
		status = http.StatusBadGateway
	}

	body := gin.H{"error": err.Error(), "kind": kind}
	var domainErr *outpass.Error
	if errors.As(err, &domainErr) && len(domainErr.Fields) > 0 {
		body["fields"] = domainErr.Fields
	}
	if kind == outpass.KindDependency {
		log.Printf("dependency failure: %v", err)
		body["error"] = "upstream unavailable"
	}
	c.JSON(status, body)
}
