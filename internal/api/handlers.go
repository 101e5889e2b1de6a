package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/packlane/packlane/internal/idgen"
	"github.com/packlane/packlane/internal/logging"
	"github.com/packlane/packlane/internal/money"
	"github.com/packlane/packlane/internal/pagination"
	"github.com/packlane/packlane/internal/run"
	"github.com/packlane/packlane/internal/submit"
	"github.com/packlane/packlane/internal/tenant"
	"github.com/packlane/packlane/internal/validation"
)

// runResponse is the wire shape of a run. Money fields are 4-decimal
// strings, never floats.
type runResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	MoneyState string `json:"money_state"`

	MaxCost    string  `json:"max_cost"`
	ActualCost *string `json:"actual_cost,omitempty"`
	MinimumFee string  `json:"minimum_fee"`

	ResultAvailable bool   `json:"result_available"`
	ReasonCode      string `json:"reason_code,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toRunResponse(r *run.Run) runResponse {
	resp := runResponse{
		ID:              r.ID,
		Status:          string(r.Status),
		MoneyState:      string(r.MoneyState),
		MaxCost:         money.Format(r.ReservationMaxCost),
		MinimumFee:      money.Format(r.MinimumFee),
		ResultAvailable: r.Status == run.StatusCompleted && r.ResultKey != "",
		ReasonCode:      r.LastErrorReasonCode,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.ActualCost != nil {
		s := money.Format(*r.ActualCost)
		resp.ActualCost = &s
	}
	return resp
}

type createRunRequest struct {
	PackSpec json.RawMessage `json:"pack_spec" binding:"required"`
	MaxCost  string          `json:"max_cost" binding:"required"`
}

// createRun handles POST /v1/runs. Requires an Idempotency-Key header;
// resubmitting the same key with the same payload replays the original run.
func (s *Server) createRun(c *gin.Context) {
	ten := currentTenant(c)

	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("max_cost", req.MaxCost),
		validation.ValidAmount("max_cost", req.MaxCost),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"details": errs,
		})
		return
	}

	maxCost, err := money.Parse(req.MaxCost)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "max_cost: " + err.Error(),
		})
		return
	}

	var pack struct {
		PackType string `json:"pack_type"`
	}
	if err := json.Unmarshal(req.PackSpec, &pack); err != nil || pack.PackType == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "pack_spec: pack_type is required",
		})
		return
	}

	if err := ten.EnforcePlan(pack.PackType, maxCost); err != nil {
		switch {
		case errors.Is(err, tenant.ErrPackTypeNotAllowed):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "pack_type_not_allowed",
				"message": err.Error(),
			})
		case errors.Is(err, tenant.ErrPlanCostExceeded):
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "plan_limit_exceeded",
				"message": err.Error(),
			})
		default:
			logging.L(c.Request.Context()).Error("plan check failed", "tenant_id", ten.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	// Per-tenant submit rate on top of the per-client middleware limiter.
	if !s.rateLimiter.AllowRate("submit:"+ten.ID, ten.PlanTier().Limits().SubmitPerMinute) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "submit rate for the " + string(ten.PlanTier()) + " plan exceeded",
			"retry_after": 1,
		})
		return
	}

	r, replayed, err := s.submit.Submit(c.Request.Context(), submit.Request{
		TenantID:       ten.ID,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		PackSpec:       string(req.PackSpec),
		MaxCost:        maxCost,
	})
	if err != nil {
		switch {
		case errors.Is(err, submit.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		case errors.Is(err, submit.ErrBudgetExceeded):
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "budget_exceeded",
				"message": "insufficient balance to reserve max_cost",
			})
		case errors.Is(err, run.ErrIdempotencyConflict):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "idempotency_conflict",
				"message": "idempotency key was already used with a different payload",
			})
		default:
			logging.L(c.Request.Context()).Error("submit failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	code := http.StatusAccepted
	if replayed {
		code = http.StatusOK
	}
	c.JSON(code, toRunResponse(r))
}

// getRun handles GET /v1/runs/:id.
func (s *Server) getRun(c *gin.Context) {
	r, ok := s.loadOwnedRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toRunResponse(r))
}

// getRunResult handles GET /v1/runs/:id/result. Only COMPLETED runs have a
// result; the response carries a short-lived presigned download URL.
func (s *Server) getRunResult(c *gin.Context) {
	r, ok := s.loadOwnedRun(c)
	if !ok {
		return
	}

	if r.Status != run.StatusCompleted || r.ResultKey == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "result_unavailable",
			"status":  string(r.Status),
			"message": "result exists only for completed runs",
		})
		return
	}

	url, expires, err := s.objects.Presign(c.Request.Context(), r.ResultKey, resultURLTTL)
	if err != nil {
		logging.L(c.Request.Context()).Error("presign failed", "run_id", r.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":      r.ID,
		"url":         url,
		"expires_at":  expires,
		"result_hash": r.ResultHash,
	})
}

// getBalance handles GET /v1/balance.
func (s *Server) getBalance(c *gin.Context) {
	ten := currentTenant(c)

	balance, err := s.budget.Balance(c.Request.Context(), ten.ID)
	if err != nil {
		logging.L(c.Request.Context()).Error("balance lookup failed", "tenant_id", ten.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant_id":  ten.ID,
		"balance":    money.Format(balance),
		"soft_limit": money.Format(ten.SoftLimit),
	})
}

// getUsage handles GET /v1/usage. Rollups are computed from the runs log at
// query time; there is no separate metering table to drift from it.
func (s *Server) getUsage(c *gin.Context) {
	ten := currentTenant(c)

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -29)
	to := now
	if v := c.Query("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from: want YYYY-MM-DD"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to: want YYYY-MM-DD"})
			return
		}
		to = t
	}
	if from.After(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from is after to"})
		return
	}

	days, err := s.runs.UsageDaily(c.Request.Context(), ten.ID, from, to)
	if err != nil {
		logging.L(c.Request.Context()).Error("usage query failed", "tenant_id", ten.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	out := make([]gin.H, 0, len(days))
	for _, d := range days {
		out = append(out, gin.H{
			"date":          d.Date.Format("2006-01-02"),
			"runs":          d.Runs,
			"completed":     d.Completed,
			"failed":        d.Failed,
			"settled_cost":  money.Format(d.SettledCost),
			"reserved_cost": money.Format(d.ReservedCost),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_id": ten.ID,
		"days":      out,
	})
}

// loadOwnedRun fetches the :id run and enforces tenant ownership. Runs
// belonging to other tenants are reported as not found.
func (s *Server) loadOwnedRun(c *gin.Context) (*run.Run, bool) {
	ten := currentTenant(c)
	id := c.Param("id")

	r, err := s.runs.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return nil, false
		}
		logging.L(c.Request.Context()).Error("run lookup failed", "run_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return nil, false
	}
	if r.TenantID != ten.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return nil, false
	}
	return r, true
}

type createTenantRequest struct {
	Name           string `json:"name" binding:"required"`
	Tier           string `json:"tier"`
	InitialBalance string `json:"initial_balance"`
	SoftLimit      string `json:"soft_limit"`
}

// createTenant handles POST /admin/tenants. The plaintext API key appears
// only in this response; the store keeps just its hash.
func (s *Server) createTenant(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	name := validation.SanitizeString(req.Name, 128)
	if errs := validation.Validate(
		validation.Required("name", name),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": errs})
		return
	}

	tier := tenant.TierFree
	if req.Tier != "" {
		tier = tenant.Tier(req.Tier)
		if !tier.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tier: must be free, pro, or enterprise"})
			return
		}
	}

	balance, err := parseOptionalAmount(req.InitialBalance)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "initial_balance: " + err.Error()})
		return
	}
	softLimit, err := parseOptionalAmount(req.SoftLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "soft_limit: " + err.Error()})
		return
	}

	apiKey := idgen.WithPrefix("pk_live_")
	now := time.Now().UTC()
	ten := &tenant.Tenant{
		ID:         idgen.WithPrefix("ten_"),
		Name:       name,
		APIKeyHash: tenant.HashAPIKey(apiKey),
		Status:     tenant.StatusActive,
		Tier:       tier,
		SoftLimit:  softLimit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	ctx := c.Request.Context()
	if err := s.tenants.Create(ctx, ten); err != nil {
		if errors.Is(err, tenant.ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "name_taken"})
			return
		}
		logging.L(ctx).Error("tenant create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	if err := s.budget.SetBalance(ctx, ten.ID, balance); err != nil {
		logging.L(ctx).Error("balance seed failed", "tenant_id", ten.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if err := s.budget.SetSoftLimit(ctx, ten.ID, softLimit); err != nil {
		logging.L(ctx).Error("soft limit seed failed", "tenant_id", ten.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         ten.ID,
		"name":       ten.Name,
		"api_key":    apiKey,
		"status":     string(ten.Status),
		"tier":       string(ten.Tier),
		"balance":    money.Format(balance),
		"soft_limit": money.Format(softLimit),
		"created_at": ten.CreatedAt,
	})
}

// listTenants handles GET /admin/tenants with cursor pagination.
func (s *Server) listTenants(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be 1-1000"})
			return
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}
	var afterCreated time.Time
	var afterID string
	if cursor != nil {
		afterCreated = cursor.CreatedAt
		afterID = cursor.ID
	}

	tenants, err := s.tenants.List(c.Request.Context(), afterCreated, afterID, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("tenant list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	tenants, next, more := pagination.ComputePage(tenants, limit, func(t *tenant.Tenant) (time.Time, string) {
		return t.CreatedAt, t.ID
	})

	out := make([]gin.H, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, gin.H{
			"id":         t.ID,
			"name":       t.Name,
			"status":     string(t.Status),
			"tier":       string(t.PlanTier()),
			"soft_limit": money.Format(t.SoftLimit),
			"created_at": t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"tenants":     out,
		"next_cursor": next,
		"has_more":    more,
	})
}

type setBalanceRequest struct {
	Balance string `json:"balance" binding:"required"`
}

// setTenantBalance handles POST /admin/tenants/:id/balance.
func (s *Server) setTenantBalance(c *gin.Context) {
	var req setBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	balance, err := money.Parse(req.Balance)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "balance: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	ten, err := s.tenants.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		logging.L(ctx).Error("tenant lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	if err := s.budget.SetBalance(ctx, ten.ID, balance); err != nil {
		logging.L(ctx).Error("balance set failed", "tenant_id", ten.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant_id": ten.ID,
		"balance":   money.Format(balance),
	})
}

func parseOptionalAmount(s string) (money.Micros, error) {
	if s == "" {
		return 0, nil
	}
	return money.Parse(s)
}
