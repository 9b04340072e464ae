package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"voice-orchestrator/internal/auth"
	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/credits"
	"voice-orchestrator/internal/rbac"
	"voice-orchestrator/internal/usage"
	"voice-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallLister is the read side of the session registry.
type CallLister interface {
	List() []calls.ActiveCall
	ListTenant(tenantID int64) []calls.ActiveCall
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Calls   CallLister
	Usage   *usage.Service
	Credits *credits.Meter

	// DevLogin enables the credential-less login endpoint. Never in production.
	DevLogin bool

	Now func() time.Time
}

const defaultSummaryWindow = 30 * 24 * time.Hour

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	UserID   string `json:"user_id"`
	TenantID int64  `json:"tenant_id"`
	Role     string `json:"role"`
}

// Login issues a JWT token pair without checking credentials. Only wired
// outside production.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.TenantID <= 0 || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, tenant_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.TenantID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Calls ---

// ActiveCalls lists the caller's tenant's live calls. super_admin sees all.
func (h Handlers) ActiveCalls(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID, err := auth.TenantID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return
	}
	role, _ := auth.Role(ctx)

	var out []calls.ActiveCall
	if rbac.IsSuperAdmin(role) && c.Query("scope") != "tenant" {
		out = h.Calls.List()
	} else {
		out = h.Calls.ListTenant(tenantID)
	}
	if out == nil {
		out = []calls.ActiveCall{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "count": len(out)})
}

// --- Usage ---

// UsageSummary aggregates the tenant's usage over [from, to). Both bounds
// are RFC 3339; the window defaults to the last 30 days.
func (h Handlers) UsageSummary(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID, err := auth.TenantID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return
	}

	to := h.now().UTC()
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}
	from := to.Add(-defaultSummaryWindow)
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}

	sum, err := h.Usage.Summary(ctx, tenantID, from, to)
	if err != nil {
		if errors.Is(err, usage.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
			return
		}
		logger.FromGin(c).Error("usage summary failed", "tenant_id", tenantID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- Credits ---

type creditStateResponse struct {
	Channel   credits.Channel `json:"channel"`
	Enabled   bool            `json:"enabled"`
	Unlimited bool            `json:"unlimited"`
	Balance   *int64          `json:"balance"`
}

// CreditState returns the tenant's enablement and balance on one channel.
func (h Handlers) CreditState(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID, err := auth.TenantID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return
	}
	ch := credits.Channel(c.Param("channel"))
	if !ch.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown channel " + strconv.Quote(string(ch))})
		return
	}

	st, err := h.Credits.State(ctx, tenantID, ch)
	switch {
	case errors.Is(err, credits.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "channel not configured"})
		return
	case err != nil:
		logger.FromGin(c).Error("credit state failed", "tenant_id", tenantID, "channel", ch, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, creditStateResponse{
		Channel:   ch,
		Enabled:   st.Enabled,
		Unlimited: st.Unlimited(),
		Balance:   st.Balance,
	})
}
