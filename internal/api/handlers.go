package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"exchange-api-governor/internal/auth"
	"exchange-api-governor/internal/governor"
)

type loginRequest struct {
	Operator string `json:"operator" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator and password are required"})
		return
	}

	if req.Operator != s.config.OperatorName {
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrInvalidCredentials.Error()})
		return
	}
	if err := auth.CheckPassword(s.config.PasswordBcrypt, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	token, err := s.jwtManager.Generate(req.Operator)
	if err != nil {
		s.log.Error().Err(err).Msg("token generation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "operator": req.Operator})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.gov.Status())
}

func (s *Server) handleGetBalance(c *gin.Context) {
	asset := c.Param("asset")

	snap, err := s.gov.GetBalance(asset)
	if err != nil {
		if errors.Is(err, governor.ErrNoSnapshot) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for asset", "asset": asset})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRefreshBalance(c *gin.Context) {
	asset := c.Param("asset")

	ctx, cancel := s.requestContext(c, 30*time.Second)
	defer cancel()

	snap, err := s.gov.ForceRefresh(ctx, asset)
	if err != nil {
		status := http.StatusBadGateway
		switch governor.CodeOf(err) {
		case governor.CodeBudgetExceeded:
			status = http.StatusTooManyRequests
		case governor.CodeBreakerOpen:
			status = http.StatusServiceUnavailable
		case governor.CodeExpired, governor.CodeCanceled:
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": err.Error(), "code": string(governor.CodeOf(err))})
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleHistory(c *gin.Context) {
	asset := c.Param("asset")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	entries := s.gov.History().Recent(asset, limit)

	resp := gin.H{"asset": asset, "entries": entries}
	if raw := c.Query("trend_window"); raw != "" {
		if window, err := time.ParseDuration(raw); err == nil && window > 0 {
			resp["trend_delta"] = s.gov.History().TrendDelta(asset, window, time.Now())
			resp["trend_window"] = window.String()
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	operator := c.GetString(auth.ContextKeyOperator)
	s.gov.ResetBreaker()
	s.log.Warn().Str("operator", operator).Msg("breaker force-reset via admin API")

	c.JSON(http.StatusOK, gin.H{"status": "reset", "breaker_state": s.gov.Status().BreakerState})
}

func (s *Server) requestContext(c *gin.Context, timeout time.Duration) (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), timeout)
}
