package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"safety-core/internal/gateway"
	"safety-core/internal/protect"
	"safety-core/internal/safety"

	"github.com/gin-gonic/gin"
)

type createOrderRequest struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol" binding:"required,min=1"`
	Side       string  `json:"side" binding:"required,oneof=buy sell"`
	Quantity   float64 `json:"quantity" binding:"gt=0"`
	EntryPrice float64 `json:"entry_price" binding:"gt=0"`
	Pct        float64 `json:"pct"`
}

func (r createOrderRequest) position() protect.Position {
	return protect.Position{
		ID:         r.PositionID,
		Symbol:     r.Symbol,
		Side:       gateway.Side(r.Side),
		Quantity:   r.Quantity,
		EntryPrice: r.EntryPrice,
	}
}

type resetKillSwitchRequest struct {
	AdminOverride bool `json:"admin_override"`
}

type recordTradeResultRequest struct {
	PnL float64 `json:"pnl"`
}

type listTradesQuery struct {
	Limit int `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type startMonitorRequest struct {
	IntervalSeconds int `json:"interval_seconds"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// getSystemStatus reports runtime mode and configuration.
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"paper":         s.Meta.Paper,
		"symbols":       s.Meta.Symbols,
		"use_mock_feed": s.Meta.UseMockFeed,
		"version":       s.Meta.Version,
		"monitor":       s.Monitor.Status(),
		"kill_switch":   s.State.Snapshot().KillSwitchActive,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getSafetyStatus exposes the kill switch and loss counters together with
// the limits they are measured against.
func (s *Server) getSafetyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": s.State.Snapshot(),
		"limits": s.Validator.Limits(),
	})
}

// resetKillSwitch clears the kill switch. Requires both an admin token and
// an explicit admin_override flag in the body.
func (s *Server) resetKillSwitch(c *gin.Context) {
	var req resetKillSwitchRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}

	before := s.State.Snapshot()
	cleared, err := s.State.ResetKillSwitch(c.Request.Context(), req.AdminOverride)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "PERSISTENCE_FAILURE", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cleared":         cleared,
		"previous_reason": before.KillSwitchReason,
		"status":          s.State.Snapshot(),
	})
}

// updateLimits applies a partial limit update at runtime.
func (s *Server) updateLimits(c *gin.Context) {
	var req safety.LimitsUpdate
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	changed := s.Validator.UpdateLimits(req)
	c.JSON(http.StatusOK, gin.H{
		"updated": changed,
		"limits":  s.Validator.Limits(),
	})
}

// validateTrade runs the pre-trade gate. Rejections come back as data with
// HTTP 200; only malformed payloads are errors.
func (s *Server) validateTrade(c *gin.Context) {
	var intent safety.TradeIntent
	if err := c.BindJSON(&intent); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if intent.Symbol == "" || intent.Quantity <= 0 || intent.Price <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_INTENT", "symbol, quantity and price are required")
		return
	}
	c.JSON(http.StatusOK, s.Validator.Validate(c.Request.Context(), intent))
}

// recordTradeResult folds an externally executed trade's pnl into the
// safety counters.
func (s *Server) recordTradeResult(c *gin.Context) {
	var req recordTradeResultRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	if err := s.Validator.RecordTradeResult(c.Request.Context(), req.PnL); err != nil {
		respondError(c, http.StatusInternalServerError, "PERSISTENCE_FAILURE", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": s.State.Snapshot()})
}

func (s *Server) listTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.BindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	trades, err := s.DB.ListTrades(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) createStopLoss(c *gin.Context) {
	s.createProtective(c, s.Orders.CreateStopLoss)
}

func (s *Server) createTakeProfit(c *gin.Context) {
	s.createProtective(c, s.Orders.CreateTakeProfit)
}

func (s *Server) createTrailingStop(c *gin.Context) {
	s.createProtective(c, s.Orders.CreateTrailingStop)
}

func (s *Server) createProtective(c *gin.Context, create func(ctx context.Context, pos protect.Position, pct float64) (string, error)) {
	var req createOrderRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}

	id, err := create(c.Request.Context(), req.position(), req.Pct)
	if err != nil {
		if errors.Is(err, protect.ErrDuplicateOrder) {
			respondError(c, http.StatusConflict, "DUPLICATE_ORDER", err.Error())
			return
		}
		respondError(c, http.StatusBadRequest, "INVALID_ORDER", err.Error())
		return
	}
	order, _ := s.Orders.GetOrder(id)
	c.JSON(http.StatusCreated, gin.H{"order_id": id, "order": order})
}

func (s *Server) getActiveOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.Orders.ActiveOrders()})
}

func (s *Server) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	canceled, err := s.Orders.Cancel(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, protect.ErrUnknownOrder) {
			respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "PERSISTENCE_FAILURE", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "canceled": canceled})
}

// checkTriggers runs one diagnostic evaluation pass and returns the orders
// it triggered.
func (s *Server) checkTriggers(c *gin.Context) {
	triggered, err := s.Monitor.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusBadGateway, "PRICE_FEED_UNAVAILABLE", err.Error())
		return
	}
	if triggered == nil {
		triggered = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"triggered": triggered})
}

func (s *Server) startMonitor(c *gin.Context) {
	var req startMonitorRequest
	// empty body means "use the configured interval"
	_ = c.ShouldBindJSON(&req)
	s.Monitor.Start(time.Duration(req.IntervalSeconds) * time.Second)
	c.JSON(http.StatusOK, s.Monitor.Status())
}

func (s *Server) stopMonitor(c *gin.Context) {
	s.Monitor.Stop()
	c.JSON(http.StatusOK, s.Monitor.Status())
}

func (s *Server) getMonitorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Monitor.Status())
}
