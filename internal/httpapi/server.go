package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ai_trader/internal/decision"
	"ai_trader/internal/domain"
	"ai_trader/internal/ledger"
	"ai_trader/internal/scheduler"
	"ai_trader/internal/store"
)

type Handler struct {
	repo     store.Repository
	ledger   *ledger.Engine
	pipeline *decision.Pipeline
	agents   *scheduler.Scheduler
	timeout  time.Duration

	initialDemoBalance float64
	initialAIBalance   float64
}

func NewRouter(repo store.Repository, eng *ledger.Engine, pipeline *decision.Pipeline, agents *scheduler.Scheduler, timeoutSec int, initialDemoBalance, initialAIBalance float64) *gin.Engine {
	router := gin.Default()

	h := &Handler{
		repo:               repo,
		ledger:             eng,
		pipeline:           pipeline,
		agents:             agents,
		timeout:            time.Duration(timeoutSec) * time.Second,
		initialDemoBalance: initialDemoBalance,
		initialAIBalance:   initialAIBalance,
	}

	v1 := router.Group("/api/v1")
	v1.GET("/health", h.health)

	// 用户身份由上游代理解析后写入 X-User-ID
	authed := v1.Group("", h.identify)

	demo := authed.Group("/demo")
	{
		demo.GET("/account", h.demoAccount)
		demo.GET("/trades", h.demoTrades)
		demo.GET("/performance", h.demoPerformance)
		demo.POST("/order", h.placeOrder)
		demo.POST("/futures-order", h.placeFuturesOrder)
		demo.POST("/futures-close", h.closeFuturesPosition)
		demo.GET("/futures-account", h.futuresAccount)
		demo.GET("/futures-trades", h.futuresTrades)
		demo.GET("/futures-performance", h.futuresPerformance)
		demo.POST("/futures-performance/reset", h.resetFuturesPerformance)
	}

	ai := authed.Group("/ai")
	{
		ai.GET("/models", h.listModels)
		ai.GET("/balance", h.aiBalance)
		ai.POST("/chat", h.chat)
		ai.POST("/agent/analyze", h.agentAnalyze)
		ai.POST("/agent/start", h.agentStart)
		ai.POST("/agent/stop", h.agentStop)
		ai.GET("/agent/status", h.agentStatus)
		ai.GET("/agent/analyses/:id", h.getAnalysis)
	}

	return router
}

// identify 解析用户身份，首次访问按初始余额开户
func (h *Handler) identify(c *gin.Context) {
	raw := strings.TrimSpace(c.GetHeader("X-User-ID"))
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-User-ID"})
		return
	}

	if _, err := h.repo.EnsureUser(c.Request.Context(), userID, h.initialDemoBalance, h.initialAIBalance); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Set("userID", userID)
	c.Next()
}

func userID(c *gin.Context) int64 {
	return c.GetInt64("userID")
}

// writeError 把领域错误映射到状态码
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInsufficientMargin):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrConfigurationMissing):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// --- 模拟现货 ---

func (h *Handler) demoAccount(c *gin.Context) {
	account, err := h.ledger.SpotAccount(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) demoTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
	trades, err := h.repo.ListSpotTrades(c.Request.Context(), userID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (h *Handler) demoPerformance(c *gin.Context) {
	perf, err := h.ledger.SpotPerformance(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, perf)
}

type orderRequest struct {
	Side          string  `json:"side"`
	Symbol        string  `json:"symbol"`
	QuoteOrderQty float64 `json:"quote_order_qty"`
	Quantity      float64 `json:"quantity"`
}

func (h *Handler) placeOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	side := domain.SpotSide(strings.ToUpper(req.Side))
	if side != domain.SpotBuy && side != domain.SpotSell {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be BUY or SELL"})
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	trade, err := h.ledger.PlaceSpotOrder(c.Request.Context(), userID(c), side, strings.ToUpper(req.Symbol), req.QuoteOrderQty, req.Quantity, "manual")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "trade": trade})
}

// --- 模拟合约 ---

type futuresOrderRequest struct {
	Side       string  `json:"side"`
	Symbol     string  `json:"symbol"`
	MarginUSDT float64 `json:"margin_usdt"`
	Leverage   int     `json:"leverage"`
}

func (h *Handler) placeFuturesOrder(c *gin.Context) {
	var req futuresOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	side := domain.FuturesSide(strings.ToUpper(req.Side))
	if side != domain.FuturesLong && side != domain.FuturesShort {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be LONG or SHORT"})
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	if req.MarginUSDT <= 0 {
		req.MarginUSDT = 100
	}
	if req.Leverage <= 0 {
		req.Leverage = 10
	}

	pos, err := h.ledger.PlaceFuturesOrder(c.Request.Context(), userID(c), side, strings.ToUpper(req.Symbol), req.MarginUSDT, req.Leverage)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "position": pos})
}

type futuresCloseRequest struct {
	PositionID string `json:"position_id"`
}

func (h *Handler) closeFuturesPosition(c *gin.Context) {
	var req futuresCloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trade, err := h.ledger.CloseFuturesPosition(c.Request.Context(), userID(c), req.PositionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"pnl":        trade.PnL,
		"commission": trade.Commission,
	})
}

func (h *Handler) futuresAccount(c *gin.Context) {
	account, err := h.ledger.FuturesAccount(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *Handler) futuresTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trades, err := h.repo.ListFuturesTrades(c.Request.Context(), userID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (h *Handler) futuresPerformance(c *gin.Context) {
	perf, err := h.ledger.FuturesPerformance(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, perf)
}

func (h *Handler) resetFuturesPerformance(c *gin.Context) {
	if err := h.ledger.ResetFuturesPerformance(c.Request.Context(), userID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- AI ---

func (h *Handler) listModels(c *gin.Context) {
	models := make([]gin.H, 0, len(decision.Registry))
	for id, info := range decision.Registry {
		models = append(models, gin.H{"id": id, "label": id, "provider": info.Provider})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (h *Handler) aiBalance(c *gin.Context) {
	user, err := h.repo.GetUser(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": user.BalanceUSD})
}

type chatRequest struct {
	Messages []decision.ChatMessage `json:"messages"`
	Model    string                 `json:"model"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	content, err := h.pipeline.Chat(ctx, userID(c), req.Messages, req.Model)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": content})
}

type analyzeRequest struct {
	ImageBase64  string `json:"image_base64"`
	Symbol       string `json:"symbol"`
	Interval     string `json:"interval"`
	Strategy     string `json:"strategy"`
	CustomPrompt string `json:"custom_prompt"`
	MarketType   string `json:"market_type"`
	Model        string `json:"model"`
}

func (h *Handler) agentAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Symbol == "" {
		req.Symbol = "BTCUSDT"
	}
	if req.Interval == "" {
		req.Interval = "1m"
	}
	marketType := domain.MarketType(req.MarketType)
	if marketType != domain.MarketFutures {
		marketType = domain.MarketSpot
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	result := h.pipeline.Analyze(ctx, decision.AnalyzeRequest{
		UserID:       userID(c),
		ImageBase64:  req.ImageBase64,
		Symbol:       strings.ToUpper(req.Symbol),
		Interval:     req.Interval,
		Strategy:     domain.Strategy(req.Strategy),
		CustomPrompt: req.CustomPrompt,
		MarketType:   marketType,
		Model:        req.Model,
	})
	c.JSON(http.StatusOK, result)
}

type agentStartRequest struct {
	Symbol              string  `json:"symbol"`
	Interval            string  `json:"interval"`
	Strategy            string  `json:"strategy"`
	CustomPrompt        string  `json:"custom_prompt"`
	MarketType          string  `json:"market_type"`
	TradeEnabled        bool    `json:"trade_enabled"`
	OrderAmount         float64 `json:"order_amount"`
	OrderAmountMode     string  `json:"order_amount_mode"`
	MaxOpenPositions    int     `json:"max_open_positions"`
	SingleTradeIfMax    *bool   `json:"single_trade_if_max"`
	MinTradeIntervalSec int     `json:"min_trade_interval_sec"`
	Leverage            int     `json:"leverage"`
	IntervalSec         int     `json:"interval_sec"`
	Model               string  `json:"model"`
}

func (h *Handler) agentStart(c *gin.Context) {
	var req agentStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	singleTrade := true
	if req.SingleTradeIfMax != nil {
		singleTrade = *req.SingleTradeIfMax
	}

	err := h.agents.StartJob(c.Request.Context(), userID(c), domain.AgentJob{
		Symbol:              req.Symbol,
		Interval:            req.Interval,
		Strategy:            domain.Strategy(req.Strategy),
		CustomPrompt:        req.CustomPrompt,
		MarketType:          domain.MarketType(req.MarketType),
		TradeEnabled:        req.TradeEnabled,
		OrderAmount:         req.OrderAmount,
		OrderAmountMode:     domain.SizeMode(req.OrderAmountMode),
		MaxOpenPositions:    req.MaxOpenPositions,
		SingleTradeIfMax:    singleTrade,
		MinTradeIntervalSec: req.MinTradeIntervalSec,
		Leverage:            req.Leverage,
		IntervalSec:         req.IntervalSec,
		Model:               req.Model,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "Agent started in background. It continues running even if you leave the page."})
}

func (h *Handler) agentStop(c *gin.Context) {
	if err := h.agents.StopJob(c.Request.Context(), userID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "Agent stopped."})
}

func (h *Handler) agentStatus(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	job, err := h.repo.GetAgentJob(ctx, uid)
	if err != nil {
		writeError(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusOK, gin.H{"is_running": false, "job": nil, "logs": []any{}})
		return
	}

	logs, err := h.repo.ListAgentLogs(ctx, uid, 100)
	if err != nil {
		writeError(c, err)
		return
	}
	lastAnalysis, err := h.repo.LatestAnalysis(ctx, uid)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"is_running":    job.IsRunning,
		"job":           job,
		"logs":          logs,
		"last_analysis": lastAnalysis,
	})
}

func (h *Handler) getAnalysis(c *gin.Context) {
	analysis, err := h.repo.GetAnalysis(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if analysis.UserID != userID(c) {
		writeError(c, domain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, analysis)
}
