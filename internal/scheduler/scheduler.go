package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"ai_trader/internal/chart"
	"ai_trader/internal/decision"
	"ai_trader/internal/domain"
	"ai_trader/internal/market"
	"ai_trader/internal/store"
)

// Analyzer 决策流水线依赖
type Analyzer interface {
	Analyze(ctx context.Context, req decision.AnalyzeRequest) decision.Result
}

// OrderPlacer 账本下单依赖
type OrderPlacer interface {
	PlaceSpotOrder(ctx context.Context, userID int64, side domain.SpotSide, symbol string, quoteAmount, quantity float64, source string) (domain.SpotTrade, error)
	PlaceFuturesOrder(ctx context.Context, userID int64, side domain.FuturesSide, symbol string, margin float64, leverage int) (domain.FuturesPosition, error)
}

// Scheduler 后台轮询所有运行中的代理任务。每个任务有自己的执行节奏
// （interval_sec），轮询本身固定间隔扫表。
type Scheduler struct {
	repo     store.Repository
	klines   market.KlineSource
	pipeline Analyzer
	orders   OrderPlacer

	tick         time.Duration
	cycleTimeout time.Duration
	render       func([]market.Kline) (string, error)

	stop chan struct{}
	done chan struct{}
}

func New(repo store.Repository, klines market.KlineSource, pipeline Analyzer, orders OrderPlacer, tickSec, cycleTimeoutSec int) *Scheduler {
	if tickSec <= 0 {
		tickSec = 5
	}
	if cycleTimeoutSec <= 0 {
		cycleTimeoutSec = 300
	}
	return &Scheduler{
		repo:         repo,
		klines:       klines,
		pipeline:     pipeline,
		orders:       orders,
		tick:         time.Duration(tickSec) * time.Second,
		cycleTimeout: time.Duration(cycleTimeoutSec) * time.Second,
		render:       chart.RenderBase64,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start 启动调度循环（非阻塞，在后台 goroutine 运行）
func (s *Scheduler) Start() {
	log.Printf("[调度器] 已启动 扫描间隔=%s", s.tick)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runDueJobs()
			case <-s.stop:
				log.Println("[调度器] 已停止")
				return
			}
		}
	}()
}

// Stop 发出停止信号并等待循环退出，返回时不再有周期执行
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) runDueJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), s.tick)
	jobs, err := s.repo.ListRunningJobs(ctx)
	cancel()
	if err != nil {
		log.Printf("[调度器] 查询运行中任务失败: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if !jobDue(job, now) {
			continue
		}
		s.runCycle(job)
	}
}

// jobDue 从未执行过的任务立即到期，否则看距上次执行是否超过 interval_sec
func jobDue(job domain.AgentJob, now time.Time) bool {
	if job.LastRunAt == nil {
		return true
	}
	sec := job.IntervalSec
	if sec <= 0 {
		sec = 60
	}
	return now.Sub(*job.LastRunAt) >= time.Duration(sec)*time.Second
}

// runCycle 单用户一个周期：取K线 → 渲染图表 → 模型分析 → 记录结果 →
// 守护规则校验后由账本下单。任何一步失败只记日志，绝不中断调度循环。
func (s *Scheduler) runCycle(job domain.AgentJob) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cycleTimeout)
	defer cancel()

	userID := job.UserID
	symbol := strings.ToUpper(job.Symbol)
	if symbol == "" {
		symbol = "BTCUSDT"
	}
	interval := job.Interval
	if interval == "" {
		interval = "1m"
	}

	klines, err := s.klines.FetchKlines(ctx, symbol, interval, 100)
	if err != nil {
		s.appendLog(ctx, userID, fmt.Sprintf("Failed to fetch chart: %v", err), "", "log")
		return
	}
	imageB64, err := s.render(klines)
	if err != nil {
		s.appendLog(ctx, userID, fmt.Sprintf("Failed to fetch chart: %v", err), "", "log")
		return
	}

	modelID := decision.ResolveModel(strings.TrimSpace(job.Model))
	s.appendLog(ctx, userID, fmt.Sprintf("AI request sent (%s / %s, %s).", symbol, interval, modelID), "", "log")

	result := s.pipeline.Analyze(ctx, decision.AnalyzeRequest{
		UserID:       userID,
		ImageBase64:  imageB64,
		Symbol:       symbol,
		Interval:     interval,
		Strategy:     job.Strategy,
		CustomPrompt: job.CustomPrompt,
		MarketType:   job.MarketType,
		Model:        modelID,
	})

	var msg string
	switch {
	case result.AnalysisID == "" && result.AnalysisText == "":
		msg = "AI response could not be retrieved."
	case result.Action == domain.ActionBuy:
		msg = "Suggestion: Buy"
	case result.Action == domain.ActionSell:
		msg = "Suggestion: Sell"
	default:
		msg = "Suggestion: Hold"
	}
	s.appendLog(ctx, userID, msg, result.AnalysisID, "result")

	if err := s.repo.UpdateJobLastRun(ctx, userID, time.Now().UTC()); err != nil {
		log.Printf("[调度器] 用户 %d 更新 last_run_at 失败: %v", userID, err)
	}

	if result.Action != domain.ActionBuy && result.Action != domain.ActionSell {
		return
	}
	if !job.TradeEnabled {
		s.appendLog(ctx, userID, "Trading mode is off: order not sent.", "", "log")
		return
	}

	s.placeOrder(ctx, job, symbol, result.Action)
}

// placeOrder 应用守护规则后执行下单。守护触发只是日志，不是错误。
func (s *Scheduler) placeOrder(ctx context.Context, job domain.AgentJob, symbol string, action domain.Action) {
	userID := job.UserID
	orderMode := job.OrderAmountMode
	if orderMode != domain.SizeMax {
		orderMode = domain.SizeFixed
	}

	if orderMode == domain.SizeMax && job.SingleTradeIfMax && job.MaxModeUsed {
		s.appendLog(ctx, userID, "Maximum mode single-trade rule: no new order was sent.", "", "log")
		return
	}

	amount := job.OrderAmount
	if amount <= 0 {
		amount = 100
	}

	var err error
	if job.MarketType == domain.MarketFutures {
		side := domain.FuturesLong
		if action == domain.ActionSell {
			side = domain.FuturesShort
		}

		maxOpen := clampInt(job.MaxOpenPositions, 1, 50)
		count, cErr := s.repo.CountFuturesPositions(ctx, userID, symbol, side)
		if cErr != nil {
			s.appendLog(ctx, userID, fmt.Sprintf("Trade failed: %v", cErr), "", "log")
			return
		}
		if count >= maxOpen {
			s.appendLog(ctx, userID, fmt.Sprintf("Limit: maximum open %s positions (%d) reached.", side, maxOpen), "", "log")
			return
		}

		if minSec := clampInt(job.MinTradeIntervalSec, 0, 86400); minSec > 0 {
			last, lErr := s.repo.LatestFuturesPositionTime(ctx, userID, symbol, side)
			if lErr == nil && last != nil {
				elapsed := int(time.Since(*last).Seconds())
				if elapsed < minSec {
					s.appendLog(ctx, userID,
						fmt.Sprintf("Limit: waiting %ds before a new order in the same direction.", minSec-elapsed), "", "log")
					return
				}
			}
		}

		if orderMode == domain.SizeMax {
			balance, ok := s.demoBalance(ctx, userID)
			if !ok || balance <= 0 {
				s.appendLog(ctx, userID, "Maximum mode: no available balance.", "", "log")
				return
			}
			amount = balance
		}

		_, err = s.orders.PlaceFuturesOrder(ctx, userID, side, symbol, amount, job.Leverage)
		if err == nil {
			s.afterTrade(ctx, job, string(side))
		}
	} else {
		if orderMode == domain.SizeMax && action == domain.ActionBuy {
			balance, ok := s.demoBalance(ctx, userID)
			if !ok || balance <= 0 {
				s.appendLog(ctx, userID, "Maximum mode: no available balance.", "", "log")
				return
			}
			amount = balance
		}

		if action == domain.ActionBuy {
			_, err = s.orders.PlaceSpotOrder(ctx, userID, domain.SpotBuy, symbol, amount, 0, "agent")
		} else {
			// 卖出全量持仓
			_, err = s.orders.PlaceSpotOrder(ctx, userID, domain.SpotSell, symbol, 0, 0, "agent")
		}
		if err == nil {
			s.afterTrade(ctx, job, string(action))
		}
	}

	if err != nil {
		s.appendLog(ctx, userID, fmt.Sprintf("Trade failed: %v", err), "", "log")
	}
}

func (s *Scheduler) afterTrade(ctx context.Context, job domain.AgentJob, label string) {
	if job.OrderAmountMode == domain.SizeMax && job.SingleTradeIfMax {
		if err := s.repo.MarkMaxModeUsed(ctx, job.UserID); err != nil {
			log.Printf("[调度器] 用户 %d 标记 max_mode_used 失败: %v", job.UserID, err)
		}
	}
	s.appendLog(ctx, job.UserID, "Trade executed: "+label, "", "log")
}

func (s *Scheduler) demoBalance(ctx context.Context, userID int64) (float64, bool) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return 0, false
	}
	return user.DemoBalance, true
}

// StartJob 整条覆盖任务配置并置为运行中；max 模式一次性标记同时复位
func (s *Scheduler) StartJob(ctx context.Context, userID int64, job domain.AgentJob) error {
	now := time.Now().UTC()

	job.UserID = userID
	job.IsRunning = true
	job.MaxModeUsed = false
	job.Symbol = strings.ToUpper(strings.TrimSpace(job.Symbol))
	if job.Symbol == "" {
		job.Symbol = "BTCUSDT"
	}
	if job.Interval == "" {
		job.Interval = "1m"
	}
	if _, ok := map[domain.Strategy]bool{
		domain.StrategyAggressive: true,
		domain.StrategyPassive:    true,
		domain.StrategyLongTerm:   true,
		domain.StrategyShortTerm:  true,
	}[job.Strategy]; !ok {
		job.Strategy = domain.StrategyShortTerm
	}
	if job.MarketType != domain.MarketFutures {
		job.MarketType = domain.MarketSpot
	}
	if job.OrderAmountMode != domain.SizeMax {
		job.OrderAmountMode = domain.SizeFixed
	}
	if job.OrderAmount <= 0 {
		job.OrderAmount = 100
	}
	job.MaxOpenPositions = clampInt(job.MaxOpenPositions, 1, 50)
	job.MinTradeIntervalSec = clampInt(job.MinTradeIntervalSec, 0, 86400)
	job.IntervalSec = clampInt(job.IntervalSec, 5, 3600)
	if job.Leverage <= 0 {
		job.Leverage = 10
	}
	job.Model = decision.ResolveModel(strings.TrimSpace(job.Model))
	job.StartedAt = &now
	job.LastRunAt = nil

	if err := s.repo.UpsertAgentJob(ctx, job); err != nil {
		return err
	}
	s.appendLog(ctx, userID, "Agent started in background.", "", "log")
	log.Printf("[调度器] 用户 %d 任务启动 %s/%s 每 %ds", userID, job.Symbol, job.Interval, job.IntervalSec)
	return nil
}

// StopJob 只翻运行标记，配置保留以便下次启动
func (s *Scheduler) StopJob(ctx context.Context, userID int64) error {
	if err := s.repo.SetJobRunning(ctx, userID, false); err != nil {
		return err
	}
	s.appendLog(ctx, userID, "Agent stopped.", "", "log")
	log.Printf("[调度器] 用户 %d 任务停止", userID)
	return nil
}

func (s *Scheduler) appendLog(ctx context.Context, userID int64, message, analysisID, logType string) {
	err := s.repo.InsertAgentLog(ctx, domain.AgentLog{
		UserID:     userID,
		Message:    message,
		AnalysisID: analysisID,
		LogType:    logType,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[调度器] 用户 %d 写入日志失败: %v", userID, err)
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
