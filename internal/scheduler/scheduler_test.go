package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"ai_trader/internal/decision"
	"ai_trader/internal/domain"
	"ai_trader/internal/market"
	"ai_trader/internal/store"
)

type fakeAnalyzer struct {
	result  decision.Result
	calls   int
	lastReq decision.AnalyzeRequest
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req decision.AnalyzeRequest) decision.Result {
	f.calls++
	f.lastReq = req
	return f.result
}

type spotCall struct {
	side        domain.SpotSide
	symbol      string
	quoteAmount float64
	quantity    float64
	source      string
}

type futuresCall struct {
	side     domain.FuturesSide
	symbol   string
	margin   float64
	leverage int
}

type fakeOrders struct {
	err     error
	spot    []spotCall
	futures []futuresCall
}

func (f *fakeOrders) PlaceSpotOrder(ctx context.Context, userID int64, side domain.SpotSide, symbol string, quoteAmount, quantity float64, source string) (domain.SpotTrade, error) {
	if f.err != nil {
		return domain.SpotTrade{}, f.err
	}
	f.spot = append(f.spot, spotCall{side, symbol, quoteAmount, quantity, source})
	return domain.SpotTrade{ID: uuid.NewString(), UserID: userID, Side: side, Symbol: symbol}, nil
}

func (f *fakeOrders) PlaceFuturesOrder(ctx context.Context, userID int64, side domain.FuturesSide, symbol string, margin float64, leverage int) (domain.FuturesPosition, error) {
	if f.err != nil {
		return domain.FuturesPosition{}, f.err
	}
	f.futures = append(f.futures, futuresCall{side, symbol, margin, leverage})
	return domain.FuturesPosition{ID: uuid.NewString(), UserID: userID, Side: side, Symbol: symbol}, nil
}

type fakeKlines struct {
	err   error
	calls int
}

func (f *fakeKlines) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	klines := make([]market.Kline, 0, 10)
	for i := 0; i < 10; i++ {
		open := 100 + float64(i)
		klines = append(klines, market.Kline{
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			Open:      open,
			High:      open + 2,
			Low:       open - 2,
			Close:     open + 1,
			Volume:    10,
			CloseTime: base.Add(time.Duration(i+1) * time.Minute),
		})
	}
	return klines, nil
}

func newTestScheduler(t *testing.T, analyzer *fakeAnalyzer, orders *fakeOrders, klines *fakeKlines) (*Scheduler, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("打开内存数据库: %v", err)
	}
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("初始化表结构: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return New(repo, klines, analyzer, orders, 5, 60), repo
}

func logMessages(t *testing.T, repo store.Repository, userID int64) []string {
	t.Helper()
	logs, err := repo.ListAgentLogs(context.Background(), userID, 100)
	if err != nil {
		t.Fatalf("读取日志: %v", err)
	}
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func hasLog(messages []string, substr string) bool {
	for _, m := range messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func TestJobDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-30 * time.Second)
	stale := now.Add(-2 * time.Minute)

	cases := []struct {
		name string
		job  domain.AgentJob
		want bool
	}{
		{"从未执行过立即到期", domain.AgentJob{IntervalSec: 60}, true},
		{"间隔未到", domain.AgentJob{IntervalSec: 60, LastRunAt: &recent}, false},
		{"间隔已过", domain.AgentJob{IntervalSec: 60, LastRunAt: &stale}, true},
		{"间隔刚好相等", domain.AgentJob{IntervalSec: 30, LastRunAt: &recent}, true},
		{"零间隔按默认 60 秒", domain.AgentJob{IntervalSec: 0, LastRunAt: &recent}, false},
	}
	for _, tc := range cases {
		if got := jobDue(tc.job, now); got != tc.want {
			t.Errorf("%s: jobDue = %v, 期望 %v", tc.name, got, tc.want)
		}
	}
}

func TestStartJobNormalizes(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestScheduler(t, &fakeAnalyzer{}, &fakeOrders{}, &fakeKlines{})

	err := s.StartJob(ctx, 7, domain.AgentJob{
		Symbol:           "  btcusdt ",
		Strategy:         "yolo",
		IntervalSec:      1,
		MaxOpenPositions: 0,
		Model:            "no-such-model",
		MaxModeUsed:      true,
	})
	if err != nil {
		t.Fatalf("启动任务: %v", err)
	}

	job, err := repo.GetAgentJob(ctx, 7)
	if err != nil || job == nil {
		t.Fatalf("读取任务: %v", err)
	}
	if !job.IsRunning {
		t.Error("任务应处于运行中")
	}
	if job.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q", job.Symbol)
	}
	if job.Interval != "1m" {
		t.Errorf("Interval = %q", job.Interval)
	}
	if job.Strategy != domain.StrategyShortTerm {
		t.Errorf("Strategy = %q", job.Strategy)
	}
	if job.MarketType != domain.MarketSpot {
		t.Errorf("MarketType = %q", job.MarketType)
	}
	if job.IntervalSec != 5 {
		t.Errorf("IntervalSec = %d, 期望收敛到 5", job.IntervalSec)
	}
	if job.MaxOpenPositions != 1 {
		t.Errorf("MaxOpenPositions = %d, 期望 1", job.MaxOpenPositions)
	}
	if job.OrderAmount != 100 {
		t.Errorf("OrderAmount = %v, 期望 100", job.OrderAmount)
	}
	if job.Leverage != 10 {
		t.Errorf("Leverage = %d, 期望 10", job.Leverage)
	}
	if job.Model != decision.DefaultModel {
		t.Errorf("Model = %q, 期望 %q", job.Model, decision.DefaultModel)
	}
	if job.MaxModeUsed {
		t.Error("启动时 max_mode_used 应复位")
	}
	if job.LastRunAt != nil {
		t.Error("启动时 last_run_at 应清空")
	}
	if !hasLog(logMessages(t, repo, 7), "Agent started in background.") {
		t.Error("缺少启动日志")
	}
}

func TestStopJob(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestScheduler(t, &fakeAnalyzer{}, &fakeOrders{}, &fakeKlines{})

	if err := s.StartJob(ctx, 7, domain.AgentJob{}); err != nil {
		t.Fatal(err)
	}
	if err := s.StopJob(ctx, 7); err != nil {
		t.Fatalf("停止任务: %v", err)
	}
	job, _ := repo.GetAgentJob(ctx, 7)
	if job == nil || job.IsRunning {
		t.Error("任务应已停止且配置保留")
	}
	if !hasLog(logMessages(t, repo, 7), "Agent stopped.") {
		t.Error("缺少停止日志")
	}

	if err := s.StopJob(ctx, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("停止不存在的任务: %v, 期望 ErrNotFound", err)
	}
}

func TestRunCycleHoldDoesNotTrade(t *testing.T) {
	analyzer := &fakeAnalyzer{result: decision.Result{
		AnalysisID:   "a1",
		Action:       domain.ActionHold,
		AnalysisText: "sideways market",
	}}
	orders := &fakeOrders{}
	s, repo := newTestScheduler(t, analyzer, orders, &fakeKlines{})
	ctx := context.Background()
	if _, err := repo.EnsureUser(ctx, 1, 10000, 10); err != nil {
		t.Fatal(err)
	}
	job := domain.AgentJob{UserID: 1, Symbol: "BTCUSDT", Interval: "1m", IsRunning: true, TradeEnabled: true, IntervalSec: 60}
	if err := repo.UpsertAgentJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	s.runCycle(job)

	if analyzer.calls != 1 {
		t.Fatalf("分析调用次数 = %d", analyzer.calls)
	}
	if len(orders.spot)+len(orders.futures) != 0 {
		t.Error("HOLD 不应下单")
	}
	msgs := logMessages(t, repo, 1)
	if !hasLog(msgs, "AI request sent (BTCUSDT / 1m") {
		t.Errorf("缺少请求日志: %v", msgs)
	}
	if !hasLog(msgs, "Suggestion: Hold") {
		t.Errorf("缺少结果日志: %v", msgs)
	}

	// 即便不交易，节奏也要推进
	stored, _ := repo.GetAgentJob(ctx, 1)
	if stored == nil || stored.LastRunAt == nil {
		t.Error("last_run_at 未更新")
	}
}

func TestRunCycleTradingModeOff(t *testing.T) {
	analyzer := &fakeAnalyzer{result: decision.Result{AnalysisID: "a1", Action: domain.ActionBuy, AnalysisText: "buy it"}}
	orders := &fakeOrders{}
	s, repo := newTestScheduler(t, analyzer, orders, &fakeKlines{})
	if _, err := repo.EnsureUser(context.Background(), 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	s.runCycle(domain.AgentJob{UserID: 1, TradeEnabled: false, IntervalSec: 60})

	if len(orders.spot) != 0 {
		t.Error("交易模式关闭时不应下单")
	}
	if !hasLog(logMessages(t, repo, 1), "Trading mode is off: order not sent.") {
		t.Error("缺少交易模式关闭日志")
	}
}

func TestRunCycleSpotBuyFixedAmount(t *testing.T) {
	analyzer := &fakeAnalyzer{result: decision.Result{AnalysisID: "a1", Action: domain.ActionBuy, AnalysisText: "buy"}}
	orders := &fakeOrders{}
	s, repo := newTestScheduler(t, analyzer, orders, &fakeKlines{})
	if _, err := repo.EnsureUser(context.Background(), 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	s.runCycle(domain.AgentJob{
		UserID:       1,
		Symbol:       "ethusdt",
		TradeEnabled: true,
		OrderAmount:  250,
		IntervalSec:  60,
	})

	if len(orders.spot) != 1 {
		t.Fatalf("现货下单次数 = %d", len(orders.spot))
	}
	call := orders.spot[0]
	if call.side != domain.SpotBuy || call.symbol != "ETHUSDT" || call.quoteAmount != 250 || call.source != "agent" {
		t.Errorf("下单参数 = %+v", call)
	}
	if !hasLog(logMessages(t, repo, 1), "Trade executed: BUY") {
		t.Error("缺少成交日志")
	}
}

func TestRunCycleSpotSellSellsAll(t *testing.T) {
	analyzer := &fakeAnalyzer{result: decision.Result{AnalysisID: "a1", Action: domain.ActionSell, AnalysisText: "sell"}}
	orders := &fakeOrders{}
	s, repo := newTestScheduler(t, analyzer, orders, &fakeKlines{})
	if _, err := repo.EnsureUser(context.Background(), 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	s.runCycle(domain.AgentJob{UserID: 1, TradeEnabled: true, IntervalSec: 60})

	if len(orders.spot) != 1 {
		t.Fatalf("现货下单次数 = %d", len(orders.spot))
	}
	call := orders.spot[0]
	if call.side != domain.SpotSell || call.quoteAmount != 0 || call.quantity != 0 {
		t.Errorf("卖出应交给账本全量平仓: %+v", call)
	}
}

func TestRunCycleMaxModeSingleTrade(t *testing.T) {
	ctx := context.Background()
	analyzer := &fakeAnalyzer{result: decision.Result{AnalysisID: "a1", Action: domain.ActionBuy, AnalysisText: "buy"}}
	orders := &fakeOrders{}
	s, repo := newTestScheduler(t, analyzer, orders, &fakeKlines{})
	if _, err := repo.EnsureUser(ctx, 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	job := domain.AgentJob{
		UserID:           1,
		TradeEnabled:     true,
		OrderAmountMode:  domain.SizeMax,
		SingleTradeIfMax: true,
		IntervalSec:      60,
	}
	if err := repo.UpsertAgentJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	// 第一轮：全仓买入并烧掉一次性标记
	s.runCycle(job)
	if len(orders.spot) != 1 {
		t.Fatalf("首轮下单次数 = %d", len(orders.spot))
	}
	if orders.spot[0].quoteAmount != 10000 {
		t.Errorf("max 模式应使用全部余额: %v", orders.spot[0].quoteAmount)
	}

	stored, _ := repo.GetAgentJob(ctx, 1)
	if stored == nil || !stored.MaxModeUsed {
		t.Fatal("max_mode_used 未标记")
	}

	// 第二轮：规则拦截，不再下单
	s.runCycle(*stored)
	if len(orders.spot) != 1 {
		t.Errorf("次轮不应再下单, 实际 %d 次", len(orders.spot))
	}
	if !hasLog(logMessages(t, repo, 1), "Maximum mode single-trade rule: no new order was sent.") {
		t.Error("缺少一次性规则日志")
	}
}

func TestRunCycleFuturesMaxOpenGuard(t *testing.T) {
	ctx := context.Background()
	analyzer := &fakeAnalyzer{result: decision.Result{AnalysisID: "a1", Action: domain.ActionBuy, AnalysisText: "long it"}}
	orders := &fakeOrders{}
	s, repo := newTestScheduler(t, analyzer, orders, &fakeKlines{})
	if _, err := repo.EnsureUser(ctx, 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	// 已有一笔同向持仓，上限 1
	err := repo.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertFuturesPosition(domain.FuturesPosition{
			ID: uuid.NewString(), UserID: 1, Symbol: "BTCUSDT",
			Side: domain.FuturesLong, Quantity: 1, EntryPrice: 100,
			Leverage: 10, Margin: 100, CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	s.runCycle(domain.AgentJob{
		UserID:           1,
		TradeEnabled:     true,
		MarketType:       domain.MarketFutures,
		MaxOpenPositions: 1,
		OrderAmount:      100,
		Leverage:         10,
		IntervalSec:      60,
	})

	if len(orders.futures) != 0 {
		t.Error("超出持仓上限不应下单")
	}
	if !hasLog(logMessages(t, repo, 1), "Limit: maximum open LONG positions (1) reached.") {
		t.Error("缺少持仓上限日志")
	}
}

func TestRunCycleFuturesCooldownGuard(t *testing.T) {
	ctx := context.Background()
	analyzer := &fakeAnalyzer{result: decision.Result{AnalysisID: "a1", Action: domain.ActionBuy, AnalysisText: "long it"}}
	orders := &fakeOrders{}
	s, repo := newTestScheduler(t, analyzer, orders, &fakeKlines{})
	if _, err := repo.EnsureUser(ctx, 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	err := repo.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertFuturesPosition(domain.FuturesPosition{
			ID: uuid.NewString(), UserID: 1, Symbol: "BTCUSDT",
			Side: domain.FuturesLong, Quantity: 1, EntryPrice: 100,
			Leverage: 10, Margin: 100, CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	s.runCycle(domain.AgentJob{
		UserID:              1,
		TradeEnabled:        true,
		MarketType:          domain.MarketFutures,
		MaxOpenPositions:    5,
		MinTradeIntervalSec: 3600,
		OrderAmount:         100,
		Leverage:            10,
		IntervalSec:         60,
	})

	if len(orders.futures) != 0 {
		t.Error("冷却期内不应下单")
	}
	if !hasLog(logMessages(t, repo, 1), "Limit: waiting") {
		t.Error("缺少冷却期日志")
	}
}

func TestRunCycleFuturesOrder(t *testing.T) {
	ctx := context.Background()
	analyzer := &fakeAnalyzer{result: decision.Result{AnalysisID: "a1", Action: domain.ActionSell, AnalysisText: "short it"}}
	orders := &fakeOrders{}
	s, repo := newTestScheduler(t, analyzer, orders, &fakeKlines{})
	if _, err := repo.EnsureUser(ctx, 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	s.runCycle(domain.AgentJob{
		UserID:           1,
		TradeEnabled:     true,
		MarketType:       domain.MarketFutures,
		MaxOpenPositions: 5,
		OrderAmount:      200,
		Leverage:         20,
		IntervalSec:      60,
	})

	if len(orders.futures) != 1 {
		t.Fatalf("合约下单次数 = %d", len(orders.futures))
	}
	call := orders.futures[0]
	if call.side != domain.FuturesShort || call.margin != 200 || call.leverage != 20 {
		t.Errorf("下单参数 = %+v", call)
	}
	if !hasLog(logMessages(t, repo, 1), "Trade executed: SHORT") {
		t.Error("缺少成交日志")
	}
}

func TestRunCycleOrderFailureIsLogged(t *testing.T) {
	analyzer := &fakeAnalyzer{result: decision.Result{AnalysisID: "a1", Action: domain.ActionBuy, AnalysisText: "buy"}}
	orders := &fakeOrders{err: domain.ErrInsufficientFunds}
	s, repo := newTestScheduler(t, analyzer, orders, &fakeKlines{})
	if _, err := repo.EnsureUser(context.Background(), 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	s.runCycle(domain.AgentJob{UserID: 1, TradeEnabled: true, OrderAmount: 100, IntervalSec: 60})

	if !hasLog(logMessages(t, repo, 1), "Trade failed:") {
		t.Error("缺少下单失败日志")
	}
}

func TestRunCycleAnalysisFailure(t *testing.T) {
	// 模型调用失败：无文本也无入库记录
	analyzer := &fakeAnalyzer{result: decision.Result{Action: domain.ActionHold}}
	orders := &fakeOrders{}
	s, repo := newTestScheduler(t, analyzer, orders, &fakeKlines{})
	if _, err := repo.EnsureUser(context.Background(), 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	s.runCycle(domain.AgentJob{UserID: 1, TradeEnabled: true, IntervalSec: 60})

	if !hasLog(logMessages(t, repo, 1), "AI response could not be retrieved.") {
		t.Error("缺少模型失败日志")
	}
}

func TestRunCycleChartFailure(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	klines := &fakeKlines{err: errors.New("行情接口超时")}
	s, repo := newTestScheduler(t, analyzer, &fakeOrders{}, klines)
	if _, err := repo.EnsureUser(context.Background(), 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	s.runCycle(domain.AgentJob{UserID: 1, TradeEnabled: true, IntervalSec: 60})

	if analyzer.calls != 0 {
		t.Error("取图失败不应调用模型")
	}
	if !hasLog(logMessages(t, repo, 1), "Failed to fetch chart:") {
		t.Error("缺少取图失败日志")
	}
}

func TestStopWaitsForLoopExit(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeAnalyzer{}, &fakeOrders{}, &fakeKlines{})
	s.Start()
	doneC := make(chan struct{})
	go func() {
		s.Stop()
		close(doneC)
	}()
	select {
	case <-doneC:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop 未在循环退出后返回")
	}
}
