package domain

import "time"

// Action 模型给出的操作建议
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// MarketType 市场类型：现货或永续合约
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// SpotSide 现货订单方向
type SpotSide string

const (
	SpotBuy  SpotSide = "BUY"
	SpotSell SpotSide = "SELL"
)

// FuturesSide 合约持仓方向
type FuturesSide string

const (
	FuturesLong  FuturesSide = "LONG"
	FuturesShort FuturesSide = "SHORT"
)

// Opposite 返回相反方向（净持仓模型：开反向仓先平掉已有仓位）
func (s FuturesSide) Opposite() FuturesSide {
	if s == FuturesLong {
		return FuturesShort
	}
	return FuturesLong
}

// Strategy 四种固定策略模板
type Strategy string

const (
	StrategyAggressive Strategy = "aggressive"
	StrategyPassive    Strategy = "passive"
	StrategyLongTerm   Strategy = "long_term"
	StrategyShortTerm  Strategy = "short_term"
)

// SizeMode 下单金额模式
type SizeMode string

const (
	SizeFixed SizeMode = "fixed"
	SizeMax   SizeMode = "max"
)

// User AI 使用余额（USD）与模拟交易余额（USDT）都挂在用户上
type User struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name,omitempty"`
	BalanceUSD  float64   `json:"balance_usd"`  // AI 调用计费余额
	DemoBalance float64   `json:"demo_balance"` // 模拟交易现金余额（现货与合约共用）
	CreatedAt   time.Time `json:"created_at"`
}

// Holding 现货持仓，(user, asset) 唯一，数量归零即删行
type Holding struct {
	UserID    int64     `json:"user_id"`
	Asset     string    `json:"asset"`
	Quantity  float64   `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SpotTrade 现货成交记录（只追加，不可变）
type SpotTrade struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Side        SpotSide  `json:"side"`
	Symbol      string    `json:"symbol"`
	BaseAsset   string    `json:"base_asset"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	QuoteAmount float64   `json:"quote_amount"` // 带符号现金变动：BUY 为负支出，SELL 为净入账
	Commission  float64   `json:"commission"`
	Source      string    `json:"source"` // "agent" 或 "manual"
	CreatedAt   time.Time `json:"created_at"`
}

// FuturesPosition 合约持仓，(user, symbol, side) 维度，无对冲模式
type FuturesPosition struct {
	ID         string      `json:"id"`
	UserID     int64       `json:"user_id"`
	Symbol     string      `json:"symbol"`
	Side       FuturesSide `json:"side"`
	Quantity   float64     `json:"quantity"`
	EntryPrice float64     `json:"entry_price"`
	Leverage   int         `json:"leverage"`
	Margin     float64     `json:"margin"`
	CreatedAt  time.Time   `json:"created_at"`
}

// FuturesTrade 已平仓合约记录
type FuturesTrade struct {
	ID         string      `json:"id"`
	UserID     int64       `json:"user_id"`
	Symbol     string      `json:"symbol"`
	Side       FuturesSide `json:"side"`
	Quantity   float64     `json:"quantity"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	PnL        float64     `json:"pnl"`
	Commission float64     `json:"commission"`
	CreatedAt  time.Time   `json:"created_at"`
}

// AgentJob 每用户唯一的代理任务配置。start 总是整条覆盖并复位一次性标记，
// stop 只翻 is_running，配置保留以便重启。
type AgentJob struct {
	UserID              int64      `json:"user_id"`
	IsRunning           bool       `json:"is_running"`
	Symbol              string     `json:"symbol"`
	Interval            string     `json:"interval"`
	Strategy            Strategy   `json:"strategy"`
	CustomPrompt        string     `json:"custom_prompt,omitempty"`
	MarketType          MarketType `json:"market_type"`
	TradeEnabled        bool       `json:"trade_enabled"`
	OrderAmount         float64    `json:"order_amount"`
	OrderAmountMode     SizeMode   `json:"order_amount_mode"`
	MaxOpenPositions    int        `json:"max_open_positions"`
	SingleTradeIfMax    bool       `json:"single_trade_if_max"`
	MaxModeUsed         bool       `json:"max_mode_used"` // max 模式一次性标记，仅 start 复位
	MinTradeIntervalSec int        `json:"min_trade_interval_sec"`
	Leverage            int        `json:"leverage"`
	IntervalSec         int        `json:"interval_sec"`
	Model               string     `json:"model"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
}

// AgentLog 每用户只追加的事件流，可关联到一条分析
type AgentLog struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Message    string    `json:"message"`
	AnalysisID string    `json:"analysis_id,omitempty"`
	LogType    string    `json:"log_type"` // "log" 或 "result"
	CreatedAt  time.Time `json:"created_at"`
}

// AgentAnalysis 持久化的模型决策
type AgentAnalysis struct {
	ID                string     `json:"id"`
	UserID            int64      `json:"user_id"`
	Symbol            string     `json:"symbol"`
	Interval          string     `json:"interval"`
	Strategy          Strategy   `json:"strategy"`
	Action            Action     `json:"action"`
	AnalysisText      string     `json:"analysis_text"`
	MessageShort      string     `json:"message_short"`
	BuyAt             *float64   `json:"buy_at,omitempty"`
	SellAt            *float64   `json:"sell_at,omitempty"`
	MarketType        MarketType `json:"market_type"`
	Model             string     `json:"model"`
	InputTokens       int        `json:"input_tokens"`
	OutputTokens      int        `json:"output_tokens"`
	CachedInputTokens int        `json:"cached_input_tokens"`
	CostUSD           float64    `json:"cost_usd"`
	CreatedAt         time.Time  `json:"created_at"`
}

// FuturesPositionView 持仓展示视图（附实时未实现盈亏）
type FuturesPositionView struct {
	FuturesPosition
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// SpotAccount 现货账户快照
type SpotAccount struct {
	DemoBalance float64   `json:"demo_balance"`
	Holdings    []Holding `json:"holdings"`
}

// FuturesAccount 合约账户快照
type FuturesAccount struct {
	MarginAvailable    float64               `json:"margin_available"`
	Positions          []FuturesPositionView `json:"positions"`
	TotalUnrealizedPnL float64               `json:"total_unrealized_pnl"`
}

// EquityPoint 权益曲线上的一个采样点
type EquityPoint struct {
	Label  string  `json:"t"`
	Equity float64 `json:"equity"`
}

// SpotPerformance 现货绩效报告。现金列由现货成交流水从固定初始余额重放得出，
// 因为 demo_balance 同时被合约结算使用，不能直接信任。
type SpotPerformance struct {
	TotalTrades         int           `json:"total_trades"`
	BuyCount            int           `json:"buy_count"`
	SellCount           int           `json:"sell_count"`
	TotalCommission     float64       `json:"total_commission"`
	InitialBalance      float64       `json:"initial_balance"`
	CurrentBalance      float64       `json:"current_balance"`
	WalletBalanceActual float64       `json:"wallet_balance_actual"`
	TotalEquity         float64       `json:"total_equity"`
	EquityChange        float64       `json:"equity_change"`
	LastTrades          []SpotTrade   `json:"last_trades"`
	EquityCurve         []EquityPoint `json:"equity_curve"`
}

// FuturesPerformance 合约绩效报告
type FuturesPerformance struct {
	MarginAvailable    float64               `json:"margin_available"`
	Positions          []FuturesPositionView `json:"positions"`
	TotalUnrealizedPnL float64               `json:"total_unrealized_pnl"`
	RealizedPnL        float64               `json:"realized_pnl"`
	TotalCommission    float64               `json:"total_commission"`
	InitialBalance     float64               `json:"initial_balance"`
	TotalEquity        float64               `json:"total_equity"`
	EquityChange       float64               `json:"equity_change"`
	LastTrades         []FuturesTrade        `json:"last_trades"`
}
