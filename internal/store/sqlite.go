package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ai_trader/internal/domain"

	_ "modernc.org/sqlite"
)

type Repository interface {
	Init(ctx context.Context) error
	Close() error

	// 用户账户
	EnsureUser(ctx context.Context, userID int64, demoBalance, aiBalance float64) (domain.User, error)
	GetUser(ctx context.Context, userID int64) (domain.User, error)

	// 代理任务
	UpsertAgentJob(ctx context.Context, job domain.AgentJob) error
	GetAgentJob(ctx context.Context, userID int64) (*domain.AgentJob, error)
	ListRunningJobs(ctx context.Context) ([]domain.AgentJob, error)
	SetJobRunning(ctx context.Context, userID int64, running bool) error
	UpdateJobLastRun(ctx context.Context, userID int64, at time.Time) error
	MarkMaxModeUsed(ctx context.Context, userID int64) error

	// 事件流与分析
	InsertAgentLog(ctx context.Context, entry domain.AgentLog) error
	ListAgentLogs(ctx context.Context, userID int64, limit int) ([]domain.AgentLog, error)
	GetAnalysis(ctx context.Context, analysisID string) (*domain.AgentAnalysis, error)
	LatestAnalysis(ctx context.Context, userID int64) (*domain.AgentAnalysis, error)
	ListAnalyses(ctx context.Context, userID int64, limit int) ([]domain.AgentAnalysis, error)

	// 现货查询
	ListHoldings(ctx context.Context, userID int64) ([]domain.Holding, error)
	ListSpotTrades(ctx context.Context, userID int64, limit int) ([]domain.SpotTrade, error)
	ListSpotTradesAsc(ctx context.Context, userID int64) ([]domain.SpotTrade, error)

	// 合约查询
	ListFuturesPositions(ctx context.Context, userID int64) ([]domain.FuturesPosition, error)
	CountFuturesPositions(ctx context.Context, userID int64, symbol string, side domain.FuturesSide) (int, error)
	LatestFuturesPositionTime(ctx context.Context, userID int64, symbol string, side domain.FuturesSide) (*time.Time, error)
	ListFuturesTrades(ctx context.Context, userID int64, limit int) ([]domain.FuturesTrade, error)
	FuturesTradeTotals(ctx context.Context, userID int64) (pnl, commission float64, err error)

	// 账变操作统一走单事务，串行化同一数据库上的并发下单
	WithTx(ctx context.Context, fn func(tx *Tx) error) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			name TEXT,
			balance_usd REAL NOT NULL DEFAULT 0,
			demo_balance REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS holdings (
			user_id INTEGER NOT NULL,
			asset TEXT NOT NULL,
			quantity REAL NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, asset),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS spot_trades (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			side TEXT NOT NULL,
			symbol TEXT NOT NULL,
			base_asset TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			quote_amount REAL NOT NULL,
			commission REAL NOT NULL,
			source TEXT NOT NULL DEFAULT 'manual',
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS futures_positions (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			entry_price REAL NOT NULL,
			leverage INTEGER NOT NULL,
			margin REAL NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS futures_trades (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			pnl REAL NOT NULL,
			commission REAL NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS agent_jobs (
			user_id INTEGER PRIMARY KEY,
			is_running INTEGER NOT NULL DEFAULT 0,
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			strategy TEXT NOT NULL,
			custom_prompt TEXT,
			market_type TEXT NOT NULL DEFAULT 'spot',
			trade_enabled INTEGER NOT NULL DEFAULT 0,
			order_amount REAL NOT NULL DEFAULT 100,
			order_amount_mode TEXT NOT NULL DEFAULT 'fixed',
			max_open_positions INTEGER NOT NULL DEFAULT 5,
			single_trade_if_max INTEGER NOT NULL DEFAULT 0,
			max_mode_used INTEGER NOT NULL DEFAULT 0,
			min_trade_interval_sec INTEGER NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL DEFAULT 10,
			interval_sec INTEGER NOT NULL DEFAULT 60,
			model TEXT NOT NULL,
			started_at TIMESTAMP,
			last_run_at TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS agent_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			message TEXT NOT NULL,
			analysis_id TEXT,
			log_type TEXT NOT NULL DEFAULT 'log',
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS agent_analyses (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			strategy TEXT NOT NULL,
			action TEXT NOT NULL,
			analysis_text TEXT NOT NULL,
			message_short TEXT NOT NULL,
			buy_at REAL,
			sell_at REAL,
			market_type TEXT NOT NULL DEFAULT 'spot',
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cached_input_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_spot_trades_user ON spot_trades(user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_futures_positions_user ON futures_positions(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_futures_trades_user ON futures_trades(user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_logs_user ON agent_logs(user_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_analyses_user ON agent_analyses(user_id, created_at);`,
	}

	for _, stmt := range stmts {
		_, err := r.db.ExecContext(ctx, stmt)
		if err != nil {
			// ALTER TABLE ADD COLUMN 在列已存在时会报错，忽略此类错误
			if isAlterTableDuplicate(err) {
				continue
			}
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}

	return nil
}

// EnsureUser 返回用户，不存在时按初始余额创建（首次访问即开户）
func (r *SQLiteRepository) EnsureUser(ctx context.Context, userID int64, demoBalance, aiBalance float64) (domain.User, error) {
	user, err := r.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, err
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(
		ctx,
		`INSERT INTO users (id, balance_usd, demo_balance, created_at) VALUES (?, ?, ?, ?)`,
		userID,
		aiBalance,
		demoBalance,
		now,
	)
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}

	return domain.User{ID: userID, BalanceUSD: aiBalance, DemoBalance: demoBalance, CreatedAt: now}, nil
}

func (r *SQLiteRepository) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	var user domain.User
	var name sql.NullString

	err := r.db.QueryRowContext(
		ctx,
		`SELECT id, name, balance_usd, demo_balance, created_at FROM users WHERE id = ?`,
		userID,
	).Scan(&user.ID, &name, &user.BalanceUSD, &user.DemoBalance, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user, fmt.Errorf("user %d: %w", userID, domain.ErrNotFound)
		}
		return user, fmt.Errorf("query user: %w", err)
	}

	if name.Valid {
		user.Name = name.String
	}
	return user, nil
}

// UpsertAgentJob 整条覆盖任务配置（start 语义：旧配置全部失效）
func (r *SQLiteRepository) UpsertAgentJob(ctx context.Context, job domain.AgentJob) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO agent_jobs (
			user_id, is_running, symbol, interval, strategy, custom_prompt, market_type,
			trade_enabled, order_amount, order_amount_mode, max_open_positions,
			single_trade_if_max, max_mode_used, min_trade_interval_sec, leverage,
			interval_sec, model, started_at, last_run_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			is_running = excluded.is_running,
			symbol = excluded.symbol,
			interval = excluded.interval,
			strategy = excluded.strategy,
			custom_prompt = excluded.custom_prompt,
			market_type = excluded.market_type,
			trade_enabled = excluded.trade_enabled,
			order_amount = excluded.order_amount,
			order_amount_mode = excluded.order_amount_mode,
			max_open_positions = excluded.max_open_positions,
			single_trade_if_max = excluded.single_trade_if_max,
			max_mode_used = excluded.max_mode_used,
			min_trade_interval_sec = excluded.min_trade_interval_sec,
			leverage = excluded.leverage,
			interval_sec = excluded.interval_sec,
			model = excluded.model,
			started_at = excluded.started_at,
			last_run_at = excluded.last_run_at`,
		job.UserID,
		boolToInt(job.IsRunning),
		job.Symbol,
		job.Interval,
		string(job.Strategy),
		nullableString(job.CustomPrompt),
		string(job.MarketType),
		boolToInt(job.TradeEnabled),
		job.OrderAmount,
		string(job.OrderAmountMode),
		job.MaxOpenPositions,
		boolToInt(job.SingleTradeIfMax),
		boolToInt(job.MaxModeUsed),
		job.MinTradeIntervalSec,
		job.Leverage,
		job.IntervalSec,
		job.Model,
		nullableTime(job.StartedAt),
		nullableTime(job.LastRunAt),
	)
	if err != nil {
		return fmt.Errorf("upsert agent job: %w", err)
	}
	return nil
}

const agentJobColumns = `user_id, is_running, symbol, interval, strategy, custom_prompt, market_type,
	trade_enabled, order_amount, order_amount_mode, max_open_positions, single_trade_if_max,
	max_mode_used, min_trade_interval_sec, leverage, interval_sec, model, started_at, last_run_at`

func scanAgentJob(row interface{ Scan(...any) error }) (domain.AgentJob, error) {
	var job domain.AgentJob
	var isRunning, tradeEnabled, singleTrade, maxUsed int
	var strategy, marketType, sizeMode string
	var customPrompt sql.NullString
	var startedAt, lastRunAt sql.NullTime

	err := row.Scan(
		&job.UserID, &isRunning, &job.Symbol, &job.Interval, &strategy, &customPrompt, &marketType,
		&tradeEnabled, &job.OrderAmount, &sizeMode, &job.MaxOpenPositions, &singleTrade,
		&maxUsed, &job.MinTradeIntervalSec, &job.Leverage, &job.IntervalSec, &job.Model,
		&startedAt, &lastRunAt,
	)
	if err != nil {
		return job, err
	}

	job.IsRunning = isRunning == 1
	job.TradeEnabled = tradeEnabled == 1
	job.SingleTradeIfMax = singleTrade == 1
	job.MaxModeUsed = maxUsed == 1
	job.Strategy = domain.Strategy(strategy)
	job.MarketType = domain.MarketType(marketType)
	job.OrderAmountMode = domain.SizeMode(sizeMode)
	if customPrompt.Valid {
		job.CustomPrompt = customPrompt.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		job.LastRunAt = &t
	}
	return job, nil
}

func (r *SQLiteRepository) GetAgentJob(ctx context.Context, userID int64) (*domain.AgentJob, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+agentJobColumns+` FROM agent_jobs WHERE user_id = ?`,
		userID,
	)
	job, err := scanAgentJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query agent job: %w", err)
	}
	return &job, nil
}

func (r *SQLiteRepository) ListRunningJobs(ctx context.Context) ([]domain.AgentJob, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+agentJobColumns+` FROM agent_jobs WHERE is_running = 1 ORDER BY user_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query running jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.AgentJob, 0)
	for rows.Next() {
		job, scanErr := scanAgentJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan agent job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent jobs: %w", err)
	}
	return jobs, nil
}

func (r *SQLiteRepository) SetJobRunning(ctx context.Context, userID int64, running bool) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE agent_jobs SET is_running = ? WHERE user_id = ?`,
		boolToInt(running),
		userID,
	)
	if err != nil {
		return fmt.Errorf("update job running: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("agent job for user %d: %w", userID, domain.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) UpdateJobLastRun(ctx context.Context, userID int64, at time.Time) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE agent_jobs SET last_run_at = ? WHERE user_id = ?`,
		at.UTC(),
		userID,
	)
	if err != nil {
		return fmt.Errorf("update job last run: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) MarkMaxModeUsed(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE agent_jobs SET max_mode_used = 1 WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("mark max mode used: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) InsertAgentLog(ctx context.Context, entry domain.AgentLog) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO agent_logs (user_id, message, analysis_id, log_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.UserID,
		entry.Message,
		nullableString(entry.AnalysisID),
		entry.LogType,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert agent log: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListAgentLogs(ctx context.Context, userID int64, limit int) ([]domain.AgentLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, user_id, message, analysis_id, log_type, created_at
		 FROM agent_logs WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query agent logs: %w", err)
	}
	defer rows.Close()

	logs := make([]domain.AgentLog, 0)
	for rows.Next() {
		var entry domain.AgentLog
		var analysisID sql.NullString
		if scanErr := rows.Scan(&entry.ID, &entry.UserID, &entry.Message, &analysisID, &entry.LogType, &entry.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("scan agent log: %w", scanErr)
		}
		if analysisID.Valid {
			entry.AnalysisID = analysisID.String
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent logs: %w", err)
	}
	return logs, nil
}

const analysisColumns = `id, user_id, symbol, interval, strategy, action, analysis_text, message_short,
	buy_at, sell_at, market_type, model, input_tokens, output_tokens, cached_input_tokens, cost_usd, created_at`

func scanAnalysis(row interface{ Scan(...any) error }) (domain.AgentAnalysis, error) {
	var a domain.AgentAnalysis
	var strategy, action, marketType string
	var buyAt, sellAt sql.NullFloat64

	err := row.Scan(
		&a.ID, &a.UserID, &a.Symbol, &a.Interval, &strategy, &action, &a.AnalysisText, &a.MessageShort,
		&buyAt, &sellAt, &marketType, &a.Model, &a.InputTokens, &a.OutputTokens, &a.CachedInputTokens,
		&a.CostUSD, &a.CreatedAt,
	)
	if err != nil {
		return a, err
	}

	a.Strategy = domain.Strategy(strategy)
	a.Action = domain.Action(action)
	a.MarketType = domain.MarketType(marketType)
	if buyAt.Valid {
		v := buyAt.Float64
		a.BuyAt = &v
	}
	if sellAt.Valid {
		v := sellAt.Float64
		a.SellAt = &v
	}
	return a, nil
}

func (r *SQLiteRepository) GetAnalysis(ctx context.Context, analysisID string) (*domain.AgentAnalysis, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+analysisColumns+` FROM agent_analyses WHERE id = ?`,
		analysisID,
	)
	a, err := scanAnalysis(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("analysis %s: %w", analysisID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("query analysis: %w", err)
	}
	return &a, nil
}

func (r *SQLiteRepository) LatestAnalysis(ctx context.Context, userID int64) (*domain.AgentAnalysis, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+analysisColumns+` FROM agent_analyses WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID,
	)
	a, err := scanAnalysis(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest analysis: %w", err)
	}
	return &a, nil
}

func (r *SQLiteRepository) ListAnalyses(ctx context.Context, userID int64, limit int) ([]domain.AgentAnalysis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+analysisColumns+` FROM agent_analyses WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	analyses := make([]domain.AgentAnalysis, 0)
	for rows.Next() {
		a, scanErr := scanAnalysis(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan analysis: %w", scanErr)
		}
		analyses = append(analyses, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return analyses, nil
}

func (r *SQLiteRepository) ListHoldings(ctx context.Context, userID int64) ([]domain.Holding, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT user_id, asset, quantity, updated_at FROM holdings WHERE user_id = ? ORDER BY asset ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer rows.Close()

	holdings := make([]domain.Holding, 0)
	for rows.Next() {
		var h domain.Holding
		if scanErr := rows.Scan(&h.UserID, &h.Asset, &h.Quantity, &h.UpdatedAt); scanErr != nil {
			return nil, fmt.Errorf("scan holding: %w", scanErr)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holdings: %w", err)
	}
	return holdings, nil
}

const spotTradeColumns = `id, user_id, side, symbol, base_asset, quantity, price, quote_amount, commission, source, created_at`

func scanSpotTrade(row interface{ Scan(...any) error }) (domain.SpotTrade, error) {
	var t domain.SpotTrade
	var side string
	err := row.Scan(&t.ID, &t.UserID, &side, &t.Symbol, &t.BaseAsset, &t.Quantity, &t.Price, &t.QuoteAmount, &t.Commission, &t.Source, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.Side = domain.SpotSide(side)
	return t, nil
}

func (r *SQLiteRepository) ListSpotTrades(ctx context.Context, userID int64, limit int) ([]domain.SpotTrade, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+spotTradeColumns+` FROM spot_trades WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query spot trades: %w", err)
	}
	defer rows.Close()
	return collectSpotTrades(rows)
}

// ListSpotTradesAsc 按时间正序返回全部现货成交，供绩效重放使用
func (r *SQLiteRepository) ListSpotTradesAsc(ctx context.Context, userID int64) ([]domain.SpotTrade, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+spotTradeColumns+` FROM spot_trades WHERE user_id = ? ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query spot trades asc: %w", err)
	}
	defer rows.Close()
	return collectSpotTrades(rows)
}

func collectSpotTrades(rows *sql.Rows) ([]domain.SpotTrade, error) {
	trades := make([]domain.SpotTrade, 0)
	for rows.Next() {
		t, err := scanSpotTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan spot trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spot trades: %w", err)
	}
	return trades, nil
}

const futuresPositionColumns = `id, user_id, symbol, side, quantity, entry_price, leverage, margin, created_at`

func scanFuturesPosition(row interface{ Scan(...any) error }) (domain.FuturesPosition, error) {
	var p domain.FuturesPosition
	var side string
	err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &side, &p.Quantity, &p.EntryPrice, &p.Leverage, &p.Margin, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.Side = domain.FuturesSide(side)
	return p, nil
}

func (r *SQLiteRepository) ListFuturesPositions(ctx context.Context, userID int64) ([]domain.FuturesPosition, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+futuresPositionColumns+` FROM futures_positions WHERE user_id = ? ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query futures positions: %w", err)
	}
	defer rows.Close()

	positions := make([]domain.FuturesPosition, 0)
	for rows.Next() {
		p, scanErr := scanFuturesPosition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan futures position: %w", scanErr)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate futures positions: %w", err)
	}
	return positions, nil
}

func (r *SQLiteRepository) CountFuturesPositions(ctx context.Context, userID int64, symbol string, side domain.FuturesSide) (int, error) {
	var count int
	err := r.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM futures_positions WHERE user_id = ? AND symbol = ? AND side = ?`,
		userID,
		symbol,
		string(side),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count futures positions: %w", err)
	}
	return count, nil
}

// LatestFuturesPositionTime 最近一次同方向开仓时间，用于最小交易间隔判断
func (r *SQLiteRepository) LatestFuturesPositionTime(ctx context.Context, userID int64, symbol string, side domain.FuturesSide) (*time.Time, error) {
	var at time.Time
	err := r.db.QueryRowContext(
		ctx,
		`SELECT created_at FROM futures_positions WHERE user_id = ? AND symbol = ? AND side = ?
		 ORDER BY created_at DESC LIMIT 1`,
		userID,
		symbol,
		string(side),
	).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest futures position: %w", err)
	}
	return &at, nil
}

func (r *SQLiteRepository) ListFuturesTrades(ctx context.Context, userID int64, limit int) ([]domain.FuturesTrade, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, user_id, symbol, side, quantity, entry_price, exit_price, pnl, commission, created_at
		 FROM futures_trades WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query futures trades: %w", err)
	}
	defer rows.Close()

	trades := make([]domain.FuturesTrade, 0)
	for rows.Next() {
		var t domain.FuturesTrade
		var side string
		if scanErr := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &side, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &t.PnL, &t.Commission, &t.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("scan futures trade: %w", scanErr)
		}
		t.Side = domain.FuturesSide(side)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate futures trades: %w", err)
	}
	return trades, nil
}

func (r *SQLiteRepository) FuturesTradeTotals(ctx context.Context, userID int64) (float64, float64, error) {
	var pnl, commission sql.NullFloat64
	err := r.db.QueryRowContext(
		ctx,
		`SELECT SUM(pnl), SUM(commission) FROM futures_trades WHERE user_id = ?`,
		userID,
	).Scan(&pnl, &commission)
	if err != nil {
		return 0, 0, fmt.Errorf("sum futures trades: %w", err)
	}
	return pnl.Float64, commission.Float64, nil
}

// isAlterTableDuplicate 检查是否为 ALTER TABLE ADD COLUMN 列已存在的错误
func isAlterTableDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}
