package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ai_trader/internal/domain"
)

// Tx 封装一次账变事务。单连接模式下 BeginTx 即全库串行，
// 等价于按用户行加悲观锁的效果。
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务: %w", err)
	}
	return nil
}

// User 事务内读取最新余额
func (t *Tx) User(userID int64) (domain.User, error) {
	var user domain.User
	var name sql.NullString

	err := t.tx.QueryRowContext(
		t.ctx,
		`SELECT id, name, balance_usd, demo_balance, created_at FROM users WHERE id = ?`,
		userID,
	).Scan(&user.ID, &name, &user.BalanceUSD, &user.DemoBalance, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user, fmt.Errorf("user %d: %w", userID, domain.ErrNotFound)
		}
		return user, fmt.Errorf("query user in tx: %w", err)
	}
	if name.Valid {
		user.Name = name.String
	}
	return user, nil
}

func (t *Tx) SetDemoBalance(userID int64, balance float64) error {
	_, err := t.tx.ExecContext(
		t.ctx,
		`UPDATE users SET demo_balance = ? WHERE id = ?`,
		balance,
		userID,
	)
	if err != nil {
		return fmt.Errorf("update demo balance: %w", err)
	}
	return nil
}

// DebitAIBalance 扣减 AI 计费余额，余额不足时不产生任何变更
func (t *Tx) DebitAIBalance(userID int64, cost float64) error {
	res, err := t.tx.ExecContext(
		t.ctx,
		`UPDATE users SET balance_usd = balance_usd - ? WHERE id = ? AND balance_usd >= ?`,
		cost,
		userID,
		cost,
	)
	if err != nil {
		return fmt.Errorf("debit ai balance: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("ai balance for user %d: %w", userID, domain.ErrInsufficientFunds)
	}
	return nil
}

// HoldingQuantity 返回持仓数量，无持仓行时为 0
func (t *Tx) HoldingQuantity(userID int64, asset string) (float64, error) {
	var qty float64
	err := t.tx.QueryRowContext(
		t.ctx,
		`SELECT quantity FROM holdings WHERE user_id = ? AND asset = ?`,
		userID,
		asset,
	).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("query holding: %w", err)
	}
	return qty, nil
}

// SetHolding 写入持仓数量，归零（含浮点残渣）时删行
func (t *Tx) SetHolding(userID int64, asset string, quantity float64, now time.Time) error {
	if quantity <= 1e-12 {
		_, err := t.tx.ExecContext(
			t.ctx,
			`DELETE FROM holdings WHERE user_id = ? AND asset = ?`,
			userID,
			asset,
		)
		if err != nil {
			return fmt.Errorf("delete holding: %w", err)
		}
		return nil
	}

	_, err := t.tx.ExecContext(
		t.ctx,
		`INSERT INTO holdings (user_id, asset, quantity, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, asset) DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at`,
		userID,
		asset,
		quantity,
		now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert holding: %w", err)
	}
	return nil
}

func (t *Tx) InsertSpotTrade(trade domain.SpotTrade) error {
	_, err := t.tx.ExecContext(
		t.ctx,
		`INSERT INTO spot_trades (`+spotTradeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID,
		trade.UserID,
		string(trade.Side),
		trade.Symbol,
		trade.BaseAsset,
		trade.Quantity,
		trade.Price,
		trade.QuoteAmount,
		trade.Commission,
		trade.Source,
		trade.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert spot trade: %w", err)
	}
	return nil
}

func (t *Tx) InsertFuturesPosition(pos domain.FuturesPosition) error {
	_, err := t.tx.ExecContext(
		t.ctx,
		`INSERT INTO futures_positions (`+futuresPositionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID,
		pos.UserID,
		pos.Symbol,
		string(pos.Side),
		pos.Quantity,
		pos.EntryPrice,
		pos.Leverage,
		pos.Margin,
		pos.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert futures position: %w", err)
	}
	return nil
}

func (t *Tx) FuturesPosition(positionID string) (*domain.FuturesPosition, error) {
	row := t.tx.QueryRowContext(
		t.ctx,
		`SELECT `+futuresPositionColumns+` FROM futures_positions WHERE id = ?`,
		positionID,
	)
	p, err := scanFuturesPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("futures position %s: %w", positionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("query futures position: %w", err)
	}
	return &p, nil
}

// FuturesPositionsBySide 事务内取同方向全部持仓（开反向仓时用于强制平仓）
func (t *Tx) FuturesPositionsBySide(userID int64, symbol string, side domain.FuturesSide) ([]domain.FuturesPosition, error) {
	rows, err := t.tx.QueryContext(
		t.ctx,
		`SELECT `+futuresPositionColumns+` FROM futures_positions
		 WHERE user_id = ? AND symbol = ? AND side = ? ORDER BY created_at ASC, id ASC`,
		userID,
		symbol,
		string(side),
	)
	if err != nil {
		return nil, fmt.Errorf("query positions by side: %w", err)
	}
	defer rows.Close()

	positions := make([]domain.FuturesPosition, 0)
	for rows.Next() {
		p, scanErr := scanFuturesPosition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan position: %w", scanErr)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return positions, nil
}

func (t *Tx) DeleteFuturesPosition(positionID string) error {
	_, err := t.tx.ExecContext(
		t.ctx,
		`DELETE FROM futures_positions WHERE id = ?`,
		positionID,
	)
	if err != nil {
		return fmt.Errorf("delete futures position: %w", err)
	}
	return nil
}

func (t *Tx) InsertFuturesTrade(trade domain.FuturesTrade) error {
	_, err := t.tx.ExecContext(
		t.ctx,
		`INSERT INTO futures_trades (id, user_id, symbol, side, quantity, entry_price, exit_price, pnl, commission, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID,
		trade.UserID,
		trade.Symbol,
		string(trade.Side),
		trade.Quantity,
		trade.EntryPrice,
		trade.ExitPrice,
		trade.PnL,
		trade.Commission,
		trade.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert futures trade: %w", err)
	}
	return nil
}

func (t *Tx) InsertAnalysis(a domain.AgentAnalysis) error {
	var buyAt, sellAt any
	if a.BuyAt != nil {
		buyAt = *a.BuyAt
	}
	if a.SellAt != nil {
		sellAt = *a.SellAt
	}

	_, err := t.tx.ExecContext(
		t.ctx,
		`INSERT INTO agent_analyses (`+analysisColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.UserID,
		a.Symbol,
		a.Interval,
		string(a.Strategy),
		string(a.Action),
		a.AnalysisText,
		a.MessageShort,
		buyAt,
		sellAt,
		string(a.MarketType),
		a.Model,
		a.InputTokens,
		a.OutputTokens,
		a.CachedInputTokens,
		a.CostUSD,
		a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// SumSpotQuoteAmounts 现货成交带符号现金变动合计，重置合约绩效时还原现金
func (t *Tx) SumSpotQuoteAmounts(userID int64) (float64, error) {
	var total sql.NullFloat64
	err := t.tx.QueryRowContext(
		t.ctx,
		`SELECT SUM(quote_amount) FROM spot_trades WHERE user_id = ?`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum spot quote amounts: %w", err)
	}
	return total.Float64, nil
}

// DeleteFuturesHistory 清空已平仓记录与当前持仓
func (t *Tx) DeleteFuturesHistory(userID int64) error {
	for _, table := range []string{"futures_trades", "futures_positions"} {
		_, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", table), userID)
		if err != nil {
			return fmt.Errorf("删除 %s: %w", table, err)
		}
	}
	return nil
}
