package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ai_trader/internal/domain"
	"ai_trader/internal/market"
	"ai_trader/internal/store"
)

const (
	// SpotCommissionRate 现货手续费率 0.1%
	SpotCommissionRate = 0.001
	// FuturesCommissionRate 合约手续费率 0.04%
	FuturesCommissionRate = 0.0004
	// DefaultBuyAmount 未指定金额时的默认买入额（USDT）
	DefaultBuyAmount = 100.0
)

// Engine 账本与持仓引擎：所有资金变动的唯一入口。
// 每个订单操作在一个事务内完成，价格在事务开启前取定。
type Engine struct {
	repo           store.Repository
	prices         market.PriceSource
	initialBalance float64
}

func NewEngine(repo store.Repository, prices market.PriceSource, initialBalance float64) *Engine {
	if initialBalance <= 0 {
		initialBalance = 10000
	}
	return &Engine{repo: repo, prices: prices, initialBalance: initialBalance}
}

// PlaceSpotOrder 现货买卖。BUY 花费 quoteAmount USDT（0 取默认值）；
// SELL 卖出 quantity 个，0 或超持仓时按全部持仓卖出。
func (e *Engine) PlaceSpotOrder(ctx context.Context, userID int64, side domain.SpotSide, symbol string, quoteAmount, quantity float64, source string) (domain.SpotTrade, error) {
	base := market.BaseAsset(symbol)
	price, err := e.prices.Price(ctx, symbol)
	if err != nil {
		return domain.SpotTrade{}, err
	}
	if source == "" {
		source = "manual"
	}

	var trade domain.SpotTrade
	err = e.repo.WithTx(ctx, func(tx *store.Tx) error {
		user, err := tx.User(userID)
		if err != nil {
			return err
		}
		balance := decimal.NewFromFloat(user.DemoBalance)
		now := time.Now().UTC()

		switch side {
		case domain.SpotBuy:
			spend := decimal.NewFromFloat(quoteAmount)
			if spend.LessThanOrEqual(decimal.Zero) {
				spend = decimal.NewFromFloat(DefaultBuyAmount)
			}
			if balance.LessThan(spend) {
				return fmt.Errorf("买入 %s 需要 %s USDT，当前余额 %.2f: %w",
					symbol, spend.StringFixed(2), user.DemoBalance, domain.ErrInsufficientFunds)
			}

			commission := spend.Mul(decimal.NewFromFloat(SpotCommissionRate))
			qty := spend.Sub(commission).Div(decimal.NewFromFloat(price))

			held, err := tx.HoldingQuantity(userID, base)
			if err != nil {
				return err
			}
			if err := tx.SetHolding(userID, base, decimal.NewFromFloat(held).Add(qty).InexactFloat64(), now); err != nil {
				return err
			}
			if err := tx.SetDemoBalance(userID, balance.Sub(spend).InexactFloat64()); err != nil {
				return err
			}

			trade = domain.SpotTrade{
				ID:          uuid.NewString(),
				UserID:      userID,
				Side:        domain.SpotBuy,
				Symbol:      symbol,
				BaseAsset:   base,
				Quantity:    qty.InexactFloat64(),
				Price:       price,
				QuoteAmount: spend.Neg().InexactFloat64(),
				Commission:  commission.InexactFloat64(),
				Source:      source,
				CreatedAt:   now,
			}
			return tx.InsertSpotTrade(trade)

		case domain.SpotSell:
			held, err := tx.HoldingQuantity(userID, base)
			if err != nil {
				return err
			}
			if held <= 0 {
				return fmt.Errorf("没有 %s 持仓可卖: %w", base, domain.ErrNotFound)
			}
			sellQty := quantity
			if sellQty <= 0 || sellQty > held {
				sellQty = held
			}

			qty := decimal.NewFromFloat(sellQty)
			gross := qty.Mul(decimal.NewFromFloat(price))
			commission := gross.Mul(decimal.NewFromFloat(SpotCommissionRate))
			credit := gross.Sub(commission)

			if err := tx.SetHolding(userID, base, decimal.NewFromFloat(held).Sub(qty).InexactFloat64(), now); err != nil {
				return err
			}
			if err := tx.SetDemoBalance(userID, balance.Add(credit).InexactFloat64()); err != nil {
				return err
			}

			trade = domain.SpotTrade{
				ID:          uuid.NewString(),
				UserID:      userID,
				Side:        domain.SpotSell,
				Symbol:      symbol,
				BaseAsset:   base,
				Quantity:    sellQty,
				Price:       price,
				QuoteAmount: credit.InexactFloat64(),
				Commission:  commission.InexactFloat64(),
				Source:      source,
				CreatedAt:   now,
			}
			return tx.InsertSpotTrade(trade)

		default:
			return fmt.Errorf("无效的现货方向 %q", side)
		}
	})
	if err != nil {
		return domain.SpotTrade{}, err
	}

	log.Printf("[账本] 用户 %d 现货 %s %s: 数量 %.8f @ %.2f", userID, trade.Side, symbol, trade.Quantity, trade.Price)
	return trade, nil
}

// PlaceFuturesOrder 开合约仓。同币对反向持仓在同一事务内先强制平掉，
// 再用平仓后的余额检查保证金，整个操作要么全部生效要么全部回滚。
func (e *Engine) PlaceFuturesOrder(ctx context.Context, userID int64, side domain.FuturesSide, symbol string, margin float64, leverage int) (domain.FuturesPosition, error) {
	if margin < 1 {
		margin = 1
	}
	if margin > 10000 {
		margin = 10000
	}
	if leverage < 1 {
		leverage = 1
	}
	if leverage > 125 {
		leverage = 125
	}

	price, err := e.prices.Price(ctx, symbol)
	if err != nil {
		return domain.FuturesPosition{}, err
	}

	var opened domain.FuturesPosition
	var closedCount int
	err = e.repo.WithTx(ctx, func(tx *store.Tx) error {
		user, err := tx.User(userID)
		if err != nil {
			return err
		}
		balance := decimal.NewFromFloat(user.DemoBalance)
		now := time.Now().UTC()
		priceDec := decimal.NewFromFloat(price)

		opposite, err := tx.FuturesPositionsBySide(userID, symbol, side.Opposite())
		if err != nil {
			return err
		}
		for _, pos := range opposite {
			qty := decimal.NewFromFloat(pos.Quantity)
			entry := decimal.NewFromFloat(pos.EntryPrice)

			var pnl decimal.Decimal
			if pos.Side == domain.FuturesLong {
				pnl = priceDec.Sub(entry).Mul(qty)
			} else {
				pnl = entry.Sub(priceDec).Mul(qty)
			}
			commission := qty.Mul(priceDec).Mul(decimal.NewFromFloat(FuturesCommissionRate))
			settlement := decimal.NewFromFloat(pos.Margin).Add(pnl).Sub(commission)
			balance = balance.Add(settlement)

			if err := tx.DeleteFuturesPosition(pos.ID); err != nil {
				return err
			}
			if err := tx.InsertFuturesTrade(domain.FuturesTrade{
				ID:         uuid.NewString(),
				UserID:     userID,
				Symbol:     symbol,
				Side:       pos.Side,
				Quantity:   pos.Quantity,
				EntryPrice: pos.EntryPrice,
				ExitPrice:  price,
				PnL:        pnl.InexactFloat64(),
				Commission: commission.InexactFloat64(),
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			closedCount++
		}

		marginDec := decimal.NewFromFloat(margin)
		if balance.LessThan(marginDec) {
			return fmt.Errorf("开仓需要保证金 %.2f USDT，当前可用 %s: %w",
				margin, balance.StringFixed(2), domain.ErrInsufficientMargin)
		}

		notional := marginDec.Mul(decimal.NewFromInt(int64(leverage)))
		qty := notional.Div(priceDec)

		if err := tx.SetDemoBalance(userID, balance.Sub(marginDec).InexactFloat64()); err != nil {
			return err
		}

		opened = domain.FuturesPosition{
			ID:         uuid.NewString(),
			UserID:     userID,
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty.InexactFloat64(),
			EntryPrice: price,
			Leverage:   leverage,
			Margin:     margin,
			CreatedAt:  now,
		}
		return tx.InsertFuturesPosition(opened)
	})
	if err != nil {
		return domain.FuturesPosition{}, err
	}

	log.Printf("[账本] 用户 %d 合约开仓 %s %s: 数量 %.8f @ %.2f, %dx（先平反向 %d 笔）",
		userID, side, symbol, opened.Quantity, price, leverage, closedCount)
	return opened, nil
}

// CloseFuturesPosition 按市价平掉指定持仓，入账 保证金 + 盈亏 - 手续费
func (e *Engine) CloseFuturesPosition(ctx context.Context, userID int64, positionID string) (domain.FuturesTrade, error) {
	var closed domain.FuturesTrade
	var exitPrice float64

	// 先在事务外确认持仓并取价，价格失败不触碰任何状态
	pos, err := e.peekPosition(ctx, userID, positionID)
	if err != nil {
		return domain.FuturesTrade{}, err
	}
	exitPrice, err = e.prices.Price(ctx, pos.Symbol)
	if err != nil {
		return domain.FuturesTrade{}, err
	}

	err = e.repo.WithTx(ctx, func(tx *store.Tx) error {
		pos, err := tx.FuturesPosition(positionID)
		if err != nil {
			return err
		}
		if pos.UserID != userID {
			return fmt.Errorf("持仓 %s 不属于用户 %d: %w", positionID, userID, domain.ErrNotFound)
		}
		user, err := tx.User(userID)
		if err != nil {
			return err
		}

		qty := decimal.NewFromFloat(pos.Quantity)
		entry := decimal.NewFromFloat(pos.EntryPrice)
		exit := decimal.NewFromFloat(exitPrice)

		var pnl decimal.Decimal
		if pos.Side == domain.FuturesLong {
			pnl = exit.Sub(entry).Mul(qty)
		} else {
			pnl = entry.Sub(exit).Mul(qty)
		}
		commission := qty.Mul(exit).Mul(decimal.NewFromFloat(FuturesCommissionRate))
		settlement := decimal.NewFromFloat(pos.Margin).Add(pnl).Sub(commission)

		if err := tx.DeleteFuturesPosition(pos.ID); err != nil {
			return err
		}
		if err := tx.SetDemoBalance(userID, decimal.NewFromFloat(user.DemoBalance).Add(settlement).InexactFloat64()); err != nil {
			return err
		}

		closed = domain.FuturesTrade{
			ID:         uuid.NewString(),
			UserID:     userID,
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Quantity:   pos.Quantity,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  exitPrice,
			PnL:        pnl.InexactFloat64(),
			Commission: commission.InexactFloat64(),
			CreatedAt:  time.Now().UTC(),
		}
		return tx.InsertFuturesTrade(closed)
	})
	if err != nil {
		return domain.FuturesTrade{}, err
	}

	log.Printf("[账本] 用户 %d 平仓 %s %s: 盈亏 %+.2f USDT", userID, closed.Side, closed.Symbol, closed.PnL)
	return closed, nil
}

func (e *Engine) peekPosition(ctx context.Context, userID int64, positionID string) (domain.FuturesPosition, error) {
	positions, err := e.repo.ListFuturesPositions(ctx, userID)
	if err != nil {
		return domain.FuturesPosition{}, err
	}
	for _, p := range positions {
		if p.ID == positionID {
			return p, nil
		}
	}
	return domain.FuturesPosition{}, fmt.Errorf("持仓 %s 不存在或不属于用户 %d: %w", positionID, userID, domain.ErrNotFound)
}

// SpotAccount 现货账户快照：现金余额与持仓列表，纯读
func (e *Engine) SpotAccount(ctx context.Context, userID int64) (domain.SpotAccount, error) {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return domain.SpotAccount{}, err
	}
	holdings, err := e.repo.ListHoldings(ctx, userID)
	if err != nil {
		return domain.SpotAccount{}, err
	}
	return domain.SpotAccount{DemoBalance: user.DemoBalance, Holdings: holdings}, nil
}

// FuturesAccount 合约账户快照，未实现盈亏取实时价，取价失败按开仓价冻结
func (e *Engine) FuturesAccount(ctx context.Context, userID int64) (domain.FuturesAccount, error) {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return domain.FuturesAccount{}, err
	}
	positions, err := e.repo.ListFuturesPositions(ctx, userID)
	if err != nil {
		return domain.FuturesAccount{}, err
	}

	views, totalUnrealized := e.positionViews(ctx, positions)
	return domain.FuturesAccount{
		MarginAvailable:    user.DemoBalance,
		Positions:          views,
		TotalUnrealizedPnL: totalUnrealized,
	}, nil
}

func (e *Engine) positionViews(ctx context.Context, positions []domain.FuturesPosition) ([]domain.FuturesPositionView, float64) {
	views := make([]domain.FuturesPositionView, 0, len(positions))
	total := 0.0
	priceCache := map[string]float64{}

	for _, p := range positions {
		current, ok := priceCache[p.Symbol]
		if !ok {
			var err error
			current, err = e.prices.Price(ctx, p.Symbol)
			if err != nil {
				current = p.EntryPrice
			}
			priceCache[p.Symbol] = current
		}

		var unrealized float64
		if p.Side == domain.FuturesLong {
			unrealized = (current - p.EntryPrice) * p.Quantity
		} else {
			unrealized = (p.EntryPrice - current) * p.Quantity
		}
		total += unrealized
		views = append(views, domain.FuturesPositionView{
			FuturesPosition: p,
			CurrentPrice:    current,
			UnrealizedPnL:   unrealized,
		})
	}
	return views, total
}

// SpotPerformance 现货绩效。现金余额由现货成交流水从固定初始额重放得出，
// 因为钱包余额同时被合约结算影响。
func (e *Engine) SpotPerformance(ctx context.Context, userID int64) (domain.SpotPerformance, error) {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return domain.SpotPerformance{}, err
	}
	tradesAsc, err := e.repo.ListSpotTradesAsc(ctx, userID)
	if err != nil {
		return domain.SpotPerformance{}, err
	}
	holdings, err := e.repo.ListHoldings(ctx, userID)
	if err != nil {
		return domain.SpotPerformance{}, err
	}
	lastTrades, err := e.repo.ListSpotTrades(ctx, userID, 30)
	if err != nil {
		return domain.SpotPerformance{}, err
	}

	perf := domain.SpotPerformance{
		InitialBalance:      e.initialBalance,
		WalletBalanceActual: user.DemoBalance,
		LastTrades:          lastTrades,
	}

	priceCache := map[string]float64{}
	priceOf := func(asset string) (float64, error) {
		key := asset + "USDT"
		if p, ok := priceCache[key]; ok {
			return p, nil
		}
		p, err := e.prices.Price(ctx, key)
		if err != nil {
			return 0, err
		}
		priceCache[key] = p
		return p, nil
	}

	runningBalance := e.initialBalance
	runningHoldings := map[string]float64{}
	curve := []domain.EquityPoint{{Label: "Start", Equity: e.initialBalance}}

	for _, t := range tradesAsc {
		perf.TotalTrades++
		perf.TotalCommission += t.Commission
		runningBalance += t.QuoteAmount
		if t.Side == domain.SpotBuy {
			perf.BuyCount++
			runningHoldings[t.BaseAsset] += t.Quantity
		} else {
			perf.SellCount++
			runningHoldings[t.BaseAsset] -= t.Quantity
			if runningHoldings[t.BaseAsset] <= 0 {
				delete(runningHoldings, t.BaseAsset)
			}
		}

		// 权益点尽力取价，失败时退化为纯现金
		equity := runningBalance
		ok := true
		for asset, qty := range runningHoldings {
			if asset == "USDT" {
				equity += qty
				continue
			}
			p, err := priceOf(asset)
			if err != nil {
				ok = false
				break
			}
			equity += qty * p
		}
		if !ok {
			equity = runningBalance
		}
		curve = append(curve, domain.EquityPoint{Label: t.CreatedAt.Format(time.RFC3339), Equity: equity})
	}

	holdingsValue := 0.0
	for _, h := range holdings {
		if h.Asset == "USDT" {
			holdingsValue += h.Quantity
			continue
		}
		if p, err := priceOf(h.Asset); err == nil {
			holdingsValue += h.Quantity * p
		}
	}

	perf.CurrentBalance = runningBalance
	perf.TotalEquity = runningBalance + holdingsValue
	perf.EquityChange = perf.TotalEquity - e.initialBalance
	curve = append(curve, domain.EquityPoint{Label: "Now", Equity: perf.TotalEquity})
	perf.EquityCurve = curve
	return perf, nil
}

// FuturesPerformance 合约绩效：已实现/未实现盈亏、手续费与总权益
func (e *Engine) FuturesPerformance(ctx context.Context, userID int64) (domain.FuturesPerformance, error) {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return domain.FuturesPerformance{}, err
	}
	positions, err := e.repo.ListFuturesPositions(ctx, userID)
	if err != nil {
		return domain.FuturesPerformance{}, err
	}
	realized, commission, err := e.repo.FuturesTradeTotals(ctx, userID)
	if err != nil {
		return domain.FuturesPerformance{}, err
	}
	lastTrades, err := e.repo.ListFuturesTrades(ctx, userID, 50)
	if err != nil {
		return domain.FuturesPerformance{}, err
	}

	views, totalUnrealized := e.positionViews(ctx, positions)
	marginInUse := 0.0
	for _, p := range positions {
		marginInUse += p.Margin
	}

	totalEquity := user.DemoBalance + marginInUse + totalUnrealized
	return domain.FuturesPerformance{
		MarginAvailable:    user.DemoBalance,
		Positions:          views,
		TotalUnrealizedPnL: totalUnrealized,
		RealizedPnL:        realized,
		TotalCommission:    commission,
		InitialBalance:     e.initialBalance,
		TotalEquity:        totalEquity,
		EquityChange:       totalEquity - e.initialBalance,
		LastTrades:         lastTrades,
	}, nil
}

// ResetFuturesPerformance 清空合约历史并把现金还原到现货流水状态
// （初始余额 + Σ 现货带符号现金变动，下限 0）
func (e *Engine) ResetFuturesPerformance(ctx context.Context, userID int64) error {
	err := e.repo.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.User(userID); err != nil {
			return err
		}
		cashFlow, err := tx.SumSpotQuoteAmounts(userID)
		if err != nil {
			return err
		}
		spotCash := e.initialBalance + cashFlow
		if spotCash < 0 {
			spotCash = 0
		}
		if err := tx.DeleteFuturesHistory(userID); err != nil {
			return err
		}
		return tx.SetDemoBalance(userID, spotCash)
	})
	if err != nil {
		return err
	}
	log.Printf("[账本] 用户 %d 合约绩效已重置", userID)
	return nil
}

// PortfolioContext 生成给模型的账户状态描述。取数失败时返回空串，
// 决策流程不因此中断。
func (e *Engine) PortfolioContext(ctx context.Context, userID int64, marketType domain.MarketType) string {
	if marketType == domain.MarketFutures {
		return e.futuresContext(ctx, userID)
	}
	return e.spotContext(ctx, userID)
}

func (e *Engine) spotContext(ctx context.Context, userID int64) string {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return ""
	}
	holdings, err := e.repo.ListHoldings(ctx, userID)
	if err != nil {
		return ""
	}
	if len(holdings) == 0 {
		return fmt.Sprintf("Current demo balance: %.2f USDT. No open positions (USDT only).", user.DemoBalance)
	}

	trades, err := e.repo.ListSpotTradesAsc(ctx, userID)
	if err != nil {
		trades = nil
	}

	out := fmt.Sprintf("Current demo balance: %.2f USDT.", user.DemoBalance)
	for _, h := range holdings {
		if h.Asset == "USDT" {
			continue
		}
		symbol := h.Asset + "USDT"

		// 历史全部 BUY 成交的加权平均成本
		var totalQty, totalCost float64
		for _, t := range trades {
			if t.Side == domain.SpotBuy && t.BaseAsset == h.Asset {
				totalQty += t.Quantity
				totalCost += t.Quantity * t.Price
			}
		}
		if totalQty > 0 {
			out += fmt.Sprintf(" Position: %s — %.8f units (average buy ~%.2f USDT).",
				symbol, h.Quantity, totalCost/totalQty)
		} else {
			out += fmt.Sprintf(" Position: %s — %.8f units.", symbol, h.Quantity)
		}
	}
	return out
}

func (e *Engine) futuresContext(ctx context.Context, userID int64) string {
	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return ""
	}
	positions, err := e.repo.ListFuturesPositions(ctx, userID)
	if err != nil {
		return ""
	}
	if len(positions) == 0 {
		return fmt.Sprintf("Available margin: %.2f USDT. No open leveraged positions.", user.DemoBalance)
	}

	out := fmt.Sprintf("Available margin: %.2f USDT.", user.DemoBalance)
	for _, p := range positions {
		out += fmt.Sprintf(" Position: %s %s — %.8f units, entry ~%.2f USDT, %dx leverage, margin %.2f USDT.",
			p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.Leverage, p.Margin)
	}
	return out
}
