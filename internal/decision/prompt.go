package decision

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"ai_trader/internal/domain"
)

// 图表分析系统提示词
const analysisSystemPrompt = "You are a crypto chart analyst and trading assistant. " +
	"Suggest BUY, SELL, or HOLD. In futures mode BUY=long and SELL=short. Keep it concise."

// 对话系统提示词
const chatSystemPrompt = `You are an AI trading assistant.
Provide short and clear answers about crypto markets, trading, portfolio management, and technical analysis.
Reply in English. This is informational only, not financial advice.`

// 四种固定策略模板
var strategyTexts = map[domain.Strategy]string{
	domain.StrategyAggressive: `Strategy: AGGRESSIVE (short-term, high frequency).
Look for short-term opportunities on the chart. Suggest buy/sell more often. Keep stop-loss tight. Focus on scalping and intraday trades.`,
	domain.StrategyPassive: `Strategy: PASSIVE (low risk).
Suggest actions only on strong signals. Fewer trades, wider stop-loss. Prioritize protection.`,
	domain.StrategyLongTerm: `Strategy: LONG-TERM (swing/position).
Focus on weekly/monthly trends. Ignore short-term noise. Prefer buy-and-hold or sell-and-hold style suggestions.`,
	domain.StrategyShortTerm: `Strategy: SHORT-TERM (daily/intraday).
Focus on intraday movements. Keep entry/exit levels clear. Pay attention to technical patterns.`,
}

// buildUserContent 组装用户侧提示词：账户状态 + 标的行 + 策略模板 +
// 合约补充说明 + 自定义指令 + 收尾指令
func buildUserContent(portfolioCtx, symbol, interval string, marketType domain.MarketType, strategy domain.Strategy, customPrompt string) string {
	var b strings.Builder

	if portfolioCtx != "" {
		fmt.Fprintf(&b, "[User's current demo status: %s]\n\n", portfolioCtx)
	}

	marketLabel := "Spot"
	if marketType == domain.MarketFutures {
		marketLabel = "Futures (leveraged)"
	}
	fmt.Fprintf(&b, "Currently analyzed: %s, timeframe: %s. Market: %s.\n", symbol, interval, marketLabel)

	text, ok := strategyTexts[strategy]
	if !ok {
		text = strategyTexts[domain.StrategyShortTerm]
	}
	b.WriteString(text)
	b.WriteString("\n\n")

	if marketType == domain.MarketFutures {
		b.WriteString("This is a FUTURES (leveraged) analysis: LONG = buy, SHORT = sell. " +
			"If there is an open position, evaluate profit/loss vs entry price. ")
	}
	if trimmed := strings.TrimSpace(customPrompt); trimmed != "" {
		fmt.Fprintf(&b, "User instruction: %s\n\n", trimmed)
	}

	b.WriteString("Review the chart image and provide a short technical analysis. Suggest BUY, SELL, or HOLD. Reply in English.")
	return b.String()
}

// buildParts 文本 + 可选图表图片（data URL）
func buildParts(userContent, imageBase64 string) []llms.ContentPart {
	parts := []llms.ContentPart{llms.TextContent{Text: userContent}}

	b64 := strings.TrimSpace(imageBase64)
	if b64 == "" {
		return parts
	}
	url := b64
	if !strings.HasPrefix(b64, "data:") {
		url = "data:image/png;base64," + b64
	}
	return append(parts, llms.ImageURLContent{URL: url})
}
