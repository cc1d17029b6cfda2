package decision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"ai_trader/internal/domain"
	"ai_trader/internal/store"
)

// PortfolioSource 提供给模型的账户状态描述，由账本引擎实现
type PortfolioSource interface {
	PortfolioContext(ctx context.Context, userID int64, marketType domain.MarketType) string
}

// AnalyzeRequest 一次图表分析请求
type AnalyzeRequest struct {
	UserID       int64
	ImageBase64  string
	Symbol       string
	Interval     string
	Strategy     domain.Strategy
	CustomPrompt string
	MarketType   domain.MarketType
	Model        string
}

// Result 分析结果。AnalysisID 为空表示本次决策未能入库
// （余额不足或持久化失败），动作本身仍然有效。
type Result struct {
	AnalysisID   string        `json:"analysis_id,omitempty"`
	Action       domain.Action `json:"action"`
	AnalysisText string        `json:"analysis"`
	MessageShort string        `json:"message"`
	BuyAt        *float64      `json:"buy_at,omitempty"`
	SellAt       *float64      `json:"sell_at,omitempty"`
	Model        string        `json:"model"`
	CostUSD      float64       `json:"cost_usd"`
	Usage        Usage         `json:"-"`
}

// Pipeline 决策流水线：组装提示词、调用模型、解析动作、计费落库
type Pipeline struct {
	repo      store.Repository
	portfolio PortfolioSource
	providers map[string]Provider
}

func NewPipeline(repo store.Repository, portfolio PortfolioSource, glm, openAI Provider) *Pipeline {
	return &Pipeline{
		repo:      repo,
		portfolio: portfolio,
		providers: map[string]Provider{
			ProviderGLM:    glm,
			ProviderOpenAI: openAI,
		},
	}
}

// Analyze 执行一次完整分析。模型调用失败（含凭证缺失）降级为 HOLD，
// 不向调用方抛错；计费在响应返回后结算：付不起就不扣费不落库，
// 但解析出的动作照常返回。
func (p *Pipeline) Analyze(ctx context.Context, req AnalyzeRequest) Result {
	modelID := ResolveModel(strings.TrimSpace(req.Model))
	info := Registry[modelID]
	provider := p.providers[info.Provider]

	portfolioCtx := p.portfolio.PortfolioContext(ctx, req.UserID, req.MarketType)
	userContent := buildUserContent(portfolioCtx, req.Symbol, req.Interval, req.MarketType, req.Strategy, req.CustomPrompt)
	parts := buildParts(userContent, req.ImageBase64)

	content, usage, err := provider.Send(ctx, analysisSystemPrompt, parts, modelID)
	if err != nil {
		if errors.Is(err, domain.ErrConfigurationMissing) {
			log.Printf("[决策] 用户 %d 模型 %s 凭证未配置，降级为 HOLD", req.UserID, modelID)
		} else {
			log.Printf("[决策] 用户 %d 模型 %s 调用失败: %v，降级为 HOLD", req.UserID, modelID, err)
		}
		return Result{Action: domain.ActionHold, Model: modelID}
	}

	parsed := ParseResponse(content)
	cost := ComputeCost(modelID, usage.InputTokens, usage.OutputTokens, usage.CachedInputTokens)
	result := Result{
		Action:       parsed.Action,
		AnalysisText: parsed.AnalysisText,
		MessageShort: parsed.MessageShort,
		BuyAt:        parsed.BuyAt,
		SellAt:       parsed.SellAt,
		Model:        modelID,
		CostUSD:      cost,
		Usage:        usage,
	}

	// 余额预检在事务外，窗口期内的并发扣费由事务内的条件扣减兜底
	if cost > 0 {
		user, err := p.repo.GetUser(ctx, req.UserID)
		if err != nil || user.BalanceUSD < cost {
			log.Printf("[决策] 用户 %d 余额不足以支付 %.6f USD，本次决策不入库", req.UserID, cost)
			return result
		}
	}

	analysis := domain.AgentAnalysis{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		Symbol:            req.Symbol,
		Interval:          req.Interval,
		Strategy:          req.Strategy,
		Action:            parsed.Action,
		AnalysisText:      parsed.AnalysisText,
		MessageShort:      parsed.MessageShort,
		BuyAt:             parsed.BuyAt,
		SellAt:            parsed.SellAt,
		MarketType:        req.MarketType,
		Model:             modelID,
		InputTokens:       usage.InputTokens,
		OutputTokens:      usage.OutputTokens,
		CachedInputTokens: usage.CachedInputTokens,
		CostUSD:           cost,
		CreatedAt:         time.Now().UTC(),
	}

	err = p.repo.WithTx(ctx, func(tx *store.Tx) error {
		if cost > 0 {
			if err := tx.DebitAIBalance(req.UserID, cost); err != nil {
				return err
			}
		}
		return tx.InsertAnalysis(analysis)
	})
	if err != nil {
		// 入库失败不吞掉决策：动作照常返回，只是没有分析记录
		log.Printf("[决策] 用户 %d 分析入库失败: %v", req.UserID, err)
		return result
	}

	result.AnalysisID = analysis.ID
	return result
}

// ChatMessage 对话历史中的一条消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat 普通对话补全，与分析走同一套计费。交互路径上余额不足是错误，
// 凭证缺失也是错误，由 HTTP 层映射状态码。
func (p *Pipeline) Chat(ctx context.Context, userID int64, messages []ChatMessage, modelID string) (string, error) {
	modelID = ResolveModel(strings.TrimSpace(modelID))
	info := Registry[modelID]
	provider := p.providers[info.Provider]

	// 历史消息压平为一段对话文本，单轮人类消息交给提供方
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "user":
			fmt.Fprintf(&b, "User: %s\n", m.Content)
		case "assistant":
			fmt.Fprintf(&b, "Assistant: %s\n", m.Content)
		case "system":
			fmt.Fprintf(&b, "%s\n", m.Content)
		}
	}
	content, usage, err := provider.Send(ctx, chatSystemPrompt, buildParts(b.String(), ""), modelID)
	if err != nil {
		return "", err
	}

	cost := ComputeCost(modelID, usage.InputTokens, usage.OutputTokens, usage.CachedInputTokens)
	if cost > 0 {
		err = p.repo.WithTx(ctx, func(tx *store.Tx) error {
			return tx.DebitAIBalance(userID, cost)
		})
		if err != nil {
			return "", err
		}
	}

	log.Printf("[决策] 用户 %d 对话 %s: tokens in=%d out=%d cached=%d cost=%.6f USD",
		userID, modelID, usage.InputTokens, usage.OutputTokens, usage.CachedInputTokens, cost)
	return content, nil
}
