package decision

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"ai_trader/internal/domain"
	"ai_trader/internal/store"
)

type fakeProvider struct {
	content string
	usage   Usage
	err     error

	calls      int
	lastSystem string
	lastParts  []llms.ContentPart
	lastModel  string
}

func (f *fakeProvider) Send(ctx context.Context, systemPrompt string, parts []llms.ContentPart, modelID string) (string, Usage, error) {
	f.calls++
	f.lastSystem = systemPrompt
	f.lastParts = parts
	f.lastModel = modelID
	if f.err != nil {
		return "", Usage{}, f.err
	}
	return f.content, f.usage, nil
}

type stubPortfolio struct{ text string }

func (s stubPortfolio) PortfolioContext(ctx context.Context, userID int64, marketType domain.MarketType) string {
	return s.text
}

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("打开内存数据库: %v", err)
	}
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("初始化表结构: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestAnalyzePersistsAndDebits(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	if _, err := repo.EnsureUser(ctx, 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	glm := &fakeProvider{
		content: "Price action suggests BUY at 95,200",
		// GLM-4.6V 输入价 0.3/1M，一百万 token 正好 0.3 USD
		usage: Usage{InputTokens: 1_000_000},
	}
	p := NewPipeline(repo, stubPortfolio{text: "Current demo balance: 10000.00 USDT."}, glm, &fakeProvider{})

	result := p.Analyze(ctx, AnalyzeRequest{
		UserID:      1,
		ImageBase64: "aGVsbG8=",
		Symbol:      "BTCUSDT",
		Interval:    "1m",
		Strategy:    domain.StrategyShortTerm,
		MarketType:  domain.MarketSpot,
		Model:       "GLM-4.6V",
	})

	if result.Action != domain.ActionBuy {
		t.Errorf("动作 = %s, 期望 BUY", result.Action)
	}
	if result.AnalysisID == "" {
		t.Fatal("AnalysisID 为空，期望已入库")
	}
	if result.BuyAt == nil || *result.BuyAt != 95200.0 {
		t.Errorf("BuyAt = %v, 期望 95200", result.BuyAt)
	}
	if math.Abs(result.CostUSD-0.3) > 1e-9 {
		t.Errorf("费用 = %v, 期望 0.3", result.CostUSD)
	}

	user, _ := repo.GetUser(ctx, 1)
	if math.Abs(user.BalanceUSD-9.7) > 1e-9 {
		t.Errorf("AI 余额 = %v, 期望 9.7", user.BalanceUSD)
	}

	analysis, err := repo.GetAnalysis(ctx, result.AnalysisID)
	if err != nil {
		t.Fatalf("读取分析记录: %v", err)
	}
	if analysis.Action != domain.ActionBuy || analysis.Model != "GLM-4.6V" {
		t.Errorf("分析记录 = %+v", analysis)
	}

	// 图表图片应作为多模态内容传给提供方
	if glm.calls != 1 {
		t.Fatalf("提供方调用次数 = %d", glm.calls)
	}
	hasImage := false
	for _, part := range glm.lastParts {
		if _, ok := part.(llms.ImageURLContent); ok {
			hasImage = true
		}
	}
	if !hasImage {
		t.Error("发送内容中缺少图表图片")
	}
}

func TestAnalyzeUnaffordableSkipsPersistence(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	if _, err := repo.EnsureUser(ctx, 1, 10000, 0.1); err != nil {
		t.Fatal(err)
	}

	glm := &fakeProvider{
		content: "Strong momentum, BUY at 95,200",
		usage:   Usage{InputTokens: 1_000_000}, // 费用 0.3 > 余额 0.1
	}
	p := NewPipeline(repo, stubPortfolio{}, glm, &fakeProvider{})

	result := p.Analyze(ctx, AnalyzeRequest{UserID: 1, Symbol: "BTCUSDT", Model: "GLM-4.6V"})

	// 付不起：不扣费、不落库，但动作照常返回
	if result.Action != domain.ActionBuy {
		t.Errorf("动作 = %s, 期望 BUY", result.Action)
	}
	if result.AnalysisID != "" {
		t.Errorf("AnalysisID = %q, 期望为空", result.AnalysisID)
	}
	user, _ := repo.GetUser(ctx, 1)
	if math.Abs(user.BalanceUSD-0.1) > 1e-9 {
		t.Errorf("AI 余额被扣减: %v", user.BalanceUSD)
	}
	analyses, _ := repo.ListAnalyses(ctx, 1, 10)
	if len(analyses) != 0 {
		t.Errorf("不应留下分析记录: %d 条", len(analyses))
	}
}

func TestAnalyzeFreeModelPersistsWithZeroBalance(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	if _, err := repo.EnsureUser(ctx, 1, 10000, 0); err != nil {
		t.Fatal(err)
	}

	glm := &fakeProvider{content: "HOLD for now", usage: Usage{InputTokens: 500, OutputTokens: 200}}
	p := NewPipeline(repo, stubPortfolio{}, glm, &fakeProvider{})

	// 默认模型免费，零余额也能入库
	result := p.Analyze(ctx, AnalyzeRequest{UserID: 1, Symbol: "BTCUSDT"})
	if result.Model != DefaultModel {
		t.Errorf("模型 = %s, 期望 %s", result.Model, DefaultModel)
	}
	if result.AnalysisID == "" {
		t.Error("免费模型的分析应当入库")
	}
	if result.CostUSD != 0 {
		t.Errorf("费用 = %v, 期望 0", result.CostUSD)
	}
}

func TestAnalyzeProviderFailureDegradesToHold(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	if _, err := repo.EnsureUser(ctx, 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	glm := &fakeProvider{err: errors.New("上游超时")}
	p := NewPipeline(repo, stubPortfolio{}, glm, &fakeProvider{})

	result := p.Analyze(ctx, AnalyzeRequest{UserID: 1, Symbol: "BTCUSDT"})
	if result.Action != domain.ActionHold {
		t.Errorf("动作 = %s, 期望降级为 HOLD", result.Action)
	}
	if result.AnalysisID != "" || result.AnalysisText != "" {
		t.Errorf("失败结果不应携带内容: %+v", result)
	}
	analyses, _ := repo.ListAnalyses(ctx, 1, 10)
	if len(analyses) != 0 {
		t.Errorf("失败不应入库: %d 条", len(analyses))
	}
}

func TestAnalyzeMissingCredentialsDegradesToHold(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	if _, err := repo.EnsureUser(ctx, 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	// 未配置 API Key 的真实提供方
	p := NewPipeline(repo, stubPortfolio{}, NewGLMProvider("", ""), &fakeProvider{})
	result := p.Analyze(ctx, AnalyzeRequest{UserID: 1, Symbol: "BTCUSDT"})
	if result.Action != domain.ActionHold {
		t.Errorf("动作 = %s, 期望 HOLD", result.Action)
	}
}

func TestChatDebitsBalance(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	if _, err := repo.EnsureUser(ctx, 1, 10000, 10); err != nil {
		t.Fatal(err)
	}

	glm := &fakeProvider{content: "BTC is consolidating.", usage: Usage{InputTokens: 1_000_000}}
	p := NewPipeline(repo, stubPortfolio{}, glm, &fakeProvider{})

	reply, err := p.Chat(ctx, 1, []ChatMessage{
		{Role: "user", Content: "How is BTC doing?"},
	}, "GLM-4.6V")
	if err != nil {
		t.Fatalf("对话: %v", err)
	}
	if reply != "BTC is consolidating." {
		t.Errorf("回复 = %q", reply)
	}
	user, _ := repo.GetUser(ctx, 1)
	if math.Abs(user.BalanceUSD-9.7) > 1e-9 {
		t.Errorf("AI 余额 = %v, 期望 9.7", user.BalanceUSD)
	}
}

func TestChatInsufficientBalanceIsError(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	if _, err := repo.EnsureUser(ctx, 1, 10000, 0.05); err != nil {
		t.Fatal(err)
	}

	glm := &fakeProvider{content: "ok", usage: Usage{InputTokens: 1_000_000}}
	p := NewPipeline(repo, stubPortfolio{}, glm, &fakeProvider{})

	_, err := p.Chat(ctx, 1, []ChatMessage{{Role: "user", Content: "hi"}}, "GLM-4.6V")
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("错误 = %v, 期望 ErrInsufficientFunds", err)
	}
}
