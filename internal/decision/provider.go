package decision

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"ai_trader/internal/domain"
)

// Usage 单次调用的 token 消耗
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
}

// Provider 是模型调用的唯一出口。两家提供方都走 OpenAI 兼容协议，
// 区别只在 base URL 与凭证。
type Provider interface {
	Send(ctx context.Context, systemPrompt string, parts []llms.ContentPart, modelID string) (string, Usage, error)
}

type openAICompatProvider struct {
	name    string
	apiKey  string
	baseURL string
}

// NewGLMProvider 走 GLM 的 OpenAI 兼容端点
func NewGLMProvider(apiKey, baseURL string) Provider {
	return &openAICompatProvider{name: ProviderGLM, apiKey: apiKey, baseURL: baseURL}
}

// NewOpenAIProvider 走 OpenAI 官方端点（或兼容代理）
func NewOpenAIProvider(apiKey, baseURL string) Provider {
	return &openAICompatProvider{name: ProviderOpenAI, apiKey: apiKey, baseURL: baseURL}
}

func (p *openAICompatProvider) Send(ctx context.Context, systemPrompt string, parts []llms.ContentPart, modelID string) (string, Usage, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return "", Usage{}, fmt.Errorf("%s 凭证未配置: %w", p.name, domain.ErrConfigurationMissing)
	}

	opts := []openai.Option{
		openai.WithToken(p.apiKey),
		openai.WithModel(modelID),
	}
	if strings.TrimSpace(p.baseURL) != "" {
		opts = append(opts, openai.WithBaseURL(p.baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return "", Usage{}, fmt.Errorf("初始化 %s 客户端: %w", p.name, err)
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: systemPrompt}},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: parts,
		},
	}

	resp, err := llm.GenerateContent(ctx, messages,
		llms.WithMaxTokens(4096),
		llms.WithTemperature(0.6),
	)
	if err != nil {
		return "", Usage{}, fmt.Errorf("%s 调用失败: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("%s 返回空结果", p.name)
	}

	choice := resp.Choices[0]
	return choice.Content, extractUsage(choice.GenerationInfo), nil
}

// extractUsage 从 LangChainGo GenerationInfo 中提取 token 用量，
// 缓存命中量并非所有端点都回报，取不到时记 0
func extractUsage(info map[string]any) Usage {
	if info == nil {
		return Usage{}
	}
	u := Usage{
		InputTokens:  toInt(info["PromptTokens"]),
		OutputTokens: toInt(info["CompletionTokens"]),
	}
	for _, key := range []string{"CachedTokens", "PromptCachedTokens"} {
		if n := toInt(info[key]); n > 0 {
			u.CachedInputTokens = n
			break
		}
	}
	return u
}

func toInt(v any) int {
	if v == nil {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
