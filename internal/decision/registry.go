package decision

// DefaultModel 未指定或未知模型时的兜底
const DefaultModel = "GLM-4.6V-Flash"

// ProviderGLM / ProviderOpenAI 模型注册表里的提供方标识
const (
	ProviderGLM    = "glm"
	ProviderOpenAI = "openai"
)

// ModelInfo 模型定价，单位：USD / 100 万 token
type ModelInfo struct {
	Provider    string  `json:"provider"`
	InputPrice  float64 `json:"input"`
	CachedPrice float64 `json:"cached"`
	OutputPrice float64 `json:"output"`
}

// Registry 可选模型及计费表
var Registry = map[string]ModelInfo{
	"GLM-4.6V-Flash":  {Provider: ProviderGLM, InputPrice: 0, CachedPrice: 0, OutputPrice: 0},
	"GLM-4.6V":        {Provider: ProviderGLM, InputPrice: 0.3, CachedPrice: 0.05, OutputPrice: 0.9},
	"GLM-OCR":         {Provider: ProviderGLM, InputPrice: 0.03, CachedPrice: 0, OutputPrice: 0.03},
	"GLM-4.6V-FlashX": {Provider: ProviderGLM, InputPrice: 0.04, CachedPrice: 0.004, OutputPrice: 0.4},
	"GLM-4.5V":        {Provider: ProviderGLM, InputPrice: 0.6, CachedPrice: 0.11, OutputPrice: 1.8},
	"gpt-5.2":         {Provider: ProviderOpenAI, InputPrice: 1.75, CachedPrice: 0.175, OutputPrice: 14.0},
	"gpt-5.1":         {Provider: ProviderOpenAI, InputPrice: 1.25, CachedPrice: 0.125, OutputPrice: 10.0},
	"gpt-5":           {Provider: ProviderOpenAI, InputPrice: 1.25, CachedPrice: 0.125, OutputPrice: 10.0},
	"gpt-5-mini":      {Provider: ProviderOpenAI, InputPrice: 0.25, CachedPrice: 0.025, OutputPrice: 2.0},
	"gpt-5-nano":      {Provider: ProviderOpenAI, InputPrice: 0.05, CachedPrice: 0.005, OutputPrice: 0.4},
}

// ResolveModel 未知或空模型统一落到默认模型
func ResolveModel(modelID string) string {
	if _, ok := Registry[modelID]; ok {
		return modelID
	}
	return DefaultModel
}

// ComputeCost 调用成本 = 各 token 数 / 1M × 单价
func ComputeCost(modelID string, inputTokens, outputTokens, cachedInputTokens int) float64 {
	info, ok := Registry[modelID]
	if !ok {
		info = Registry[DefaultModel]
	}
	return float64(inputTokens)/1_000_000*info.InputPrice +
		float64(cachedInputTokens)/1_000_000*info.CachedPrice +
		float64(outputTokens)/1_000_000*info.OutputPrice
}
