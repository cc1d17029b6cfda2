package domain

import "errors"

// 错误分类：调用方可用 errors.Is 判断，HTTP 层据此映射状态码。
// 前两类保证未发生任何状态变更。
var (
	// ErrInsufficientFunds 现货余额不足，未发生任何扣减
	ErrInsufficientFunds = errors.New("insufficient demo balance")

	// ErrInsufficientMargin 合约保证金不足（含自动平仓入账后仍不足）
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrNotFound 持仓/分析不存在，或属于其他用户
	ErrNotFound = errors.New("not found")

	// ErrUpstreamUnavailable 行情、图表或模型上游不可用。
	// 后台周期内降级为 HOLD 并写日志；交互路径原样上抛。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrConfigurationMissing 未配置模型提供方凭证
	ErrConfigurationMissing = errors.New("provider credential not configured")
)
