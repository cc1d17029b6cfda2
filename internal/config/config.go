package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config centralizes runtime settings for the trading agent service.
type Config struct {
	HTTPAddr          string
	SQLiteDSN         string
	RequestTimeoutSec int

	// GLM（OpenAI 兼容接口）
	GLMAPIKey  string
	GLMBaseURL string

	// OpenAI
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// 行情数据源
	ExchangeBaseURL string

	// 新用户初始余额
	InitialDemoBalance float64 // 模拟交易 USDT
	InitialAIBalance   float64 // AI 计费 USD

	// 调度器轮询间隔（秒），各任务自身节奏由 interval_sec 控制
	SchedulerTickSec int
}

func Load() Config {
	// Auto-load .env file if present (won't override existing env vars)
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		SQLiteDSN:         getEnv("SQLITE_DSN", "file:./ai_trader.db?_pragma=busy_timeout(5000)"),
		RequestTimeoutSec: getEnvInt("REQUEST_TIMEOUT_SEC", 300),

		GLMAPIKey:  getEnv("GLM_API_KEY", ""),
		GLMBaseURL: getEnv("GLM_BASE_URL", "https://api.z.ai/api/paas/v4"),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		ExchangeBaseURL: getEnv("EXCHANGE_BASE_URL", "https://api.binance.com"),

		InitialDemoBalance: getEnvFloat("INITIAL_DEMO_BALANCE", 10000),
		InitialAIBalance:   getEnvFloat("INITIAL_AI_BALANCE", 10),

		SchedulerTickSec: getEnvInt("SCHEDULER_TICK_SEC", 5),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
