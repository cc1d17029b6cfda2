package main

import (
	"context"
	"log"

	"ai_trader/internal/config"
	"ai_trader/internal/decision"
	"ai_trader/internal/httpapi"
	"ai_trader/internal/ledger"
	"ai_trader/internal/market"
	"ai_trader/internal/scheduler"
	"ai_trader/internal/store"
)

func main() {
	cfg := config.Load()

	repo, err := store.NewSQLiteRepository(cfg.SQLiteDSN)
	if err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer repo.Close()

	if err := repo.Init(context.Background()); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}

	marketClient := market.NewClient(cfg.ExchangeBaseURL)
	engine := ledger.NewEngine(repo, marketClient, cfg.InitialDemoBalance)

	glm := decision.NewGLMProvider(cfg.GLMAPIKey, cfg.GLMBaseURL)
	openAI := decision.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	pipeline := decision.NewPipeline(repo, engine, glm, openAI)

	agents := scheduler.New(repo, marketClient, pipeline, engine, cfg.SchedulerTickSec, cfg.RequestTimeoutSec)
	agents.Start()
	defer agents.Stop()

	router := httpapi.NewRouter(repo, engine, pipeline, agents, cfg.RequestTimeoutSec, cfg.InitialDemoBalance, cfg.InitialAIBalance)

	log.Printf("AI Trader 服务启动 地址=%s", cfg.HTTPAddr)
	if err := router.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("启动服务失败: %v", err)
	}
}
