package main

import (
	"context"
	"log"

	"github.com/arkchat/arkchat/internal/ai"
	"github.com/arkchat/arkchat/internal/config"
	"github.com/arkchat/arkchat/internal/db"
	"github.com/arkchat/arkchat/internal/httpapi"
	"github.com/arkchat/arkchat/internal/store/rabbitmq"
	"github.com/arkchat/arkchat/internal/store/redisstore"
)

func buildRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register(ai.ModelDoubao, cfg.ArkSystemPrompt, func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return ai.NewChatProvider("doubao", cfg.ArkBaseURL, cfg.ArkAPIKey, cfg.ArkModel), nil
	})

	reg.Register(ai.ModelDeepSeek, cfg.DeepSeekSystemPrompt, func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return ai.NewChatProvider("deepseek", cfg.DeepSeekBaseURL, cfg.DeepSeekAPIKey, cfg.DeepSeekModel), nil
	})

	reg.Register(ai.ModelOllama, "", func(ctx context.Context) (ai.Provider, error) {
		_ = ctx
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	})

	return reg
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	// async path is optional; the stream path works without rabbit
	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Printf("rabbitmq unavailable, async sends disabled: %v", err)
		rabbit = nil
	} else {
		defer rabbit.Close()
	}

	models := buildRegistry(cfg)

	r := httpapi.NewRouter(gdb, cfg, rds, rabbit, models)

	log.Printf("server listening on %s", cfg.HTTPAddr)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
