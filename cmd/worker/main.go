package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arkchat/arkchat/internal/ai"
	"github.com/arkchat/arkchat/internal/chat"
	"github.com/arkchat/arkchat/internal/config"
	"github.com/arkchat/arkchat/internal/db"
)

type jobMsg struct {
	JobID string `json:"job_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

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

	repo := chat.NewRepo(gdb)
	gen := chat.NewGenerator(repo, buildRegistry(cfg), cfg.ChatContextWindowSize)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	// must match the publisher's topology or the declare fails
	_, err = ch.QueueDeclare(cfg.RabbitQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.RabbitQueue + ".dlq",
	})
	if err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, gen, repo, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleJob(ctx context.Context, gen *chat.Generator, repo *chat.Repo, jobID string) error {
	start := time.Now()

	_ = repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	_, assistantMsgID, err := gen.GenerateAndInsert(ctx, j.UserID, j.SessionID)
	if err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	if err := repo.MarkJobSucceeded(ctx, jobID, assistantMsgID); err != nil {
		return err
	}

	if cost := time.Since(start); cost > 2*time.Second {
		log.Printf("job %s slow cost=%s", jobID, cost)
	}
	return nil
}
