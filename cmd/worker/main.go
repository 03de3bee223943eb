// Command worker runs a pool of triage consumers against the Redis Stream
// the Ingestion Router enqueues onto, generalizing the teacher's single
// TriagemMotor instance into N load-balanced consumers sharing one
// consumer group.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/crisisline/backend/config"
	"github.com/crisisline/backend/internal/alertengine"
	"github.com/crisisline/backend/internal/broker"
	"github.com/crisisline/backend/internal/integration"
	"github.com/crisisline/backend/internal/repository"
	"github.com/crisisline/backend/internal/triage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	redisOpts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		log.Fatalf("Failed to parse broker URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	sosRepo := repository.NewSOSRepository(db)
	patientRepo := repository.NewPatientRepository(db)
	facilityRepo := repository.NewFacilityRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	geoEventRepo := repository.NewGeoEventRepository(db)

	brk := broker.New(redisClient)
	alertEngine := alertengine.New(alertRepo, patientRepo, geoEventRepo, facilityRepo, sosRepo, brk)

	llmClient := integration.NewLLMClient(integration.LLMClientConfig{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	})

	concurrency := cfg.TriageWorkerConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	hostname, _ := os.Hostname()

	ctx, cancel := context.WithCancel(context.Background())

	bootstrap := triage.New(redisClient, hostname+"-bootstrap", sosRepo, patientRepo, alertRepo, facilityRepo, alertEngine, llmClient)
	if err := bootstrap.EnsureConsumerGroup(ctx); err != nil {
		log.Fatalf("Failed to create triage consumer group: %v", err)
	}

	var wg sync.WaitGroup
	orchestrators := make([]*triage.Orchestrator, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		consumerName := fmt.Sprintf("%s-%d", hostname, i)
		o := triage.New(redisClient, consumerName, sosRepo, patientRepo, alertRepo, facilityRepo, alertEngine, llmClient)
		orchestrators = append(orchestrators, o)

		wg.Add(1)
		go func(o *triage.Orchestrator) {
			defer wg.Done()
			o.Run(ctx)
		}(o)
	}

	log.Printf("crisisline worker started with %d triage consumers", concurrency)

	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				total := int64(0)
				for _, o := range orchestrators {
					stats := o.Stats()
					if processed, ok := stats["processed"].(int64); ok {
						total += processed
					}
				}
				log.Printf("[Triage] %d items processed across %d consumers", total, concurrency)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	wg.Wait()
	log.Println("Worker exited gracefully")
}
