// Command scheduler runs the three periodic sweeps the spec ties to wall
// clock rather than to inbound traffic: the Telegram intel pull, the
// Verification Loop's trust re-scoring, and the Geo Event Store's TTL
// garbage collection. Patterned after the teacher's ObitoListener, one
// ticker-driven loop per concern instead of one monolithic poller.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/crisisline/backend/config"
	"github.com/crisisline/backend/internal/alertengine"
	"github.com/crisisline/backend/internal/broker"
	"github.com/crisisline/backend/internal/geostore"
	"github.com/crisisline/backend/internal/integration"
	"github.com/crisisline/backend/internal/intel"
	"github.com/crisisline/backend/internal/repository"
	"github.com/crisisline/backend/internal/verification"
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

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(3)
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
	intelChannelRepo := repository.NewIntelChannelRepository(db)
	intelMessageRepo := repository.NewIntelMessageRepository(db)

	brk := broker.New(redisClient)
	alertEngine := alertengine.New(alertRepo, patientRepo, geoEventRepo, facilityRepo, sosRepo, brk)
	geoStore := geostore.New(geoEventRepo)

	llmClient := integration.NewLLMClient(integration.LLMClientConfig{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	})
	vectorClient := integration.NewVectorClient(integration.VectorClientConfig{
		BaseURL:        cfg.VectorIndexURL,
		CollectionName: cfg.VectorCollectionName,
	})
	telegramClient := intel.NewTelegramClient(intel.TelegramClientConfig{
		BaseURL:  cfg.IntelBaseURL,
		BotToken: cfg.IntelBotToken,
	})

	intelPipeline := intel.New(
		intelChannelRepo,
		intelMessageRepo,
		geoEventRepo,
		alertEngine,
		telegramClient,
		llmClient,
		vectorClient,
		brk,
		cfg.IntelPullInterval,
	)

	verificationLoop := verification.New(
		geoEventRepo,
		sosRepo,
		intelMessageRepo,
		intelChannelRepo,
		llmClient,
		cfg.VerificationInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())

	if err := intelPipeline.Start(ctx); err != nil {
		log.Fatalf("Failed to start intel pipeline: %v", err)
	}
	if err := verificationLoop.Start(ctx); err != nil {
		log.Fatalf("Failed to start verification loop: %v", err)
	}

	gcInterval := cfg.GeoEventGCInterval
	if gcInterval <= 0 {
		gcInterval = time.Hour
	}
	gcTicker := time.NewTicker(gcInterval)
	defer gcTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-gcTicker.C:
				deleted, err := geoStore.GC(ctx)
				if err != nil {
					log.Printf("[GeoStore] GC sweep failed: %v", err)
					continue
				}
				if deleted > 0 {
					log.Printf("[GeoStore] GC sweep deleted %d expired events", deleted)
				}
			}
		}
	}()

	log.Println("crisisline scheduler started: intel pull, verification sweep, geo-event GC")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down scheduler...")
	cancel()
	intelPipeline.Stop()
	verificationLoop.Stop()
	log.Println("Scheduler exited gracefully")
}
