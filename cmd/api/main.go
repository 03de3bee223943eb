package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/crisisline/backend/config"
	"github.com/crisisline/backend/internal/alertengine"
	"github.com/crisisline/backend/internal/broker"
	"github.com/crisisline/backend/internal/bus"
	"github.com/crisisline/backend/internal/crypto"
	"github.com/crisisline/backend/internal/geostore"
	"github.com/crisisline/backend/internal/handlers"
	"github.com/crisisline/backend/internal/ingestion"
	"github.com/crisisline/backend/internal/middleware"
	"github.com/crisisline/backend/internal/repository"
	"github.com/crisisline/backend/internal/resolution"
	"github.com/crisisline/backend/internal/services/auth"
	"github.com/crisisline/backend/internal/services/notification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Printf("Warning: Database ping failed: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		log.Printf("Warning: Failed to parse broker URL: %v, using defaults", err)
		redisOpts = &redis.Options{Addr: "localhost:6379", DB: 0}
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Printf("Warning: broker ping failed: %v", err)
	}

	jwtService, err := auth.NewJWTService(
		cfg.JWTSecret,
		cfg.JWTRefreshSecret,
		cfg.JWTAccessDuration,
		cfg.JWTRefreshDuration,
	)
	if err != nil {
		log.Fatalf("Failed to initialize JWT service: %v", err)
	}

	cryptoSvc, err := crypto.NewService(cfg.EncryptionMasterKey, cfg.SMSMasterKey)
	if err != nil {
		log.Fatalf("Failed to initialize crypto service: %v", err)
	}

	// Repositories
	sosRepo := repository.NewSOSRepository(db)
	patientRepo := repository.NewPatientRepository(db)
	facilityRepo := repository.NewFacilityRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	geoEventRepo := repository.NewGeoEventRepository(db)
	intelChannelRepo := repository.NewIntelChannelRepository(db)

	brk := broker.New(redisClient)

	smsService := notification.NewSMSService(&notification.SMSConfig{
		AccountSID:      cfg.TwilioAccountSID,
		AuthToken:       cfg.TwilioAuthToken,
		FromPhoneNumber: cfg.TwilioFromNumber,
		WebhookSecret:   cfg.SMSWebhookSecret,
	})

	alertEngine := alertengine.New(alertRepo, patientRepo, geoEventRepo, facilityRepo, sosRepo, brk)
	geoStore := geostore.New(geoEventRepo)
	ingestionRouter := ingestion.New(sosRepo, patientRepo, facilityRepo, cryptoSvc, brk, redisClient, smsService, cfg.SMSWebhookSecret)
	resolutionWatcher := resolution.New(sosRepo, patientRepo, facilityRepo, brk, smsService)

	if cfg.IsLLMConfigured() {
		log.Println("[LLMClient] LLM-backed triage and intel classification enabled")
	} else {
		log.Println("[LLMClient] no LLM_API_KEY set - falling back to keyword triage and classification")
	}
	if cfg.IsSMSConfigured() {
		log.Println("[SMS] Twilio carrier configured for outbound SMS")
	} else {
		log.Println("[SMS] Twilio not configured - outbound acknowledgement and arrival SMS disabled")
	}

	// Fan-out: room-based WebSocket hub and the live map's plain SSE surface,
	// both relaying off the same broker so a browser and a mobile app see
	// the same event in near-real time regardless of transport.
	wsHub := bus.NewHub(brk)
	liveMapHub := bus.NewLiveMapSSEHub(brk)

	handlers.SetSOSDependencies(ingestionRouter, sosRepo, resolutionWatcher)
	handlers.SetAlertDependencies(alertEngine, alertRepo)
	handlers.SetIntelDependencies(intelChannelRepo)
	handlers.SetGeoStore(geoStore)
	handlers.SetBusHub(wsHub)
	handlers.SetLiveMapSSEHub(liveMapHub)

	bgCtx, cancelBackground := context.WithCancel(context.Background())

	wsHub.Start(bgCtx)
	if err := liveMapHub.Start(bgCtx); err != nil {
		log.Printf("Warning: failed to start live map SSE hub: %v", err)
	}

	router := gin.Default()
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.Logger())
	router.Use(middleware.SetJWTService(jwtService))
	router.Use(middleware.GlobalRateLimit(redisClient, cfg.GlobalRateLimitPerMinute))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	v1 := router.Group("/api/v1")
	{
		// SOS intake: every transport accepts anonymous/field traffic, so
		// only the direct API path carries optional bearer auth.
		v1.POST("/sos", middleware.OptionalAuth(), middleware.SOSIntakeRateLimit(redisClient, cfg.SOSRateLimitPerMinute), handlers.CreateSOS)
		v1.POST("/mesh/sos", handlers.IngestMesh)
		v1.POST("/sync", handlers.IngestSync)
		v1.POST("/sms/inbound", handlers.InboundSMS)
		v1.GET("/sos/:id", handlers.GetSOS)
		v1.GET("/patients/:id/sos/active", handlers.ListActiveSOSForPatient)
		v1.POST("/patients/:id/location", middleware.AuthRequired(), handlers.UpdatePatientLocation)

		v1.POST("/admin/simulate", middleware.AuthRequired(), middleware.RequireKind(auth.SubjectFacility), handlers.IngestSimulation)
		v1.POST("/admin/intel/channels/:id/monitoring-status", middleware.AuthRequired(), middleware.RequireKind(auth.SubjectFacility), handlers.SetChannelMonitoringStatus)

		v1.GET("/departments/:department/alerts", handlers.ListAlertsByDepartment)
		v1.GET("/facilities/:id/alerts", handlers.ListAlertsByFacility)
		v1.POST("/alerts/:id/acknowledge", middleware.AuthRequired(), middleware.RequireKind(auth.SubjectFacility), handlers.AcknowledgeAlert)
		v1.POST("/alerts/:id/false-alarm", middleware.AuthRequired(), middleware.RequireKind(auth.SubjectFacility), handlers.ReportFalseAlarm)

		v1.GET("/map/events", handlers.ListMapEvents)
		v1.GET("/map/clusters", handlers.ListMapClusters)
		v1.GET("/map/nearby", handlers.ListMapEventsWithinRadius)
		v1.GET("/map/stream", handlers.LiveMapStream)

		v1.GET("/health/map-stream", handlers.LiveMapStreamHealth)
	}

	router.GET("/ws", handlers.ServeWebSocket)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // disabled: /ws and the SSE streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("crisisline API server starting on port %s", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	cancelBackground()
	wsHub.Stop()
	liveMapHub.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited gracefully")
}
