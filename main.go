package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"parkgate/internal/cache"
	"parkgate/internal/config"
	"parkgate/internal/db"
	"parkgate/internal/domain/parking"
	httpapi "parkgate/internal/http"
	"parkgate/internal/notify"
	"parkgate/internal/repository"
	"parkgate/internal/service"
	"parkgate/internal/vision"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	gormDB, err := db.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	repo := repository.NewParkingRepository(gormDB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := notify.NewWebSocketHub(log)
	go hub.Run(ctx)

	sink := notify.MultiSink{notify.NewLogSink(log), hub}

	var sessionCache service.ActiveSessionCache
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sessionCache = cache.NewActiveSessionStore(
			redisClient, time.Duration(cfg.Redis.TTLMinutes)*time.Minute)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("active session cache enabled")
	}

	manager, err := service.NewSessionManager(
		service.ManagerConfig{
			Tariff:           cfg.Tariff,
			NoMatchPolicy:    parking.NoMatchPolicy(cfg.Session.NoMatchingExitPolicy),
			PendingExitGrace: cfg.PendingExitGrace(),
			EventBuffer:      cfg.Session.EventBuffer,
			PaymentUPIID:     cfg.Payment.UPIID,
			PaymentName:      cfg.Payment.MerchantName,
		},
		repo, repo, repo, sessionCache, sink, log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session manager")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("session manager stopped")
		}
	}()

	pipelines := startVision(ctx, &wg, cfg, manager.Events(), sink, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := httpapi.NewHandler(manager, repo, repo, pipelines, hub, cfg, log)
	handler.Register(router, httpapi.JWTAuth(cfg.Auth.JWTSecret))

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	wg.Wait()
	log.Info().Msg("stopped")
}

// startVision spins up one processing loop per configured camera. With no
// cameras configured the service still serves webhook and manual paths.
func startVision(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg *config.Config,
	events chan<- parking.RecognitionEvent,
	sink notify.Sink,
	log zerolog.Logger,
) map[string]*vision.Handler {
	pipelines := make(map[string]*vision.Handler, len(cfg.Cameras))
	if len(cfg.Cameras) == 0 {
		return pipelines
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Vision.AWSRegion))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS configuration")
	}
	engine := vision.NewRekognitionEngine(rekognition.NewFromConfig(awsCfg), log)

	for _, cam := range cfg.Cameras {
		source := vision.NewSnapshotSource(
			cam.SnapshotURL,
			time.Duration(cam.IntervalMs)*time.Millisecond,
			time.Duration(cam.TimeoutMs)*time.Millisecond,
		)
		handler := vision.NewHandler(
			source,
			vision.FullFrameDetector{},
			engine,
			vision.HandlerConfig{
				Channel:             parking.Channel(cam.Channel),
				CameraID:            cam.ID,
				ConfidenceThreshold: cfg.Vision.OCRConfidenceThreshold,
				DebounceWindow:      cfg.DebounceWindow(),
				OCRTimeout:          cfg.OCRTimeout(),
				Filter: vision.CandidateFilter{
					MinArea:   cfg.Vision.MinCandidateArea,
					MinAspect: cfg.Vision.MinAspectRatio,
					MaxAspect: cfg.Vision.MaxAspectRatio,
				},
			},
			events, sink, log,
		)
		pipelines[cam.ID] = handler

		wg.Add(1)
		go func(h *vision.Handler, src vision.FrameSource) {
			defer wg.Done()
			defer src.Close()
			if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("vision pipeline stopped")
			}
		}(handler, source)
	}
	return pipelines
}
