package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/safeshift/backend/internal/ai"
	"github.com/safeshift/backend/internal/alerting"
	"github.com/safeshift/backend/internal/config"
	"github.com/safeshift/backend/internal/db"
	"github.com/safeshift/backend/internal/events"
	httpapi "github.com/safeshift/backend/internal/http"
	"github.com/safeshift/backend/internal/metrics"
	"github.com/safeshift/backend/internal/risk"
	"github.com/safeshift/backend/internal/service"
)

type collaborators struct {
	safety     ai.SafetyCorrelator
	coach      ai.InterventionCoach
	classifier ai.TextClassifier
	crisis     ai.CrisisAssessor
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := log.Level(level).With().Str("service", "safeshift-backend").Logger()

	ctx := context.Background()
	var store db.Repository
	if cfg.DatabaseURL == "" {
		store = db.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
	} else {
		pg, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect db")
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply schema")
		}
		store = pg
	}
	defer store.Close()

	rules, err := alerting.LoadRules(cfg.AlertRulesFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load alert rules")
	}

	m := metrics.New()
	collab := buildCollaborators(cfg, logger)

	var publisher events.Publisher = events.Nop{}
	if cfg.RedisAddr != "" {
		rdb := events.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, events will be retried per publish")
		}
		cancel()
		publisher = events.NewStreamPublisher(rdb, cfg.AlertStream, 10000)
		logger.Info().Str("stream", cfg.AlertStream).Msg("publishing alert events")
	}

	svc := &service.ProcessingService{
		Store: store,
		Orchestrator: &service.Orchestrator{
			Safety:     collab.safety,
			Coach:      collab.coach,
			Classifier: collab.classifier,
			Crisis:     collab.crisis,
			Timeout:    cfg.AITimeout,
			Logger:     logger,
			Recorder:   store,
			Metrics:    m,
		},
		Alerts: alerting.NewEngine(store, alerting.Options{
			Rules:       rules,
			SampleEvery: cfg.AlertTrendSampleEvery,
			Logger:      logger,
			Metrics:     m,
		}),
		Detector:  risk.NewAnomalyDetector(store, cfg.AnomalyWindow()),
		Predictor: risk.NewTrendPredictor(store, cfg.TrendWindow()),
		Events:    publisher,
		Metrics:   m,
		Validator: service.NewValidator(),
		Logger:    logger,
	}

	router := httpapi.Router(cfg, store, svc, m.Handler(), logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}

// buildCollaborators picks the analysis backends: a remote service when
// AI_URL is set, otherwise the deterministic mock. An LLM endpoint, when
// configured, takes over text classification and crisis assessment.
func buildCollaborators(cfg config.Config, logger zerolog.Logger) collaborators {
	var c collaborators
	if cfg.AIURL == "" {
		mock := ai.MockAnalyzer{}
		c = collaborators{safety: mock, coach: mock, classifier: mock, crisis: mock}
		logger.Info().Msg("using mock analysis collaborators")
	} else {
		remote := ai.NewHTTPClient(cfg.AIURL, cfg.AITimeout)
		c = collaborators{safety: remote, coach: remote, classifier: remote, crisis: remote}
	}

	if cfg.AILLMURL != "" {
		llm, err := ai.NewLLMClient(cfg.AILLMURL, cfg.AILLMModel, cfg.AILLMKey, cfg.AITimeout)
		if err != nil {
			logger.Warn().Err(err).Msg("LLM collaborator disabled")
		} else {
			c.classifier, c.crisis = llm, llm
			logger.Info().Str("model", cfg.AILLMModel).Msg("using LLM for note analysis")
		}
	}

	c.classifier = ai.NewCachedClassifier(c.classifier, cfg.ClassifierCacheTTL)
	return c
}
