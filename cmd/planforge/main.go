package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/planforge/internal/auth"
	"github.com/planforge/planforge/internal/config"
	"github.com/planforge/planforge/internal/events"
	"github.com/planforge/planforge/internal/generation"
	"github.com/planforge/planforge/internal/httpapi"
	"github.com/planforge/planforge/internal/jobs"
	"github.com/planforge/planforge/internal/observability"
	"github.com/planforge/planforge/internal/planning"
	"github.com/planforge/planforge/internal/runs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	planningStore, err := planning.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("planning store init failed: %v", err)
	}
	defer planningStore.Close()

	runStore, err := runs.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("run store init failed: %v", err)
	}
	defer runStore.Close()

	if cfg.DatabaseURL == "" {
		log.Printf("store: in-memory (set DATABASE_URL for postgres)")
	} else {
		log.Printf("store: postgres")
	}

	tokens, err := auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("token signer init failed: %v", err)
	}
	if cfg.TokenSecret == "change-me" {
		log.Printf("warning: APP_TOKEN_SECRET is the default value")
	}

	broker := events.NewBroker(cfg.EventBufferSize)
	defer broker.Close()
	runService := runs.NewService(runStore, broker, metrics)

	searcher := generation.NewTavilyClient(cfg.TavilyAPIKey, cfg.TavilyBaseURL, cfg.ResearchMaxResults)
	planner := generation.NewPlanner(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	if cfg.TavilyAPIKey == "" {
		log.Printf("research: TAVILY_API_KEY not set, research runs will fail")
	}
	if cfg.OpenAIAPIKey == "" {
		log.Printf("generation: OPENAI_API_KEY not set, using heuristic output")
	}

	executor := jobs.NewExecutor(runService, planningStore, searcher, planner, planner, planner, metrics, cfg.JobTimeout)
	defer executor.Close()

	if cfg.SeedAdminEmail != "" && cfg.SeedAdminPassword != "" {
		if err := seedAdmin(ctx, planningStore, cfg.SeedAdminEmail, cfg.SeedAdminPassword); err != nil {
			log.Fatalf("seed admin failed: %v", err)
		}
	}

	api := httpapi.New(cfg, planningStore, runService, executor, tokens, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// seedAdmin creates the bootstrap admin account. An existing account with the
// same email is left untouched.
func seedAdmin(ctx context.Context, store planning.Store, email, password string) error {
	hashed, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user := planning.User{
		ID:             uuid.NewString(),
		Email:          email,
		HashedPassword: hashed,
		Role:           planning.RoleAdmin,
		CreatedAt:      time.Now().UTC(),
	}
	err = store.CreateUser(ctx, user)
	if errors.Is(err, planning.ErrConflict) {
		log.Printf("seed admin %s already exists", email)
		return nil
	}
	if err == nil {
		log.Printf("seeded admin account %s", email)
	}
	return err
}
