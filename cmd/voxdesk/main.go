package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/tasks/v1"

	"github.io/infrasutra/voxdesk/internal/api"
	"github.io/infrasutra/voxdesk/internal/auth"
	"github.io/infrasutra/voxdesk/internal/config"
	"github.io/infrasutra/voxdesk/internal/dispatch"
	"github.io/infrasutra/voxdesk/internal/gemini"
	"github.io/infrasutra/voxdesk/internal/store"
	"github.io/infrasutra/voxdesk/internal/token"
)

const credentialSweepInterval = time.Hour

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DBPath, cfg.SessionTTL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	authManager, err := auth.New(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		logger.Error("init auth", "error", err)
		os.Exit(1)
	}
	if cfg.SessionSecret == "" {
		logger.Warn("SESSION_SECRET not set; sessions reset on restart")
	}
	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		logger.Warn("google client credentials not set; consent flow will fail")
	}
	if cfg.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set; transcription will fail")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURI,
		Scopes: []string{
			calendar.CalendarEventsScope,
			tasks.TasksScope,
			gmail.GmailModifyScope,
			gmail.GmailComposeScope,
		},
		Endpoint: google.Endpoint,
	}

	tokens := token.NewManager(db, oauthCfg, logger)
	model := gemini.NewClient(gemini.Config{
		APIKey:   cfg.GeminiAPIKey,
		Endpoint: cfg.GeminiEndpoint,
		Model:    cfg.GeminiModel,
	})
	dispatcher := dispatch.New(logger)
	apiServer := api.NewServer(cfg, db, authManager, tokens, model, dispatcher, oauthCfg, logger)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepCredentials(sweepCtx, db, logger)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:    httpAddr,
		Handler: apiServer,
	}

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
}

func sweepCredentials(ctx context.Context, db *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(credentialSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := db.DeleteExpired(ctx, now)
			if err != nil {
				logger.Error("sweep credentials", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("swept expired credentials", "count", removed)
			}
		}
	}
}
