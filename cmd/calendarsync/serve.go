package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/macjediwizard/calendarsync/internal/auth"
	"github.com/macjediwizard/calendarsync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeSlack      = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func createServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the sync scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	login, err := auth.NewLoginProvider(ctx, a.oauth)
	if err != nil {
		return fmt.Errorf("initialize Google sign-in: %w", err)
	}

	tasks, err := auth.NewTaskVerifier(ctx, a.cfg.Tasks.InvokerEmail, a.cfg.Tasks.Audience, a.cfg.IsDevelopment())
	if err != nil {
		return fmt.Errorf("initialize task verifier: %w", err)
	}
	if a.cfg.IsDevelopment() {
		logger.Warn("task endpoints accept unauthenticated calls in development")
	} else if a.cfg.Tasks.InvokerEmail == "" {
		logger.Warn("SCHEDULER_INVOKER_EMAIL is not set; task endpoints will reject every call")
	}

	sessionManager := auth.NewSessionManager(
		a.cfg.Security.SessionSecret,
		a.cfg.IsProduction(),
		a.cfg.Security.SessionMaxAgeSecs,
	)

	sched := a.newScheduler(a.cfg.Sync.Schedule, a.cfg.Sync.Workers)

	handlers := web.NewHandlers(web.Deps{
		Config:    a.cfg,
		DB:        a.db,
		Login:     login,
		Session:   sessionManager,
		Tasks:     tasks,
		Scheduler: sched,
		Services:  a.services,
		Feeds:     a.fetcher,
		Logger:    logger,
	})

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      web.NewRouter(handlers),
		ReadTimeout:  readTimeout,
		WriteTimeout: a.cfg.Sync.Timeout + writeSlack, // manual runs answer synchronously
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "environment", a.cfg.Server.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		sched.Stop()
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	sched.Stop()

	logger.Info("server stopped")
	return nil
}
