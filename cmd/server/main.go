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

	"go.uber.org/zap"

	"projectfinder/internal/bootstrap"
	httptransport "projectfinder/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, bootstrap.Options{KeywordIndex: true})
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("close resources failed: %v", err)
		}
	}()
	logger := app.Log

	if err := app.RefreshKeywordIndex(ctx); err != nil {
		logger.Warn("refresh keyword index failed", zap.Error(err))
	}
	if err := app.StartWorkers(ctx); err != nil {
		logger.Error("start workers failed", zap.Error(err))
		return
	}

	cfg := app.Config
	router := httptransport.NewRouter(httptransport.Deps{
		Name:            cfg.App.Name,
		Env:             cfg.App.Env,
		GinMode:         cfg.App.GinMode,
		JWTSecret:       cfg.Auth.JWTSecret,
		StartedAt:       app.StartedAt,
		Auth:            app.Auth,
		Catalog:         app.Catalog,
		Router:          app.Router,
		Recommendations: app.Recommendations,
		Admin:           app.Admin,
		Background:      ctx,
		Log:             logger,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
	// Background syncs see the cancelled context and save their progress.
	app.Admin.Wait()
	logger.Info("server stopped")
}
