// Command api serves the read-only query/push API over the same
// projection store the indexer writes, wired the way
// services/otc-gateway's server binary is wired.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"lendindexer/internal/api"
	"lendindexer/internal/config"
	"lendindexer/internal/logging"
	"lendindexer/internal/pushbus"
	"lendindexer/internal/store"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("lendindexer-api", os.Getenv("NHB_ENV"), cfg.LogLevel)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	srv := api.New(api.Config{
		Store:     st,
		Bus:       pushbus.New(),
		JWTSecret: os.Getenv("API_JWT_SECRET"),
		RateLimit: api.RateLimit{RatePerSecond: 20, Burst: 40},
	})

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.APIPort),
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", httpServer.Addr)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forced api shutdown", "error", err)
		}
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve api: %v", err)
		}
	}
}
