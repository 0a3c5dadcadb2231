package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawblock/trace-engine/internal/api"
	"github.com/rawblock/trace-engine/internal/classify"
	"github.com/rawblock/trace-engine/internal/config"
	"github.com/rawblock/trace-engine/internal/db"
	"github.com/rawblock/trace-engine/internal/etherscan"
	"github.com/rawblock/trace-engine/internal/jobs"
)

func main() {
	log.Println("Starting RawBlock Trace Engine (Microservice: eth-theft-tracing)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	settings := config.Load()
	dbURL := config.RequireEnv("DATABASE_URL")
	apiKey := config.RequireEnv("ETHERSCAN_API_KEY")

	dbConn, err := db.Connect(dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.InitSchema(); err != nil {
		log.Fatalf("DB schema init failed: %v", err)
	}

	explorer := etherscan.NewClient(etherscan.Config{
		BaseURL:    settings.EtherscanBaseURL,
		APIKey:     apiKey,
		Timeout:    settings.EtherscanTimeout,
		MaxRetries: settings.EtherscanRetryCount,
		RetryBase:  settings.EtherscanRetryDelay,
		CacheTTL:   settings.CacheTTL,
	})

	classifier := classify.New()

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	manager := jobs.NewManager(dbConn, explorer, classifier, &settings, api.BroadcastProgress(wsHub))

	// Setup the Gin Router
	r := api.SetupRouter(dbConn, explorer, classifier, manager, wsHub)

	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: r,
	}

	go func() {
		log.Printf("Engine running on :%s (API Node: eth-theft-tracing)\n", settings.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown: drain active jobs (persisting partial results),
	// then stop the HTTP server.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received, draining jobs...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("Trace Engine stopped")
}
