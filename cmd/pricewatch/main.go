// Package main runs the pricewatch sync engine: scheduled price refreshes,
// discount notifications and retention cleanup behind a shared leader lease.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/pricewatch/internal/app/runtime"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := runtime.NewApplication(ctx)
	if err != nil {
		log.Fatalf("Failed to start pricewatch: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Run(ctx)
	}()

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("Run error: %v", err)
			exitCode = 1
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
		exitCode = 1
	}
	shutdownCancel()
	log.Println("pricewatch stopped")
	os.Exit(exitCode)
}
