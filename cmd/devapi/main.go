package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"forgelink/webshell/internal/config"
	"forgelink/webshell/internal/devapi"
	"forgelink/webshell/internal/observability"
)

func main() {
	cfg, err := config.LoadDevAPI()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := devapi.NewServer(ctx, cfg, observability.NewLogger(cfg.LogLevel))
	if err != nil {
		log.Fatalf("create devapi: %v", err)
	}
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("run devapi: %v", err)
	}
}
