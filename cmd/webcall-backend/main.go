// Command webcall-backend serves POST /create-web-call, minting single-use
// access tokens for browser and CLI clients.
// Features: optional OIDC (ID token or JWKS-verified access token) caller
// verification, agent allowlist and simple CORS.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/enesunal-m/webcall/backend"
)

func main() {
	cfg, err := backend.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := backend.New(ctx, cfg)
	if err != nil {
		log.Fatalf("backend: %v", err)
	}
	if len(cfg.AllowedOrigins) > 0 {
		log.Println("CORS allowed origins:", cfg.AllowedOrigins)
	}
	if len(cfg.AllowedAgents) > 0 {
		log.Println("allowed agents:", cfg.AllowedAgents)
	}

	log.Println("webcall-backend on", cfg.Addr)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal(err)
	}
}
