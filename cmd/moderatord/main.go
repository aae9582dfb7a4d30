package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/whisper/roulette/internal/messaging"
	"github.com/whisper/roulette/internal/moderation"
)

func main() {
	log.Println("Starting Roulette moderation worker...")

	// NATS setup.
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "roulette-moderatord"

	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Content filter, optionally extended with deployment-specific terms.
	var extra []string
	if v := os.Getenv("FILTER_TERMS"); v != "" {
		extra = strings.Split(v, ",")
	}
	filter := moderation.NewFilter(extra...)

	// Answer moderation check requests over request-reply.
	err = natsClient.ServeModeration(func(data []byte) []byte {
		var req moderation.CheckRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[moderator] failed to unmarshal request: %v", err)
			return nil
		}

		verdict, err := filter.Check(context.Background(), req.Text, req.SenderID)
		if err != nil {
			log.Printf("[moderator] check failed sender=%s: %v", req.SenderID, err)
			return nil
		}

		if !verdict.Allowed {
			log.Printf("[moderator] FLAGGED sender=%s reason=%s", req.SenderID, verdict.Reason)
		}

		reply, err := json.Marshal(verdict)
		if err != nil {
			log.Printf("[moderator] failed to marshal verdict: %v", err)
			return nil
		}
		return reply
	})
	if err != nil {
		log.Fatalf("failed to subscribe to moderation checks: %v", err)
	}

	log.Printf("Roulette moderation worker running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}
