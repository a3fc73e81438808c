// Package main runs a terminal consumer against a relay server: it focuses
// the pools given on the command line and prints the merged live+polled
// transaction feed as it arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"solana-pool-relay/internal/cache"
	"solana-pool-relay/internal/consumer"
	"solana-pool-relay/internal/domain"
	"solana-pool-relay/internal/solana"
)

func main() {
	relayURL := flag.String("relay-url", envOr("RELAY_WS_URL", "ws://localhost:8080/ws"), "Relay websocket URL")
	rpcEndpoint := flag.String("rpc-endpoint", os.Getenv("SOLANA_RPC_ENDPOINT"), "Solana RPC HTTP endpoint (polling backstop)")
	pollInterval := flag.Duration("poll-interval", consumer.DefaultPollInterval, "HTTP poll interval per focused pool")

	flag.Parse()

	logger := log.New(os.Stderr, "[watch] ", log.LstdFlags)

	pools := flag.Args()
	if len(pools) == 0 {
		logger.Fatal("Usage: watch [flags] <pool-address> [<pool-address> ...]")
	}
	if *rpcEndpoint == "" {
		logger.Fatal("--rpc-endpoint is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := cache.New(cache.Options{})
	defer store.Close()

	client := consumer.New(consumer.Options{
		RelayURL:     *relayURL,
		RPC:          solana.NewHTTPClient(*rpcEndpoint),
		Cache:        store,
		PollInterval: *pollInterval,
		Logger:       logger,
	})
	go client.Run(ctx)

	for _, pool := range pools {
		client.Focus(pool)
	}
	logger.Printf("Watching %d pool(s) via %s", len(pools), *relayURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	printed := make(map[string]struct{})
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			logger.Println("Shutting down")
			return
		case <-ticker.C:
			if client.PollingOnly() {
				logger.Println("Socket unavailable, polling only")
			}
			for _, pool := range pools {
				for _, rec := range client.Snapshot(pool) {
					if _, seen := printed[rec.Signature]; seen {
						continue
					}
					printed[rec.Signature] = struct{}{}
					printRecord(rec)
				}
			}
		}
	}
}

func printRecord(rec domain.TransactionRecord) {
	amount := "?"
	if rec.AmountKnown {
		amount = rec.Amount.StringFixed(4) + " SOL"
	}
	fmt.Printf("%s  %-6s %-10s %s  slot=%d\n",
		time.UnixMilli(rec.ObservedAtMs).Format("15:04:05.000"),
		rec.Kind, amount, shorten(rec.Signature), rec.Slot)
}

func shorten(sig string) string {
	if len(sig) <= 16 {
		return sig
	}
	return sig[:8] + ".." + sig[len(sig)-8:]
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
