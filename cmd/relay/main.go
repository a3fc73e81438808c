// Package main runs the pool transaction relay: one upstream provider
// socket multiplexed to many downstream websocket consumers, with an HTTP
// polling backstop and short-lived response caching in between.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"solana-pool-relay/internal/cache"
	"solana-pool-relay/internal/catalog"
	"solana-pool-relay/internal/discovery"
	"solana-pool-relay/internal/observability"
	"solana-pool-relay/internal/registry"
	"solana-pool-relay/internal/relay"
	"solana-pool-relay/internal/solana"
	"solana-pool-relay/internal/storage/memory"
	"solana-pool-relay/internal/upstream"
)

// AMM program aliases mapped to program IDs.
var programAliases = map[string]string{
	"raydium": discovery.RaydiumAMMV4,
	"pumpfun": discovery.PumpFun,
}

func main() {
	loadEnvFile()

	rpcEndpoint := flag.String("rpc-endpoint", os.Getenv("SOLANA_RPC_ENDPOINT"), "Solana RPC HTTP endpoint")
	wsEndpoint := flag.String("ws-endpoint", os.Getenv("SOLANA_WS_ENDPOINT"), "Solana WebSocket endpoint")
	program := flag.String("program", "", "AMM program ID to monitor")
	dex := flag.String("dex", "raydium", "AMM program alias (raydium, pumpfun)")
	catalogURL := flag.String("catalog-url", os.Getenv("CATALOG_URL"), "Pool catalog base URL (optional)")
	listenAddr := flag.String("listen-addr", ":8080", "Relay websocket listen address")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics HTTP address")
	maxPools := flag.Int("max-pools", relay.DefaultMaxPoolsPerClient, "Subscription cap per client")
	heartbeat := flag.Duration("heartbeat", relay.DefaultHeartbeatInterval, "Client heartbeat interval")
	idleTimeout := flag.Duration("idle-timeout", relay.DefaultIdleTimeout, "Client idle force-close timeout")
	batchInterval := flag.Duration("batch-interval", 300*time.Millisecond, "Detail lookup batch interval")

	flag.Parse()

	logger := log.New(os.Stdout, "[relay] ", log.LstdFlags|log.Lshortfile)

	if *rpcEndpoint == "" {
		logger.Fatal("--rpc-endpoint is required")
	}
	if *wsEndpoint == "" {
		logger.Fatal("--ws-endpoint is required")
	}

	programID := *program
	if programID == "" {
		programID = programAliases[strings.ToLower(*dex)]
	}
	if programID == "" {
		logger.Fatal("No AMM program specified. Use --program or --dex")
	}
	logger.Printf("Monitoring program: %s", programID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := cache.New(cache.Options{})
	defer store.Close()

	reg := registry.New(registry.Options{})

	rpcClient := solana.NewHTTPClient(*rpcEndpoint)

	wsClient := solana.NewWSClient(ctx, *wsEndpoint, nil, logger)
	defer wsClient.Close()

	connector := upstream.New(upstream.Options{
		WS:            wsClient,
		RPC:           rpcClient,
		Cache:         store,
		Registry:      reg,
		ProgramID:     programID,
		BatchInterval: *batchInterval,
		History:       memory.NewHistoryStore(),
		Logger:        logger,
	})
	go func() {
		if err := connector.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("Upstream connector stopped: %v", err)
		}
	}()

	relayOpts := relay.Options{
		Addr:              *listenAddr,
		Registry:          reg,
		Upstream:          connector,
		MaxPoolsPerClient: *maxPools,
		HeartbeatInterval: *heartbeat,
		IdleTimeout:       *idleTimeout,
		Logger:            logger,
	}
	if *catalogURL != "" {
		relayOpts.Annotator = catalog.New(catalog.Options{
			BaseURL: *catalogURL,
			Cache:   store,
			Logger:  logger,
		})
	}
	server := relay.New(relayOpts)

	go startMetricsServer(*metricsAddr, logger)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received %v, shutting down", sig)
		cancel()
		// A second signal skips the graceful drain.
		sig = <-sigCh
		logger.Fatalf("Received %v again, forcing exit", sig)
	}()

	logger.Printf("Relay listening on %s", *listenAddr)
	if err := server.Run(ctx); err != nil && err != context.Canceled && err != http.ErrServerClosed {
		logger.Fatalf("Relay server error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// startMetricsServer serves health and Prometheus metrics.
func startMetricsServer(addr string, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())

	logger.Printf("Metrics server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Printf("Metrics server error: %v", err)
	}
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
