package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/tribunal/tribunal/internal/config"
	"github.com/tribunal/tribunal/internal/coord/jetstream"
	"github.com/tribunal/tribunal/internal/logger"
	"github.com/tribunal/tribunal/internal/rpc"
	"github.com/tribunal/tribunal/internal/rpc/natsrpc"
	"github.com/tribunal/tribunal/internal/tracer"
	"github.com/tribunal/tribunal/internal/web"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	shutdownTracer, err := tracer.Init(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
	if err != nil {
		log.Fatalf("error initialising trace: %v", err)
	}
	defer shutdownTracer()

	natsCfg, err := config.GetNatsConfig()
	if err != nil {
		log.Fatalf("nats config error: %v", err)
	}
	gwCfg, err := config.GetGatewayConfig()
	if err != nil {
		log.Fatalf("gateway config error: %v", err)
	}

	nc, err := nats.Connect(natsCfg.URL, nats.Name(cfg.SERVICE_NAME))
	if err != nil {
		log.Fatalf("nats connect error: %v", err)
	}
	defer nc.Close()

	registry, err := jetstream.New(nc, natsCfg.REGISTRY_BUCKET, time.Duration(natsCfg.REGISTRY_TTL)*time.Second)
	if err != nil {
		log.Fatalf("registry bucket error: %v", err)
	}

	rpcTimeout := time.Duration(natsCfg.RPC_TIMEOUT_SECONDS) * time.Second
	server := web.NewServer(registry, func(prefix string) rpc.Judicator {
		return natsrpc.NewClient(nc, prefix, rpcTimeout)
	}, gwCfg.CACHE_SIZE_BYTES, time.Duration(gwCfg.CACHE_TTL)*time.Second, logger.Log)

	srv := &http.Server{
		Addr:              gwCfg.LISTEN_ADDR,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", gwCfg.LISTEN_ADDR).Msg("gateway http server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Log.Info().Msg("trying to shutdown gateway gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	logger.Log.Info().Msg("gateway shut down gracefully")
}
