package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/tribunal/tribunal/internal/config"
	"github.com/tribunal/tribunal/internal/coord/jetstream"
	"github.com/tribunal/tribunal/internal/docstore"
	"github.com/tribunal/tribunal/internal/docstore/repository"
	"github.com/tribunal/tribunal/internal/judicator"
	"github.com/tribunal/tribunal/internal/logger"
	"github.com/tribunal/tribunal/internal/rpc/natsrpc"
	"github.com/tribunal/tribunal/internal/tracer"
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
	pgCfg, err := config.GetPostgresConfig()
	if err != nil {
		log.Fatalf("postgres config error: %v", err)
	}
	retryCfg, err := config.GetRetryConfig()
	if err != nil {
		log.Fatalf("retry config error: %v", err)
	}
	judCfg, err := config.GetJudicatorConfig()
	if err != nil {
		log.Fatalf("judicator config error: %v", err)
	}

	nc, err := nats.Connect(natsCfg.URL, nats.Name(judCfg.NAME))
	if err != nil {
		log.Fatalf("nats connect error: %v", err)
	}
	defer nc.Close()

	lead, err := jetstream.New(nc, natsCfg.LEAD_BUCKET, time.Duration(natsCfg.LEAD_TTL)*time.Second)
	if err != nil {
		log.Fatalf("lead bucket error: %v", err)
	}
	registry, err := jetstream.New(nc, natsCfg.REGISTRY_BUCKET, time.Duration(natsCfg.REGISTRY_TTL)*time.Second)
	if err != nil {
		log.Fatalf("registry bucket error: %v", err)
	}

	db, err := docstore.New(ctx, pgCfg.URL)
	if err != nil {
		log.Fatalf("docstore error: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("docstore schema error: %v", err)
	}

	prefix := "tribunal.rpc." + judCfg.NAME
	svc := judicator.NewService(judCfg.NAME, prefix, judicator.Params{
		LeadInterval:       time.Duration(judCfg.LEAD_INTERVAL) * time.Second,
		RegisterInterval:   time.Duration(judCfg.REGISTER_INTERVAL) * time.Second,
		TaskExpiration:     time.Duration(judCfg.TASK_EXPIRATION) * time.Second,
		ExecutorExpiration: time.Duration(judCfg.EXECUTOR_EXPIRATION) * time.Second,
		RetryTimes:         retryCfg.TIMES,
		RetryInterval:      time.Duration(retryCfg.INTERVAL_SECONDS) * time.Second,
	}, repository.NewTaskRepository(db), repository.NewExecutorRepository(db), lead, registry, logger.Log)

	server := natsrpc.NewServer(nc, prefix, svc, time.Duration(natsCfg.RPC_TIMEOUT_SECONDS)*time.Second, logger.Log)
	if err := server.Start(); err != nil {
		log.Fatalf("rpc server error: %v", err)
	}
	defer server.Stop()
	logger.Log.Info().Str("prefix", prefix).Msg("judicator rpc server started")

	go svc.RunLeadLoop(ctx)
	svc.RunRegisterLoop(ctx)

	logger.Log.Info().Msg("judicator shut down gracefully")
}
