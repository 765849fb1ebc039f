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
	"github.com/tribunal/tribunal/internal/executor"
	"github.com/tribunal/tribunal/internal/logger"
	"github.com/tribunal/tribunal/internal/rpc"
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
	retryCfg, err := config.GetRetryConfig()
	if err != nil {
		log.Fatalf("retry config error: %v", err)
	}
	execCfg, err := config.GetExecutorConfig()
	if err != nil {
		log.Fatalf("executor config error: %v", err)
	}

	nc, err := nats.Connect(natsCfg.URL, nats.Name(execCfg.NAME))
	if err != nil {
		log.Fatalf("nats connect error: %v", err)
	}
	defer nc.Close()

	registry, err := jetstream.New(nc, natsCfg.REGISTRY_BUCKET, time.Duration(natsCfg.REGISTRY_TTL)*time.Second)
	if err != nil {
		log.Fatalf("registry bucket error: %v", err)
	}

	rpcTimeout := time.Duration(natsCfg.RPC_TIMEOUT_SECONDS) * time.Second
	agent := executor.NewAgent(execCfg.NAME, executor.Params{
		Capacity:       execCfg.CAPACITY,
		DataDir:        execCfg.DATA_DIR,
		UID:            execCfg.TASK_UID,
		GID:            execCfg.TASK_GID,
		ReportInterval: time.Duration(execCfg.REPORT_INTERVAL) * time.Second,
		RetryTimes:     retryCfg.TIMES,
		RetryInterval:  time.Duration(retryCfg.INTERVAL_SECONDS) * time.Second,
	}, registry, func(prefix string) rpc.Judicator {
		return natsrpc.NewClient(nc, prefix, rpcTimeout)
	}, logger.Log)

	if err := agent.Run(ctx); err != nil {
		log.Fatalf("executor agent error: %v", err)
	}
	logger.Log.Info().Msg("executor shut down gracefully")
}
