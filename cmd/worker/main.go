package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/feichai0017/certificate-extractor/config"
	"github.com/feichai0017/certificate-extractor/internal/agent"
	"github.com/feichai0017/certificate-extractor/internal/service/extraction"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
	"github.com/feichai0017/certificate-extractor/pkg/queue"
	"github.com/feichai0017/certificate-extractor/pkg/storage"
	"github.com/feichai0017/certificate-extractor/pkg/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(
		logger.WithLevel(cfg.Log.Level),
		logger.WithEncoding(cfg.Log.Encoding),
		logger.WithOutputPaths([]string{"stdout", filepath.Join(cfg.Log.Dir, "worker.log")}),
		logger.WithErrorPaths([]string{"stderr", filepath.Join(cfg.Log.Dir, "error.log")}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := agent.NewFactory(cfg, log)
	defer factory.Close()

	p, err := factory.Pipeline(ctx)
	if err != nil {
		log.Error("Failed to build pipeline", logger.Error(err))
		os.Exit(1)
	}
	store, err := storage.NewStorage(ctx, cfg.Storage, log)
	if err != nil {
		log.Error("Failed to initialize storage", logger.Error(err))
		os.Exit(1)
	}
	q := queue.NewAsynqQueue(queue.DefaultQueueConfig(cfg.Redis), log)
	defer q.Close()

	svc := extraction.NewService(extraction.Deps{
		Pipeline:    p,
		Recognizers: factory,
		Gemini:      factory.Gemini(),
		Queue:       q,
		Storage:     store,
	}, log, nil)

	certWorker := worker.NewCertificateWorker(worker.NewConfig(cfg), svc, log)
	if err := certWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	health := worker.NewHealthServer(log)
	lis, err := net.Listen("tcp", cfg.Worker.HealthAddr)
	if err != nil {
		log.Error("Failed to listen for health checks", logger.Error(err))
		os.Exit(1)
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			log.Error("Health server stopped", logger.Error(err))
		}
	}()
	health.SetServing(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down worker...")
	health.SetServing(false)
	certWorker.Stop()
	health.Stop()
	log.Info("Worker stopped")
}
