package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/certificate-extractor/api/handlers"
	"github.com/feichai0017/certificate-extractor/api/routes"
	"github.com/feichai0017/certificate-extractor/config"
	"github.com/feichai0017/certificate-extractor/internal/agent"
	"github.com/feichai0017/certificate-extractor/internal/service/extraction"
	"github.com/feichai0017/certificate-extractor/internal/utils/validator"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
	"github.com/feichai0017/certificate-extractor/pkg/queue"
	"github.com/feichai0017/certificate-extractor/pkg/storage"
)

const cleanupInterval = time.Hour

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	created, err := config.EnsureFile(*configPath)
	if err != nil {
		panic(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(
		logger.WithLevel(cfg.Log.Level),
		logger.WithEncoding(cfg.Log.Encoding),
		logger.WithOutputPaths([]string{"stdout", filepath.Join(cfg.Log.Dir, "app.log")}),
		logger.WithErrorPaths([]string{"stderr", filepath.Join(cfg.Log.Dir, "error.log")}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	if created {
		log.Info("Wrote default configuration", logger.String("path", *configPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := agent.NewFactory(cfg, log)
	defer factory.Close()

	p, err := factory.Pipeline(ctx)
	if err != nil {
		log.Fatal("Failed to build pipeline", logger.Error(err))
	}
	store, err := storage.NewStorage(ctx, cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", logger.Error(err))
	}
	q := queue.NewAsynqQueue(queue.DefaultQueueConfig(cfg.Redis), log)
	defer q.Close()

	vcfg := validator.DefaultConfig()
	vcfg.MaxFileSize = cfg.Server.MaxUploadSize
	svc := extraction.NewService(extraction.Deps{
		Pipeline:    p,
		Recognizers: factory,
		Gemini:      factory.Gemini(),
		Queue:       q,
		Storage:     store,
		Validator:   validator.NewCertificateValidator(log, vcfg),
	}, log, nil)

	log.Info("Model configuration",
		logger.String("ocrModel", cfg.Pipeline.OCRModel),
		logger.String("nerModel", cfg.Pipeline.NERModel),
		logger.Bool("llmPostprocessing", cfg.Pipeline.LLMPostprocessing),
		logger.Bool("imagePreprocessing", cfg.Pipeline.ImagePreprocessing),
		logger.Bool("gemini", svc.HasGemini()),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.Server.MaxUploadSize
	routes.SetupRoutes(r, handlers.NewHandlers(svc, cfg.Server.MaxUploadSize, log), cfg.Server.AllowOrigins, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server starting", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			cancel()
		}
	}()

	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := svc.Cleanup(ctx); err != nil {
					log.Warn("Storage cleanup failed", logger.Error(err))
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}
