package worker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/feichai0017/certificate-extractor/config"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
	"github.com/feichai0017/certificate-extractor/pkg/queue"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type Config struct {
	Redis       config.RedisConfig
	Concurrency int
	Queues      map[string]int
}

// NewConfig derives the worker settings from the service configuration.
func NewConfig(cfg config.Config) *Config {
	return &Config{
		Redis:       cfg.Redis,
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	}
}

type BaseWorker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	logger   logger.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

func newBaseWorker(cfg *Config, log logger.Logger) BaseWorker {
	server := asynq.NewServer(
		queue.RedisOpt(cfg.Redis),
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      cfg.Queues,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Minute
			},
		},
	)
	return BaseWorker{
		server:   server,
		mux:      asynq.NewServeMux(),
		logger:   log,
		stopChan: make(chan struct{}),
	}
}

func (w *BaseWorker) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.server.Shutdown()
	})
	return nil
}

// HealthServer exposes the standard gRPC health service so orchestrators can
// probe the worker.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger logger.Logger
}

func NewHealthServer(log logger.Logger) *HealthServer {
	srv := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{server: srv, health: h, logger: log.Named("health")}
}

// Serve blocks until the listener fails or Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.logger.Info("Health server listening", logger.String("addr", lis.Addr().String()))
	return h.server.Serve(lis)
}

func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
