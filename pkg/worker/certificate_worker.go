package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/certificate-extractor/pkg/logger"
	"github.com/feichai0017/certificate-extractor/pkg/queue"
)

var ErrInvalidTask = errors.New("invalid task data")

// TaskHandler runs one extraction task end to end.
type TaskHandler interface {
	HandleTask(ctx context.Context, task *queue.Task) error
}

type CertificateWorker struct {
	BaseWorker
	handler TaskHandler
}

func NewCertificateWorker(cfg *Config, handler TaskHandler, log logger.Logger) *CertificateWorker {
	w := &CertificateWorker{
		BaseWorker: newBaseWorker(cfg, log.Named("worker")),
		handler:    handler,
	}
	w.mux.HandleFunc(queue.TaskTypeCertificateExtract, w.handleCertificate)
	return w
}

func (w *CertificateWorker) handleCertificate(ctx context.Context, t *asynq.Task) error {
	var task queue.Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		w.logger.Error("Failed to unmarshal task",
			logger.Error(err),
			logger.String("payload", string(t.Payload())),
		)
		return fmt.Errorf("failed to unmarshal task: %v: %w", err, asynq.SkipRetry)
	}

	if task.ID == "" || task.Payload.FileKey == "" {
		w.logger.Error("Invalid task data",
			logger.String("taskId", task.ID),
			logger.Any("payload", task.Payload),
		)
		return fmt.Errorf("%w: missing id or file key: %w", ErrInvalidTask, asynq.SkipRetry)
	}

	log := w.logger.With(logger.String("taskId", task.ID))
	log.Info("Processing certificate task",
		logger.String("file", task.Payload.Filename),
		logger.String("recognizer", task.Payload.Recognizer),
	)

	// ResultWriter is only set for tasks handed out by the server.
	rw := t.ResultWriter()
	write := func(s string) {
		if rw == nil {
			return
		}
		if _, err := rw.Write([]byte(s)); err != nil {
			log.Warn("Failed to write task result", logger.Error(err))
		}
	}

	write(`{"status":"running","progress":0}`)
	if err := w.handler.HandleTask(logger.WithTaskID(ctx, task.ID), &task); err != nil {
		log.Error("Certificate task failed", logger.Error(err))
		write(fmt.Sprintf(`{"status":"failed","error":%q}`, err.Error()))
		return err
	}
	write(`{"status":"completed","progress":1}`)
	log.Info("Certificate task completed")
	return nil
}

func (w *CertificateWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopChan:
		}
	}()
	return nil
}
