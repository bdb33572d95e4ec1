package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/certificate-extractor/config"
	"github.com/feichai0017/certificate-extractor/internal/models"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

const TaskTypeCertificateExtract = "certificate:extract"

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskFinished = errors.New("task already finished")
)

// Queue names in priority order.
var queueNames = []string{"critical", "default", "low"}

type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	CancelTask(ctx context.Context, taskID string) error
	SaveStatus(ctx context.Context, status *TaskStatus) error
}

// Payload points the worker at a stored upload.
type Payload struct {
	FileKey    string `json:"fileKey"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	Recognizer string `json:"recognizer"`
}

type Task struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Priority  int               `json:"priority"`
	Payload   Payload           `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"createdAt"`
}

type TaskStatus struct {
	TaskID      string                  `json:"taskId"`
	Status      models.ProcessingStatus `json:"status"`
	Progress    float64                 `json:"progress"`
	Error       string                  `json:"error,omitempty"`
	FailedStage string                  `json:"failedStage,omitempty"`
	ResultKey   string                  `json:"resultKey,omitempty"`
	StartedAt   time.Time               `json:"startedAt"`
	FinishedAt  time.Time               `json:"finishedAt,omitempty"`
}

type QueueConfig struct {
	Redis      config.RedisConfig
	MaxRetries int
	Timeout    time.Duration
	StatusTTL  time.Duration
}

func DefaultQueueConfig(redisCfg config.RedisConfig) QueueConfig {
	return QueueConfig{
		Redis:      redisCfg,
		MaxRetries: 3,
		Timeout:    30 * time.Minute,
		StatusTTL:  24 * time.Hour,
	}
}

// RedisOpt is the asynq connection for cfg, shared by the queue and the worker.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}

// StatusStore keeps task status snapshots in redis under task_status:<id>.
type StatusStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewStatusStore(client redis.UniversalClient, ttl time.Duration) *StatusStore {
	return &StatusStore{client: client, ttl: ttl}
}

func statusKey(taskID string) string {
	return fmt.Sprintf("task_status:%s", taskID)
}

func (s *StatusStore) Save(ctx context.Context, status *TaskStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := s.client.Set(ctx, statusKey(status.TaskID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

func (s *StatusStore) Load(ctx context.Context, taskID string) (*TaskStatus, error) {
	data, err := s.client.Get(ctx, statusKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}
	var status TaskStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &status, nil
}

type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     redis.UniversalClient
	store     *StatusStore
	cfg       QueueConfig
	logger    logger.Logger
}

func NewAsynqQueue(cfg QueueConfig, log logger.Logger) *AsynqQueue {
	redisOpt := RedisOpt(cfg.Redis)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &AsynqQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		redis:     rdb,
		store:     NewStatusStore(rdb, cfg.StatusTTL),
		cfg:       cfg,
		logger:    log.Named("queue"),
	}
}

func queueFor(priority int) string {
	switch priority {
	case 1:
		return "critical"
	case 2:
		return "default"
	default:
		return "low"
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	t := asynq.NewTask(task.Type, payload,
		asynq.MaxRetry(q.cfg.MaxRetries),
		asynq.Timeout(q.cfg.Timeout),
		asynq.Retention(q.cfg.StatusTTL),
		asynq.TaskID(task.ID),
		asynq.Queue(queueFor(task.Priority)),
	)
	info, err := q.client.EnqueueContext(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	task.ID = info.ID

	if err := q.store.Save(ctx, &TaskStatus{
		TaskID:    task.ID,
		Status:    models.StatusPending,
		StartedAt: task.CreatedAt,
	}); err != nil {
		q.logger.Warn("Failed to record pending status",
			logger.String("taskId", task.ID),
			logger.Error(err),
		)
	}
	return nil
}

// findTask looks for taskID in every queue.
func (q *AsynqQueue) findTask(taskID string) (*asynq.TaskInfo, error) {
	for _, name := range queueNames {
		info, err := q.inspector.GetTaskInfo(name, taskID)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("failed to inspect queue %s: %w", name, err)
		}
	}
	return nil, ErrTaskNotFound
}

// GetTaskStatus prefers the stored snapshot and falls back to the broker.
func (q *AsynqQueue) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	status, err := q.store.Load(ctx, taskID)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	info, err := q.findTask(taskID)
	if err != nil {
		return nil, err
	}
	status = convertAsynqStatus(info)
	if status.Status.Terminal() {
		if err := q.store.Save(ctx, status); err != nil {
			q.logger.Warn("Failed to save status",
				logger.String("taskId", taskID),
				logger.Error(err),
			)
		}
	}
	return status, nil
}

// CancelTask deletes a waiting task or signals a running one.
func (q *AsynqQueue) CancelTask(ctx context.Context, taskID string) error {
	if status, err := q.store.Load(ctx, taskID); err == nil && status.Status.Terminal() {
		return ErrTaskFinished
	}

	info, err := q.findTask(taskID)
	if err != nil {
		return err
	}
	switch info.State {
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		return ErrTaskFinished
	case asynq.TaskStateActive:
		err = q.inspector.CancelProcessing(taskID)
	default:
		err = q.inspector.DeleteTask(info.Queue, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}

	return q.store.Save(ctx, &TaskStatus{
		TaskID:     taskID,
		Status:     models.StatusCancelled,
		StartedAt:  info.NextProcessAt,
		FinishedAt: time.Now(),
	})
}

func (q *AsynqQueue) SaveStatus(ctx context.Context, status *TaskStatus) error {
	return q.store.Save(ctx, status)
}

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close(), q.redis.Close())
}

func convertAsynqStatus(info *asynq.TaskInfo) *TaskStatus {
	status := &TaskStatus{
		TaskID:    info.ID,
		StartedAt: info.NextProcessAt,
	}

	switch info.State {
	case asynq.TaskStateActive:
		status.Status = models.StatusRunning
		status.Progress = 0.5
	case asynq.TaskStateCompleted:
		status.Status = models.StatusCompleted
		status.Progress = 1.0
		status.FinishedAt = info.CompletedAt
	case asynq.TaskStateRetry, asynq.TaskStateArchived:
		status.Status = models.StatusFailed
		status.Error = info.LastErr
		status.FinishedAt = info.LastFailedAt
	default:
		status.Status = models.StatusPending
	}
	return status
}
