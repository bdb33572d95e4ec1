package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/certificate-extractor/internal/agent/ocr"
	"github.com/feichai0017/certificate-extractor/internal/models"
	"github.com/feichai0017/certificate-extractor/internal/pipeline"
	"github.com/feichai0017/certificate-extractor/internal/record"
	"github.com/feichai0017/certificate-extractor/internal/utils/validator"
	"github.com/feichai0017/certificate-extractor/pkg/converters"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
	"github.com/feichai0017/certificate-extractor/pkg/queue"
	"github.com/feichai0017/certificate-extractor/pkg/storage"
)

// RecognizerSource builds recognizers by name. *agent.Factory satisfies it.
type RecognizerSource interface {
	Recognizer(ctx context.Context, kind ocr.Kind) (pipeline.Recognizer, error)
}

// ImageExtractor reads a certificate image straight into field candidates.
type ImageExtractor interface {
	Enabled() bool
	ExtractImage(ctx context.Context, data []byte, mimeType string) (record.Candidates, error)
}

type ServiceConfig struct {
	QueuePriority   int
	MaxConcurrent   int
	RetentionPeriod time.Duration
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		QueuePriority:   2,
		MaxConcurrent:   5,
		RetentionPeriod: 24 * time.Hour,
	}
}

type Deps struct {
	Pipeline    *pipeline.Pipeline
	Recognizers RecognizerSource
	Gemini      ImageExtractor
	Queue       queue.Queue
	Storage     storage.Storage
	Validator   *validator.CertificateValidator
}

type Service struct {
	pipeline    *pipeline.Pipeline
	recognizers RecognizerSource
	gemini      ImageExtractor
	queue       queue.Queue
	storage     storage.Storage
	validator   *validator.CertificateValidator
	converter   *converters.JSONConverter
	logger      logger.Logger
	config      *ServiceConfig

	// switchMu serializes SwitchModel; runs never take it.
	switchMu sync.Mutex
}

func NewService(deps Deps, log logger.Logger, cfg *ServiceConfig) *Service {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	v := deps.Validator
	if v == nil {
		v = validator.NewCertificateValidator(log, nil)
	}
	return &Service{
		pipeline:    deps.Pipeline,
		recognizers: deps.Recognizers,
		gemini:      deps.Gemini,
		queue:       deps.Queue,
		storage:     deps.Storage,
		validator:   v,
		converter:   converters.NewJSONConverter(),
		logger:      log.Named("extraction"),
		config:      cfg,
	}
}

// ActiveModel is the name of the recognizer new work will use.
func (s *Service) ActiveModel() string {
	return s.pipeline.Recognizer().Name()
}

// accept validates an upload and checks it can go through the active
// recognizer. PDFs are only readable through their text layer.
func (s *Service) accept(upload Upload) (models.SourceFile, error) {
	res := s.validator.Validate(upload.Filename, upload.Data)
	if err := res.Err(); err != nil {
		return res.FileInfo, err
	}
	info := res.FileInfo
	if info.FileType == models.PDF && s.ActiveModel() != string(ocr.KindPDFText) {
		return info, fmt.Errorf("%w: pdf requires the %s recognizer", ErrUnsupportedUpload, ocr.KindPDFText)
	}
	return info, nil
}

func (s *Service) page(data []byte, mimeType string) (pipeline.Page, error) {
	page := pipeline.Page{Data: data, MIMEType: mimeType}
	if !strings.HasPrefix(mimeType, "image/") {
		return page, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return page, fmt.Errorf("failed to decode image: %w", err)
	}
	page.Image = img
	return page, nil
}

func (s *Service) Process(ctx context.Context, upload Upload) (*ProcessResult, error) {
	log := logger.FromContext(ctx, s.logger)
	log.Info("Starting certificate processing",
		logger.String("filename", upload.Filename),
		logger.Int("size", len(upload.Data)),
	)

	info, err := s.accept(upload)
	if err != nil {
		return nil, err
	}
	page, err := s.page(upload.Data, info.MimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", validator.ErrInvalidFile, err)
	}

	ref := upload.Filename
	if s.storage != nil {
		key := storage.UploadKey(uuid.New().String(), upload.Filename)
		if _, err := s.storage.Store(ctx, bytes.NewReader(upload.Data), key); err != nil {
			return nil, fmt.Errorf("failed to store upload: %w", err)
		}
		ref = key
	}

	rec, err := s.pipeline.Predict(ctx, ref, page)
	if err != nil {
		stage, _ := pipeline.FailedStage(err)
		log.Error("Certificate processing failed",
			logger.String("filename", upload.Filename),
			logger.String("stage", string(stage)),
			logger.Error(err),
		)
		return nil, err
	}

	return &ProcessResult{
		Status:   "success",
		FileName: upload.Filename,
		FileSize: int64(len(upload.Data)),
		Data:     rec,
	}, nil
}

func (s *Service) Submit(ctx context.Context, upload Upload) (*models.ExtractionTask, error) {
	info, err := s.accept(upload)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	task := &models.ExtractionTask{
		ID:         uuid.New().String(),
		Status:     models.StatusPending,
		Type:       queue.TaskTypeCertificateExtract,
		Priority:   s.config.QueuePriority,
		Recognizer: s.ActiveModel(),
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata: map[string]string{
			"filename": upload.Filename,
			"size":     strconv.FormatInt(info.Size, 10),
			"type":     string(info.FileType),
			"hash":     info.Hash,
		},
	}

	key, err := s.storage.Store(ctx, bytes.NewReader(upload.Data), storage.UploadKey(task.ID, upload.Filename))
	if err != nil {
		s.logger.Error("Failed to store file",
			logger.String("filename", upload.Filename),
			logger.Error(err),
		)
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	qt := &queue.Task{
		ID:       task.ID,
		Type:     task.Type,
		Priority: task.Priority,
		Payload: queue.Payload{
			FileKey:    key,
			Filename:   upload.Filename,
			MimeType:   info.MimeType,
			Size:       info.Size,
			Recognizer: task.Recognizer,
		},
		Metadata:  task.Metadata,
		CreatedAt: now,
	}
	if err := s.queue.Enqueue(ctx, qt); err != nil {
		s.logger.Error("Failed to enqueue task",
			logger.String("taskId", task.ID),
			logger.Error(err),
		)
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	task.ID = qt.ID

	s.logger.Info("Extraction task created",
		logger.String("taskId", task.ID),
		logger.String("filename", upload.Filename),
		logger.String("recognizer", task.Recognizer),
	)
	return task, nil
}

// SubmitBatch submits every upload concurrently. Tasks keep the order of
// uploads; on error the successfully submitted tasks are still returned.
func (s *Service) SubmitBatch(ctx context.Context, uploads []Upload) ([]*models.ExtractionTask, error) {
	results := make([]*models.ExtractionTask, len(uploads))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)
	for i, u := range uploads {
		g.Go(func() error {
			task, err := s.Submit(gctx, u)
			if err != nil {
				return fmt.Errorf("failed to submit %s: %w", u.Filename, err)
			}
			results[i] = task
			return nil
		})
	}
	err := g.Wait()

	tasks := make([]*models.ExtractionTask, 0, len(uploads))
	for _, t := range results {
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, err
}

// HandleTask runs a queued task with the recognizer pinned at submission and
// stores the JSON result.
func (s *Service) HandleTask(ctx context.Context, task *queue.Task) error {
	if task == nil || task.Payload.FileKey == "" {
		return errors.New("invalid task: missing file key")
	}
	log := logger.FromContext(ctx, s.logger).With(logger.String("taskId", task.ID))
	start := time.Now()

	s.saveStatus(ctx, log, &queue.TaskStatus{
		TaskID:    task.ID,
		Status:    models.StatusRunning,
		StartedAt: start,
	})

	doc, err := s.runTask(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			// cancellation already recorded its own status
			return err
		}
		stage, _ := pipeline.FailedStage(err)
		s.saveStatus(ctx, log, &queue.TaskStatus{
			TaskID:      task.ID,
			Status:      models.StatusFailed,
			Error:       err.Error(),
			FailedStage: string(stage),
			StartedAt:   start,
			FinishedAt:  time.Now(),
		})
		return err
	}

	result, err := s.converter.Convert(doc)
	if err != nil {
		return fmt.Errorf("failed to convert result: %w", err)
	}
	result.TaskID = task.ID
	result.Metadata.FileName = task.Payload.Filename
	result.Metadata.FileType = task.Payload.MimeType
	result.Metadata.FileSize = task.Payload.Size
	result.Metadata.ProcessingMs = time.Since(start).Milliseconds()

	data, err := s.converter.Encode(result)
	if err != nil {
		return err
	}
	key := storage.ResultKey(task.ID)
	if _, err := s.storage.Store(ctx, bytes.NewReader(data), key); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	s.saveStatus(ctx, log, &queue.TaskStatus{
		TaskID:     task.ID,
		Status:     models.StatusCompleted,
		Progress:   1,
		ResultKey:  key,
		StartedAt:  start,
		FinishedAt: time.Now(),
	})
	log.Info("Certificate extraction completed",
		logger.String("recognizer", doc.Recognizer),
		logger.Int64("processingMs", result.Metadata.ProcessingMs),
	)
	return nil
}

func (s *Service) runTask(ctx context.Context, task *queue.Task) (*pipeline.Document, error) {
	reader, err := s.storage.Get(ctx, task.Payload.FileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	page, err := s.page(data, task.Payload.MimeType)
	if err != nil {
		return nil, err
	}

	rec := s.pipeline.Recognizer()
	if task.Payload.Recognizer != "" && task.Payload.Recognizer != rec.Name() {
		kind, err := ocr.ParseKind(task.Payload.Recognizer)
		if err != nil {
			return nil, err
		}
		if rec, err = s.recognizers.Recognizer(ctx, kind); err != nil {
			return nil, fmt.Errorf("failed to build recognizer: %w", err)
		}
	}
	return s.pipeline.RunWith(ctx, task.Payload.FileKey, page, rec)
}

func (s *Service) saveStatus(ctx context.Context, log logger.Logger, status *queue.TaskStatus) {
	if err := s.queue.SaveStatus(ctx, status); err != nil {
		log.Error("Failed to save task status",
			logger.String("status", string(status.Status)),
			logger.Error(err),
		)
	}
}

func (s *Service) Status(ctx context.Context, taskID string) (*models.ExtractionTask, error) {
	status, err := s.queue.GetTaskStatus(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	return &models.ExtractionTask{
		ID:        status.TaskID,
		Status:    status.Status,
		Type:      queue.TaskTypeCertificateExtract,
		Progress:  status.Progress,
		Error:     status.Error,
		FailedAt:  status.FailedStage,
		Metadata:  make(map[string]string),
		CreatedAt: status.StartedAt,
		UpdatedAt: status.FinishedAt,
	}, nil
}

func (s *Service) Result(ctx context.Context, taskID string) (*converters.ExtractionResult, error) {
	status, err := s.queue.GetTaskStatus(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	if status.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotCompleted, status.Status)
	}

	key := status.ResultKey
	if key == "" {
		key = storage.ResultKey(taskID)
	}
	reader, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	defer reader.Close()
	return s.converter.Decode(reader)
}

func (s *Service) Cancel(ctx context.Context, taskID string) error {
	if err := s.queue.CancelTask(ctx, taskID); err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	s.logger.Info("Task cancelled", logger.String("taskId", taskID))
	return nil
}

// Cleanup removes stored uploads and results older than the retention period.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	threshold := time.Now().Add(-s.config.RetentionPeriod)
	n, err := s.storage.CleanupBefore(ctx, threshold)
	if err != nil {
		return n, fmt.Errorf("failed to cleanup storage: %w", err)
	}
	s.logger.Info("Completed storage cleanup",
		logger.Time("threshold", threshold),
		logger.Int("removed", n),
	)
	return n, nil
}

// SwitchModel builds the named recognizer and makes it the active one. The
// previous recognizer stays cached for tasks that pinned it.
func (s *Service) SwitchModel(ctx context.Context, model string) (string, error) {
	kind, err := ocr.ParseKind(model)
	if err != nil {
		return "", err
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if s.ActiveModel() == string(kind) {
		return string(kind), nil
	}
	rec, err := s.recognizers.Recognizer(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("failed to build recognizer %s: %w", kind, err)
	}
	if _, err := s.pipeline.SwitchRecognizer(rec); err != nil {
		return "", err
	}
	return rec.Name(), nil
}

func (s *Service) HasGemini() bool {
	return s.gemini != nil && s.gemini.Enabled()
}

// ProcessGemini sends an image straight to Gemini, skipping every local stage.
func (s *Service) ProcessGemini(ctx context.Context, upload Upload) (*DocumentInfo, error) {
	if !s.HasGemini() {
		return nil, ErrGeminiUnavailable
	}
	res := s.validator.Validate(upload.Filename, upload.Data)
	if err := res.Err(); err != nil {
		return nil, err
	}
	if res.FileInfo.FileType != models.Image {
		return nil, fmt.Errorf("%w: please upload an image file", ErrUnsupportedUpload)
	}

	c, err := s.gemini.ExtractImage(ctx, upload.Data, res.FileInfo.MimeType)
	if err != nil {
		s.logger.Error("Gemini extraction failed",
			logger.String("filename", upload.Filename),
			logger.Error(err),
		)
		return nil, err
	}
	return documentInfo(c), nil
}

func documentInfo(c record.Candidates) *DocumentInfo {
	first := func(f record.Field) string {
		for _, v := range c[string(f)] {
			if v = strings.TrimSpace(v); v != "" && !strings.EqualFold(v, "N/A") {
				return v
			}
		}
		return ""
	}
	info := &DocumentInfo{
		Type:        first(record.Type),
		Awardee:     first(record.Awardee),
		Role:        first(record.Role),
		Event:       first(record.Event),
		Date:        first(record.Date),
		Location:    first(record.Location),
		Signatories: []string{},
	}
	for _, v := range c[string(record.Signatories)] {
		if v = strings.TrimSpace(v); v != "" && !strings.EqualFold(v, "N/A") {
			info.Signatories = append(info.Signatories, v)
		}
	}
	return info
}
