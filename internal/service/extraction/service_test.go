package extraction

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/certificate-extractor/internal/agent/ocr"
	"github.com/feichai0017/certificate-extractor/internal/models"
	"github.com/feichai0017/certificate-extractor/internal/pipeline"
	"github.com/feichai0017/certificate-extractor/internal/record"
	"github.com/feichai0017/certificate-extractor/internal/utils/validator"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
	"github.com/feichai0017/certificate-extractor/pkg/queue"
	"github.com/feichai0017/certificate-extractor/pkg/storage"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Store(ctx context.Context, r io.Reader, key string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return key, nil
}

func (m *memStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) CleanupBefore(ctx context.Context, threshold time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.objects)
	m.objects = make(map[string][]byte)
	return n, nil
}

type memQueue struct {
	mu       sync.Mutex
	tasks    []*queue.Task
	statuses map[string]*queue.TaskStatus
	failOn   string
}

func newMemQueue() *memQueue {
	return &memQueue{statuses: make(map[string]*queue.TaskStatus)}
}

func (q *memQueue) Enqueue(ctx context.Context, task *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failOn != "" && task.Payload.Filename == q.failOn {
		return errors.New("redis unavailable")
	}
	q.tasks = append(q.tasks, task)
	q.statuses[task.ID] = &queue.TaskStatus{TaskID: task.ID, Status: models.StatusPending}
	return nil
}

func (q *memQueue) GetTaskStatus(ctx context.Context, taskID string) (*queue.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.statuses[taskID]
	if !ok {
		return nil, queue.ErrTaskNotFound
	}
	return s, nil
}

func (q *memQueue) CancelTask(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.statuses[taskID]; !ok {
		return queue.ErrTaskNotFound
	}
	q.statuses[taskID] = &queue.TaskStatus{TaskID: taskID, Status: models.StatusCancelled}
	return nil
}

func (q *memQueue) SaveStatus(ctx context.Context, status *queue.TaskStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[status.TaskID] = status
	return nil
}

type textRecognizer struct {
	name string
	text string
	err  error
}

func (r *textRecognizer) Name() string { return r.name }

func (r *textRecognizer) Recognize(ctx context.Context, page pipeline.Page) (pipeline.Recognition, error) {
	if r.err != nil {
		return pipeline.Recognition{}, r.err
	}
	return pipeline.Recognition{Text: r.text + " via " + r.name}, nil
}

// lineExtractor echoes the first line of text as the awardee.
type lineExtractor struct{}

func (lineExtractor) Name() string { return "fake" }

func (lineExtractor) Extract(ctx context.Context, text string) (record.Candidates, error) {
	return record.Candidates{
		"AWARDEE":     {text},
		"SIGNATORIES": {"Ana Reyes", "Ben Cruz"},
	}, nil
}

type recognizerSource map[ocr.Kind]pipeline.Recognizer

func (s recognizerSource) Recognizer(ctx context.Context, kind ocr.Kind) (pipeline.Recognizer, error) {
	r, ok := s[kind]
	if !ok {
		return nil, ocr.ErrUnknownKind
	}
	return r, nil
}

type fakeGemini struct {
	enabled bool
	got     string
	c       record.Candidates
	err     error
}

func (g *fakeGemini) Enabled() bool { return g.enabled }

func (g *fakeGemini) ExtractImage(ctx context.Context, data []byte, mimeType string) (record.Candidates, error) {
	g.got = mimeType
	return g.c, g.err
}

type fixture struct {
	svc     *Service
	store   *memStorage
	queue   *memQueue
	source  recognizerSource
	gemini  *fakeGemini
	tesser  *textRecognizer
	pdftext *textRecognizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemStorage(),
		queue:   newMemQueue(),
		gemini:  &fakeGemini{},
		tesser:  &textRecognizer{name: "tesseract", text: "Juan Dela Cruz"},
		pdftext: &textRecognizer{name: "pdftext", text: "Maria Santos"},
	}
	f.source = recognizerSource{
		ocr.KindTesseract: f.tesser,
		ocr.KindPDFText:   f.pdftext,
	}
	p, err := pipeline.New(pipeline.Config{}, pipeline.Stages{
		Recognizer: f.tesser,
		Extractor:  lineExtractor{},
	}, logger.NewNop())
	require.NoError(t, err)

	f.svc = NewService(Deps{
		Pipeline:    p,
		Recognizers: f.source,
		Gemini:      f.gemini,
		Queue:       f.queue,
		Storage:     f.store,
	}, logger.NewNop(), nil)
	return f
}

func pngUpload(t *testing.T, name string) Upload {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 300, 200))))
	return Upload{Filename: name, Data: buf.Bytes()}
}

func TestProcess(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Process(context.Background(), pngUpload(t, "cert.png"))
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "cert.png", res.FileName)
	assert.Positive(t, res.FileSize)
	assert.Equal(t, "Juan Dela Cruz via tesseract", res.Data.Get(record.Awardee))
	assert.Equal(t, "Ana Reyes, Ben Cruz", res.Data.Get(record.Signatories))
	assert.True(t, strings.HasPrefix(res.Data.ImagePath(), "uploads/"))
	assert.Len(t, f.store.objects, 1)
}

func TestProcessRejects(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Process(context.Background(), Upload{Filename: "notes.txt", Data: []byte("hello")})
	assert.ErrorIs(t, err, validator.ErrInvalidFile)

	f.tesser.err = errors.New("engine crashed")
	_, err = f.svc.Process(context.Background(), pngUpload(t, "cert.png"))
	stage, ok := pipeline.FailedStage(err)
	require.True(t, ok)
	assert.Equal(t, pipeline.StageRecognize, stage)
}

func TestSubmitAndHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.svc.Submit(ctx, pngUpload(t, "cert.png"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, "tesseract", task.Recognizer)
	require.Len(t, f.queue.tasks, 1)

	queued := f.queue.tasks[0]
	assert.Equal(t, storage.UploadKey(task.ID, "cert.png"), queued.Payload.FileKey)
	assert.Equal(t, "image/png", queued.Payload.MimeType)

	_, err = f.svc.Result(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotCompleted)

	require.NoError(t, f.svc.HandleTask(ctx, queued))

	status, err := f.svc.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, status.Status)

	result, err := f.svc.Result(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, result.TaskID)
	assert.Equal(t, "cert.png", result.Metadata.FileName)
	assert.Equal(t, "Juan Dela Cruz via tesseract", result.Record.Get(record.Awardee))
	assert.Equal(t, queued.Payload.FileKey, result.Record.ImagePath())
}

func TestHandleTaskUsesPinnedRecognizer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.svc.Submit(ctx, pngUpload(t, "cert.png"))
	require.NoError(t, err)

	_, err = f.svc.SwitchModel(ctx, "pdftext")
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleTask(ctx, f.queue.tasks[0]))
	result, err := f.svc.Result(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "tesseract", result.Metadata.Recognizer)
}

func TestHandleTaskFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.svc.Submit(ctx, pngUpload(t, "cert.png"))
	require.NoError(t, err)
	f.tesser.err = errors.New("engine crashed")

	err = f.svc.HandleTask(ctx, f.queue.tasks[0])
	require.Error(t, err)

	status, err := f.svc.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status.Status)
	assert.Equal(t, string(pipeline.StageRecognize), status.FailedAt)
	assert.Contains(t, status.Error, "engine crashed")
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t)

	uploads := []Upload{pngUpload(t, "a.png"), pngUpload(t, "b.png"), pngUpload(t, "c.png")}
	tasks, err := f.svc.SubmitBatch(context.Background(), uploads)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, uploads[i].Filename, task.Metadata["filename"])
	}

	f.queue.failOn = "b.png"
	tasks, err = f.svc.SubmitBatch(context.Background(), uploads[1:2])
	assert.Error(t, err)
	assert.Empty(t, tasks)
}

func TestSwitchModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Process(ctx, Upload{Filename: "cert.pdf", Data: []byte("%PDF-1.4 x")})
	require.Error(t, err)

	name, err := f.svc.SwitchModel(ctx, "PDFText")
	require.NoError(t, err)
	assert.Equal(t, "pdftext", name)
	assert.Equal(t, "pdftext", f.svc.ActiveModel())

	res, err := f.svc.Process(ctx, pngUpload(t, "cert.png"))
	require.NoError(t, err)
	assert.Equal(t, "Maria Santos via pdftext", res.Data.Get(record.Awardee))

	_, err = f.svc.SwitchModel(ctx, "easyocr")
	assert.ErrorIs(t, err, ocr.ErrUnknownKind)

	_, err = f.svc.SwitchModel(ctx, "vision")
	assert.Error(t, err)
	assert.Equal(t, "pdftext", f.svc.ActiveModel())
}

func TestCancelAndCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.svc.Submit(ctx, pngUpload(t, "cert.png"))
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, task.ID))

	status, err := f.svc.Status(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, status.Status)

	err = f.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)

	n, err := f.svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessGemini(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.False(t, f.svc.HasGemini())
	_, err := f.svc.ProcessGemini(ctx, pngUpload(t, "cert.png"))
	assert.ErrorIs(t, err, ErrGeminiUnavailable)

	f.gemini.enabled = true
	f.gemini.c = record.Candidates{
		"TYPE":        {"Certificate of Participation"},
		"AWARDEE":     {"Juan Dela Cruz"},
		"LOCATION":    {"N/A"},
		"SIGNATORIES": {"Ana Reyes", "N/A"},
	}
	info, err := f.svc.ProcessGemini(ctx, pngUpload(t, "cert.png"))
	require.NoError(t, err)
	assert.Equal(t, "image/png", f.gemini.got)
	assert.Equal(t, "Certificate of Participation", info.Type)
	assert.Equal(t, "", info.Location)
	assert.Equal(t, "", info.Role)
	assert.Equal(t, []string{"Ana Reyes"}, info.Signatories)

	f.gemini.err = errors.New("quota exceeded")
	_, err = f.svc.ProcessGemini(ctx, pngUpload(t, "cert.png"))
	assert.Error(t, err)
}
