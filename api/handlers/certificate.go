package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/certificate-extractor/internal/agent/ocr"
	"github.com/feichai0017/certificate-extractor/internal/models"
	"github.com/feichai0017/certificate-extractor/internal/pipeline"
	"github.com/feichai0017/certificate-extractor/internal/service/extraction"
	"github.com/feichai0017/certificate-extractor/internal/utils/validator"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
	"github.com/feichai0017/certificate-extractor/pkg/queue"
)

const genericFailure = "failed to process document"

var errTooLarge = errors.New("file too large")

type CertificateHandler struct {
	service       extraction.CertificateExtractor
	maxUploadSize int64
	logger        logger.Logger
}

type TaskResponse struct {
	TaskID     string `json:"taskId"`
	Status     string `json:"status"`
	Filename   string `json:"filename"`
	Recognizer string `json:"recognizer"`
	CreatedAt  string `json:"createdAt"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type modelRequest struct {
	Model string `json:"model" binding:"required"`
}

func NewCertificateHandler(service extraction.CertificateExtractor, maxUploadSize int64, log logger.Logger) *CertificateHandler {
	return &CertificateHandler{
		service:       service,
		maxUploadSize: maxUploadSize,
		logger:        log.Named("http"),
	}
}

func (h *CertificateHandler) readUpload(header *multipart.FileHeader) (extraction.Upload, error) {
	if header.Size > h.maxUploadSize {
		return extraction.Upload{}, fmt.Errorf("%w: %d bytes, limit is %d", errTooLarge, header.Size, h.maxUploadSize)
	}
	f, err := header.Open()
	if err != nil {
		return extraction.Upload{}, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadSize+1))
	if err != nil {
		return extraction.Upload{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > h.maxUploadSize {
		return extraction.Upload{}, fmt.Errorf("%w: limit is %d bytes", errTooLarge, h.maxUploadSize)
	}
	return extraction.Upload{Filename: header.Filename, Data: data}, nil
}

func (h *CertificateHandler) formUpload(c *gin.Context, field string) (extraction.Upload, bool) {
	header, err := c.FormFile(field)
	if err != nil {
		h.handleError(c, http.StatusBadRequest, fmt.Sprintf("form field %q is required", field), err)
		return extraction.Upload{}, false
	}
	upload, err := h.readUpload(header)
	if err != nil {
		h.respond(c, err)
		return extraction.Upload{}, false
	}
	return upload, true
}

// ProcessOCR runs the pipeline synchronously on the image_file upload.
func (h *CertificateHandler) ProcessOCR(c *gin.Context) {
	upload, ok := h.formUpload(c, "image_file")
	if !ok {
		return
	}
	result, err := h.service.Process(c.Request.Context(), upload)
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *CertificateHandler) ProcessGemini(c *gin.Context) {
	if !h.service.HasGemini() {
		h.handleError(c, http.StatusServiceUnavailable, extraction.ErrGeminiUnavailable.Error(), nil)
		return
	}
	upload, ok := h.formUpload(c, "file")
	if !ok {
		return
	}
	info, err := h.service.ProcessGemini(c.Request.Context(), upload)
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *CertificateHandler) HasGemini(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"has_gemini_api": h.service.HasGemini()})
}

func (h *CertificateHandler) SwitchModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "model is required", err)
		return
	}
	name, err := h.service.SwitchModel(c.Request.Context(), req.Model)
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": fmt.Sprintf("OCR model set to %s", name),
		"model":   name,
	})
}

func (h *CertificateHandler) SubmitTask(c *gin.Context) {
	upload, ok := h.formUpload(c, "file")
	if !ok {
		return
	}
	task, err := h.service.Submit(c.Request.Context(), upload)
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, taskResponse(task))
}

func (h *CertificateHandler) SubmitBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files provided", nil)
		return
	}

	uploads := make([]extraction.Upload, 0, len(files))
	for _, header := range files {
		upload, err := h.readUpload(header)
		if err != nil {
			h.respond(c, err)
			return
		}
		uploads = append(uploads, upload)
	}

	tasks, err := h.service.SubmitBatch(c.Request.Context(), uploads)
	responses := make([]TaskResponse, len(tasks))
	for i, task := range tasks {
		responses[i] = taskResponse(task)
	}
	if err != nil {
		status, message := classify(err)
		h.logError(c, message, err)
		c.JSON(status, gin.H{"error": message, "tasks": responses})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": fmt.Sprintf("Processing %d certificates", len(tasks)),
		"tasks":   responses,
	})
}

func (h *CertificateHandler) GetStatus(c *gin.Context) {
	task, err := h.service.Status(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"taskId":      task.ID,
		"status":      string(task.Status),
		"progress":    task.Progress,
		"error":       task.Error,
		"failedStage": task.FailedAt,
		"createdAt":   task.CreatedAt.Format(time.RFC3339),
		"updatedAt":   task.UpdatedAt.Format(time.RFC3339),
	})
}

func (h *CertificateHandler) GetResult(c *gin.Context) {
	result, err := h.service.Result(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *CertificateHandler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.service.Cancel(c.Request.Context(), taskID); err != nil {
		h.respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Task cancelled successfully",
		"taskId":  taskID,
	})
}

func (h *CertificateHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"model":          h.service.ActiveModel(),
		"has_gemini_api": h.service.HasGemini(),
	})
}

func taskResponse(task *models.ExtractionTask) TaskResponse {
	return TaskResponse{
		TaskID:     task.ID,
		Status:     string(task.Status),
		Filename:   task.Metadata["filename"],
		Recognizer: task.Recognizer,
		CreatedAt:  task.CreatedAt.Format(time.RFC3339),
	}
}

// classify maps service errors to a status code and a client-safe message.
// Anything unexpected is reported generically.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, validator.ErrInvalidFile),
		errors.Is(err, extraction.ErrUnsupportedUpload),
		errors.Is(err, ocr.ErrUnknownKind):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, queue.ErrTaskNotFound):
		return http.StatusNotFound, "task not found"
	case errors.Is(err, extraction.ErrTaskNotCompleted),
		errors.Is(err, queue.ErrTaskFinished):
		return http.StatusConflict, err.Error()
	case errors.Is(err, extraction.ErrGeminiUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, genericFailure
	}
}

func (h *CertificateHandler) respond(c *gin.Context, err error) {
	status, message := classify(err)
	h.handleError(c, status, message, err)
}

func (h *CertificateHandler) logError(c *gin.Context, message string, err error) {
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Error(err),
	}
	if stage, ok := pipeline.FailedStage(err); ok {
		fields = append(fields, logger.String("stage", string(stage)))
	}
	logger.FromContext(c.Request.Context(), h.logger).Error(message, fields...)
}

func (h *CertificateHandler) handleError(c *gin.Context, status int, message string, err error) {
	h.logError(c, message, err)
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message})
}
