package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/certificate-extractor/api/handlers"
	"github.com/feichai0017/certificate-extractor/api/middleware"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

// SetupRoutes registers the HTTP surface under /api/v1.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, origins []string, log logger.Logger) {
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.CORS(origins))

	v1 := r.Group("/api/v1")
	v1.GET("/health", h.Certificate.Health)

	v1.POST("/process_ocr", h.Certificate.ProcessOCR)
	v1.POST("/process_gemini", h.Certificate.ProcessGemini)
	v1.GET("/has_gemini", h.Certificate.HasGemini)
	v1.POST("/model", h.Certificate.SwitchModel)

	tasks := v1.Group("/tasks")
	{
		tasks.POST("", h.Certificate.SubmitTask)
		tasks.POST("/batch", h.Certificate.SubmitBatch)
		tasks.GET("/:taskId", h.Certificate.GetStatus)
		tasks.GET("/:taskId/result", h.Certificate.GetResult)
		tasks.DELETE("/:taskId", h.Certificate.CancelTask)
	}
}
