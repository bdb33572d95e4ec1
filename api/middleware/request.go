package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestID tags the request context with an id, reusing the client's when
// one is sent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// AccessLog writes one line per request.
func AccessLog(log logger.Logger) gin.HandlerFunc {
	log = log.Named("access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.FromContext(c.Request.Context(), log).Info("Request handled",
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("took", time.Since(start)),
		)
	}
}
