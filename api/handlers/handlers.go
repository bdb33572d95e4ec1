package handlers

import (
	"github.com/feichai0017/certificate-extractor/internal/service/extraction"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

type Handlers struct {
	Certificate *CertificateHandler
}

func NewHandlers(
	service extraction.CertificateExtractor,
	maxUploadSize int64,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Certificate: NewCertificateHandler(service, maxUploadSize, logger),
	}
}
