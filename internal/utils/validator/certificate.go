package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/feichai0017/certificate-extractor/internal/models"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

var ErrInvalidFile = errors.New("invalid file")

// CertificateValidator checks uploads before they enter the pipeline.
type CertificateValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

type ValidatorConfig struct {
	MaxFileSize  int64
	AllowedTypes map[string][]string // extension -> accepted sniffed MIME types
	MinDimension int
	MaxDimension int
	MaxPageCount int
}

// ValidationResult collects every problem found, not just the first one.
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo models.SourceFile `json:"fileInfo"`
}

type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Err returns nil for a valid file and an ErrInvalidFile otherwise.
func (r *ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return fmt.Errorf("%w: %s", ErrInvalidFile, strings.Join(msgs, "; "))
}

func DefaultConfig() *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize: 10 << 20,
		AllowedTypes: map[string][]string{
			".pdf":  {"application/pdf"},
			".jpg":  {"image/jpeg"},
			".jpeg": {"image/jpeg"},
			".png":  {"image/png"},
			".bmp":  {"image/bmp"},
			".webp": {"image/webp"},
			// net/http does not sniff TIFF
			".tif":  {"image/tiff", "application/octet-stream"},
			".tiff": {"image/tiff", "application/octet-stream"},
		},
		MinDimension: 100,
		MaxDimension: 10000,
		MaxPageCount: 20,
	}
}

func NewCertificateValidator(log logger.Logger, config *ValidatorConfig) *CertificateValidator {
	if config == nil {
		config = DefaultConfig()
	}
	return &CertificateValidator{logger: log, config: config}
}

// IsImageExt reports whether ext is an accepted raster format.
func (v *CertificateValidator) IsImageExt(ext string) bool {
	ext = strings.ToLower(ext)
	_, ok := v.config.AllowedTypes[ext]
	return ok && ext != ".pdf"
}

// ValidateHeader reads a multipart upload and validates its content.
func (v *CertificateValidator) ValidateHeader(header *multipart.FileHeader) (*ValidationResult, []byte, error) {
	if header.Size > v.config.MaxFileSize {
		res := &ValidationResult{FileInfo: models.SourceFile{Filename: header.Filename, Size: header.Size}}
		res.add("FILE_TOO_LARGE", fmt.Sprintf("file size exceeds maximum limit of %d bytes", v.config.MaxFileSize), "size")
		return res, nil, nil
	}
	f, err := header.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, v.config.MaxFileSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}
	return v.Validate(header.Filename, data), data, nil
}

// Validate checks size, extension, sniffed MIME type and format-specific
// limits of an in-memory upload.
func (v *CertificateValidator) Validate(filename string, data []byte) *ValidationResult {
	sum := sha256.Sum256(data)
	ext := strings.ToLower(filepath.Ext(filename))
	res := &ValidationResult{
		IsValid: true,
		FileInfo: models.SourceFile{
			Filename: filename,
			Size:     int64(len(data)),
			MimeType: http.DetectContentType(data),
			FileType: models.Image,
			Hash:     hex.EncodeToString(sum[:]),
		},
	}
	if ext == ".pdf" {
		res.FileInfo.FileType = models.PDF
	}

	if len(data) == 0 {
		res.add("EMPTY_FILE", "file is empty", "size")
		return res
	}
	if int64(len(data)) > v.config.MaxFileSize {
		res.add("FILE_TOO_LARGE", fmt.Sprintf("file size exceeds maximum limit of %d bytes", v.config.MaxFileSize), "size")
	}

	allowed, ok := v.config.AllowedTypes[ext]
	if !ok {
		res.add("INVALID_FILE_TYPE", fmt.Sprintf("file type %q is not allowed", ext), "extension")
		return res
	}
	if !contains(allowed, res.FileInfo.MimeType) {
		res.add("INVALID_MIME_TYPE", fmt.Sprintf("content type %s does not match extension %s", res.FileInfo.MimeType, ext), "mimeType")
		return res
	}
	if ext == ".tif" || ext == ".tiff" {
		res.FileInfo.MimeType = "image/tiff"
	}

	if res.FileInfo.FileType == models.PDF {
		v.validatePDF(data, res)
	} else {
		v.validateImage(data, res)
	}

	if !res.IsValid {
		v.logger.Warn("Upload rejected",
			logger.String("filename", filename),
			logger.Any("errors", res.Errors),
		)
	}
	return res
}

func (v *CertificateValidator) validateImage(data []byte, res *ValidationResult) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		res.add("UNREADABLE_IMAGE", fmt.Sprintf("cannot decode image: %v", err), "content")
		return
	}
	res.FileInfo.Width, res.FileInfo.Height = cfg.Width, cfg.Height
	if cfg.Width < v.config.MinDimension || cfg.Height < v.config.MinDimension {
		res.add("IMAGE_TOO_SMALL", fmt.Sprintf("image is %dx%d, minimum is %d pixels per side", cfg.Width, cfg.Height, v.config.MinDimension), "dimensions")
	}
	if cfg.Width > v.config.MaxDimension || cfg.Height > v.config.MaxDimension {
		res.add("IMAGE_TOO_LARGE", fmt.Sprintf("image is %dx%d, maximum is %d pixels per side", cfg.Width, cfg.Height, v.config.MaxDimension), "dimensions")
	}
}

func (v *CertificateValidator) validatePDF(data []byte, res *ValidationResult) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		res.add("UNREADABLE_PDF", fmt.Sprintf("cannot open pdf: %v", err), "content")
		return
	}
	if n := r.NumPage(); n > v.config.MaxPageCount {
		res.add("TOO_MANY_PAGES", fmt.Sprintf("pdf has %d pages, maximum is %d", n, v.config.MaxPageCount), "pages")
	}
}

func (r *ValidationResult) add(code, msg, field string) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationError{Code: code, Message: msg, Field: field})
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
