package validator

import (
	"bytes"
	"image"
	"image/png"
	"mime/multipart"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/certificate-extractor/internal/models"
	"github.com/feichai0017/certificate-extractor/pkg/logger"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func codes(res *ValidationResult) []string {
	out := make([]string, len(res.Errors))
	for i, e := range res.Errors {
		out[i] = e.Code
	}
	return out
}

func TestValidateImage(t *testing.T) {
	v := NewCertificateValidator(logger.NewNop(), nil)

	res := v.Validate("cert.PNG", pngBytes(t, 400, 300))
	require.True(t, res.IsValid, codes(res))
	assert.NoError(t, res.Err())
	assert.Equal(t, "image/png", res.FileInfo.MimeType)
	assert.Equal(t, models.Image, res.FileInfo.FileType)
	assert.Equal(t, 400, res.FileInfo.Width)
	assert.Len(t, res.FileInfo.Hash, 64)
}

func TestValidateRejects(t *testing.T) {
	v := NewCertificateValidator(logger.NewNop(), nil)

	tests := []struct {
		name     string
		filename string
		data     []byte
		code     string
	}{
		{"empty", "a.png", nil, "EMPTY_FILE"},
		{"extension", "a.gif", []byte("GIF89a"), "INVALID_FILE_TYPE"},
		{"mime mismatch", "a.png", []byte("plain text pretending"), "INVALID_MIME_TYPE"},
		{"too small", "a.png", pngBytes(t, 20, 20), "IMAGE_TOO_SMALL"},
		{"broken pdf", "a.pdf", []byte("%PDF-1.4 truncated"), "UNREADABLE_PDF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.filename, tt.data)
			assert.False(t, res.IsValid)
			assert.Contains(t, codes(res), tt.code)
			assert.ErrorIs(t, res.Err(), ErrInvalidFile)
		})
	}
}

func TestValidateSizeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFileSize = 64
	v := NewCertificateValidator(logger.NewNop(), cfg)

	res := v.Validate("a.png", pngBytes(t, 400, 300))
	assert.Contains(t, codes(res), "FILE_TOO_LARGE")
}

func TestValidateHeader(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image_file", "cert.png")
	require.NoError(t, err)
	data := pngBytes(t, 200, 200)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	header := req.MultipartForm.File["image_file"][0]

	v := NewCertificateValidator(logger.NewNop(), nil)
	res, got, err := v.ValidateHeader(header)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, data, got)
}

func TestIsImageExt(t *testing.T) {
	v := NewCertificateValidator(logger.NewNop(), nil)
	assert.True(t, v.IsImageExt(".JPG"))
	assert.False(t, v.IsImageExt(".pdf"))
	assert.False(t, v.IsImageExt(".docx"))
}
