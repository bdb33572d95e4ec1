package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "tesseract", cfg.Pipeline.OCRModel)
	assert.Equal(t, "llm", cfg.Pipeline.NERModel)
	assert.True(t, cfg.Pipeline.LLMPostprocessing)
	assert.True(t, cfg.Pipeline.ImagePreprocessing)
	assert.Equal(t, 30.0, cfg.Pipeline.RowTolerance)
	assert.Equal(t, "gemini-2.5-flash", cfg.Gemini.Model)
	assert.False(t, cfg.Gemini.Enabled())
	assert.Equal(t, "localhost:8000", cfg.Server.Addr())
	assert.Equal(t, 1, cfg.Server.Workers)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
pipeline:
  ocr_model: textract
  has_llm_postprocessing: false
  row_tolerance: 20
storage:
  type: s3
  s3:
    bucket_name: certs
`), 0644))

	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("GEMINI_API=from-file\n"), 0644))

	t.Setenv("PORT", "9100")
	t.Setenv("HAS_IMAGE_PREPROCESSING", "false")
	t.Setenv("OCR_MODEL", "Vision")
	t.Setenv("GEMINI_API", "")
	os.Unsetenv("GEMINI_API")

	cfg, err := Load(path, envPath)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "vision", cfg.Pipeline.OCRModel)
	assert.False(t, cfg.Pipeline.LLMPostprocessing)
	assert.False(t, cfg.Pipeline.ImagePreprocessing)
	assert.Equal(t, 20.0, cfg.Pipeline.RowTolerance)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "certs", cfg.Storage.S3.BucketName)
	assert.Equal(t, "from-file", cfg.Gemini.APIKey)
	assert.True(t, cfg.Gemini.Enabled())
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown ocr model", "OCR_MODEL", "doctr"},
		{"unknown ner model", "NER_MODEL", "spacy"},
		{"bad bool", "HAS_LLM_POSTPROCESSING", "maybe"},
		{"bad port", "PORT", "eighty"},
		{"bad tolerance", "ROW_TOLERANCE", "-1"},
		{"gemini without key", "NER_MODEL", "gemini"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := Load("", noEnvFile(t))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))

	_, err := Load(path, noEnvFile(t))
	assert.Error(t, err)
}

func TestEnsureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	created, err := EnsureFile(path)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = EnsureFile(path)
	require.NoError(t, err)
	assert.False(t, created)

	cfg, err := Load(path, noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, Default().Pipeline, cfg.Pipeline)
}
