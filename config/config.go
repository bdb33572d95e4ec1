package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. It is loaded once at start-up and
// passed down explicitly.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Tesseract TesseractConfig `yaml:"tesseract"`
	Textract  TextractConfig  `yaml:"textract"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	LLM       LLMConfig       `yaml:"llm"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	NER       NERConfig       `yaml:"ner"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Workers       int      `yaml:"workers"`
	MaxUploadSize int64    `yaml:"max_upload_size"`
	AllowOrigins  []string `yaml:"allow_origins"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type PipelineConfig struct {
	OCRModel           string  `yaml:"ocr_model"`
	NERModel           string  `yaml:"ner_model"`
	LLMPostprocessing  bool    `yaml:"has_llm_postprocessing"`
	ImagePreprocessing bool    `yaml:"has_image_preprocessing"`
	RowTolerance       float64 `yaml:"row_tolerance"`
	RowGrouping        string  `yaml:"row_grouping"` // anchored | banded
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	HealthAddr  string `yaml:"health_addr"`
}

type StorageConfig struct {
	Type  string      `yaml:"type"` // s3 | minio
	S3    S3Config    `yaml:"s3"`
	Minio MinioConfig `yaml:"minio"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
	Dir      string `yaml:"dir"`
}

// Default returns the configuration used when no file or variable overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:          "localhost",
			Port:          8000,
			Workers:       1,
			MaxUploadSize: 10 << 20,
			AllowOrigins:  []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		},
		Pipeline: PipelineConfig{
			OCRModel:           "tesseract",
			NERModel:           "llm",
			LLMPostprocessing:  true,
			ImagePreprocessing: true,
			RowTolerance:       30,
			RowGrouping:        "anchored",
		},
		Tesseract: TesseractConfig{Languages: []string{"eng"}},
		Textract:  TextractConfig{Region: "us-east-1"},
		Ollama: OllamaConfig{
			Host:        "http://localhost:11434",
			VisionModel: "llama3.2-vision",
			PoolSize:    4,
			Timeout:     120,
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:8080/v1",
			Model:       "qwen2.5-1.5b-instruct",
			Temperature: 0.1,
			TopP:        0.9,
			MaxTokens:   1024,
			Timeout:     120,
		},
		Gemini: GeminiConfig{
			Model:   "gemini-2.5-flash",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Timeout: 60,
		},
		NER: NERConfig{URL: "http://localhost:8090/ner", Timeout: 30},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Worker: WorkerConfig{Concurrency: 10, HealthAddr: ":50051"},
		Storage: StorageConfig{
			Type:  "minio",
			Minio: MinioConfig{Endpoint: "localhost:9000", BucketName: "certificates"},
		},
		Log: LogConfig{Level: "info", Encoding: "json", Dir: "logs"},
	}
}

// Load reads the YAML file at path if it exists, then loads .env files and
// applies environment overrides. A missing file is not an error.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// variables already in the environment win over the file
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write stores cfg as YAML at path, creating parent directories.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// EnsureFile writes the default configuration to path when nothing exists there.
func EnsureFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}
	return true, Write(path, Default())
}

// Validate rejects values the service cannot start with.
func (c Config) Validate() error {
	switch c.Pipeline.OCRModel {
	case "tesseract", "textract", "vision", "pdftext":
	default:
		return fmt.Errorf("unknown OCR_MODEL %q", c.Pipeline.OCRModel)
	}
	switch c.Pipeline.NERModel {
	case "llm", "gemini", "ner":
	default:
		return fmt.Errorf("unknown NER_MODEL %q", c.Pipeline.NERModel)
	}
	if c.Pipeline.NERModel == "gemini" && !c.Gemini.Enabled() {
		return errors.New("NER_MODEL gemini requires GEMINI_API")
	}
	switch c.Pipeline.RowGrouping {
	case "", "anchored", "banded":
	default:
		return fmt.Errorf("unknown row grouping %q", c.Pipeline.RowGrouping)
	}
	if c.Pipeline.RowTolerance <= 0 {
		return fmt.Errorf("row tolerance must be positive, got %v", c.Pipeline.RowTolerance)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	switch c.Storage.Type {
	case "s3", "minio":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	return nil
}

func applyEnv(c *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	str("HOST", &c.Server.Host)
	integer("PORT", &c.Server.Port)
	integer("WORKERS", &c.Server.Workers)

	str("OCR_MODEL", &c.Pipeline.OCRModel)
	str("NER_MODEL", &c.Pipeline.NERModel)
	boolean("HAS_LLM_POSTPROCESSING", &c.Pipeline.LLMPostprocessing)
	boolean("HAS_IMAGE_PREPROCESSING", &c.Pipeline.ImagePreprocessing)
	float("ROW_TOLERANCE", &c.Pipeline.RowTolerance)
	str("ROW_GROUPING", &c.Pipeline.RowGrouping)
	c.Pipeline.OCRModel = strings.ToLower(c.Pipeline.OCRModel)
	c.Pipeline.NERModel = strings.ToLower(c.Pipeline.NERModel)

	str("OLLAMA_HOST", &c.Ollama.Host)
	str("VISION_MODEL", &c.Ollama.VisionModel)

	str("LLM_BASE_URL", &c.LLM.BaseURL)
	str("LLM_MODEL", &c.LLM.Model)
	str("LLM_API_KEY", &c.LLM.APIKey)

	str("GEMINI_API", &c.Gemini.APIKey)
	str("GEMINI_MODEL", &c.Gemini.Model)

	str("NER_URL", &c.NER.URL)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)

	integer("WORKER_CONCURRENCY", &c.Worker.Concurrency)
	str("WORKER_HEALTH_ADDR", &c.Worker.HealthAddr)

	str("STORAGE_TYPE", &c.Storage.Type)
	applyS3Env(&c.Storage.S3, str)
	applyMinioEnv(&c.Storage.Minio, str, boolean)
	applyTextractEnv(&c.Textract, str)

	str("LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}
