package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Stream is a source recorded from startup
type Stream struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr string `yaml:"http_addr"`

	// RTMP Server
	RTMPAddr       string `yaml:"rtmp_addr"`
	RTMPIngestAddr string `yaml:"rtmp_ingest_addr"` // Public RTMP URL for publishers

	// Recording
	OutputDir        string        `yaml:"output_dir"`
	FileNameTemplate string        `yaml:"file_name_template"`
	MaxPartSize      int64         `yaml:"max_part_size"`
	MaxPartDuration  time.Duration `yaml:"max_part_duration"`
	KeyframeSlots    int           `yaml:"keyframe_slots"`

	// Pull sources
	ReconnectDelay    time.Duration     `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration     `yaml:"max_reconnect_delay"`
	RequestHeaders    map[string]string `yaml:"request_headers"`
	Streams           []Stream          `yaml:"streams"`

	// Storage
	StorageType       string `yaml:"storage_type"`
	StorageDir        string `yaml:"storage_dir"`
	GCSProjectID      string `yaml:"gcs_project_id"`
	GCSBucketName     string `yaml:"gcs_bucket_name"`
	GCSBaseDir        string `yaml:"gcs_base_dir"`
	DeleteAfterUpload bool   `yaml:"delete_after_upload"`
	UploadWorkers     int    `yaml:"upload_workers"`
	UploadRetries     int    `yaml:"upload_retries"`

	// Auth
	RequireToken           bool          `yaml:"require_token"`
	DefaultTokenExpiration time.Duration `yaml:"default_token_expiration"`
	MaxTokenExpiration     time.Duration `yaml:"max_token_expiration"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load loads configuration from environment variables with defaults. When
// CONFIG_FILE is set the file is applied on top and may list streams.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		RTMPAddr:               getEnv("RTMP_ADDR", ":1935"),
		RTMPIngestAddr:         getEnv("RTMP_INGEST_ADDR", "rtmp://localhost:1935"),
		OutputDir:              getEnv("OUTPUT_DIR", "./data/recordings"),
		FileNameTemplate:       getEnv("FILE_NAME_TEMPLATE", "{name}/{name}_{time}_{index}.flv"),
		MaxPartSize:            getInt64Env("MAX_PART_SIZE", 0),
		MaxPartDuration:        getDurationEnv("MAX_PART_DURATION", 0),
		KeyframeSlots:          getIntEnv("KEYFRAME_SLOTS", 4096),
		ReconnectDelay:         getDurationEnv("RECONNECT_DELAY", 5*time.Second),
		MaxReconnectDelay:      getDurationEnv("MAX_RECONNECT_DELAY", 2*time.Minute),
		StorageType:            getEnv("STORAGE_TYPE", StorageNone),
		StorageDir:             getEnv("STORAGE_DIR", "./data/archive"),
		GCSProjectID:           getEnv("GCS_PROJECT_ID", ""),
		GCSBucketName:          getEnv("GCS_BUCKET_NAME", ""),
		GCSBaseDir:             getEnv("GCS_BASE_DIR", "recordings"),
		DeleteAfterUpload:      getBoolEnv("DELETE_AFTER_UPLOAD", false),
		UploadWorkers:          getIntEnv("UPLOAD_WORKERS", 2),
		UploadRetries:          getIntEnv("UPLOAD_RETRIES", 3),
		RequireToken:           getBoolEnv("REQUIRE_TOKEN", false),
		DefaultTokenExpiration: getDurationEnv("DEFAULT_TOKEN_EXPIRATION", 1*time.Hour),
		MaxTokenExpiration:     getDurationEnv("MAX_TOKEN_EXPIRATION", 24*time.Hour),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "text"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyYAML overrides fields present in data. Unknown keys are rejected.
func (c *Config) applyYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration for values the recorder cannot run with
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.OutputDir == "" {
		result = multierror.Append(result, fmt.Errorf("output_dir must be set"))
	}
	if c.FileNameTemplate == "" {
		result = multierror.Append(result, fmt.Errorf("file_name_template must be set"))
	}
	if c.MaxPartSize < 0 {
		result = multierror.Append(result, fmt.Errorf("max_part_size must not be negative"))
	}
	if c.MaxPartDuration < 0 {
		result = multierror.Append(result, fmt.Errorf("max_part_duration must not be negative"))
	}
	if c.KeyframeSlots < 0 {
		result = multierror.Append(result, fmt.Errorf("keyframe_slots must not be negative"))
	}
	if c.UploadWorkers < 1 {
		result = multierror.Append(result, fmt.Errorf("upload_workers must be at least 1"))
	}

	switch c.StorageType {
	case StorageNone, StorageLocal:
	case StorageGCS:
		if c.GCSBucketName == "" {
			result = multierror.Append(result, fmt.Errorf("gcs_bucket_name must be set when storage_type is gcs"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown storage_type %q", c.StorageType))
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}

	seen := make(map[string]bool)
	for i, s := range c.Streams {
		switch {
		case s.Name == "":
			result = multierror.Append(result, fmt.Errorf("streams[%d]: name must be set", i))
		case seen[s.Name]:
			result = multierror.Append(result, fmt.Errorf("streams[%d]: duplicate name %q", i, s.Name))
		}
		if s.URL == "" {
			result = multierror.Append(result, fmt.Errorf("streams[%d]: url must be set", i))
		}
		seen[s.Name] = true
	}

	return result.ErrorOrNil()
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
