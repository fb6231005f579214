package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrMissingIndex is returned by Validate when the document root has no index.html.
var ErrMissingIndex = errors.New("document root has no index.html")

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":6006"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	CertFile     string        `env:"CERT_FILE"`
	KeyFile      string        `env:"KEY_FILE"`

	DocRoot  string `env:"DOC_ROOT" envDefault:"./web"`
	LogFile  string `env:"LOG_FILE"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	SampleRate      int    `env:"SAMPLE_RATE" envDefault:"16000"`
	InputSampleRate int    `env:"INPUT_SAMPLE_RATE" envDefault:"0"`
	RecognizerFile  string `env:"RECOGNIZER_CONFIG"`

	DecodeWorkers        int `env:"DECODE_WORKERS" envDefault:"1"`
	NetworkWorkers       int `env:"NETWORK_WORKERS" envDefault:"1"`
	MaxMessageSize       int `env:"MAX_MESSAGE_SIZE" envDefault:"1048576"`
	MaxActiveConnections int `env:"MAX_ACTIVE_CONNECTIONS" envDefault:"500"`
	SendQueueSize        int `env:"SEND_QUEUE_SIZE" envDefault:"256"`

	ArchiveWorkers   int `env:"ARCHIVE_WORKERS" envDefault:"2"`
	ArchiveQueueSize int `env:"ARCHIVE_QUEUE_SIZE" envDefault:"500"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"asr-gateway"`
	MQTTTopic     string `env:"MQTT_TOPIC" envDefault:"asr/transcripts"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	DatabaseURL string `env:"DATABASE_URL"`

	RecordingsDir    string  `env:"RECORDINGS_DIR"`
	RecordMaxSeconds float64 `env:"RECORD_MAX_SECONDS" envDefault:"300"`
	S3               S3Config
}

// S3Config holds the optional object-store settings for utterance recordings.
type S3Config struct {
	Bucket    string `env:"S3_BUCKET"`
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Prefix    string `env:"S3_PREFIX"`
}

// Enabled reports whether an S3 bucket was configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile        string
	HTTPAddr       string
	LogLevel       string
	LogFile        string
	DocRoot        string
	RecognizerFile string
	DecodeWorkers  int
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.LogFile != "" {
		cfg.LogFile = overrides.LogFile
	}
	if overrides.DocRoot != "" {
		cfg.DocRoot = overrides.DocRoot
	}
	if overrides.RecognizerFile != "" {
		cfg.RecognizerFile = overrides.RecognizerFile
	}
	if overrides.DecodeWorkers > 0 {
		cfg.DecodeWorkers = overrides.DecodeWorkers
	}

	if cfg.InputSampleRate == 0 {
		cfg.InputSampleRate = cfg.SampleRate
	}

	return cfg, nil
}

// Validate checks the settings the server cannot start without. Every error
// returned here is meant to be fatal at startup.
func (c *Config) Validate() error {
	if c.DocRoot == "" {
		return fmt.Errorf("DOC_ROOT is required (e.g. ./web)")
	}
	st, err := os.Stat(c.DocRoot)
	if err != nil {
		return fmt.Errorf("DOC_ROOT %q: %w", c.DocRoot, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("DOC_ROOT %q is not a directory", c.DocRoot)
	}
	if _, err := os.Stat(filepath.Join(c.DocRoot, "index.html")); err != nil {
		return fmt.Errorf("%w: %s", ErrMissingIndex, c.DocRoot)
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be > 0, got %d", c.SampleRate)
	}
	if c.InputSampleRate <= 0 {
		return fmt.Errorf("INPUT_SAMPLE_RATE must be > 0, got %d", c.InputSampleRate)
	}
	if c.DecodeWorkers < 1 {
		return fmt.Errorf("DECODE_WORKERS must be >= 1, got %d", c.DecodeWorkers)
	}
	if c.NetworkWorkers < 1 {
		return fmt.Errorf("NETWORK_WORKERS must be >= 1, got %d", c.NetworkWorkers)
	}
	if c.MaxMessageSize < 4 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be >= 4, got %d", c.MaxMessageSize)
	}
	if c.MaxActiveConnections < 1 {
		return fmt.Errorf("MAX_ACTIVE_CONNECTIONS must be >= 1, got %d", c.MaxActiveConnections)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be >= 1, got %d", c.SendQueueSize)
	}

	if c.ArchiveWorkers < 1 {
		return fmt.Errorf("ARCHIVE_WORKERS must be >= 1, got %d", c.ArchiveWorkers)
	}
	if c.ArchiveQueueSize < 0 {
		return fmt.Errorf("ARCHIVE_QUEUE_SIZE must be >= 0, got %d", c.ArchiveQueueSize)
	}

	if c.RecognizerFile != "" {
		if _, err := os.Stat(c.RecognizerFile); err != nil {
			return fmt.Errorf("RECOGNIZER_CONFIG %q: %w", c.RecognizerFile, err)
		}
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("CERT_FILE and KEY_FILE must be set together")
	}
	if c.CertFile != "" {
		if _, err := os.Stat(c.CertFile); err != nil {
			return fmt.Errorf("CERT_FILE %q: %w", c.CertFile, err)
		}
	}
	return nil
}

// TLSEnabled reports whether the server should listen with TLS.
func (c *Config) TLSEnabled() bool { return c.CertFile != "" && c.KeyFile != "" }
