package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the service settings. Every field can be set from the environment;
// the serve command lets flags override them.
type Config struct {
	Port        int    `env:"PORT"          envDefault:"10000"`
	ResultsDir  string `env:"RESULTS_DIR"   envDefault:"static/results"`
	UploadDir   string `env:"UPLOAD_DIR"` // empty means os.TempDir()
	MaxUploadMB int64  `env:"MAX_UPLOAD_MB" envDefault:"512"`
	CORSOrigin  string `env:"CORS_ORIGIN"   envDefault:"*"`

	Stride     int     `env:"STRIDE"     envDefault:"10"`
	PerSecond  bool    `env:"PER_SECOND" envDefault:"true"`
	Confidence float64 `env:"CONFIDENCE" envDefault:"0.25"`
	ImgSize    int     `env:"IMGSZ"      envDefault:"512"`

	Engines       int           `env:"ENGINES"        envDefault:"1"`
	PythonBin     string        `env:"PYTHON_BIN"     envDefault:"python3"`
	WorkerScript  string        `env:"WORKER_SCRIPT"  envDefault:"python/worker.py"`
	ModelPath     string        `env:"MODEL_PATH"     envDefault:"best.pt"`
	WorkerTimeout time.Duration `env:"WORKER_TIMEOUT" envDefault:"0s"` // 0 disables the per-frame read deadline

	MetricsPort  int    `env:"METRICS_PORT"  envDefault:"9090"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`

	MinIOEndpoint  string `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	MinIOSecretKey string `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL"    envDefault:"false"`
	MinIOBucket    string `env:"MINIO_BUCKET"     envDefault:"results"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the settings are usable before any heavy process is started.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Stride < 1 {
		return fmt.Errorf("stride must be >= 1, got %d", c.Stride)
	}
	if c.Confidence <= 0 || c.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", c.Confidence)
	}
	if c.ImgSize < 32 {
		return fmt.Errorf("imgsz must be >= 32, got %d", c.ImgSize)
	}
	if c.Engines < 1 {
		return fmt.Errorf("engines must be >= 1, got %d", c.Engines)
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("max upload must be >= 1 MB, got %d", c.MaxUploadMB)
	}
	if c.ResultsDir == "" {
		return fmt.Errorf("results directory must be set")
	}
	if c.WorkerTimeout < 0 {
		return fmt.Errorf("worker timeout must not be negative, got %s", c.WorkerTimeout)
	}
	return nil
}

// MirrorEnabled reports whether results should be copied to object storage.
func (c *Config) MirrorEnabled() bool {
	return c.MinIOEndpoint != ""
}
