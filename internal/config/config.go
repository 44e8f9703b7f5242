package config

import (
	"fmt"
	"time"

	"github.com/andresmejia3/oculus/internal/types"
	"github.com/caarlos0/env/v11"
)

// Config is read from the environment; command-line flags override it.
type Config struct {
	ListenAddr  string `env:"OCULUS_LISTEN_ADDR"  envDefault:":50051"`
	MetricsPort int    `env:"METRICS_PORT"        envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL"           envDefault:"info"`

	DatabaseURL string `env:"DATABASE_URL"`

	Acceptors    int           `env:"OCULUS_ACCEPTORS"     envDefault:"1"`
	MaxSessions  int64         `env:"OCULUS_MAX_SESSIONS"  envDefault:"4"`
	WriteTimeout time.Duration `env:"OCULUS_WRITE_TIMEOUT" envDefault:"30s"`
	WorkDir      string        `env:"OCULUS_WORK_DIR"      envDefault:"/tmp/oculus"`
	SourceRoot   string        `env:"OCULUS_SOURCE_ROOT"`

	FFmpegBin       string        `env:"FFMPEG_BIN"       envDefault:"ffmpeg"`
	DetectorCmd     []string      `env:"DETECTOR_CMD"     envSeparator:" " envDefault:"python3 python/worker.py"`
	Engines         int           `env:"DETECTOR_ENGINES" envDefault:"1"`
	DetectorTimeout time.Duration `env:"DETECTOR_TIMEOUT" envDefault:"30s"`

	ModelName     string `env:"MODEL_NAME"     envDefault:"yolo"`
	ModelLabels   string `env:"MODEL_LABELS"   envDefault:"data/coco.names"`
	ModelConfig   string `env:"MODEL_CONFIG"   envDefault:"cfg/yolov3.cfg"`
	ModelWeights  string `env:"MODEL_WEIGHTS"  envDefault:"yolov3.weights"`
	ModelAnnotate bool   `env:"MODEL_ANNOTATE" envDefault:"false"`
	ModelOutput   string `env:"MODEL_OUTPUT"   envDefault:"output"`

	ObjectnessThreshold float64 `env:"THRESHOLD_OBJECTNESS" envDefault:"0.1"`
	ClassThreshold      float64 `env:"THRESHOLD_CLASS"      envDefault:"0.1"`
	HierThreshold       float64 `env:"THRESHOLD_HIER"       envDefault:"0.5"`
	NMSThreshold        float64 `env:"THRESHOLD_NMS"        envDefault:"0.45"`

	MinIOEndpoint  string `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	MinIOSecretKey string `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL"    envDefault:"false"`

	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE" envDefault:"oculus.detection"`

	JaegerEndpoint string `env:"JAEGER_ENDPOINT"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Acceptors < 1 {
		return fmt.Errorf("acceptors must be at least 1, got %d", c.Acceptors)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.Engines < 1 {
		return fmt.Errorf("detector engines must be at least 1, got %d", c.Engines)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout)
	}
	if len(c.DetectorCmd) == 0 {
		return fmt.Errorf("detector command is empty")
	}
	for name, v := range map[string]float64{
		"objectness": c.ObjectnessThreshold,
		"class":      c.ClassThreshold,
		"hier":       c.HierThreshold,
		"nms":        c.NMSThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s threshold must be within [0, 1], got %g", name, v)
		}
	}
	return nil
}

// Thresholds returns the configured default detector thresholds.
func (c *Config) Thresholds() types.Thresholds {
	return types.Thresholds{
		Objectness: c.ObjectnessThreshold,
		Class:      c.ClassThreshold,
		Hier:       c.HierThreshold,
		NMS:        c.NMSThreshold,
	}
}
