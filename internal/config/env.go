package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".taskstream/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"taskstream/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
	// SQLite settings (used when Type == "sqlite")
	SQLitePath string `envconfig:"SQLITE_PATH" default:".taskstream/taskstream.db"`
}

// StreamEnv tunes the snapshot flush policy and the consumer liveness window.
// The thresholds are deployment-specific, so they are configuration rather
// than constants.
type StreamEnv struct {
	FlushBytes     int           `envconfig:"STREAM_FLUSH_BYTES" default:"512"`
	FlushInterval  time.Duration `envconfig:"STREAM_FLUSH_INTERVAL" default:"200ms"`
	LivenessWindow time.Duration `envconfig:"STREAM_LIVENESS_WINDOW" default:"30s"`
}

type GeneratorEnv struct {
	Type    string `envconfig:"GENERATOR_TYPE" default:"script"`
	Command string `envconfig:"GENERATOR_COMMAND" default:""`
	WorkDir string `envconfig:"GENERATOR_WORK_DIR" default:"."`
}

type Env struct {
	BaseEnv
	StorageEnv
	StreamEnv
	GeneratorEnv
}

const namespace = "TASKSTREAM"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}
