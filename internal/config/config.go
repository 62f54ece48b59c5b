package config

import (
	"log/slog"

	"shardstream/internal/storage"

	"github.com/joho/godotenv"
)

// S3Config is the shared object-store configuration embedded by each
// binary's env config. Endpoint stays empty for real AWS; set it for MinIO
// or another S3-compatible store.
type S3Config struct {
	Endpoint        string `env:"S3_ENDPOINT_URL"`
	Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

func (c S3Config) ClientConfig() storage.S3ClientConfig {
	return storage.S3ClientConfig{
		Endpoint:        c.Endpoint,
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	}
}

// LoadDotEnv loads a .env file if present, for local development.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded, continuing with environment variables")
	}
}
