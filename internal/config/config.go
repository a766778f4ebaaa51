package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Blob backend names accepted in BLOB_BACKEND.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Config holds all environment-based configuration for share-sync.
type Config struct {
	// Address the HTTP server listens on.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Base URL of the upstream ingestion API (required).
	UpstreamURL string `env:"UPSTREAM_URL"`

	// Bearer token sent with upstream requests. Optional; when empty no
	// Authorization header is set.
	UpstreamToken string `env:"UPSTREAM_TOKEN"`

	// Path to the offline queue database. Defaults to
	// ~/.share-sync/queue.db when empty.
	QueuePath string `env:"QUEUE_PATH"`

	// Blob storage backend: "local" or "s3".
	BlobBackend string `env:"BLOB_BACKEND" envDefault:"local"`

	// Directory for the local blob backend. Defaults to
	// ~/.share-sync/blobs when empty and the local backend is selected.
	BlobDir string `env:"BLOB_DIR"`

	// S3 backend settings (required when BLOB_BACKEND=s3).
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"auto"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`

	// How often the periodic trigger fires a queue drain.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`

	// How often the connectivity prober checks the upstream. A drain is
	// triggered only on an offline-to-online transition.
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`

	// Directory watched for dropped-in files to ingest as shares.
	// Empty disables the spool watcher.
	SpoolDir string `env:"SPOOL_DIR"`

	// Optional YAML file with share filter rules (allowed MIME types,
	// maximum file size). Empty means accept everything.
	FilterRules string `env:"FILTER_RULES"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve directories to absolute paths at startup. The spool
	// watcher and local blob store compare paths by string prefix,
	// which only works reliably with absolute paths.
	for _, dir := range []*string{&cfg.BlobDir, &cfg.SpoolDir} {
		if *dir == "" {
			continue
		}

		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("resolving directory to absolute path: %w", err)
		}

		*dir = abs
	}

	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.QueuePath == "" {
		p, err := defaultStatePath("queue.db")
		if err != nil {
			return err
		}

		c.QueuePath = p
	}

	if c.BlobDir == "" && c.BlobBackend == BackendLocal {
		p, err := defaultStatePath("blobs")
		if err != nil {
			return err
		}

		c.BlobDir = p
	}

	return nil
}

func (c *Config) validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL is required")
	}

	switch c.BlobBackend {
	case BackendLocal:
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND=s3")
		}

		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when BLOB_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q (expected %q or %q)", c.BlobBackend, BackendLocal, BackendS3)
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}

	if c.ProbeInterval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL must be positive")
	}

	return nil
}

// defaultStatePath returns ~/.share-sync/<name>.
func defaultStatePath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".share-sync", name), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
