package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DatabaseURL string // ASPECTD_DATABASE_URL (required)
	HTTPAddr    string // ASPECTD_HTTP_ADDR (default ":8080")
	NATSURL     string // ASPECTD_NATS_URL (optional, empty = no bus; outbox still records)
	AuthToken   string // ASPECTD_AUTH_TOKEN (optional, empty = auth disabled)

	// Dispatcher settings
	RelayInterval  time.Duration // ASPECTD_RELAY_INTERVAL (default 1s)
	EventRetention time.Duration // ASPECTD_EVENT_RETENTION (default 24h; 0 = keep forever)

	// Scheduler settings
	SchedInterval time.Duration // ASPECTD_SCHED_INTERVAL (default 1s)
	SchedGrace    time.Duration // ASPECTD_SCHED_GRACE (default 30s)

	// Escrow settings
	EscrowTTL     time.Duration // ASPECTD_ESCROW_TTL (default 10m)
	SweepInterval time.Duration // ASPECTD_SWEEP_INTERVAL (default 30s)

	// Snapshot settings
	SnapshotInterval   time.Duration // ASPECTD_SNAPSHOT_INTERVAL (default 3m; 0 = disabled)
	SnapshotS3Bucket   string        // ASPECTD_SNAPSHOT_S3_BUCKET (enables S3 when set)
	SnapshotS3Endpoint string        // ASPECTD_SNAPSHOT_S3_ENDPOINT (custom endpoint for MinIO)
	SnapshotS3Region   string        // ASPECTD_SNAPSHOT_S3_REGION (default "us-east-1")
	SnapshotS3Key      string        // ASPECTD_SNAPSHOT_S3_KEY (default "aspectd/snapshot.jsonl")
	SnapshotGitRepo    string        // ASPECTD_SNAPSHOT_GIT_REPO (enables git when set; path to clone)
	SnapshotGitFile    string        // ASPECTD_SNAPSHOT_GIT_FILE (default "aspectd.jsonl")
	SnapshotGitBranch  string        // ASPECTD_SNAPSHOT_GIT_BRANCH (default "main")
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:        os.Getenv("ASPECTD_DATABASE_URL"),
		HTTPAddr:           envOrDefault("ASPECTD_HTTP_ADDR", ":8080"),
		NATSURL:            os.Getenv("ASPECTD_NATS_URL"),
		AuthToken:          os.Getenv("ASPECTD_AUTH_TOKEN"),
		SnapshotS3Bucket:   os.Getenv("ASPECTD_SNAPSHOT_S3_BUCKET"),
		SnapshotS3Endpoint: os.Getenv("ASPECTD_SNAPSHOT_S3_ENDPOINT"),
		SnapshotS3Region:   envOrDefault("ASPECTD_SNAPSHOT_S3_REGION", "us-east-1"),
		SnapshotS3Key:      envOrDefault("ASPECTD_SNAPSHOT_S3_KEY", "aspectd/snapshot.jsonl"),
		SnapshotGitRepo:    os.Getenv("ASPECTD_SNAPSHOT_GIT_REPO"),
		SnapshotGitFile:    envOrDefault("ASPECTD_SNAPSHOT_GIT_FILE", "aspectd.jsonl"),
		SnapshotGitBranch:  envOrDefault("ASPECTD_SNAPSHOT_GIT_BRANCH", "main"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("ASPECTD_DATABASE_URL is required")
	}

	durations := []struct {
		dst      *time.Duration
		key      string
		fallback string
	}{
		{&c.RelayInterval, "ASPECTD_RELAY_INTERVAL", "1s"},
		{&c.EventRetention, "ASPECTD_EVENT_RETENTION", "24h"},
		{&c.SchedInterval, "ASPECTD_SCHED_INTERVAL", "1s"},
		{&c.SchedGrace, "ASPECTD_SCHED_GRACE", "30s"},
		{&c.EscrowTTL, "ASPECTD_ESCROW_TTL", "10m"},
		{&c.SweepInterval, "ASPECTD_SWEEP_INTERVAL", "30s"},
		{&c.SnapshotInterval, "ASPECTD_SNAPSHOT_INTERVAL", "3m"},
	}
	for _, d := range durations {
		v := envOrDefault(d.key, d.fallback)
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
