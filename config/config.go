package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration parameters from environment variables.
// Matching thresholds are deliberately env-tunable: they are operational
// values, not constants of the algorithm.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4343"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Redis projection cache. Empty address disables caching; projections are
	// pure reads of committed state, so the cache is always optional.
	RedisAddr          string        `envconfig:"REDIS_ADDR"`
	ProjectionCacheTTL time.Duration `envconfig:"PROJECTION_CACHE_TTL" default:"10m"`

	// Blob store for oversized raw/full_text enhancement payloads. Empty URL
	// disables offloading and keeps payloads inline.
	BlobS3Key       string `envconfig:"BLOB_S3_KEY"`
	BlobS3Secret    string `envconfig:"BLOB_S3_SECRET"`
	BlobS3URL       string `envconfig:"BLOB_S3_URL"`
	BlobS3Region    string `envconfig:"BLOB_S3_REGION" default:"eu-central-1"`
	BlobS3Bucket    string `envconfig:"BLOB_S3_BUCKET"`
	BlobInlineLimit int    `envconfig:"BLOB_INLINE_LIMIT" default:"16384"`

	// Matching thresholds.
	JaccardFloor        float64 `envconfig:"JACCARD_FLOOR" default:"0.3"`
	ShortTitleMaxTokens int     `envconfig:"SHORT_TITLE_MAX_TOKENS" default:"2"`
	ShortTitleJaccard   float64 `envconfig:"SHORT_TITLE_JACCARD" default:"0.9"`
	HighConfidence      float64 `envconfig:"HIGH_CONFIDENCE" default:"0.85"`
	MediumConfidence    float64 `envconfig:"MEDIUM_CONFIDENCE" default:"0.65"`
	TitleWeight         float64 `envconfig:"TITLE_WEIGHT" default:"0.7"`
	AuthorCap           int     `envconfig:"AUTHOR_CAP" default:"10"`
	MaxChainDepth       int     `envconfig:"MAX_CHAIN_DEPTH" default:"4"`
	SearchTopK          int     `envconfig:"SEARCH_TOP_K" default:"20"`
	MinTitleChars       int     `envconfig:"MIN_TITLE_CHARS" default:"8"`

	// Resolution retry contract for write contention.
	ResolveMaxAttempts int           `envconfig:"RESOLVE_MAX_ATTEMPTS" default:"3"`
	ResolveBackoff     time.Duration `envconfig:"RESOLVE_BACKOFF" default:"250ms"`

	// Enrichment leases.
	LeaseDuration time.Duration `envconfig:"LEASE_DURATION" default:"30m"`

	// Schedules. Re-evaluation remedies search-index lag: unsearchable
	// references and recent canonical decisions get re-resolved; the lease
	// sweep expires overdue enrichment work. The stale window bounds how far
	// back canonical decisions are reconsidered.
	ReevalSchedule     string        `envconfig:"REEVAL_SCHEDULE" default:"0 3 * * *"`
	LeaseSweepSchedule string        `envconfig:"LEASE_SWEEP_SCHEDULE" default:"*/5 * * * *"`
	ReevalBatchSize    int           `envconfig:"REEVAL_BATCH_SIZE" default:"200"`
	ReevalStaleWindow  time.Duration `envconfig:"REEVAL_STALE_WINDOW" default:"48h"`
}

// DSN returns the data source name for the PostgreSQL connection.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// BlobStoreEnabled reports whether blob offloading is configured.
func (c *Config) BlobStoreEnabled() bool {
	return c.BlobS3URL != "" && c.BlobS3Bucket != ""
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
