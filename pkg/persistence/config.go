package persistence

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// Secret is a string that redacts itself when printed or serialized. Use
// [Secret.Value] to read it.
type Secret string

const redacted = "[REDACTED]"

// String returns "[REDACTED]".
func (s Secret) String() string { return redacted }

// GoString returns "[REDACTED]".
func (s Secret) GoString() string { return redacted }

// Value returns the secret itself.
func (s Secret) Value() string { return string(s) }

// MarshalText implements encoding.TextMarshaler with the redacted form.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config selects and configures the storage back-ends. A back-end with an
// empty address is disabled.
//
//	cfg := config.MustLoad[persistence.Config](config.New().WithEnvPrefix("PIPELINES"))
//	// PIPELINES_POSTGRES_URI, PIPELINES_REDIS_ADDR, PIPELINES_MINIO_ENDPOINT, ...
type Config struct {
	Postgres PostgresConfig `env:"POSTGRES" yaml:"postgres" json:"postgres"`
	Redis    RedisConfig    `env:"REDIS" yaml:"redis" json:"redis"`
	MinIO    MinIOConfig    `env:"MINIO" yaml:"minio" json:"minio"`
}

// PostgresConfig configures the execution record and spend store pool.
type PostgresConfig struct {
	URI               Secret        `env:"URI" yaml:"uri" json:"uri"`
	MaxConns          int32         `env:"MAX_CONNS" envDefault:"10" yaml:"max_conns" json:"max_conns"`
	MinConns          int32         `env:"MIN_CONNS" yaml:"min_conns" json:"min_conns"`
	MaxConnLifetime   time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"1h" yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"30m" yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `env:"HEALTH_CHECK_PERIOD" envDefault:"1m" yaml:"health_check_period" json:"health_check_period"`
}

// Enabled reports whether a connection URI is set.
func (c PostgresConfig) Enabled() bool { return c.URI != "" }

// RedisConfig configures the event log and spend counter client.
type RedisConfig struct {
	Addr     string `env:"ADDR" yaml:"addr" json:"addr"`
	Password Secret `env:"PASSWORD" yaml:"password" json:"password"`
	DB       int    `env:"DB" yaml:"db" json:"db"`

	// EventRetention is the expiry of each execution's event list.
	EventRetention time.Duration `env:"EVENT_RETENTION" envDefault:"168h" yaml:"event_retention" json:"event_retention"`
}

// Enabled reports whether an address is set.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// MinIOConfig configures the record archive.
type MinIOConfig struct {
	Endpoint  string `env:"ENDPOINT" yaml:"endpoint" json:"endpoint"`
	AccessKey string `env:"ACCESS_KEY" yaml:"access_key" json:"access_key"`
	SecretKey Secret `env:"SECRET_KEY" yaml:"secret_key" json:"secret_key"`
	Bucket    string `env:"BUCKET" envDefault:"pipeline-executions" yaml:"bucket" json:"bucket"`
	UseSSL    bool   `env:"USE_SSL" yaml:"use_ssl" json:"use_ssl"`
}

// Enabled reports whether an endpoint is set.
func (c MinIOConfig) Enabled() bool { return c.Endpoint != "" }

// Validate implements config.Validator.
func (c *Config) Validate() error {
	p := c.Postgres
	if p.MaxConns < 0 || p.MinConns < 0 {
		return sserr.New(sserr.CodeValidationRange, "persistence: postgres pool sizes must not be negative")
	}
	if p.MaxConns > 0 && p.MinConns > p.MaxConns {
		return sserr.Newf(sserr.CodeValidationRange,
			"persistence: postgres min conns %d exceeds max conns %d", p.MinConns, p.MaxConns)
	}
	if c.Redis.DB < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "persistence: redis db must not be negative, got %d", c.Redis.DB)
	}
	if c.MinIO.Enabled() && c.MinIO.Bucket == "" {
		return sserr.New(sserr.CodeValidationRequired, "persistence: minio bucket is required")
	}
	return nil
}

// NewPool opens and pings a pgx pool.
func NewPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI.Value())
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "persistence: failed to parse postgres uri")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "persistence: failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "persistence: failed to connect to postgres")
	}
	return pool, nil
}

// NewRedisClient opens and pings a Redis client.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "persistence: failed to connect to redis")
	}
	return client, nil
}

// NewMinIOClient creates a MinIO client. No request is made until first
// use; call [ArchiveStore.EnsureBucket] to verify connectivity.
func NewMinIOClient(cfg MinIOConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "persistence: failed to create minio client")
	}
	return client, nil
}
