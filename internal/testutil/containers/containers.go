//go:build integration

// Package containers starts the storage back-ends of the pipeline engine
// in testcontainers for integration tests. Every helper returns the
// configuration section the production code reads, so tests connect the
// same way pipelinectl does:
//
//	cfg := containers.Postgres(t)
//	pool, err := persistence.NewPool(ctx, cfg)
//
// Containers are terminated by t.Cleanup. The helpers are gated behind
// the "integration" build tag; use them only from files that carry it.
package containers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/lineage"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/persistence"
)

// Images and credentials of the test containers. The credentials are
// only ever used against ephemeral local containers.
const (
	PostgresImage    = "docker.io/postgres:16-alpine"
	PostgresDatabase = "pipelines_test"
	PostgresUser     = "testuser"
	PostgresPassword = "testpassword"

	RedisImage = "docker.io/redis:7-alpine"

	MinIOImage     = "docker.io/minio/minio:latest"
	MinIOAccessKey = "minioadmin"
	MinIOSecretKey = "minioadmin"
	MinIOBucket    = "pipeline-executions-test"

	Neo4jImage    = "docker.io/neo4j:5-community"
	Neo4jUsername = "neo4j"
	Neo4jPassword = "testpassword"
)

// terminate registers container termination with t.
func terminate(t testing.TB, c interface{ Terminate(context.Context) error }) {
	t.Helper()
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("containers: terminate failed: %v", err)
		}
	})
}

// Postgres starts PostgreSQL 16 and returns a pool configuration for it.
func Postgres(t testing.TB) persistence.PostgresConfig {
	t.Helper()
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, PostgresImage,
		tcpostgres.WithDatabase(PostgresDatabase),
		tcpostgres.WithUsername(PostgresUser),
		tcpostgres.WithPassword(PostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "containers: failed to start postgres")
	terminate(t, container)

	uri, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "containers: failed to get postgres connection string")
	return persistence.PostgresConfig{URI: persistence.Secret(uri), MaxConns: 5}
}

// Redis starts Redis 7 and returns a client configuration for it.
func Redis(t testing.TB) persistence.RedisConfig {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, RedisImage)
	require.NoError(t, err, "containers: failed to start redis")
	terminate(t, container)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return persistence.RedisConfig{Addr: host + ":" + port.Port()}
}

// MinIO starts MinIO and returns an archive configuration for it.
func MinIO(t testing.TB) persistence.MinIOConfig {
	t.Helper()
	ctx := context.Background()
	container, err := tcminio.Run(ctx, MinIOImage,
		tcminio.WithUsername(MinIOAccessKey),
		tcminio.WithPassword(MinIOSecretKey),
	)
	require.NoError(t, err, "containers: failed to start minio")
	terminate(t, container)

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err, "containers: failed to get minio endpoint")
	return persistence.MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: MinIOAccessKey,
		SecretKey: persistence.Secret(MinIOSecretKey),
		Bucket:    MinIOBucket,
	}
}

// Neo4j starts Neo4j 5 Community and returns a lineage configuration for
// it.
func Neo4j(t testing.TB) lineage.Config {
	t.Helper()
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, Neo4jImage, tcneo4j.WithAdminPassword(Neo4jPassword))
	require.NoError(t, err, "containers: failed to start neo4j")
	terminate(t, container)

	boltURL, err := container.BoltUrl(ctx)
	require.NoError(t, err, "containers: failed to get neo4j bolt url")
	return lineage.Config{
		URI:      boltURL,
		Username: Neo4jUsername,
		Password: persistence.Secret(Neo4jPassword),
	}
}
