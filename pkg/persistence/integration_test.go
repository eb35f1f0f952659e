//go:build integration

// Integration tests for the Postgres repository and the MinIO archive.
// One suite starts both containers; tests isolate by execution id.
//
//	go test -v -race -tags=integration ./pkg/persistence/...
package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/StricklySoft/stricklysoft-pipelines/internal/testutil"
	"github.com/StricklySoft/stricklysoft-pipelines/internal/testutil/containers"
	"github.com/StricklySoft/stricklysoft-pipelines/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/persistence"
)

type StorageIntegrationSuite struct {
	suite.Suite

	ctx     context.Context
	pool    *pgxpool.Pool
	repo    *persistence.PostgresRepository
	minio   *minio.Client
	archive *persistence.ArchiveStore
}

func (s *StorageIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	pool, err := persistence.NewPool(s.ctx, containers.Postgres(s.T()))
	require.NoError(s.T(), err)
	s.pool = pool
	s.repo = persistence.NewPostgresRepository(pool)
	require.NoError(s.T(), s.repo.Migrate(s.ctx))
	// Migrate is idempotent.
	require.NoError(s.T(), s.repo.Migrate(s.ctx))

	mcfg := containers.MinIO(s.T())
	client, err := persistence.NewMinIOClient(mcfg)
	require.NoError(s.T(), err)
	s.minio = client
	s.archive = persistence.NewArchiveStore(client, mcfg.Bucket)
	require.NoError(s.T(), s.archive.EnsureBucket(s.ctx))
}

func (s *StorageIntegrationSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func TestStorageIntegration(t *testing.T) {
	suite.Run(t, new(StorageIntegrationSuite))
}

// ===========================================================================
// Postgres
// ===========================================================================

func (s *StorageIntegrationSuite) TestPostgres_SaveLoad() {
	t := s.T()
	rec := fixtures.FinishedRecord(t, "pg-save-load", "acme")

	require.NoError(t, s.repo.Save(s.ctx, rec))
	got, err := s.repo.Load(s.ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, rec.Status, got.Status)
	assert.True(t, rec.TotalCost.Equal(got.TotalCost))
	assert.Equal(t, "summary text", got.Output)
	require.Len(t, got.Steps, 1)
	assert.Len(t, got.Steps[0].Attempts, 2)
}

func (s *StorageIntegrationSuite) TestPostgres_SaveUpserts() {
	t := s.T()
	rec := fixtures.FinishedRecord(t, "pg-upsert", "acme")
	require.NoError(t, s.repo.Save(s.ctx, rec))

	rec.ErrorMessage = "second write"
	require.NoError(t, s.repo.Save(s.ctx, rec))

	got, err := s.repo.Load(s.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "second write", got.ErrorMessage)
}

func (s *StorageIntegrationSuite) TestPostgres_LoadNotFound() {
	_, err := s.repo.Load(s.ctx, "pg-missing")
	testutil.RequireErrorCode(s.T(), err, sserr.CodeNotFoundExecution)
}

func (s *StorageIntegrationSuite) TestPostgres_ListByTenant() {
	t := s.T()
	for _, id := range []string{"pg-list-1", "pg-list-2"} {
		require.NoError(t, s.repo.Save(s.ctx, fixtures.FinishedRecord(t, id, "list-tenant")))
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, s.repo.Save(s.ctx, fixtures.FinishedRecord(t, "pg-list-other", "other-tenant")))

	recs, err := s.repo.ListByTenant(s.ctx, "list-tenant", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "pg-list-2", recs[0].ID)
}

func (s *StorageIntegrationSuite) TestPostgres_EventLog() {
	t := s.T()
	id := "pg-events"
	for _, seq := range []uint64{2, 1, 2} {
		require.NoError(t, s.repo.AppendEvent(s.ctx, events.Event{
			Seq: seq, ExecutionID: id, Type: events.TypeProgress, Timestamp: time.Now(),
		}))
	}

	got, err := s.repo.LoadEvents(s.ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)

	require.NoError(t, s.repo.DeleteEvents(s.ctx, id))
	got, err = s.repo.LoadEvents(s.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func (s *StorageIntegrationSuite) TestPostgres_HydratesEventStore() {
	t := s.T()
	id := "pg-hydrate"
	require.NoError(t, s.repo.AppendEvent(s.ctx, events.Event{
		Seq: 1, ExecutionID: id, Type: events.TypeExecutionStarted, Timestamp: time.Now(),
	}))
	require.NoError(t, s.repo.AppendEvent(s.ctx, events.Event{
		Seq: 2, ExecutionID: id, Type: events.TypeExecutionCompleted, Timestamp: time.Now(),
	}))

	store := events.NewStore(events.WithPersister(s.repo))
	history, err := store.History(s.ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, events.TypeExecutionCompleted, history[1].Type)
}

// ===========================================================================
// MinIO
// ===========================================================================

func (s *StorageIntegrationSuite) TestArchive_SaveLoad() {
	t := s.T()
	rec := fixtures.FinishedRecord(t, "archive-save-load", "acme")

	require.NoError(t, s.archive.Save(s.ctx, rec))
	got, err := s.archive.Load(s.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "acme", got.TenantID)
	assert.True(t, rec.TotalCost.Equal(got.TotalCost))

	info, err := s.minio.StatObject(s.ctx, containers.MinIOBucket, persistence.ObjectKey("acme", rec.ID), minio.StatObjectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "application/json", info.ContentType)
}

func (s *StorageIntegrationSuite) TestArchive_List() {
	t := s.T()
	for _, id := range []string{"archive-b", "archive-a"} {
		require.NoError(t, s.archive.Save(s.ctx, fixtures.FinishedRecord(t, id, "archive-tenant")))
	}

	ids, err := s.archive.List(s.ctx, "archive-tenant")
	require.NoError(t, err)
	assert.Equal(t, []string{"archive-a", "archive-b"}, ids)
}

func (s *StorageIntegrationSuite) TestArchive_LoadNotFound() {
	_, err := s.archive.Load(s.ctx, "archive-missing")
	testutil.RequireErrorCode(s.T(), err, sserr.CodeNotFoundExecution)
}
