// Package persistence stores execution records and event logs outside the
// process.
//
// A [Repository] is both an orchestrator record sink and loader and an
// event store persister: wire one instance into both.
//
//	repo := persistence.NewPostgresRepository(pool)
//	if err := repo.Migrate(ctx); err != nil { ... }
//	store := events.NewStore(events.WithPersister(repo))
//	orch, err := orchestrator.New(registry, store, budgetSvc,
//	    orchestrator.WithRecordSinks(repo),
//	    orchestrator.WithRecordLoader(repo),
//	)
//
// [ArchiveStore] additionally keeps a JSON copy of every terminal record in
// MinIO object storage, keyed by tenant.
package persistence

import (
	"context"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/orchestrator"
)

const tracerName = "github.com/StricklySoft/stricklysoft-pipelines/pkg/persistence"

// Repository persists execution records and their event logs. Load of an
// unknown id fails with [sserr.CodeNotFoundExecution].
type Repository interface {
	Save(ctx context.Context, rec *models.ExecutionRecord) error
	Load(ctx context.Context, id string) (*models.ExecutionRecord, error)
	AppendEvent(ctx context.Context, e events.Event) error
	LoadEvents(ctx context.Context, executionID string) ([]events.Event, error)
	DeleteEvents(ctx context.Context, executionID string) error
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)

	_ events.Persister          = Repository(nil)
	_ events.Deleter            = Repository(nil)
	_ orchestrator.RecordSink   = Repository(nil)
	_ orchestrator.RecordLoader = Repository(nil)
	_ orchestrator.RecordSink   = (*ArchiveStore)(nil)
	_ orchestrator.RecordLoader = (*ArchiveStore)(nil)
)
