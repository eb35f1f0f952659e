package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
)

// ObjectStore is the subset of the MinIO client used by [ArchiveStore]. It
// is satisfied by [*minio.Client] and test mocks.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

var _ ObjectStore = (*minio.Client)(nil)

const (
	archivePrefix    = "executions"
	archiveExt       = ".json"
	archiveMediaType = "application/json"
)

// ArchiveStore writes terminal execution records as JSON objects under
// executions/{tenant}/{id}.json. Only terminal records are archived; Save
// of a running record is a no-op.
//
// Load needs the tenant to build the key, so ids are resolved through an
// index object at executions/_index/{id} holding the tenant name.
type ArchiveStore struct {
	store  ObjectStore
	bucket string
	tracer trace.Tracer
}

// NewArchiveStore creates an ArchiveStore writing to bucket.
func NewArchiveStore(store ObjectStore, bucket string) *ArchiveStore {
	return &ArchiveStore{store: store, bucket: bucket, tracer: otel.Tracer(tracerName)}
}

// ObjectKey returns the object key of a record.
func ObjectKey(tenantID, executionID string) string {
	return path.Join(archivePrefix, tenantID, executionID+archiveExt)
}

func indexKey(executionID string) string {
	return path.Join(archivePrefix, "_index", executionID)
}

// EnsureBucket creates the archive bucket if it does not exist.
func (a *ArchiveStore) EnsureBucket(ctx context.Context) error {
	ctx, span := a.startSpan(ctx, "BucketExists", "")
	ok, err := a.store.BucketExists(ctx, a.bucket)
	finishSpan(span, err)
	if err != nil {
		return wrapStorageError(err, "persistence: bucket check failed")
	}
	if ok {
		return nil
	}
	ctx, span = a.startSpan(ctx, "MakeBucket", "")
	err = a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
	finishSpan(span, err)
	if err != nil {
		return wrapStorageError(err, "persistence: create bucket failed")
	}
	return nil
}

// Save implements orchestrator.RecordSink.
func (a *ArchiveStore) Save(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return sserr.New(sserr.CodeValidationRequired, "persistence: record id is required")
	}
	if !rec.IsTerminal() {
		return nil
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "persistence: encode record failed")
	}
	key := ObjectKey(rec.TenantID, rec.ID)
	if err := a.put(ctx, key, doc, archiveMediaType, map[string]string{
		"pipeline": rec.PipelineName,
		"status":   string(rec.Status),
	}); err != nil {
		return err
	}
	return a.put(ctx, indexKey(rec.ID), []byte(rec.TenantID), "text/plain", nil)
}

// Load implements orchestrator.RecordLoader.
func (a *ArchiveStore) Load(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	ref, err := a.get(ctx, indexKey(id))
	if err != nil {
		return nil, a.loadError(err, id)
	}
	doc, err := a.get(ctx, ObjectKey(string(ref), id))
	if err != nil {
		return nil, a.loadError(err, id)
	}
	return decodeRecord(doc)
}

// List returns the ids of the tenant's archived records in key order.
func (a *ArchiveStore) List(ctx context.Context, tenantID string) ([]string, error) {
	prefix := path.Join(archivePrefix, tenantID) + "/"
	ctx, span := a.startSpan(ctx, "ListObjects", prefix)
	var ids []string
	var err error
	for obj := range a.store.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			err = obj.Err
			continue
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if strings.HasSuffix(name, archiveExt) {
			ids = append(ids, strings.TrimSuffix(name, archiveExt))
		}
	}
	finishSpan(span, err)
	if err != nil {
		return nil, wrapStorageError(err, "persistence: list archive failed")
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *ArchiveStore) put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) error {
	ctx, span := a.startSpan(ctx, "PutObject", key)
	_, err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType, UserMetadata: meta})
	finishSpan(span, err)
	if err != nil {
		return wrapStorageError(err, "persistence: archive write failed")
	}
	return nil
}

// get stats the object first so that a missing key is reported without
// opening a download.
func (a *ArchiveStore) get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := a.startSpan(ctx, "GetObject", key)
	_, err := a.store.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	obj, err := a.store.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	finishSpan(span, err)
	return data, err
}

func (a *ArchiveStore) loadError(err error, id string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return notFound(id)
	}
	return wrapStorageError(err, "persistence: archive read failed")
}

func (a *ArchiveStore) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return a.tracer.Start(ctx, "minio."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "minio"),
			attribute.String("storage.bucket", a.bucket),
			attribute.String("storage.key", key),
		),
	)
}

func wrapStorageError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalStorage, message)
}
