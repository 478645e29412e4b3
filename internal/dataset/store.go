package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabletalk/tabletalk/internal/catalog"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/storage"
)

var (
	ErrLoadFailure = errors.New("load failure")
	ErrNotFound    = errors.New("dataset not found")
)

const idleBatchSize = 100

type Options struct {
	// MaxPerTenant caps the datasets a tenant may hold; 0 disables the cap.
	MaxPerTenant   int
	MaxUploadBytes int64
	// IgnoreColumns applies to uploads that do not name their own list.
	IgnoreColumns []string
	ScratchDir    string
}

type UploadRequest struct {
	TenantID      string
	Filename      string
	Body          io.Reader
	Dictionary    string
	IgnoreColumns []string
}

// Store owns the dataset lifecycle: normalized Parquet objects in the
// object store plus their catalog rows.
type Store struct {
	catalog    catalog.DatasetRepository
	objects    storage.ObjectStore
	logger     *slog.Logger
	opts       Options
	locks      *keyedMutex
	now        func() time.Time
	newVersion func() string
}

func NewStore(repo catalog.DatasetRepository, objects storage.ObjectStore, logger *slog.Logger, opts Options) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		catalog:    repo,
		objects:    objects,
		logger:     logger,
		opts:       opts,
		locks:      newKeyedMutex(),
		now:        time.Now,
		newVersion: uuid.NewString,
	}
}

// Upload ingests a file and registers it under its base filename,
// replacing any dataset of the same name for the tenant.
func (s *Store) Upload(ctx context.Context, request UploadRequest) (catalog.Dataset, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(request.Filename), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return catalog.Dataset{}, fmt.Errorf("%w: filename is required", ErrLoadFailure)
	}
	if request.Body == nil {
		return catalog.Dataset{}, fmt.Errorf("%w: file is required", ErrLoadFailure)
	}
	format, err := DetectFormat(name)
	if err != nil {
		observability.ObserveDatasetUpload("unknown", "load_failure", 0)
		return catalog.Dataset{}, err
	}

	dataset, err := s.upload(ctx, request, name, format)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrLoadFailure) {
			outcome = "load_failure"
		}
		observability.ObserveDatasetUpload(string(format), outcome, 0)
		return catalog.Dataset{}, err
	}
	observability.ObserveDatasetUpload(string(format), "ok", dataset.RowCount)
	return dataset, nil
}

func (s *Store) upload(ctx context.Context, request UploadRequest, name string, format Format) (catalog.Dataset, error) {
	unlock := s.locks.Lock(request.TenantID + "/" + name)
	defer unlock()

	workDir, err := os.MkdirTemp(s.opts.ScratchDir, "tabletalk-upload-")
	if err != nil {
		return catalog.Dataset{}, fmt.Errorf("create upload temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	sourcePath := filepath.Join(workDir, "source"+strings.ToLower(filepath.Ext(name)))
	if err := s.spool(request.Body, sourcePath); err != nil {
		return catalog.Dataset{}, err
	}

	outPath := filepath.Join(workDir, "normalized.parquet")
	result, err := normalize(ctx, sourcePath, format, outPath)
	if err != nil {
		return catalog.Dataset{}, err
	}

	version := s.newVersion()
	objectPath, err := storage.DatasetObjectPath(request.TenantID, name, version)
	if err != nil {
		return catalog.Dataset{}, fmt.Errorf("%w: %v", ErrLoadFailure, err)
	}
	meta := map[string]string{
		storage.MetaTenant:     request.TenantID,
		storage.MetaDataset:    name,
		storage.MetaSourceType: string(format),
		storage.MetaRowCount:   strconv.FormatInt(result.RowCount, 10),
	}
	if err := s.putObject(ctx, objectPath, outPath, result.Size, meta); err != nil {
		return catalog.Dataset{}, err
	}

	ignore := request.IgnoreColumns
	if ignore == nil {
		ignore = s.opts.IgnoreColumns
	}
	upserted, err := s.catalog.UpsertDataset(ctx, catalog.Dataset{
		TenantID:      request.TenantID,
		Name:          name,
		Format:        string(format),
		Version:       version,
		ObjectPath:    objectPath,
		RowCount:      result.RowCount,
		SizeBytes:     result.Size,
		Columns:       result.Columns,
		Dictionary:    request.Dictionary,
		IgnoreColumns: ignore,
	})
	if err != nil {
		s.deleteObject(ctx, objectPath)
		return catalog.Dataset{}, err
	}
	if upserted.PreviousObjectPath != "" {
		s.deleteObject(ctx, upserted.PreviousObjectPath)
	}

	s.logger.Info("dataset uploaded",
		"tenant_id", request.TenantID,
		"dataset", name,
		"format", format,
		"rows", result.RowCount,
		"columns", len(result.Columns),
		"version", version,
	)

	if err := s.enforceCapacity(ctx, request.TenantID, name); err != nil {
		s.logger.Warn("dataset capacity enforcement failed", "tenant_id", request.TenantID, "error", err)
	}
	return upserted.Dataset, nil
}

func (s *Store) spool(body io.Reader, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create upload spool file: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := body
	if s.opts.MaxUploadBytes > 0 {
		reader = io.LimitReader(body, s.opts.MaxUploadBytes+1)
	}
	written, err := io.Copy(file, reader)
	if err != nil {
		return fmt.Errorf("%w: read upload: %v", ErrLoadFailure, err)
	}
	if written == 0 {
		return fmt.Errorf("%w: file is empty", ErrLoadFailure)
	}
	if s.opts.MaxUploadBytes > 0 && written > s.opts.MaxUploadBytes {
		return fmt.Errorf("%w: file exceeds %d bytes", ErrLoadFailure, s.opts.MaxUploadBytes)
	}
	return file.Close()
}

func (s *Store) putObject(ctx context.Context, objectPath, localPath string, size int64, meta map[string]string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open normalized dataset: %w", err)
	}
	defer func() { _ = file.Close() }()
	if _, err := s.objects.Put(ctx, objectPath, file, size, storage.PutOptions{ContentType: storage.ContentTypeParquet, Metadata: meta}); err != nil {
		return fmt.Errorf("store dataset object: %w", err)
	}
	return nil
}

func (s *Store) deleteObject(ctx context.Context, objectPath string) {
	if err := s.objects.Delete(ctx, objectPath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		s.logger.Warn("delete dataset object failed", "object_path", objectPath, "error", err)
	}
}

// Get resolves a dataset and records the access for LRU eviction.
func (s *Store) Get(ctx context.Context, tenantID, name string) (catalog.Dataset, error) {
	dataset, err := s.catalog.GetDataset(ctx, tenantID, name)
	if err != nil {
		return catalog.Dataset{}, notFound(err, name)
	}
	if err := s.catalog.TouchDataset(ctx, tenantID, name, s.now()); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		s.logger.Warn("touch dataset failed", "tenant_id", tenantID, "dataset", name, "error", err)
	}
	return dataset, nil
}

func (s *Store) List(ctx context.Context, tenantID string) ([]catalog.Dataset, error) {
	return s.catalog.ListDatasets(ctx, tenantID)
}

func (s *Store) Delete(ctx context.Context, tenantID, name string) (catalog.Dataset, error) {
	unlock := s.locks.Lock(tenantID + "/" + name)
	defer unlock()

	deleted, err := s.catalog.DeleteDataset(ctx, tenantID, name)
	if err != nil {
		return catalog.Dataset{}, notFound(err, name)
	}
	s.deleteObject(ctx, deleted.ObjectPath)
	s.logger.Info("dataset deleted", "tenant_id", tenantID, "dataset", name)
	return deleted, nil
}

// EvictIdle removes datasets not accessed within idleFor and returns how
// many were removed.
func (s *Store) EvictIdle(ctx context.Context, idleFor time.Duration) (int, error) {
	if idleFor <= 0 {
		return 0, nil
	}
	before := s.now().Add(-idleFor)
	evicted := 0
	for {
		idle, err := s.catalog.ListIdleDatasets(ctx, before, idleBatchSize)
		if err != nil {
			return evicted, err
		}
		for _, dataset := range idle {
			if _, err := s.Delete(ctx, dataset.TenantID, dataset.Name); err != nil && !errors.Is(err, ErrNotFound) {
				return evicted, err
			}
			evicted++
		}
		if len(idle) < idleBatchSize {
			break
		}
	}
	observability.AddDatasetEvictions("idle", evicted)
	return evicted, nil
}

// enforceCapacity evicts the least recently accessed datasets of a tenant
// until it holds at most MaxPerTenant. keep is never evicted.
func (s *Store) enforceCapacity(ctx context.Context, tenantID, keep string) error {
	if s.opts.MaxPerTenant <= 0 {
		return nil
	}
	datasets, err := s.catalog.ListDatasets(ctx, tenantID)
	if err != nil {
		return err
	}
	excess := len(datasets) - s.opts.MaxPerTenant
	if excess <= 0 {
		return nil
	}

	sort.SliceStable(datasets, func(i, j int) bool {
		return datasets[i].LastAccessedAt.Before(datasets[j].LastAccessedAt)
	})
	evicted := 0
	for _, dataset := range datasets {
		if evicted == excess {
			break
		}
		if dataset.Name == keep {
			continue
		}
		deleted, err := s.catalog.DeleteDataset(ctx, tenantID, dataset.Name)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			return err
		}
		s.deleteObject(ctx, deleted.ObjectPath)
		s.logger.Info("dataset evicted", "tenant_id", tenantID, "dataset", dataset.Name, "reason", "capacity")
		evicted++
	}
	observability.AddDatasetEvictions("capacity", evicted)
	return nil
}

func notFound(err error, name string) error {
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
