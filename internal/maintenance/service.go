package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tabletalk/tabletalk/internal/catalog"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/storage"
)

type SessionSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type DatasetEvictor interface {
	EvictIdle(ctx context.Context, idleFor time.Duration) (int, error)
}

type Catalog interface {
	ListTenants(ctx context.Context) ([]string, error)
	ListDatasets(ctx context.Context, tenantID string) ([]catalog.Dataset, error)
}

type Config struct {
	Interval       time.Duration
	DatasetIdleTTL time.Duration
	// GCSafetyAge protects objects written by uploads whose catalog row is
	// not visible yet.
	GCSafetyAge time.Duration
}

type Service struct {
	Sessions    SessionSweeper
	Datasets    DatasetEvictor
	Catalog     Catalog
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
}

type RunSummary struct {
	ExpiredInteractions int       `json:"expired_interactions"`
	EvictedDatasets     int       `json:"evicted_datasets"`
	GC                  GCSummary `json:"gc"`
}

type GCSummary struct {
	TenantsScanned int   `json:"tenants_scanned"`
	ObjectsScanned int   `json:"objects_scanned"`
	OrphanObjects  int   `json:"orphan_objects"`
	ObjectsDeleted int   `json:"objects_deleted"`
	BytesReclaimed int64 `json:"bytes_reclaimed"`
	Failures       int   `json:"failures"`
}

type IntegritySummary struct {
	TenantsScanned          int `json:"tenants_scanned"`
	DatasetsChecked         int `json:"datasets_checked"`
	MissingObjects          int `json:"missing_objects"`
	SizeMismatchObjects     int `json:"size_mismatch_objects"`
	// MetadataMismatchObjects counts objects whose tenant or dataset
	// metadata names a different catalog row.
	MetadataMismatchObjects int `json:"metadata_mismatch_objects"`
	OperationalFailures     int `json:"operational_failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.RunOnce(ctx)
			if err != nil {
				s.Logger.ErrorContext(ctx, "maintenance cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				continue
			}
			s.Logger.InfoContext(ctx, "maintenance cycle completed", slog.Any("summary", summary))
		}
	}
}

// RunOnce sweeps expired interactions, evicts idle datasets and collects
// orphaned dataset objects. Steps run independently; their errors are
// joined.
func (s *Service) RunOnce(ctx context.Context) (RunSummary, error) {
	s.ensureDefaults()
	var (
		summary RunSummary
		errs    []error
	)

	if s.Sessions != nil {
		expired, err := s.Sessions.DeleteExpired(ctx, s.Clock().UTC())
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep expired interactions: %w", err))
		}
		summary.ExpiredInteractions = expired
		observability.AddExpiredInteractions(expired)
	}
	if s.Datasets != nil && s.Config.DatasetIdleTTL > 0 {
		evicted, err := s.Datasets.EvictIdle(ctx, s.Config.DatasetIdleTTL)
		if err != nil {
			errs = append(errs, fmt.Errorf("evict idle datasets: %w", err))
		}
		summary.EvictedDatasets = evicted
	}
	if s.Catalog != nil && s.ObjectStore != nil {
		gc, err := s.RunOrphanGCOnce(ctx, "")
		if err != nil {
			errs = append(errs, err)
		}
		summary.GC = gc
	}

	if err := errors.Join(errs...); err != nil {
		observability.ObserveMaintenanceRun("failed")
		return summary, err
	}
	observability.ObserveMaintenanceRun("completed")
	return summary, nil
}

// RunOrphanGCOnce deletes dataset objects that no catalog row references.
// An empty tenantID scans every tenant.
func (s *Service) RunOrphanGCOnce(ctx context.Context, tenantID string) (GCSummary, error) {
	s.ensureDefaults()
	if s.Catalog == nil {
		return GCSummary{}, fmt.Errorf("catalog is required")
	}
	if s.ObjectStore == nil {
		return GCSummary{}, fmt.Errorf("object store is required")
	}

	tenants, err := s.listTargetTenants(ctx, tenantID)
	if err != nil {
		return GCSummary{}, err
	}

	summary := GCSummary{TenantsScanned: len(tenants)}
	failures := make([]string, 0)
	cutoff := s.Clock().Add(-s.Config.GCSafetyAge)

	for _, tenant := range tenants {
		prefix, err := storage.TenantDatasetsPrefix(tenant)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("tenant %s prefix: %v", tenant, err))
			continue
		}
		// Objects are listed before datasets so an upload that commits in
		// between is seen as referenced.
		objects, err := s.ObjectStore.List(ctx, prefix)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("tenant %s list objects: %v", tenant, err))
			continue
		}
		datasets, err := s.Catalog.ListDatasets(ctx, tenant)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("tenant %s list datasets: %v", tenant, err))
			continue
		}
		referenced := make(map[string]struct{}, len(datasets))
		for _, dataset := range datasets {
			referenced[dataset.ObjectPath] = struct{}{}
		}

		summary.ObjectsScanned += len(objects)
		for _, object := range objects {
			if _, ok := referenced[object.Key]; ok {
				continue
			}
			if object.LastModified.After(cutoff) {
				continue
			}
			summary.OrphanObjects++
			if err := s.ObjectStore.Delete(ctx, object.Key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
				summary.Failures++
				failures = append(failures, fmt.Sprintf("tenant %s delete object %s: %v", tenant, object.Key, err))
				continue
			}
			summary.ObjectsDeleted++
			summary.BytesReclaimed += object.Size
		}
	}

	if summary.ObjectsDeleted > 0 {
		gcObjectsDeletedTotal.Add(float64(summary.ObjectsDeleted))
		gcBytesReclaimedTotal.Add(float64(summary.BytesReclaimed))
	}
	if len(failures) > 0 {
		gcRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("orphan gc encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	gcRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

// RunIntegrityCheckOnce verifies that every catalog row points at an
// object of the recorded size.
func (s *Service) RunIntegrityCheckOnce(ctx context.Context, tenantID string) (IntegritySummary, error) {
	s.ensureDefaults()
	if s.Catalog == nil {
		return IntegritySummary{}, fmt.Errorf("catalog is required")
	}
	if s.ObjectStore == nil {
		return IntegritySummary{}, fmt.Errorf("object store is required")
	}

	tenants, err := s.listTargetTenants(ctx, tenantID)
	if err != nil {
		return IntegritySummary{}, err
	}
	summary := IntegritySummary{TenantsScanned: len(tenants)}
	const maxIssueSamples = 20
	issueSamples := make([]string, 0, maxIssueSamples)
	issueCount := 0
	addIssue := func(message string) {
		issueCount++
		if len(issueSamples) < maxIssueSamples {
			issueSamples = append(issueSamples, message)
		}
	}

	for _, tenant := range tenants {
		datasets, err := s.Catalog.ListDatasets(ctx, tenant)
		if err != nil {
			summary.OperationalFailures++
			addIssue(fmt.Sprintf("tenant %s list datasets: %v", tenant, err))
			continue
		}
		for _, dataset := range datasets {
			summary.DatasetsChecked++
			info, err := s.ObjectStore.Stat(ctx, dataset.ObjectPath)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotFound) {
					summary.MissingObjects++
					addIssue(fmt.Sprintf("tenant %s dataset %s missing object %s", tenant, dataset.Name, dataset.ObjectPath))
					continue
				}
				summary.OperationalFailures++
				addIssue(fmt.Sprintf("tenant %s stat object %s: %v", tenant, dataset.ObjectPath, err))
				continue
			}
			if info.Size != dataset.SizeBytes {
				summary.SizeMismatchObjects++
				addIssue(fmt.Sprintf("tenant %s size mismatch for %s (expected=%d actual=%d)", tenant, dataset.ObjectPath, dataset.SizeBytes, info.Size))
			}
			if owner, ok := info.Metadata[storage.MetaTenant]; ok && owner != tenant {
				summary.MetadataMismatchObjects++
				addIssue(fmt.Sprintf("tenant %s object %s is tagged for tenant %s", tenant, dataset.ObjectPath, owner))
			} else if name, ok := info.Metadata[storage.MetaDataset]; ok && name != dataset.Name {
				summary.MetadataMismatchObjects++
				addIssue(fmt.Sprintf("tenant %s object %s is tagged for dataset %s, catalog has %s", tenant, dataset.ObjectPath, name, dataset.Name))
			}
		}
	}

	if summary.DatasetsChecked > 0 {
		integrityDatasetsCheckedTotal.Add(float64(summary.DatasetsChecked))
	}
	if summary.MissingObjects > 0 {
		integrityMissingObjectsTotal.Add(float64(summary.MissingObjects))
	}
	if summary.MissingObjects > 0 || summary.SizeMismatchObjects > 0 || summary.MetadataMismatchObjects > 0 || summary.OperationalFailures > 0 {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		extra := issueCount - len(issueSamples)
		if extra > 0 {
			return summary, fmt.Errorf("integrity check found %d issue(s): %s; ... plus %d more", issueCount, strings.Join(issueSamples, "; "), extra)
		}
		return summary, fmt.Errorf("integrity check found %d issue(s): %s", issueCount, strings.Join(issueSamples, "; "))
	}
	integrityRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

func (s *Service) listTargetTenants(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID != "" {
		return []string{tenantID}, nil
	}
	tenants, err := s.Catalog.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Config.Interval <= 0 {
		s.Config.Interval = time.Minute
	}
	if s.Config.GCSafetyAge <= 0 {
		s.Config.GCSafetyAge = time.Hour
	}
}
