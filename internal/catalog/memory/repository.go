package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tabletalk/tabletalk/internal/catalog"
)

type key struct {
	tenantID string
	name     string
}

// Repository is a process-local catalog used by the dev and test profiles.
type Repository struct {
	mu       sync.RWMutex
	datasets map[key]catalog.Dataset
	now      func() time.Time
}

var _ catalog.DatasetRepository = (*Repository)(nil)

func NewRepository() *Repository {
	return &Repository{datasets: map[key]catalog.Dataset{}, now: time.Now}
}

func (r *Repository) HealthCheck(context.Context) error {
	return nil
}

func (r *Repository) UpsertDataset(_ context.Context, in catalog.Dataset) (catalog.UpsertDatasetResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	k := key{tenantID: in.TenantID, name: in.Name}
	dataset := cloneDataset(in)
	dataset.CreatedAt = now
	dataset.UpdatedAt = now
	dataset.LastAccessedAt = now

	var previousPath string
	if previous, ok := r.datasets[k]; ok {
		dataset.CreatedAt = previous.CreatedAt
		if previous.ObjectPath != in.ObjectPath {
			previousPath = previous.ObjectPath
		}
	}
	r.datasets[k] = dataset
	return catalog.UpsertDatasetResult{Dataset: cloneDataset(dataset), PreviousObjectPath: previousPath}, nil
}

func (r *Repository) GetDataset(_ context.Context, tenantID, name string) (catalog.Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dataset, ok := r.datasets[key{tenantID: tenantID, name: name}]
	if !ok {
		return catalog.Dataset{}, catalog.ErrNotFound
	}
	return cloneDataset(dataset), nil
}

func (r *Repository) ListDatasets(_ context.Context, tenantID string) ([]catalog.Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]catalog.Dataset, 0)
	for k, dataset := range r.datasets {
		if k.tenantID == tenantID {
			out = append(out, cloneDataset(dataset))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Repository) DeleteDataset(_ context.Context, tenantID, name string) (catalog.Dataset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{tenantID: tenantID, name: name}
	dataset, ok := r.datasets[k]
	if !ok {
		return catalog.Dataset{}, catalog.ErrNotFound
	}
	delete(r.datasets, k)
	return dataset, nil
}

func (r *Repository) TouchDataset(_ context.Context, tenantID, name string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{tenantID: tenantID, name: name}
	dataset, ok := r.datasets[k]
	if !ok {
		return catalog.ErrNotFound
	}
	if at.After(dataset.LastAccessedAt) {
		dataset.LastAccessedAt = at.UTC()
		r.datasets[k] = dataset
	}
	return nil
}

func (r *Repository) ListIdleDatasets(_ context.Context, before time.Time, limit int) ([]catalog.Dataset, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]catalog.Dataset, 0)
	for _, dataset := range r.datasets {
		if dataset.LastAccessedAt.Before(before) {
			out = append(out, cloneDataset(dataset))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessedAt.Before(out[j].LastAccessedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) ListTenants(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	out := make([]string, 0)
	for k := range r.datasets {
		if !seen[k.tenantID] {
			seen[k.tenantID] = true
			out = append(out, k.tenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func cloneDataset(in catalog.Dataset) catalog.Dataset {
	out := in
	out.Columns = append([]catalog.Column(nil), in.Columns...)
	out.IgnoreColumns = append([]string(nil), in.IgnoreColumns...)
	return out
}
