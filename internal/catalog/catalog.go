package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("catalog: not found")

type DatasetRepository interface {
	HealthCheck(ctx context.Context) error
	UpsertDataset(ctx context.Context, in Dataset) (UpsertDatasetResult, error)
	GetDataset(ctx context.Context, tenantID, name string) (Dataset, error)
	ListDatasets(ctx context.Context, tenantID string) ([]Dataset, error)
	DeleteDataset(ctx context.Context, tenantID, name string) (Dataset, error)
	TouchDataset(ctx context.Context, tenantID, name string, at time.Time) error
	ListIdleDatasets(ctx context.Context, before time.Time, limit int) ([]Dataset, error)
	ListTenants(ctx context.Context) ([]string, error)
}

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Dataset struct {
	TenantID       string
	Name           string
	Format         string
	Version        string
	ObjectPath     string
	RowCount       int64
	SizeBytes      int64
	Columns        []Column
	Dictionary     string
	IgnoreColumns  []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
}

// UpsertDatasetResult carries the object path of the version that was
// replaced, if any, so the caller can delete it once the new row is visible.
type UpsertDatasetResult struct {
	Dataset            Dataset
	PreviousObjectPath string
}

func (d Dataset) ColumnNames() []string {
	names := make([]string, 0, len(d.Columns))
	for _, column := range d.Columns {
		names = append(names, column.Name)
	}
	return names
}
