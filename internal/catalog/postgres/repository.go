package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tabletalk/tabletalk/internal/catalog"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type Repository struct {
	db *sql.DB
}

var _ catalog.DatasetRepository = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const datasetColumns = `tenant_id, name, format, version, object_path, row_count, size_bytes, columns_json, dictionary, ignore_columns, created_at, updated_at, last_accessed_at`

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) UpsertDataset(ctx context.Context, in catalog.Dataset) (catalog.UpsertDatasetResult, error) {
	columnsJSON, err := json.Marshal(nonNilColumns(in.Columns))
	if err != nil {
		return catalog.UpsertDatasetResult{}, fmt.Errorf("encode dataset columns: %w", err)
	}
	ignoreJSON, err := json.Marshal(nonNilStrings(in.IgnoreColumns))
	if err != nil {
		return catalog.UpsertDatasetResult{}, fmt.Errorf("encode ignore columns: %w", err)
	}

	var result catalog.UpsertDatasetResult
	err = r.WithTx(ctx, func(tx *TxRepository) error {
		previous, err := tx.lockObjectPath(ctx, in.TenantID, in.Name)
		if err != nil {
			return err
		}
		query := `
INSERT INTO dataset (tenant_id, name, format, version, object_path, row_count, size_bytes, columns_json, dictionary, ignore_columns)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10::jsonb)
ON CONFLICT (tenant_id, name)
DO UPDATE SET format = EXCLUDED.format,
    version = EXCLUDED.version,
    object_path = EXCLUDED.object_path,
    row_count = EXCLUDED.row_count,
    size_bytes = EXCLUDED.size_bytes,
    columns_json = EXCLUDED.columns_json,
    dictionary = EXCLUDED.dictionary,
    ignore_columns = EXCLUDED.ignore_columns,
    updated_at = now(),
    last_accessed_at = now()
RETURNING created_at, updated_at, last_accessed_at`

		dataset := in
		if err := tx.q.QueryRowContext(ctx, query,
			in.TenantID,
			in.Name,
			in.Format,
			in.Version,
			in.ObjectPath,
			in.RowCount,
			in.SizeBytes,
			string(columnsJSON),
			in.Dictionary,
			string(ignoreJSON),
		).Scan(&dataset.CreatedAt, &dataset.UpdatedAt, &dataset.LastAccessedAt); err != nil {
			return fmt.Errorf("upsert dataset: %w", err)
		}
		result.Dataset = dataset
		if previous != in.ObjectPath {
			result.PreviousObjectPath = previous
		}
		return nil
	})
	if err != nil {
		return catalog.UpsertDatasetResult{}, err
	}
	return result, nil
}

func (r *Repository) GetDataset(ctx context.Context, tenantID, name string) (catalog.Dataset, error) {
	query := `
SELECT ` + datasetColumns + `
FROM dataset
WHERE tenant_id = $1 AND name = $2`
	dataset, err := scanDataset(r.db.QueryRowContext(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Dataset{}, catalog.ErrNotFound
		}
		return catalog.Dataset{}, fmt.Errorf("get dataset: %w", err)
	}
	return dataset, nil
}

func (r *Repository) ListDatasets(ctx context.Context, tenantID string) ([]catalog.Dataset, error) {
	query := `
SELECT ` + datasetColumns + `
FROM dataset
WHERE tenant_id = $1
ORDER BY name ASC`
	return r.queryDatasets(ctx, "list datasets", query, tenantID)
}

func (r *Repository) DeleteDataset(ctx context.Context, tenantID, name string) (catalog.Dataset, error) {
	query := `
DELETE FROM dataset
WHERE tenant_id = $1 AND name = $2
RETURNING ` + datasetColumns
	dataset, err := scanDataset(r.db.QueryRowContext(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Dataset{}, catalog.ErrNotFound
		}
		return catalog.Dataset{}, fmt.Errorf("delete dataset: %w", err)
	}
	return dataset, nil
}

func (r *Repository) TouchDataset(ctx context.Context, tenantID, name string, at time.Time) error {
	query := `
UPDATE dataset
SET last_accessed_at = GREATEST(last_accessed_at, $3)
WHERE tenant_id = $1 AND name = $2`
	result, err := r.db.ExecContext(ctx, query, tenantID, name, at.UTC())
	if err != nil {
		return fmt.Errorf("touch dataset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch dataset rows affected: %w", err)
	}
	if affected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func (r *Repository) ListIdleDatasets(ctx context.Context, before time.Time, limit int) ([]catalog.Dataset, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT ` + datasetColumns + `
FROM dataset
WHERE last_accessed_at < $1
ORDER BY last_accessed_at ASC
LIMIT $2`
	return r.queryDatasets(ctx, "list idle datasets", query, before.UTC(), limit)
}

func (r *Repository) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT DISTINCT tenant_id
FROM dataset
ORDER BY tenant_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tenants := make([]string, 0)
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("scan tenant row: %w", err)
		}
		tenants = append(tenants, tenantID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant rows: %w", err)
	}
	return tenants, nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx *TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	txRepo := &TxRepository{q: tx}
	if err := fn(txRepo); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type TxRepository struct {
	q dbTX
}

func (r *TxRepository) lockObjectPath(ctx context.Context, tenantID, name string) (string, error) {
	query := `
SELECT object_path
FROM dataset
WHERE tenant_id = $1 AND name = $2
FOR UPDATE`
	var objectPath string
	if err := r.q.QueryRowContext(ctx, query, tenantID, name).Scan(&objectPath); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lock dataset row: %w", err)
	}
	return objectPath, nil
}

func (r *Repository) queryDatasets(ctx context.Context, op, query string, args ...any) ([]catalog.Dataset, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	datasets := make([]catalog.Dataset, 0)
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset row: %w", err)
		}
		datasets = append(datasets, dataset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dataset rows: %w", err)
	}
	return datasets, nil
}

func scanDataset(row rowScanner) (catalog.Dataset, error) {
	var (
		dataset     catalog.Dataset
		columnsJSON []byte
		ignoreJSON  []byte
	)
	if err := row.Scan(
		&dataset.TenantID,
		&dataset.Name,
		&dataset.Format,
		&dataset.Version,
		&dataset.ObjectPath,
		&dataset.RowCount,
		&dataset.SizeBytes,
		&columnsJSON,
		&dataset.Dictionary,
		&ignoreJSON,
		&dataset.CreatedAt,
		&dataset.UpdatedAt,
		&dataset.LastAccessedAt,
	); err != nil {
		return catalog.Dataset{}, err
	}
	if len(columnsJSON) > 0 {
		if err := json.Unmarshal(columnsJSON, &dataset.Columns); err != nil {
			return catalog.Dataset{}, fmt.Errorf("decode dataset columns: %w", err)
		}
	}
	if len(ignoreJSON) > 0 {
		if err := json.Unmarshal(ignoreJSON, &dataset.IgnoreColumns); err != nil {
			return catalog.Dataset{}, fmt.Errorf("decode ignore columns: %w", err)
		}
	}
	return dataset, nil
}

func nonNilColumns(columns []catalog.Column) []catalog.Column {
	if columns == nil {
		return []catalog.Column{}
	}
	return columns
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
