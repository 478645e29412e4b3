package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/tabletalk/tabletalk/internal/catalog"
)

var datasetRowColumns = []string{
	"tenant_id", "name", "format", "version", "object_path", "row_count", "size_bytes",
	"columns_json", "dictionary", "ignore_columns", "created_at", "updated_at", "last_accessed_at",
}

func TestUpsertDatasetReturnsPreviousObjectPath(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT object_path
FROM dataset
WHERE tenant_id = $1 AND name = $2
FOR UPDATE`)).
		WithArgs("tenant-1", "sales.csv").
		WillReturnRows(sqlmock.NewRows([]string{"object_path"}).AddRow("tenant=tenant-1/datasets/sales.csv/v1.parquet"))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO dataset (tenant_id, name, format, version, object_path, row_count, size_bytes, columns_json, dictionary, ignore_columns)`)).
		WithArgs("tenant-1", "sales.csv", "csv", "v2", "tenant=tenant-1/datasets/sales.csv/v2.parquet", int64(10), int64(2048),
			`[{"name":"region","type":"VARCHAR"}]`, "region: sales region", `["id"]`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at", "last_accessed_at"}).AddRow(now, now, now))
	mock.ExpectCommit()

	result, err := repo.UpsertDataset(context.Background(), catalog.Dataset{
		TenantID:      "tenant-1",
		Name:          "sales.csv",
		Format:        "csv",
		Version:       "v2",
		ObjectPath:    "tenant=tenant-1/datasets/sales.csv/v2.parquet",
		RowCount:      10,
		SizeBytes:     2048,
		Columns:       []catalog.Column{{Name: "region", Type: "VARCHAR"}},
		Dictionary:    "region: sales region",
		IgnoreColumns: []string{"id"},
	})
	if err != nil {
		t.Fatalf("UpsertDataset() error = %v", err)
	}
	if result.PreviousObjectPath != "tenant=tenant-1/datasets/sales.csv/v1.parquet" {
		t.Fatalf("PreviousObjectPath = %q", result.PreviousObjectPath)
	}
	if !result.Dataset.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v, want %v", result.Dataset.CreatedAt, now)
	}
	assertSQLMock(t, mock)
}

func TestUpsertDatasetNewRowHasNoPreviousPath(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT object_path`)).
		WithArgs("tenant-1", "new.csv").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO dataset`)).
		WithArgs("tenant-1", "new.csv", "csv", "v1", "p", int64(0), int64(0), `[]`, "", `[]`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at", "last_accessed_at"}).AddRow(now, now, now))
	mock.ExpectCommit()

	result, err := repo.UpsertDataset(context.Background(), catalog.Dataset{
		TenantID: "tenant-1", Name: "new.csv", Format: "csv", Version: "v1", ObjectPath: "p",
	})
	if err != nil {
		t.Fatalf("UpsertDataset() error = %v", err)
	}
	if result.PreviousObjectPath != "" {
		t.Fatalf("PreviousObjectPath = %q", result.PreviousObjectPath)
	}
	assertSQLMock(t, mock)
}

func TestUpsertDatasetRollsBackOnInsertError(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT object_path`)).
		WithArgs("tenant-1", "a.csv").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO dataset`)).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := repo.UpsertDataset(context.Background(), catalog.Dataset{TenantID: "tenant-1", Name: "a.csv"})
	if err == nil {
		t.Fatal("expected upsert error")
	}
	assertSQLMock(t, mock)
}

func TestGetDatasetDecodesJSONColumns(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT `+datasetColumns+`
FROM dataset
WHERE tenant_id = $1 AND name = $2`)).
		WithArgs("tenant-1", "sales.csv").
		WillReturnRows(sqlmock.NewRows(datasetRowColumns).AddRow(
			"tenant-1", "sales.csv", "csv", "v1", "p", int64(10), int64(99),
			[]byte(`[{"name":"amount","type":"DOUBLE"},{"name":"region","type":"VARCHAR"}]`),
			"", []byte(`["id"]`), now, now, now,
		))

	dataset, err := repo.GetDataset(context.Background(), "tenant-1", "sales.csv")
	if err != nil {
		t.Fatalf("GetDataset() error = %v", err)
	}
	if len(dataset.Columns) != 2 || dataset.Columns[0].Type != "DOUBLE" {
		t.Fatalf("Columns = %#v", dataset.Columns)
	}
	if len(dataset.IgnoreColumns) != 1 || dataset.IgnoreColumns[0] != "id" {
		t.Fatalf("IgnoreColumns = %#v", dataset.IgnoreColumns)
	}
	if dataset.RowCount != 10 {
		t.Fatalf("RowCount = %d", dataset.RowCount)
	}
	assertSQLMock(t, mock)
}

func TestGetDatasetReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM dataset`)).
		WithArgs("tenant-1", "missing.csv").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetDataset(context.Background(), "tenant-1", "missing.csv")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestDeleteDatasetReturnsDeletedRow(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
DELETE FROM dataset
WHERE tenant_id = $1 AND name = $2
RETURNING `+datasetColumns)).
		WithArgs("tenant-1", "sales.csv").
		WillReturnRows(sqlmock.NewRows(datasetRowColumns).AddRow(
			"tenant-1", "sales.csv", "csv", "v1", "obj/path", int64(1), int64(1), []byte(`[]`), "", []byte(`[]`), now, now, now,
		))

	dataset, err := repo.DeleteDataset(context.Background(), "tenant-1", "sales.csv")
	if err != nil {
		t.Fatalf("DeleteDataset() error = %v", err)
	}
	if dataset.ObjectPath != "obj/path" {
		t.Fatalf("ObjectPath = %q", dataset.ObjectPath)
	}
	assertSQLMock(t, mock)
}

func TestTouchDatasetMissingRowReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE dataset
SET last_accessed_at = GREATEST(last_accessed_at, $3)
WHERE tenant_id = $1 AND name = $2`)).
		WithArgs("tenant-1", "gone.csv", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.TouchDataset(context.Background(), "tenant-1", "gone.csv", time.Now())
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestListIdleDatasetsDefaultsLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	before := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE last_accessed_at < $1`)).
		WithArgs(before, 100).
		WillReturnRows(sqlmock.NewRows(datasetRowColumns))

	datasets, err := repo.ListIdleDatasets(context.Background(), before, 0)
	if err != nil {
		t.Fatalf("ListIdleDatasets() error = %v", err)
	}
	if len(datasets) != 0 {
		t.Fatalf("len(datasets) = %d", len(datasets))
	}
	assertSQLMock(t, mock)
}

func TestListTenants(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT tenant_id`)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("a").AddRow("b"))

	tenants, err := repo.ListTenants(context.Background())
	if err != nil {
		t.Fatalf("ListTenants() error = %v", err)
	}
	if len(tenants) != 2 || tenants[1] != "b" {
		t.Fatalf("tenants = %#v", tenants)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
