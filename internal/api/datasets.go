package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/catalog"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/profile"
)

const multipartMemory = 32 << 20

type datasetResponse struct {
	TenantID       string           `json:"tenant_id"`
	Name           string           `json:"name"`
	Format         string           `json:"format"`
	Version        string           `json:"version"`
	RowCount       int64            `json:"row_count"`
	SizeBytes      int64            `json:"size_bytes"`
	Columns        []catalog.Column `json:"columns"`
	Dictionary     string           `json:"data_dictionary,omitempty"`
	IgnoreColumns  []string         `json:"ignore_columns"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	LastAccessedAt time.Time        `json:"last_accessed_at"`
}

func newDatasetResponse(ds catalog.Dataset) datasetResponse {
	columns := ds.Columns
	if columns == nil {
		columns = []catalog.Column{}
	}
	ignore := ds.IgnoreColumns
	if ignore == nil {
		ignore = []string{}
	}
	return datasetResponse{
		TenantID:       ds.TenantID,
		Name:           ds.Name,
		Format:         ds.Format,
		Version:        ds.Version,
		RowCount:       ds.RowCount,
		SizeBytes:      ds.SizeBytes,
		Columns:        columns,
		Dictionary:     ds.Dictionary,
		IgnoreColumns:  ignore,
		CreatedAt:      ds.CreatedAt,
		UpdatedAt:      ds.UpdatedAt,
		LastAccessedAt: ds.LastAccessedAt,
	}
}

func handleUploadDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset store is not configured", false, nil)
		return
	}
	tenantID := tenantFromRequest(r)
	if err := requireRole(r, auth.RoleDatasetWriter); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	if deps.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "LOAD_FAILURE", "upload exceeds the configured size limit", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "LOAD_FAILURE", "multipart form with a file field is required", false, map[string]any{"details": err.Error()})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "LOAD_FAILURE", "file field is required", false, map[string]any{"details": err.Error()})
		return
	}
	defer func() { _ = file.Close() }()

	var ignore []string
	if raw, ok := r.MultipartForm.Value["ignore_columns"]; ok {
		ignore = config.SplitList(strings.Join(raw, ","))
	}

	ds, err := deps.Datasets.Upload(r.Context(), dataset.UploadRequest{
		TenantID:      tenantID,
		Filename:      header.Filename,
		Body:          file,
		Dictionary:    strings.TrimSpace(r.FormValue("data_dictionary")),
		IgnoreColumns: ignore,
	})
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDatasetResponse(ds))
}

func handleListDatasets(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset store is not configured", false, nil)
		return
	}
	tenantID := tenantFromRequest(r)
	if err := requireAnyRole(r, auth.RoleAnalyst, auth.RoleDatasetWriter); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	datasets, err := deps.Datasets.List(r.Context(), tenantID)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	items := make([]datasetResponse, 0, len(datasets))
	for _, ds := range datasets {
		items = append(items, newDatasetResponse(ds))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"datasets":  items,
	})
}

func handleGetDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset store is not configured", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleAnalyst, auth.RoleDatasetWriter); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	ds, err := deps.Datasets.Get(r.Context(), tenantFromRequest(r), r.PathValue("name"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDatasetResponse(ds))
}

func handleDeleteDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset store is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleDatasetWriter); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	ds, err := deps.Datasets.Delete(r.Context(), tenantFromRequest(r), r.PathValue("name"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": true,
		"name":    ds.Name,
	})
}

func handleDatasetProfile(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Interactions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "INTERACTIONS_NOT_CONFIGURED", "query workflow is not configured", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleAnalyst, auth.RoleDatasetWriter); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	view, err := deps.Interactions.Profile(r.Context(), tenantFromRequest(r), r.PathValue("name"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	buckets := map[string][]string{
		"numeric":     columnNames(view.Profile.Numeric),
		"categorical": columnNames(view.Profile.Categorical),
		"boolean":     columnNames(view.Profile.Boolean),
		"date":        columnNames(view.Profile.Date),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset":   view.Dataset.Name,
		"row_count": view.Summary.RowCount,
		"buckets":   buckets,
		"profile":   view.Profile.Text(),
		"summary":   view.Summary.Text(),
	})
}

func columnNames(columns []profile.ColumnStats) []string {
	names := make([]string, 0, len(columns))
	for _, column := range columns {
		names = append(names, column.Name)
	}
	return names
}
