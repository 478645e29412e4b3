package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	slugInvalidPattern   = regexp.MustCompile(`[^a-z0-9._-]+`)
)

// DatasetObjectPath returns the key of one immutable version of a dataset.
// A replaced dataset gets a new version key so readers holding the old key
// keep a consistent snapshot until it is deleted.
func DatasetObjectPath(tenantID, datasetName, version string) (string, error) {
	prefix, err := DatasetPrefix(tenantID, datasetName)
	if err != nil {
		return "", err
	}
	if err := validatePathComponent(version, "dataset version"); err != nil {
		return "", err
	}
	return path.Join(prefix, version+".parquet"), nil
}

func DatasetPrefix(tenantID, datasetName string) (string, error) {
	root, err := TenantDatasetsPrefix(tenantID)
	if err != nil {
		return "", err
	}
	slug := DatasetSlug(datasetName)
	if err := validatePathComponent(slug, "dataset name"); err != nil {
		return "", err
	}
	return path.Join(root, slug) + "/", nil
}

func TenantDatasetsPrefix(tenantID string) (string, error) {
	if err := validatePathComponent(tenantID, "tenant id"); err != nil {
		return "", err
	}
	return path.Join("tenant="+tenantID, "datasets") + "/", nil
}

// DatasetSlug maps an uploaded filename onto a safe key component.
func DatasetSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugInvalidPattern.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-.")
	if len(slug) > 128 {
		slug = slug[:128]
	}
	return slug
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
