// Package auth resolves API keys to a tenant and a set of roles.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

const (
	RoleAnalyst       = "analyst"
	RoleDatasetWriter = "dataset_writer"
	RoleOpsAdmin      = "ops_admin"
)

var knownRoles = []string{RoleAnalyst, RoleDatasetWriter, RoleOpsAdmin}

type Identity struct {
	TenantID string
	Roles    []string
	// KeyID is a short fingerprint of the presented key, safe to log.
	KeyID string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator holds keys configured at startup. Keys are indexed
// by digest so the raw values are not retained.
type StaticAPIKeyValidator struct {
	keys map[[sha256.Size]byte]Identity
}

// NewStaticAPIKeyValidator parses entries of the form key:tenant:role|role,
// separated by commas.
func NewStaticAPIKeyValidator(entries string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[[sha256.Size]byte]Identity{}}
	entries = strings.TrimSpace(entries)
	if entries == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(entries, ",") {
		key, identity, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256([]byte(key))
		if _, exists := validator.keys[digest]; exists {
			return nil, fmt.Errorf("invalid static key entry for tenant %q: duplicate key", identity.TenantID)
		}
		validator.keys[digest] = identity
	}
	return validator, nil
}

func parseEntry(entry string) (string, Identity, error) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) != 3 {
		return "", Identity{}, fmt.Errorf("invalid static key entry: expected key:tenant:role|role, got %d fields", len(parts))
	}
	key := strings.TrimSpace(parts[0])
	tenant := strings.TrimSpace(parts[1])
	if key == "" || tenant == "" {
		return "", Identity{}, fmt.Errorf("invalid static key entry for tenant %q: empty key or tenant", tenant)
	}

	roles := make([]string, 0, 3)
	for _, role := range strings.Split(parts[2], "|") {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if !slices.Contains(knownRoles, role) {
			return "", Identity{}, fmt.Errorf("invalid static key entry for tenant %q: unknown role %q", tenant, role)
		}
		if !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return "", Identity{}, fmt.Errorf("invalid static key entry for tenant %q: at least one role is required", tenant)
	}
	slices.Sort(roles)
	return key, Identity{TenantID: tenant, Roles: roles, KeyID: fingerprint(key)}, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[sha256.Sum256([]byte(apiKey))]
	return identity, ok
}

func fingerprint(key string) string {
	digest := sha256.Sum256([]byte(key))
	return hex.EncodeToString(digest[:4])
}
