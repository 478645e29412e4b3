package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tabletalk/tabletalk/internal/auth"
)

const (
	defaultTenantID  = "default"
	defaultSessionID = "default"
	sessionHeader    = "X-Session-ID"
)

// tenantFromRequest prefers the authenticated identity, then the
// X-Tenant-ID header, then the shared default tenant.
func tenantFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.TenantID) != "" {
			return identity.TenantID
		}
	}
	if tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); tenantID != "" {
		return tenantID
	}
	return defaultTenantID
}

func sessionFromRequest(r *http.Request) string {
	if sessionID := strings.TrimSpace(r.Header.Get(sessionHeader)); sessionID != "" {
		return sessionID
	}
	return defaultSessionID
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func requireAnyRole(r *http.Request, roles ...string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	for _, role := range roles {
		if identity.HasRole(role) {
			return nil
		}
	}
	return fmt.Errorf("missing required role, expected one of %q", strings.Join(roles, ","))
}
