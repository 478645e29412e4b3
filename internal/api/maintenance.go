package api

import (
	"context"
	"net/http"

	"github.com/tabletalk/tabletalk/internal/auth"
)

// maintenanceJob names one operator-triggered sweep and the error code
// reported when it fails.
type maintenanceJob struct {
	failureCode    string
	failureMessage string
	tenantScoped   bool
	run            func(ctx context.Context, tenantID string) (any, error)
}

func handleMaintenanceRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	runMaintenanceJob(deps, w, r, maintenanceJob{
		failureCode:    "MAINTENANCE_FAILED",
		failureMessage: "maintenance run failed",
		run: func(ctx context.Context, _ string) (any, error) {
			return deps.Maintenance.RunOnce(ctx)
		},
	})
}

func handleOrphanGCRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	runMaintenanceJob(deps, w, r, maintenanceJob{
		failureCode:    "GC_FAILED",
		failureMessage: "orphan gc run failed",
		tenantScoped:   true,
		run: func(ctx context.Context, tenantID string) (any, error) {
			return deps.Maintenance.RunOrphanGCOnce(ctx, tenantID)
		},
	})
}

func handleIntegrityRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	runMaintenanceJob(deps, w, r, maintenanceJob{
		failureCode:    "INTEGRITY_CHECK_FAILED",
		failureMessage: "integrity check failed",
		tenantScoped:   true,
		run: func(ctx context.Context, tenantID string) (any, error) {
			return deps.Maintenance.RunIntegrityCheckOnce(ctx, tenantID)
		},
	})
}

func runMaintenanceJob(deps Dependencies, w http.ResponseWriter, r *http.Request, job maintenanceJob) {
	ctx := r.Context()
	if deps.Maintenance == nil {
		writeError(ctx, w, http.StatusNotImplemented, "MAINTENANCE_NOT_CONFIGURED", "maintenance service is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleOpsAdmin); err != nil {
		writeError(ctx, w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	tenantID := ""
	if job.tenantScoped {
		tenantID = tenantFromRequest(r)
	}
	summary, err := job.run(ctx, tenantID)
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.WarnContext(ctx, "maintenance job failed", "code", job.failureCode, "tenant_id", tenantID, "error", err)
		}
		writeError(ctx, w, http.StatusInternalServerError, job.failureCode, job.failureMessage, true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}

	payload := map[string]any{
		"status":  "completed",
		"summary": summary,
	}
	if job.tenantScoped {
		payload["tenant_id"] = tenantID
	}
	writeJSON(w, http.StatusOK, payload)
}
