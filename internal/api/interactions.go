package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/workflow"
)

type interactionRequest struct {
	Dataset       string `json:"dataset"`
	Question      string `json:"question"`
	Confirm       bool   `json:"confirm"`
	InteractionID string `json:"interaction_id"`
}

type interactionResponse struct {
	InteractionID string       `json:"interaction_id"`
	SessionID     string       `json:"session_id"`
	Dataset       string       `json:"dataset"`
	Question      string       `json:"question"`
	Kind          session.Kind `json:"kind"`
	State         string       `json:"state"`
	Count         int64        `json:"count"`
	Attempts      int          `json:"attempts"`
	Fragment      string       `json:"fragment"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

func newInteractionResponse(in session.Interaction) interactionResponse {
	return interactionResponse{
		InteractionID: in.ID,
		SessionID:     in.SessionID,
		Dataset:       in.Dataset,
		Question:      in.Question,
		Kind:          in.Kind,
		State:         string(in.State),
		Count:         in.Cardinality,
		Attempts:      in.Attempts,
		Fragment:      in.Fragment,
		ExpiresAt:     in.ExpiresAt,
	}
}

// handleInteraction serves both flows. confirm=false previews and reports
// the result count; confirm=true commits the pending interaction named by
// interaction_id or by (session, dataset, question).
func handleInteraction(deps Dependencies, kind session.Kind, w http.ResponseWriter, r *http.Request) {
	if deps.Interactions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "INTERACTIONS_NOT_CONFIGURED", "query workflow is not configured", false, nil)
		return
	}
	tenantID := tenantFromRequest(r)
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var req interactionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", false, map[string]any{"details": err.Error()})
		return
	}
	sessionID := sessionFromRequest(r)

	if !req.Confirm {
		interaction, err := deps.Interactions.Preview(r.Context(), workflow.PreviewInput{
			TenantID:  tenantID,
			SessionID: sessionID,
			Dataset:   req.Dataset,
			Question:  req.Question,
			Kind:      kind,
		})
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, newInteractionResponse(interaction))
		return
	}

	ref, err := resolvePending(deps, r, kind, tenantID, sessionID, req)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	outcome, err := deps.Interactions.Confirm(r.Context(), ref)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	payload := map[string]any{
		"interaction_id": outcome.Interaction.ID,
		"state":          string(outcome.Interaction.State),
		"count":          outcome.Result.Cardinality,
		"truncated":      outcome.Result.Truncated,
	}
	if kind == session.KindChart {
		payload["figure"] = outcome.FigureJSON
	} else {
		payload["answer"] = outcome.Answer
	}
	writeJSON(w, http.StatusOK, payload)
}

func resolvePending(deps Dependencies, r *http.Request, kind session.Kind, tenantID, sessionID string, req interactionRequest) (workflow.Ref, error) {
	if id := strings.TrimSpace(req.InteractionID); id != "" {
		interaction, err := deps.Interactions.Lookup(r.Context(), workflow.Ref{TenantID: tenantID, ID: id})
		if err != nil {
			return workflow.Ref{}, err
		}
		if interaction.Kind != kind {
			return workflow.Ref{}, fmt.Errorf("%w: interaction %s is a %s interaction", workflow.ErrNoPendingInteraction, id, interaction.Kind)
		}
		return workflow.Ref{TenantID: tenantID, ID: interaction.ID}, nil
	}

	if strings.TrimSpace(req.Dataset) == "" || strings.TrimSpace(req.Question) == "" {
		return workflow.Ref{}, fmt.Errorf("%w: dataset and question, or interaction_id, are required", workflow.ErrInvalidInput)
	}
	interaction, err := deps.Interactions.FindPending(r.Context(), session.Key{
		TenantID:  tenantID,
		SessionID: sessionID,
		Dataset:   req.Dataset,
		Kind:      kind,
		Question:  req.Question,
	})
	if err != nil {
		return workflow.Ref{}, err
	}
	return workflow.Ref{TenantID: tenantID, ID: interaction.ID}, nil
}

func handleGetInteraction(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Interactions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "INTERACTIONS_NOT_CONFIGURED", "query workflow is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	interaction, err := deps.Interactions.Lookup(r.Context(), workflow.Ref{TenantID: tenantFromRequest(r), ID: r.PathValue("id")})
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newInteractionResponse(interaction))
}

func handleRetryInteraction(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Interactions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "INTERACTIONS_NOT_CONFIGURED", "query workflow is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	interaction, err := deps.Interactions.Retry(r.Context(), workflow.Ref{TenantID: tenantFromRequest(r), ID: r.PathValue("id")})
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newInteractionResponse(interaction))
}

func handleAbandonInteraction(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Interactions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "INTERACTIONS_NOT_CONFIGURED", "query workflow is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	id := r.PathValue("id")
	if err := deps.Interactions.Abandon(r.Context(), workflow.Ref{TenantID: tenantFromRequest(r), ID: id}); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interaction_id": id,
		"state":          string(session.StateIdle),
	})
}
