package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/tabletalk/tabletalk/internal/catalog"
	"github.com/tabletalk/tabletalk/internal/chart"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/llm"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/synth"
	"github.com/tabletalk/tabletalk/internal/workflow"
)

type errorMapping struct {
	target    error
	status    int
	code      string
	retryable bool
}

// First match wins.
var errorMappings = []errorMapping{
	{target: workflow.ErrInvalidInput, status: http.StatusBadRequest, code: "INVALID_ARGUMENT"},
	{target: dataset.ErrLoadFailure, status: http.StatusBadRequest, code: "LOAD_FAILURE"},
	{target: workflow.ErrNoPendingInteraction, status: http.StatusConflict, code: "NO_PENDING_INTERACTION"},
	{target: llm.ErrModelUnavailable, status: http.StatusBadGateway, code: "MODEL_UNAVAILABLE", retryable: true},
	{target: synth.ErrSynthesisFailure, status: http.StatusBadGateway, code: "SYNTHESIS_FAILURE", retryable: true},
	{target: query.ErrMissingResult, status: http.StatusUnprocessableEntity, code: "MISSING_RESULT", retryable: true},
	{target: query.ErrExecutionFailure, status: http.StatusUnprocessableEntity, code: "EXECUTION_FAILURE", retryable: true},
	{target: chart.ErrRenderFailure, status: http.StatusUnprocessableEntity, code: "RENDER_FAILURE", retryable: true},
	{target: dataset.ErrNotFound, status: http.StatusNotFound, code: "NOT_FOUND"},
	{target: catalog.ErrNotFound, status: http.StatusNotFound, code: "NOT_FOUND"},
	{target: session.ErrNotFound, status: http.StatusNotFound, code: "NOT_FOUND"},
}

// writeDomainError maps a service error onto the structured error body.
func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			writeError(ctx, w, mapping.status, mapping.code, err.Error(), mapping.retryable, nil)
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(ctx, w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out", true, map[string]any{"details": err.Error()})
		return
	}
	writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "internal error", true, map[string]any{"details": err.Error()})
}
