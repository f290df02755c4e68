package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"stepwise.studio/internal/workflow"
)

func (a *API) listSteps(w http.ResponseWriter, r *http.Request) {
	ws, ok := a.ownedWorkshop(w, r)
	if !ok {
		return
	}
	steps, err := a.Steps.List(r.Context(), ws.ID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if steps == nil {
		steps = []workflow.Step{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (a *API) stepAction(w http.ResponseWriter, r *http.Request) {
	order, err := parsePositiveInt(chi.URLParam(r, "order"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "step order must be a positive integer")
		return
	}
	action := chi.URLParam(r, "action")
	switch action {
	case "start", "complete", "reopen":
	default:
		writeError(w, r, http.StatusNotFound, "unknown step action")
		return
	}
	ws, ok := a.ownedWorkshop(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch action {
	case "start":
		step, err := a.Steps.Start(ctx, ws.ID, order)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, step)
	case "complete":
		step, err := a.Steps.Complete(ctx, ws.ID, order)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, step)
	case "reopen":
		res, err := a.Steps.Invalidate(ctx, ws.ID, order)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		steps, err := a.Steps.List(ctx, ws.ID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"reset_count": res.ResetCount,
			"steps":       steps,
		})
	}
}
