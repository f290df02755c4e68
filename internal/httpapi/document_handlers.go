package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"stepwise.studio/internal/documents"
	"stepwise.studio/internal/workflow"
)

// patchDocumentRequest carries exactly one of Value (replace the section),
// Fields (merge into the section object) or Delete. Step, when set, is the
// workflow step whose input the section belongs to; a committed save then
// marks every later step as stale.
type patchDocumentRequest struct {
	Section string                     `json:"section"`
	Value   json.RawMessage            `json:"value,omitempty"`
	Fields  map[string]json.RawMessage `json:"fields,omitempty"`
	Delete  bool                       `json:"delete,omitempty"`
	Step    int                        `json:"step,omitempty"`
}

type patchDocumentResponse struct {
	Outcome    documents.Outcome `json:"outcome"`
	Version    int64             `json:"version"`
	ResetCount *int64            `json:"reset_count,omitempty"`
}

func (req patchDocumentRequest) patch() (documents.PatchFunc, string) {
	name := strings.TrimSpace(req.Section)
	if name == "" {
		return nil, "section is required"
	}
	set := 0
	if len(req.Value) > 0 {
		set++
	}
	if req.Fields != nil {
		set++
	}
	if req.Delete {
		set++
	}
	if set != 1 {
		return nil, "exactly one of value, fields or delete is required"
	}
	if req.Step < 0 {
		return nil, "step must be positive"
	}
	switch {
	case req.Delete:
		return documents.DeleteSection(name), ""
	case req.Fields != nil:
		return documents.MergeFields(name, req.Fields), ""
	default:
		return documents.SetSection(name, req.Value), ""
	}
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request) {
	ws, ok := a.ownedWorkshop(w, r)
	if !ok {
		return
	}
	doc, err := a.Docs.Get(r.Context(), ws.OwnerID, ws.ID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) patchDocument(w http.ResponseWriter, r *http.Request) {
	var req patchDocumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	patch, msg := req.patch()
	if patch == nil {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}
	// The workshop check keeps MergeSave from creating documents for ids
	// that were never issued.
	ws, ok := a.ownedWorkshop(w, r)
	if !ok {
		return
	}
	id := ws.ID
	res, err := a.Docs.MergeSave(r.Context(), ws.OwnerID, id, patch)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if res.Outcome == documents.OutcomeVersionConflict {
		writeErrorBody(w, r, http.StatusConflict, map[string]any{
			"error":     string(documents.OutcomeVersionConflict),
			"retryable": true,
			"version":   res.Version,
		})
		return
	}

	out := patchDocumentResponse{Outcome: res.Outcome, Version: res.Version}
	if req.Step > 0 {
		inv, err := a.Steps.Invalidate(r.Context(), id, req.Step)
		switch {
		case err == nil:
			out.ResetCount = &inv.ResetCount
		case errors.Is(err, workflow.ErrNotFound):
			writeError(w, r, http.StatusBadRequest, "unknown step")
			return
		default:
			handleDomainError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, out)
}
