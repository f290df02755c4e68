package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"stepwise.studio/internal/credits"
	"stepwise.studio/internal/documents"
	"stepwise.studio/internal/fulfillment"
	"stepwise.studio/internal/obs"
	"stepwise.studio/internal/payments"
	"stepwise.studio/internal/store"
	"stepwise.studio/internal/workflow"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps hard failures from the domain packages to status
// codes. Expected outcomes never reach here; handlers branch on them.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credits.ErrNotFound),
		errors.Is(err, documents.ErrNotFound),
		errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, payments.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, credits.ErrForbidden),
		errors.Is(err, documents.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, workflow.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, documents.ErrBadPatch),
		errors.Is(err, fulfillment.ErrInvalidEvent),
		errors.Is(err, fulfillment.ErrInvalidSignature):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case store.IsTransient(err), errors.Is(err, payments.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		obs.Error("request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"error":      err,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
