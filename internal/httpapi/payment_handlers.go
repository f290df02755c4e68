package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"stepwise.studio/internal/fulfillment"
	"stepwise.studio/internal/obs"
)

const maxWebhookBytes = 64 << 10

type webhookEnvelope struct {
	Event string `json:"event"`
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
}

type reconcileResponse struct {
	Outcome   string `json:"outcome"`
	RequestID string `json:"request_id,omitempty"`
}

// handlePaymentWebhook accepts a signed event either as the raw token body
// or wrapped as {"event": "<token>"}. Only 503 asks the provider to
// redeliver.
func (a *API) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if a.Verifier == nil || a.Recorder == nil {
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusServiceUnavailable, "payments are not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable body")
		return
	}
	token := strings.TrimSpace(string(body))
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		var env webhookEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			writeError(w, r, http.StatusBadRequest, "malformed event envelope")
			return
		}
		token = env.Event
	}

	ev, err := a.Verifier.Verify(token)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	res, err := a.Recorder.Fulfill(r.Context(), ev)
	if err != nil {
		writeFulfillError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeFulfillError acknowledges a claimed but uncredited event with 202 so
// the provider stops redelivering; a redelivery would only observe
// already_fulfilled. Everything else goes through the usual mapping.
func writeFulfillError(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, fulfillment.ErrReconcileRequired) {
		handleDomainError(w, r, err)
		return
	}
	reqID := RequestIDFromContext(r.Context())
	obs.Error("payment event needs reconciliation", map[string]any{
		"request_id": reqID,
		"path":       r.URL.Path,
		"error":      err,
	})
	writeJSON(w, http.StatusAccepted, reconcileResponse{Outcome: "reconcile_required", RequestID: reqID})
}

// confirmPurchase is the success-page path: it fetches the session's event
// from the provider and records it exactly as the webhook would.
func (a *API) confirmPurchase(w http.ResponseWriter, r *http.Request) {
	if a.Payments == nil || a.Verifier == nil || a.Recorder == nil {
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusServiceUnavailable, "payments are not configured")
		return
	}
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, r, http.StatusBadRequest, "session_id is required")
		return
	}
	ctx := r.Context()
	session, err := a.Payments.Session(ctx, req.SessionID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	ev, err := a.Verifier.Verify(session.Event)
	if err != nil {
		if errors.Is(err, fulfillment.ErrInvalidSignature) {
			handleDomainError(w, r, errors.New("payments: session event failed verification"))
			return
		}
		handleDomainError(w, r, err)
		return
	}
	if ev.AccountID != userID(r) {
		writeError(w, r, http.StatusForbidden, "session belongs to another account")
		return
	}
	res, err := a.Recorder.Fulfill(ctx, ev)
	if err != nil {
		writeFulfillError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
