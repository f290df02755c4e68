package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"stepwise.studio/internal/credits"
)

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500
)

type createWorkshopRequest struct {
	Title string `json:"title"`
}

type workshopResponse struct {
	Workshop credits.Workshop `json:"workshop"`
	Access   credits.Access   `json:"access"`
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	owner := userID(r)
	balance, err := a.Counter.Balance(r.Context(), owner)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": owner,
		"balance":    balance,
	})
}

func (a *API) listLedger(w http.ResponseWriter, r *http.Request) {
	a.writeLedger(w, r, userID(r))
}

func (a *API) listAccountLedger(w http.ResponseWriter, r *http.Request) {
	a.writeLedger(w, r, chi.URLParam(r, "id"))
}

func (a *API) writeLedger(w http.ResponseWriter, r *http.Request, accountID string) {
	limit := defaultLedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxLedgerLimit {
		limit = maxLedgerLimit
	}
	entries, err := a.Counter.Ledger(r.Context(), accountID, limit)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []credits.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"entries":    entries,
	})
}

// createWorkshop creates the workshop, its empty document and its step
// records. Each write is idempotent on its own key, so a client retry after
// a partial failure only creates a second locked workshop.
func (a *API) createWorkshop(w http.ResponseWriter, r *http.Request) {
	var req createWorkshopRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, r, http.StatusBadRequest, "title is required")
		return
	}
	owner := userID(r)
	ctx := r.Context()

	ws, err := a.Unlocker.Create(ctx, owner, title)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if _, err := a.Docs.Create(ctx, owner, ws.ID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	if err := a.Steps.Seed(ctx, ws.ID, a.StepsPerWorkshop); err != nil {
		handleDomainError(w, r, err)
		return
	}
	access, err := a.Unlocker.Status(ctx, owner, ws.ID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, workshopResponse{Workshop: ws, Access: access})
}

func (a *API) getWorkshop(w http.ResponseWriter, r *http.Request) {
	ws, ok := a.ownedWorkshop(w, r)
	if !ok {
		return
	}
	access, err := a.Unlocker.Status(r.Context(), ws.OwnerID, ws.ID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workshopResponse{Workshop: ws, Access: access})
}

func (a *API) getAccess(w http.ResponseWriter, r *http.Request) {
	access, err := a.Unlocker.Status(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

func (a *API) unlockWorkshop(w http.ResponseWriter, r *http.Request) {
	res, err := a.Unlocker.Unlock(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if res.Outcome == credits.OutcomeInsufficientCredits {
		writeErrorBody(w, r, http.StatusPaymentRequired, map[string]any{
			"error":   "purchase_required",
			"outcome": res.Outcome,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ownedWorkshop loads the {id} workshop and writes the error response when
// it is missing or belongs to someone else.
func (a *API) ownedWorkshop(w http.ResponseWriter, r *http.Request) (credits.Workshop, bool) {
	ws, err := a.Unlocker.Workshop(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		handleDomainError(w, r, err)
		return credits.Workshop{}, false
	}
	return ws, true
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}
