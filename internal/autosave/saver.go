package autosave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stepwise.studio/internal/documents"
)

// HTTPSaver PATCHes one document section through the API.
type HTTPSaver struct {
	BaseURL    string
	WorkshopID string
	Section    string
	Token      string
	Client     *http.Client
}

type patchRequest struct {
	Section string          `json:"section"`
	Value   json.RawMessage `json:"value"`
}

type patchResponse struct {
	Outcome string `json:"outcome"`
	Version int64  `json:"version"`
}

func (h *HTTPSaver) Save(ctx context.Context, payload json.RawMessage) (int64, error) {
	body, err := json.Marshal(patchRequest{Section: h.Section, Value: payload})
	if err != nil {
		return 0, err
	}
	endpoint := strings.TrimRight(h.BaseURL, "/") + "/v1/workshops/" + url.PathEscape(h.WorkshopID) + "/document"
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("save section %s: %w", h.Section, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, ErrVersionConflict
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("save section %s: status %d: %s", h.Section, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out patchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode save response: %w", err)
	}
	return out.Version, nil
}

// StoreSaver saves straight into a documents.Store, for in-process editors.
type StoreSaver struct {
	Docs       *documents.Store
	OwnerID    string
	DocumentID string
	Section    string
}

func (s *StoreSaver) Save(ctx context.Context, payload json.RawMessage) (int64, error) {
	res, err := s.Docs.MergeSave(ctx, s.OwnerID, s.DocumentID, documents.SetSection(s.Section, payload))
	if err != nil {
		return 0, err
	}
	if res.Outcome == documents.OutcomeVersionConflict {
		return res.Version, ErrVersionConflict
	}
	return res.Version, nil
}
