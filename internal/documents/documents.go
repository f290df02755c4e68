// Package documents stores one versioned JSON document per workshop and
// merges partial updates into it with optimistic concurrency.
//
// A write commits only if the version it read is still current, and every
// commit advances the version by exactly one. Losers of a race re-read and
// re-apply their patch against the winner's payload.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stepwise.studio/internal/obs"
	"stepwise.studio/internal/store"
)

const table = "documents"

const DefaultMaxRetries = 3

var (
	ErrNotFound  = errors.New("documents: not found")
	ErrForbidden = errors.New("documents: forbidden")
	ErrBadPatch  = errors.New("documents: invalid patch")
)

// Payload maps section names to independently owned JSON values.
type Payload map[string]json.RawMessage

func (p Payload) clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Document is the stored record.
type Document struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Version   int64     `json:"version"`
	Payload   Payload   `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PatchFunc derives the new payload from the current one. It receives a copy
// and may be called more than once per save, so it must not have side
// effects beyond its return value.
type PatchFunc func(current Payload) (Payload, error)

type Outcome string

const (
	OutcomeSaved           Outcome = "saved"
	OutcomeVersionConflict Outcome = "version_conflict"
)

// SaveResult reports the outcome of MergeSave. Version is the committed
// version on success and the last version observed on conflict.
type SaveResult struct {
	Outcome  Outcome `json:"outcome"`
	Version  int64   `json:"version"`
	Attempts int     `json:"attempts"`
}

// Store reads and merge-saves documents.
type Store struct {
	st         store.Store
	maxRetries int
	now        func() time.Time
}

// New returns a Store. maxRetries <= 0 selects DefaultMaxRetries.
func New(st store.Store, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Store{st: st, maxRetries: maxRetries, now: time.Now}
}

// Get returns the document if ownerID owns it.
func (s *Store) Get(ctx context.Context, ownerID, id string) (Document, error) {
	doc, ok, err := s.read(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if !ok {
		return Document{}, ErrNotFound
	}
	if doc.OwnerID != ownerID {
		return Document{}, ErrForbidden
	}
	return doc, nil
}

// Create inserts an empty document at version 1. It reports false when the
// document already exists.
func (s *Store) Create(ctx context.Context, ownerID, id string) (bool, error) {
	return s.insert(ctx, ownerID, id, Payload{})
}

// MergeSave applies patch to the current payload of document id and writes
// the result if no other writer committed in between, retrying with a fresh
// read up to the configured attempt limit. A missing document is created at
// version 1 with patch applied to an empty payload.
//
// VersionConflict is an expected outcome, not an error: the caller must
// surface it as retryable.
func (s *Store) MergeSave(ctx context.Context, ownerID, id string, patch PatchFunc) (SaveResult, error) {
	var last int64
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		doc, ok, err := s.read(ctx, id)
		if err != nil {
			return SaveResult{}, err
		}
		if ok && doc.OwnerID != ownerID {
			return SaveResult{}, ErrForbidden
		}

		base := Payload{}
		if ok {
			base = doc.Payload
		}
		next, err := patch(base.clone())
		if err != nil {
			return SaveResult{}, fmt.Errorf("%w: %v", ErrBadPatch, err)
		}
		if next == nil {
			next = Payload{}
		}

		if !ok {
			inserted, err := s.insert(ctx, ownerID, id, next)
			if err != nil {
				return SaveResult{}, err
			}
			if inserted {
				return s.saved(1, attempt), nil
			}
			// Another writer created it first; merge onto theirs.
			continue
		}

		last = doc.Version
		committed, err := s.update(ctx, id, doc.Version, next)
		if err != nil {
			return SaveResult{}, err
		}
		if committed {
			return s.saved(doc.Version+1, attempt), nil
		}
		obs.Debug("document version moved", map[string]any{
			"document_id": id,
			"read":        doc.Version,
			"attempt":     attempt,
		})
	}

	obs.DocumentSaveTotal.WithLabelValues(string(OutcomeVersionConflict)).Inc()
	obs.DocumentSaveAttempts.Observe(float64(s.maxRetries))
	obs.Info("document save gave up", map[string]any{"document_id": id, "attempts": s.maxRetries})
	return SaveResult{Outcome: OutcomeVersionConflict, Version: last, Attempts: s.maxRetries}, nil
}

func (s *Store) saved(version int64, attempts int) SaveResult {
	obs.DocumentSaveTotal.WithLabelValues(string(OutcomeSaved)).Inc()
	obs.DocumentSaveAttempts.Observe(float64(attempts))
	return SaveResult{Outcome: OutcomeSaved, Version: version, Attempts: attempts}
}

func (s *Store) read(ctx context.Context, id string) (Document, bool, error) {
	row, ok, err := s.st.Read(ctx, store.Query{
		Table:   table,
		Columns: []string{"id", "owner_id", "version", "payload", "updated_at"},
		Where:   []store.Cond{store.Eq("id", id)},
	})
	if err != nil {
		return Document{}, false, fmt.Errorf("read document: %w", err)
	}
	if !ok {
		return Document{}, false, nil
	}
	doc := Document{
		ID:      row.String("id"),
		OwnerID: row.String("owner_id"),
		Version: row.Int64("version"),
		Payload: Payload{},
	}
	if raw := row.Bytes("payload"); len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc.Payload); err != nil {
			return Document{}, false, fmt.Errorf("decode document %s: %w", id, err)
		}
	}
	if ts, ok := row.Time("updated_at"); ok {
		doc.UpdatedAt = ts
	}
	return doc, true, nil
}

func (s *Store) insert(ctx context.Context, ownerID, id string, p Payload) (bool, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encode document: %w", err)
	}
	ok, err := s.st.UniqueInsert(ctx, store.Insert{
		Table: table,
		Row: store.Row{
			"id":         id,
			"owner_id":   ownerID,
			"version":    int64(1),
			"payload":    json.RawMessage(raw),
			"updated_at": s.now().UTC(),
		},
		Unique: []string{"id"},
	})
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	return ok, nil
}

func (s *Store) update(ctx context.Context, id string, readVersion int64, p Payload) (bool, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encode document: %w", err)
	}
	res, err := s.st.ConditionalUpdate(ctx, store.Update{
		Table: table,
		Where: []store.Cond{store.Eq("id", id), store.Eq("version", readVersion)},
		Set: []store.Assign{
			store.Incr("version", 1),
			store.Set("payload", json.RawMessage(raw)),
			store.Set("updated_at", s.now().UTC()),
		},
	})
	if err != nil {
		return false, fmt.Errorf("update document: %w", err)
	}
	return res.Matched(), nil
}
