// Package workflow keeps the per-workshop step records and the cascade that
// marks everything after an edited step as stale.
//
// Dependency is linear: every step depends on every earlier step. Stale
// steps keep their stored content; needs_regeneration only tells navigation
// and summaries that the content was derived from superseded input.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stepwise.studio/internal/audit"
	"stepwise.studio/internal/obs"
	"stepwise.studio/internal/store"
)

const table = "steps"

// InitialPhase is the phase every step starts in and returns to on reset.
const InitialPhase = "initial"

type Status string

const (
	StatusNotStarted        Status = "not_started"
	StatusInProgress        Status = "in_progress"
	StatusComplete          Status = "complete"
	StatusNeedsRegeneration Status = "needs_regeneration"
)

var (
	ErrNotFound          = errors.New("workflow: step not found")
	ErrInvalidTransition = errors.New("workflow: invalid step transition")
)

// Step is one step record as seen by navigation.
type Step struct {
	Order       int        `json:"order"`
	Status      Status     `json:"status"`
	Phase       string     `json:"phase"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Navigable   bool       `json:"navigable"`
}

// InvalidateResult reports how many downstream steps became stale.
type InvalidateResult struct {
	ResetCount int64 `json:"reset_count"`
}

// Steps manages step records.
type Steps struct {
	st  store.Store
	now func() time.Time
}

func New(st store.Store) *Steps {
	return &Steps{st: st, now: time.Now}
}

// Seed creates steps 1..n for workflowID: step 1 in progress, the rest not
// started. Existing steps are left as they are.
func (s *Steps) Seed(ctx context.Context, workflowID string, n int) error {
	now := s.now().UTC()
	for order := 1; order <= n; order++ {
		status := StatusNotStarted
		if order == 1 {
			status = StatusInProgress
		}
		_, err := s.st.UniqueInsert(ctx, store.Insert{
			Table: table,
			Row: store.Row{
				"workflow_id":  workflowID,
				"step_order":   int64(order),
				"status":       string(status),
				"phase":        InitialPhase,
				"completed_at": nil,
				"updated_at":   now,
			},
			Unique: []string{"workflow_id", "step_order"},
		})
		if err != nil {
			return fmt.Errorf("seed step %d: %w", order, err)
		}
	}
	return nil
}

// List returns the steps of workflowID in order.
func (s *Steps) List(ctx context.Context, workflowID string) ([]Step, error) {
	rows, err := s.st.List(ctx, store.Query{
		Table:   table,
		Columns: []string{"step_order", "status", "phase", "completed_at"},
		Where:   []store.Cond{store.Eq("workflow_id", workflowID)},
		OrderBy: "step_order",
	})
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	out := make([]Step, 0, len(rows))
	for _, r := range rows {
		out = append(out, stepFromRow(r))
	}
	return out, nil
}

func stepFromRow(r store.Row) Step {
	st := Step{
		Order:  int(r.Int64("step_order")),
		Status: Status(r.String("status")),
		Phase:  r.String("phase"),
	}
	if ts, ok := r.Time("completed_at"); ok {
		st.CompletedAt = &ts
	}
	st.Navigable = st.Status != StatusNotStarted
	return st
}

// Start moves a not started or stale step into active editing. Starting a
// step already in progress is a no-op.
func (s *Steps) Start(ctx context.Context, workflowID string, order int) (Step, error) {
	res, err := s.st.ConditionalUpdate(ctx, store.Update{
		Table: table,
		Where: []store.Cond{
			store.Eq("workflow_id", workflowID),
			store.Eq("step_order", int64(order)),
			store.Ne("status", string(StatusInProgress)),
			store.Ne("status", string(StatusComplete)),
		},
		Set: []store.Assign{
			store.Set("status", string(StatusInProgress)),
			store.Set("phase", InitialPhase),
			store.Set("updated_at", s.now().UTC()),
		},
	})
	if err != nil {
		return Step{}, fmt.Errorf("start step %d: %w", order, err)
	}
	cur, err := s.get(ctx, workflowID, order)
	if err != nil {
		return Step{}, err
	}
	if !res.Matched() && cur.Status != StatusInProgress {
		return cur, fmt.Errorf("%w: start from %s", ErrInvalidTransition, cur.Status)
	}
	return cur, nil
}

// Complete finishes an in-progress step and opens the next one if it has
// not been started yet. A stale step has to be re-entered before it can be
// completed, and no step completes while an earlier one is stale.
// Completing a complete step is a no-op.
func (s *Steps) Complete(ctx context.Context, workflowID string, order int) (Step, error) {
	stale, err := s.firstStale(ctx, workflowID)
	if err != nil {
		return Step{}, err
	}
	if stale > 0 && stale < order {
		cur, err := s.get(ctx, workflowID, order)
		if err != nil {
			return Step{}, err
		}
		if cur.Status != StatusComplete {
			return cur, fmt.Errorf("%w: step %d needs regeneration", ErrInvalidTransition, stale)
		}
		return cur, nil
	}
	now := s.now().UTC()
	res, err := s.st.ConditionalUpdate(ctx, store.Update{
		Table: table,
		Where: []store.Cond{
			store.Eq("workflow_id", workflowID),
			store.Eq("step_order", int64(order)),
			store.Eq("status", string(StatusInProgress)),
		},
		Set: []store.Assign{
			store.Set("status", string(StatusComplete)),
			store.Set("completed_at", now),
			store.Set("updated_at", now),
		},
	})
	if err != nil {
		return Step{}, fmt.Errorf("complete step %d: %w", order, err)
	}
	if res.Matched() {
		_, err := s.st.ConditionalUpdate(ctx, store.Update{
			Table: table,
			Where: []store.Cond{
				store.Eq("workflow_id", workflowID),
				store.Eq("step_order", int64(order+1)),
				store.Eq("status", string(StatusNotStarted)),
			},
			Set: []store.Assign{
				store.Set("status", string(StatusInProgress)),
				store.Set("updated_at", now),
			},
		})
		if err != nil {
			obs.Warn("advance to next step failed", map[string]any{
				"workflow_id": workflowID,
				"step_order":  order + 1,
				"error":       err,
			})
		}
	}
	cur, err := s.get(ctx, workflowID, order)
	if err != nil {
		return Step{}, err
	}
	if !res.Matched() && cur.Status != StatusComplete {
		return cur, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, cur.Status)
	}
	return cur, nil
}

// SetPhase records the sub-state of an in-progress step.
func (s *Steps) SetPhase(ctx context.Context, workflowID string, order int, phase string) error {
	res, err := s.st.ConditionalUpdate(ctx, store.Update{
		Table: table,
		Where: []store.Cond{
			store.Eq("workflow_id", workflowID),
			store.Eq("step_order", int64(order)),
			store.Eq("status", string(StatusInProgress)),
		},
		Set: []store.Assign{
			store.Set("phase", phase),
			store.Set("updated_at", s.now().UTC()),
		},
	})
	if err != nil {
		return fmt.Errorf("set phase: %w", err)
	}
	if res.Matched() {
		return nil
	}
	cur, err := s.get(ctx, workflowID, order)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: set phase on %s step", ErrInvalidTransition, cur.Status)
}

// Invalidate reopens editedOrder for editing and marks every later step
// that has been started as needs_regeneration. Step content is not touched.
// ResetCount counts the steps that became stale in this call.
//
// Downstream steps are written first so that a failure between the two
// writes never leaves a complete step after an in-progress one.
func (s *Steps) Invalidate(ctx context.Context, workflowID string, editedOrder int) (InvalidateResult, error) {
	edited, err := s.get(ctx, workflowID, editedOrder)
	if err != nil {
		return InvalidateResult{}, err
	}
	now := s.now().UTC()

	downstream, err := s.st.ConditionalUpdate(ctx, store.Update{
		Table: table,
		Where: []store.Cond{
			store.Eq("workflow_id", workflowID),
			store.Gt("step_order", int64(editedOrder)),
			store.Ne("status", string(StatusNotStarted)),
			store.Ne("status", string(StatusNeedsRegeneration)),
		},
		Set: []store.Assign{
			store.Set("status", string(StatusNeedsRegeneration)),
			store.Set("phase", InitialPhase),
			store.Null("completed_at"),
			store.Set("updated_at", now),
		},
	})
	if err != nil {
		return InvalidateResult{}, fmt.Errorf("invalidate downstream of %d: %w", editedOrder, err)
	}

	if edited.Status != StatusNotStarted {
		_, err = s.st.ConditionalUpdate(ctx, store.Update{
			Table: table,
			Where: []store.Cond{
				store.Eq("workflow_id", workflowID),
				store.Eq("step_order", int64(editedOrder)),
				store.Ne("status", string(StatusNotStarted)),
			},
			Set: []store.Assign{
				store.Set("status", string(StatusInProgress)),
				store.Set("phase", InitialPhase),
				store.Null("completed_at"),
				store.Set("updated_at", now),
			},
		})
		if err != nil {
			return InvalidateResult{}, fmt.Errorf("reopen step %d: %w", editedOrder, err)
		}
	}

	res := InvalidateResult{ResetCount: downstream.RowsAffected}
	if res.ResetCount > 0 {
		obs.StepInvalidations.Add(float64(res.ResetCount))
		_ = audit.LogEvent(ctx, audit.EventStepsReset, map[string]any{
			"workflow_id": workflowID,
			"edited_step": editedOrder,
			"reset_count": res.ResetCount,
		})
	}
	return res, nil
}

// firstStale returns the lowest needs_regeneration order, or zero.
func (s *Steps) firstStale(ctx context.Context, workflowID string) (int, error) {
	rows, err := s.st.List(ctx, store.Query{
		Table:   table,
		Columns: []string{"step_order"},
		Where: []store.Cond{
			store.Eq("workflow_id", workflowID),
			store.Eq("status", string(StatusNeedsRegeneration)),
		},
		OrderBy: "step_order",
		Limit:   1,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale steps: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(rows[0].Int64("step_order")), nil
}

func (s *Steps) get(ctx context.Context, workflowID string, order int) (Step, error) {
	row, ok, err := s.st.Read(ctx, store.Query{
		Table:   table,
		Columns: []string{"step_order", "status", "phase", "completed_at"},
		Where: []store.Cond{
			store.Eq("workflow_id", workflowID),
			store.Eq("step_order", int64(order)),
		},
	})
	if err != nil {
		return Step{}, fmt.Errorf("read step %d: %w", order, err)
	}
	if !ok {
		return Step{}, ErrNotFound
	}
	return stepFromRow(row), nil
}
