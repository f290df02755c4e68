// Package audit emits structured audit records for credit and fulfillment
// activity.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"stepwise.studio/internal/auth"
	"stepwise.studio/internal/obs"
)

// Event names written by the domain services.
const (
	EventUnlock         = "workshop.unlock"
	EventFulfillment    = "credits.fulfillment"
	EventPartialFailure = "credits.reconcile_required"
	EventStepsReset     = "workflow.steps_reset"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// PartialFailure records a side write that failed after a committed spend or
// credit. The committed effect is never rolled back; this entry is what an
// operator reconciles from. It logs at error level, counts the failure and
// writes an audit line carrying fields.
func PartialFailure(ctx context.Context, write string, err error, fields map[string]any) {
	entry := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["write"] = write
	entry["error"] = err
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	obs.PartialFailures.WithLabelValues(write).Inc()
	obs.Error("side write failed after commit", entry)
	_ = LogEvent(ctx, EventPartialFailure, entry)
}
