// Package audit persists append-only records of sensitive mutations and
// mirrors each one as a structured log line.
package audit

import (
	"context"
	"errors"
	"strings"

	"accesscore.org/internal/auth"
	"accesscore.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so audit
// entries can be correlated with HTTP request logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder writes audit entries through the store and emits a JSON log line
// per entry. Implements auth.Auditor.
type Recorder struct {
	store auth.Store
}

var _ auth.Auditor = (*Recorder)(nil)

// NewRecorder constructs a Recorder over the shared store.
func NewRecorder(store auth.Store) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	return &Recorder{store: store}, nil
}

// Record appends the entry. The row is the source of truth; the log line is
// a mirror for operators and is emitted only after the append succeeds.
func (r *Recorder) Record(ctx context.Context, entry *auth.AuditEntry) error {
	if entry == nil || strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit: action is required")
	}
	if err := r.store.Audit(ctx).Append(ctx, entry); err != nil {
		return err
	}

	fields := map[string]any{
		"type":        "audit",
		"action":      entry.Action,
		"entity_type": entry.EntityType,
		"entity_id":   entry.EntityID,
	}
	if entry.PerformedBy != "" {
		fields["performed_by"] = entry.PerformedBy
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	obs.Log(entry.Action, fields)
	return nil
}
