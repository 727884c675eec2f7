// Package store owns exclusive, durable custody of sessions, annotations,
// thread messages, and the event log. Every mutation that produces an
// event does so synchronously with the mutation itself, so no caller can
// observe a mutation without its corresponding event or vice versa.
//
// Two interchangeable backings satisfy the Store interface: a durable
// single-file sqlite-backed store and a volatile in-process store, picked
// at startup by internal/config.
package store

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentation/broker/pkg/types"
)

// Store is the narrow interface the HTTP Surface and ACP Dispatcher use
// to read and mutate sessions, annotations, and thread messages. Beyond
// the operations of spec §4.1 it carries session status update and
// delete, all-session pending lookup, and event-log retention deletion.
type Store interface {
	CreateSession(ctx context.Context, url, projectID string) (*types.Session, error)
	ListSessions(ctx context.Context) ([]*types.Session, error)
	GetSession(ctx context.Context, id string) (*types.Session, error)
	GetSessionWithAnnotations(ctx context.Context, id string) (*types.SessionDetail, error)
	UpdateSessionStatus(ctx context.Context, id string, status types.SessionStatus) (*types.Session, error)
	DeleteSession(ctx context.Context, id string) error

	AddAnnotation(ctx context.Context, sessionID string, in AnnotationInput) (*types.Annotation, error)
	GetAnnotation(ctx context.Context, id string) (*types.Annotation, error)
	UpdateAnnotation(ctx context.Context, id string, patch types.Patch) (*types.Annotation, error)
	DeleteAnnotation(ctx context.Context, id string) (*types.Annotation, error)
	GetPendingAnnotations(ctx context.Context, sessionID string) ([]*types.Annotation, error)
	GetAllPendingAnnotations(ctx context.Context) ([]*types.Annotation, error)

	AddThreadMessage(ctx context.Context, annotationID string, role types.ThreadRole, content string) (*types.Annotation, error)

	AppendEvent(ctx context.Context, ev types.Event) error
	// GetEventsSince returns events with sequence strictly greater than
	// lastSequence, in sequence order, capped at limit (0 means no cap).
	// sessionID == "" matches events from every session.
	GetEventsSince(ctx context.Context, sessionID string, lastSequence uint64, limit int) ([]types.Event, error)
	// DeleteEventsBefore removes events older than cutoff and reports
	// how many were removed. Used by the retention sweeper.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// AnnotationInput carries the fields accepted on creation (POST
// /sessions/:id/annotations).
type AnnotationInput struct {
	Comment     string
	Element     string
	ElementPath string
	URL         string
	BoundingBox *types.BoundingBox
	Intent      types.Intent
	Severity    types.Severity
	Context     map[string]string
}

// newID returns a fresh ULID string: lexicographically sortable by
// creation time, satisfying the "ties broken by id lexicographic order"
// rule in spec §3.
func newID() string {
	return ulid.Make().String()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
