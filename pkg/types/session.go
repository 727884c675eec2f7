// Package types provides the core data model for the annotation broker:
// sessions, annotations, thread messages, and the events that describe
// mutations to them.
package types

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Session is a page-annotation context: the scope a set of annotations
// share, typically one page-open in a browser client.
type Session struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	ProjectID string        `json:"projectId,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt int64         `json:"createdAt"`
}

// SessionDetail embeds a session's annotations in insertion order.
type SessionDetail struct {
	Session
	Annotations []*Annotation `json:"annotations"`
}
