package store

import (
	"context"
	"sync"
	"time"

	"github.com/agentation/broker/internal/apperr"
	"github.com/agentation/broker/pkg/types"
)

// memoryStore is the volatile Store backing: everything lives in
// process memory and is lost on restart. It emulates the same
// consistency semantics as the durable backing with plain maps and an
// append-only event slice, all behind a single mutex (spec §5: "a
// single write lock serializes mutations").
type memoryStore struct {
	mu sync.Mutex

	sessions     map[string]*types.Session
	sessionOrder []string

	annotations    map[string]*types.Annotation
	annotationByID map[string][]string // sessionID -> annotation ids, creation order

	threads map[string][]*types.ThreadMessage // annotationID -> messages

	events []types.Event
}

// NewMemory creates a volatile, process-memory-only Store.
func NewMemory() Store {
	return &memoryStore{
		sessions:       make(map[string]*types.Session),
		annotations:    make(map[string]*types.Annotation),
		annotationByID: make(map[string][]string),
		threads:        make(map[string][]*types.ThreadMessage),
	}
}

func (m *memoryStore) CreateSession(ctx context.Context, url, projectID string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &types.Session{
		ID:        newID(),
		URL:       url,
		ProjectID: projectID,
		Status:    types.SessionActive,
		CreatedAt: nowMillis(),
	}
	m.sessions[s.ID] = s
	m.sessionOrder = append(m.sessionOrder, s.ID)
	return cloneSession(s), nil
}

func (m *memoryStore) ListSessions(ctx context.Context) ([]*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Session, 0, len(m.sessionOrder))
	for _, id := range m.sessionOrder {
		out = append(out, cloneSession(m.sessions[id]))
	}
	return out, nil
}

func (m *memoryStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFoundf("session", id)
	}
	return cloneSession(s), nil
}

func (m *memoryStore) GetSessionWithAnnotations(ctx context.Context, id string) (*types.SessionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFoundf("session", id)
	}

	detail := &types.SessionDetail{Session: *cloneSession(s)}
	for _, aid := range m.annotationByID[id] {
		detail.Annotations = append(detail.Annotations, cloneAnnotation(m.annotations[aid]))
	}
	if detail.Annotations == nil {
		detail.Annotations = []*types.Annotation{}
	}
	return detail, nil
}

func (m *memoryStore) UpdateSessionStatus(ctx context.Context, id string, status types.SessionStatus) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFoundf("session", id)
	}
	if status != types.SessionActive && status != types.SessionClosed {
		return nil, apperr.New(apperr.Validation, "invalid session status: "+string(status))
	}
	s.Status = status
	return cloneSession(s), nil
}

func (m *memoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return apperr.NotFoundf("session", id)
	}
	for _, aid := range m.annotationByID[id] {
		delete(m.annotations, aid)
		delete(m.threads, aid)
	}
	delete(m.annotationByID, id)
	delete(m.sessions, id)
	for i, sid := range m.sessionOrder {
		if sid == id {
			m.sessionOrder = append(m.sessionOrder[:i], m.sessionOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memoryStore) AddAnnotation(ctx context.Context, sessionID string, in AnnotationInput) (*types.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, apperr.NotFoundf("session", sessionID)
	}

	now := nowMillis()
	a := &types.Annotation{
		ID:          newID(),
		SessionID:   sessionID,
		Comment:     in.Comment,
		Element:     in.Element,
		ElementPath: in.ElementPath,
		URL:         in.URL,
		BoundingBox: in.BoundingBox,
		Intent:      in.Intent,
		Severity:    in.Severity,
		Status:      types.StatusPending,
		Context:     in.Context,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.annotations[a.ID] = a
	m.annotationByID[sessionID] = append(m.annotationByID[sessionID], a.ID)
	return cloneAnnotation(a), nil
}

func (m *memoryStore) GetAnnotation(ctx context.Context, id string) (*types.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.annotations[id]
	if !ok {
		return nil, apperr.NotFoundf("annotation", id)
	}
	out := cloneAnnotation(a)
	out.Thread = cloneThread(m.threads[id])
	return out, nil
}

func (m *memoryStore) UpdateAnnotation(ctx context.Context, id string, patch types.Patch) (*types.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.annotations[id]
	if !ok {
		return nil, apperr.NotFoundf("annotation", id)
	}

	if patch.Status != nil {
		if !types.ValidTransition(a.Status, *patch.Status) {
			return nil, apperr.New(apperr.Validation, "illegal status transition: "+string(a.Status)+" -> "+string(*patch.Status))
		}
		a.Status = *patch.Status
		if types.IsTerminal(a.Status) {
			a.ResolvedAt = nowMillis()
			if patch.ResolvedBy != nil {
				a.ResolvedBy = *patch.ResolvedBy
			}
		} else {
			a.ResolvedAt = 0
			a.ResolvedBy = ""
		}
	} else if patch.ResolvedBy != nil && types.IsTerminal(a.Status) {
		a.ResolvedBy = *patch.ResolvedBy
	}

	if patch.Comment != nil {
		a.Comment = *patch.Comment
	}
	if patch.Intent != nil {
		a.Intent = *patch.Intent
	}
	if patch.Severity != nil {
		a.Severity = *patch.Severity
	}
	if patch.URL != nil {
		a.URL = *patch.URL
	}
	if patch.BoundingBox != nil {
		a.BoundingBox = patch.BoundingBox
	}
	if patch.Context != nil {
		a.Context = patch.Context
	}
	a.UpdatedAt = nowMillis()

	out := cloneAnnotation(a)
	out.Thread = cloneThread(m.threads[id])
	return out, nil
}

func (m *memoryStore) DeleteAnnotation(ctx context.Context, id string) (*types.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.annotations[id]
	if !ok {
		return nil, apperr.NotFoundf("annotation", id)
	}
	snapshot := cloneAnnotation(a)
	snapshot.Thread = cloneThread(m.threads[id])

	delete(m.annotations, id)
	delete(m.threads, id)
	ids := m.annotationByID[a.SessionID]
	for i, aid := range ids {
		if aid == id {
			m.annotationByID[a.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return snapshot, nil
}

func (m *memoryStore) GetPendingAnnotations(ctx context.Context, sessionID string) ([]*types.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, apperr.NotFoundf("session", sessionID)
	}

	var out []*types.Annotation
	for _, aid := range m.annotationByID[sessionID] {
		a := m.annotations[aid]
		if a.Status == types.StatusPending {
			out = append(out, cloneAnnotation(a))
		}
	}
	if out == nil {
		out = []*types.Annotation{}
	}
	return out, nil
}

func (m *memoryStore) GetAllPendingAnnotations(ctx context.Context) ([]*types.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Annotation
	for _, sid := range m.sessionOrder {
		for _, aid := range m.annotationByID[sid] {
			a := m.annotations[aid]
			if a.Status == types.StatusPending {
				out = append(out, cloneAnnotation(a))
			}
		}
	}
	if out == nil {
		out = []*types.Annotation{}
	}
	return out, nil
}

func (m *memoryStore) AddThreadMessage(ctx context.Context, annotationID string, role types.ThreadRole, content string) (*types.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.annotations[annotationID]
	if !ok {
		return nil, apperr.NotFoundf("annotation", annotationID)
	}

	msg := &types.ThreadMessage{
		ID:           newID(),
		AnnotationID: annotationID,
		Role:         role,
		Content:      content,
		CreatedAt:    nowMillis(),
	}
	m.threads[annotationID] = append(m.threads[annotationID], msg)
	a.UpdatedAt = nowMillis()

	out := cloneAnnotation(a)
	out.Thread = cloneThread(m.threads[annotationID])
	return out, nil
}

func (m *memoryStore) AppendEvent(ctx context.Context, ev types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryStore) GetEventsSince(ctx context.Context, sessionID string, lastSequence uint64, limit int) ([]types.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Event
	for _, ev := range m.events {
		if ev.Sequence <= lastSequence {
			continue
		}
		if sessionID != "" && ev.SessionID != sessionID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0:0]
	removed := 0
	for _, ev := range m.events {
		ts, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
		if err == nil && ts.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return removed, nil
}

func (m *memoryStore) Close() error { return nil }

func cloneSession(s *types.Session) *types.Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

func cloneAnnotation(a *types.Annotation) *types.Annotation {
	if a == nil {
		return nil
	}
	out := *a
	if a.BoundingBox != nil {
		bb := *a.BoundingBox
		out.BoundingBox = &bb
	}
	if a.Context != nil {
		out.Context = make(map[string]string, len(a.Context))
		for k, v := range a.Context {
			out.Context[k] = v
		}
	}
	out.Thread = nil
	return &out
}

func cloneThread(msgs []*types.ThreadMessage) []*types.ThreadMessage {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]*types.ThreadMessage, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out
}
