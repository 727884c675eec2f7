package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/agentation/broker/internal/apperr"
	"github.com/agentation/broker/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS annotations (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	comment      TEXT NOT NULL DEFAULT '',
	element      TEXT NOT NULL DEFAULT '',
	element_path TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	bbox_x       REAL,
	bbox_y       REAL,
	bbox_w       REAL,
	bbox_h       REAL,
	intent       TEXT NOT NULL DEFAULT '',
	severity     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	resolved_by  TEXT NOT NULL DEFAULT '',
	resolved_at  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	context      TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_annotations_session ON annotations(session_id, created_at, id);

CREATE TABLE IF NOT EXISTS thread_messages (
	id            TEXT PRIMARY KEY,
	annotation_id TEXT NOT NULL REFERENCES annotations(id) ON DELETE CASCADE,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thread_annotation ON thread_messages(annotation_id, created_at, id);

CREATE TABLE IF NOT EXISTS events (
	sequence   INTEGER PRIMARY KEY,
	type       TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, sequence);
`

type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the durable single-file store at
// path, applying the pragmas the embedded driver needs for safe
// concurrent access: WAL journaling, a busy timeout so a momentarily
// locked file is retried rather than failing, and foreign keys so
// cascading deletes actually cascade.
func OpenSQLite(path string) (Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Fatal, "initialize schema", err)
	}
	return &sqliteStore{db: db}, nil
}

func openDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.Fatal, fmt.Sprintf("create store directory %q", dir), err)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		if isCantOpenError(err) {
			return nil, diagnoseOpenError(path, err)
		}
		return nil, apperr.Wrap(apperr.Fatal, "open store", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		if isCantOpenError(err) {
			return nil, diagnoseOpenError(path, err)
		}
		return nil, apperr.Wrap(apperr.Fatal, "ping store", err)
	}
	return db, nil
}

func isCantOpenError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CANTOPEN
	}
	return false
}

func diagnoseOpenError(path string, originalErr error) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.New(apperr.Fatal, fmt.Sprintf("cannot create store at %q: directory %q does not exist", path, dir))
		}
		return apperr.Wrap(apperr.Fatal, fmt.Sprintf("cannot create store at %q", path), err)
	}
	if !info.IsDir() {
		return apperr.New(apperr.Fatal, fmt.Sprintf("cannot create store at %q: %q is not a directory", path, dir))
	}
	return apperr.Wrap(apperr.Fatal, fmt.Sprintf("cannot create store at %q: permission denied in %q", path, dir), originalErr)
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) CreateSession(ctx context.Context, url, projectID string) (*types.Session, error) {
	sess := &types.Session{
		ID:        newID(),
		URL:       url,
		ProjectID: projectID,
		Status:    types.SessionActive,
		CreatedAt: nowMillis(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, url, project_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.URL, sess.ProjectID, sess.Status, sess.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "create session", err)
	}
	return sess, nil
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, project_id, status, created_at FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list sessions", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scan session", err)
		}
		out = append(out, sess)
	}
	if out == nil {
		out = []*types.Session{}
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, project_id, status, created_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("session", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "get session", err)
	}
	return sess, nil
}

func (s *sqliteStore) GetSessionWithAnnotations(ctx context.Context, id string) (*types.SessionDetail, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	anns, err := s.listAnnotationsBySession(ctx, id, "")
	if err != nil {
		return nil, err
	}
	return &types.SessionDetail{Session: *sess, Annotations: anns}, nil
}

func (s *sqliteStore) UpdateSessionStatus(ctx context.Context, id string, status types.SessionStatus) (*types.Session, error) {
	if status != types.SessionActive && status != types.SessionClosed {
		return nil, apperr.New(apperr.Validation, "invalid session status: "+string(status))
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "update session status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.NotFoundf("session", id)
	}
	return s.GetSession(ctx, id)
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("session", id)
	}
	return nil
}

func (s *sqliteStore) AddAnnotation(ctx context.Context, sessionID string, in AnnotationInput) (*types.Annotation, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
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

	ctxJSON, err := marshalContext(a.Context)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "encode context", err)
	}

	var bx, by, bw, bh sql.NullFloat64
	if a.BoundingBox != nil {
		bx = sql.NullFloat64{Float64: a.BoundingBox.X, Valid: true}
		by = sql.NullFloat64{Float64: a.BoundingBox.Y, Valid: true}
		bw = sql.NullFloat64{Float64: a.BoundingBox.Width, Valid: true}
		bh = sql.NullFloat64{Float64: a.BoundingBox.Height, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotations
			(id, session_id, comment, element, element_path, url, bbox_x, bbox_y, bbox_w, bbox_h,
			 intent, severity, status, resolved_by, resolved_at, created_at, updated_at, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Comment, a.Element, a.ElementPath, a.URL, bx, by, bw, bh,
		a.Intent, a.Severity, a.Status, a.ResolvedBy, a.ResolvedAt, a.CreatedAt, a.UpdatedAt, ctxJSON)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "add annotation", err)
	}
	return a, nil
}

func (s *sqliteStore) GetAnnotation(ctx context.Context, id string) (*types.Annotation, error) {
	a, err := s.getAnnotationNoThread(ctx, id)
	if err != nil {
		return nil, err
	}
	thread, err := s.listThread(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Thread = thread
	return a, nil
}

func (s *sqliteStore) getAnnotationNoThread(ctx context.Context, id string) (*types.Annotation, error) {
	row := s.db.QueryRowContext(ctx, annotationSelect+` WHERE id = ?`, id)
	a, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("annotation", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "get annotation", err)
	}
	return a, nil
}

func (s *sqliteStore) UpdateAnnotation(ctx context.Context, id string, patch types.Patch) (*types.Annotation, error) {
	a, err := s.getAnnotationNoThread(ctx, id)
	if err != nil {
		return nil, err
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

	ctxJSON, err := marshalContext(a.Context)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "encode context", err)
	}
	var bx, by, bw, bh sql.NullFloat64
	if a.BoundingBox != nil {
		bx = sql.NullFloat64{Float64: a.BoundingBox.X, Valid: true}
		by = sql.NullFloat64{Float64: a.BoundingBox.Y, Valid: true}
		bw = sql.NullFloat64{Float64: a.BoundingBox.Width, Valid: true}
		bh = sql.NullFloat64{Float64: a.BoundingBox.Height, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE annotations SET
			comment = ?, intent = ?, severity = ?, url = ?, bbox_x = ?, bbox_y = ?, bbox_w = ?, bbox_h = ?,
			status = ?, resolved_by = ?, resolved_at = ?, updated_at = ?, context = ?
		WHERE id = ?`,
		a.Comment, a.Intent, a.Severity, a.URL, bx, by, bw, bh,
		a.Status, a.ResolvedBy, a.ResolvedAt, a.UpdatedAt, ctxJSON, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "update annotation", err)
	}

	thread, err := s.listThread(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Thread = thread
	return a, nil
}

func (s *sqliteStore) DeleteAnnotation(ctx context.Context, id string) (*types.Annotation, error) {
	a, err := s.GetAnnotation(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id = ?`, id); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "delete annotation", err)
	}
	return a, nil
}

func (s *sqliteStore) GetPendingAnnotations(ctx context.Context, sessionID string) ([]*types.Annotation, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.listAnnotationsBySession(ctx, sessionID, string(types.StatusPending))
}

func (s *sqliteStore) GetAllPendingAnnotations(ctx context.Context) ([]*types.Annotation, error) {
	rows, err := s.db.QueryContext(ctx, annotationSelect+` WHERE status = ? ORDER BY created_at, id`, types.StatusPending)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list pending annotations", err)
	}
	defer rows.Close()
	return scanAnnotationRows(rows)
}

func (s *sqliteStore) listAnnotationsBySession(ctx context.Context, sessionID, status string) ([]*types.Annotation, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, annotationSelect+` WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	} else {
		rows, err = s.db.QueryContext(ctx, annotationSelect+` WHERE session_id = ? AND status = ? ORDER BY created_at, id`, sessionID, status)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list annotations", err)
	}
	defer rows.Close()
	return scanAnnotationRows(rows)
}

func scanAnnotationRows(rows *sql.Rows) ([]*types.Annotation, error) {
	var out []*types.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scan annotation", err)
		}
		out = append(out, a)
	}
	if out == nil {
		out = []*types.Annotation{}
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddThreadMessage(ctx context.Context, annotationID string, role types.ThreadRole, content string) (*types.Annotation, error) {
	if _, err := s.getAnnotationNoThread(ctx, annotationID); err != nil {
		return nil, err
	}

	msg := &types.ThreadMessage{
		ID:           newID(),
		AnnotationID: annotationID,
		Role:         role,
		Content:      content,
		CreatedAt:    nowMillis(),
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO thread_messages (id, annotation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.AnnotationID, msg.Role, msg.Content, msg.CreatedAt); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "add thread message", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE annotations SET updated_at = ? WHERE id = ?`, nowMillis(), annotationID); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "bump annotation updated_at", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "commit tx", err)
	}

	return s.GetAnnotation(ctx, annotationID)
}

func (s *sqliteStore) listThread(ctx context.Context, annotationID string) ([]*types.ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, annotation_id, role, content, created_at FROM thread_messages WHERE annotation_id = ? ORDER BY created_at, id`,
		annotationID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list thread", err)
	}
	defer rows.Close()

	var out []*types.ThreadMessage
	for rows.Next() {
		var m types.ThreadMessage
		if err := rows.Scan(&m.ID, &m.AnnotationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scan thread message", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, ev types.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "encode event payload", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (sequence, type, timestamp, session_id, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.Sequence, ev.Type, ev.Timestamp, ev.SessionID, string(payload))
	if err != nil {
		return apperr.Wrap(apperr.Transient, "append event", err)
	}
	return nil
}

func (s *sqliteStore) GetEventsSince(ctx context.Context, sessionID string, lastSequence uint64, limit int) ([]types.Event, error) {
	query := `SELECT sequence, type, timestamp, session_id, payload FROM events WHERE sequence > ?`
	args := []any{lastSequence}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY sequence`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "get events since", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var ev types.Event
		var payload string
		if err := rows.Scan(&ev.Sequence, &ev.Type, &ev.Timestamp, &ev.SessionID, &payload); err != nil {
			return nil, apperr.Wrap(apperr.Transient, "scan event", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, "delete events before cutoff", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const annotationSelect = `SELECT id, session_id, comment, element, element_path, url, bbox_x, bbox_y, bbox_w, bbox_h,
	intent, severity, status, resolved_by, resolved_at, created_at, updated_at, context FROM annotations`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*types.Session, error) {
	var s types.Session
	if err := row.Scan(&s.ID, &s.URL, &s.ProjectID, &s.Status, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanAnnotation(row scanner) (*types.Annotation, error) {
	var a types.Annotation
	var bx, by, bw, bh sql.NullFloat64
	var ctxJSON string
	if err := row.Scan(&a.ID, &a.SessionID, &a.Comment, &a.Element, &a.ElementPath, &a.URL,
		&bx, &by, &bw, &bh, &a.Intent, &a.Severity, &a.Status, &a.ResolvedBy, &a.ResolvedAt,
		&a.CreatedAt, &a.UpdatedAt, &ctxJSON); err != nil {
		return nil, err
	}
	if bx.Valid {
		a.BoundingBox = &types.BoundingBox{X: bx.Float64, Y: by.Float64, Width: bw.Float64, Height: bh.Float64}
	}
	if ctxJSON != "" && ctxJSON != "{}" {
		if err := json.Unmarshal([]byte(ctxJSON), &a.Context); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func marshalContext(ctx map[string]string) (string, error) {
	if len(ctx) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
