package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentation/broker/internal/eventbus"
	"github.com/agentation/broker/internal/store"
	"github.com/agentation/broker/pkg/types"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	bus := eventbus.New(st)
	t.Cleanup(func() { bus.Close() })
	return New(DefaultConfig(), st, bus)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %+v", body)
	}
	if body["storeBacking"] != "sqlite" {
		t.Errorf("expected default storeBacking sqlite, got %+v", body["storeBacking"])
	}
	if _, ok := body["uptimeSeconds"].(float64); !ok {
		t.Errorf("expected numeric uptimeSeconds, got %+v", body["uptimeSeconds"])
	}
}

func TestCreateAndListSessions(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/sessions", map[string]string{"url": "http://localhost:3000/x"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sess types.Session
	json.NewDecoder(w.Body).Decode(&sess)
	if sess.Status != types.SessionActive {
		t.Errorf("expected active, got %s", sess.Status)
	}

	w = doJSON(t, srv, "GET", "/sessions", nil)
	var list []types.Session
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != sess.ID {
		t.Errorf("expected list with created session, got %+v", list)
	}
}

func TestCreateSessionMissingURL(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, "POST", "/sessions", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAnnotationLifecycleEndToEnd(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/sessions", map[string]string{"url": "http://localhost:3000/x"})
	var sess types.Session
	json.NewDecoder(w.Body).Decode(&sess)

	w = doJSON(t, srv, "POST", "/sessions/"+sess.ID+"/annotations", map[string]string{
		"comment": "fix me", "element": "button", "elementPath": "body>button",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var ann types.Annotation
	json.NewDecoder(w.Body).Decode(&ann)
	if ann.Status != types.StatusPending {
		t.Errorf("expected pending, got %s", ann.Status)
	}

	w = doJSON(t, srv, "PATCH", "/annotations/"+ann.ID, map[string]string{"status": "acknowledged"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "PATCH", "/annotations/"+ann.ID, map[string]string{"status": "resolved", "resolvedBy": "agent"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "GET", "/sessions/"+sess.ID+"/pending", nil)
	var pending map[string]any
	json.NewDecoder(w.Body).Decode(&pending)
	if pending["count"].(float64) != 0 {
		t.Errorf("expected 0 pending, got %+v", pending)
	}
}

func TestIllegalTransitionReturns400(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/sessions", map[string]string{"url": "http://localhost:3000/x"})
	var sess types.Session
	json.NewDecoder(w.Body).Decode(&sess)

	w = doJSON(t, srv, "POST", "/sessions/"+sess.ID+"/annotations", map[string]string{
		"comment": "x", "element": "div", "elementPath": "div",
	})
	var ann types.Annotation
	json.NewDecoder(w.Body).Decode(&ann)

	w = doJSON(t, srv, "PATCH", "/annotations/"+ann.ID, map[string]string{"status": "resolved"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for illegal transition, got %d", w.Code)
	}
}

func TestDeleteAnnotationIdempotentAtTransportLevel(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/sessions", map[string]string{"url": "http://localhost:3000/x"})
	var sess types.Session
	json.NewDecoder(w.Body).Decode(&sess)

	w = doJSON(t, srv, "POST", "/sessions/"+sess.ID+"/annotations", map[string]string{
		"comment": "x", "element": "div", "elementPath": "div",
	})
	var ann types.Annotation
	json.NewDecoder(w.Body).Decode(&ann)

	w = doJSON(t, srv, "DELETE", "/annotations/"+ann.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on first delete, got %d", w.Code)
	}

	w = doJSON(t, srv, "DELETE", "/annotations/"+ann.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestGetAnnotationNotFound(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, "GET", "/annotations/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestReplyAddsThreadMessage(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/sessions", map[string]string{"url": "http://localhost:3000/x"})
	var sess types.Session
	json.NewDecoder(w.Body).Decode(&sess)

	w = doJSON(t, srv, "POST", "/sessions/"+sess.ID+"/annotations", map[string]string{
		"comment": "x", "element": "div", "elementPath": "div",
	})
	var ann types.Annotation
	json.NewDecoder(w.Body).Decode(&ann)

	w = doJSON(t, srv, "POST", "/annotations/"+ann.ID+"/thread", map[string]string{
		"role": "agent", "content": "Resolved: fixed padding",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var updated types.Annotation
	json.NewDecoder(w.Body).Decode(&updated)
	if len(updated.Thread) != 1 || updated.Thread[0].Role != types.RoleAgent {
		t.Errorf("expected one agent thread message, got %+v", updated.Thread)
	}
}

func TestSessionPendingZeroBoundary(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, "POST", "/sessions", map[string]string{"url": "http://localhost:3000/x"})
	var sess types.Session
	json.NewDecoder(w.Body).Decode(&sess)

	w = doJSON(t, srv, "GET", "/sessions/"+sess.ID+"/pending", nil)
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["count"].(float64) != 0 {
		t.Errorf("expected count 0, got %+v", body)
	}
	anns := body["annotations"].([]any)
	if len(anns) != 0 {
		t.Errorf("expected empty annotations array, got %v", anns)
	}
}

func TestUpdateAndDeleteSession(t *testing.T) {
	srv := setupTestServer(t)
	w := doJSON(t, srv, "POST", "/sessions", map[string]string{"url": "http://localhost:3000/x"})
	var sess types.Session
	json.NewDecoder(w.Body).Decode(&sess)

	w = doJSON(t, srv, "PATCH", "/sessions/"+sess.ID, map[string]string{"status": "closed"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated types.Session
	json.NewDecoder(w.Body).Decode(&updated)
	if updated.Status != types.SessionClosed {
		t.Errorf("expected closed, got %s", updated.Status)
	}

	w = doJSON(t, srv, "DELETE", "/sessions/"+sess.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, srv, "GET", "/sessions/"+sess.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestUnauthorizedWithoutAPIKey(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	bus := eventbus.New(st)
	defer bus.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "secret"
	srv := New(cfg, st, bus)

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid bearer, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected /health reachable without credential, got %d", w.Code)
	}
}
