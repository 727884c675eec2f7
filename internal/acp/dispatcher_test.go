package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/mcp-go/server"

	"github.com/agentation/broker/internal/eventbus"
	brokerserver "github.com/agentation/broker/internal/server"
	"github.com/agentation/broker/internal/store"
	"github.com/agentation/broker/pkg/types"
)

// postJSON performs a real HTTP POST against the test HTTP Surface and
// returns the raw response body, used to seed fixtures the ACP tools then
// operate on.
func postJSON(t *testing.T, url string, body any) []byte {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.Bytes()
}

// newTestDispatcher wires a real in-process HTTP Surface (memory-backed)
// behind an httptest.Server, then connects an ACP Dispatcher to it over
// in-memory pipes, mirroring the teacher's stdio integration test shape.
func newTestDispatcher(t *testing.T) (*sdkmcp.ClientSession, *httptest.Server) {
	t.Helper()

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	bus := eventbus.New(st)
	t.Cleanup(func() { bus.Close() })

	httpSrv := brokerserver.New(brokerserver.DefaultConfig(), st, bus)
	ts := httptest.NewServer(httpSrv.Router())
	t.Cleanup(ts.Close)

	mcpServer := NewServer(ts.URL, "")
	stdioServer := server.NewStdioServer(mcpServer)

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go stdioServer.Listen(ctx, serverReader, serverWriter)

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	transport := &sdkmcp.IOTransport{Reader: clientReader, Writer: clientWriter}

	session, err := client.Connect(ctx, transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, ts
}

func callTool(t *testing.T, session *sdkmcp.ClientSession, name string, args map[string]any) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool call should not error")
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(*sdkmcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestListSessionsToolRegistered(t *testing.T) {
	session, _ := newTestDispatcher(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := session.ListTools(ctx, nil)
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, tool := range list.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"list_sessions", "get_session", "get_pending", "get_all_pending",
		"acknowledge", "resolve", "dismiss", "reply", "watch_annotations",
	} {
		if !names[want] {
			t.Errorf("expected tool %q to be registered", want)
		}
	}
}

func TestAcknowledgeResolveReplyFlow(t *testing.T) {
	session, ts := newTestDispatcher(t)

	// Seed a session and annotation directly against the HTTP Surface.
	sessBody := postJSON(t, ts.URL+"/sessions", map[string]string{"url": "http://localhost:3000/x"})
	var sess types.Session
	require.NoError(t, json.Unmarshal(sessBody, &sess))

	annBody := postJSON(t, ts.URL+"/sessions/"+sess.ID+"/annotations", map[string]string{
		"comment": "fix me", "element": "button", "elementPath": "body>button",
	})
	var ann types.Annotation
	require.NoError(t, json.Unmarshal(annBody, &ann))

	ackText := callTool(t, session, "acknowledge", map[string]any{"annotationId": ann.ID})
	var acked types.Annotation
	require.NoError(t, json.Unmarshal([]byte(ackText), &acked))
	if acked.Status != types.StatusAcknowledged {
		t.Errorf("expected acknowledged, got %s", acked.Status)
	}

	resolveText := callTool(t, session, "resolve", map[string]any{"annotationId": ann.ID, "summary": "fixed padding"})
	var resolved types.Annotation
	require.NoError(t, json.Unmarshal([]byte(resolveText), &resolved))
	if resolved.Status != types.StatusResolved {
		t.Errorf("expected resolved, got %s", resolved.Status)
	}
	if len(resolved.Thread) != 1 || resolved.Thread[0].Content != "Resolved: fixed padding" {
		t.Errorf("expected resolution thread message, got %+v", resolved.Thread)
	}

	replyText := callTool(t, session, "reply", map[string]any{"annotationId": ann.ID, "message": "follow-up note"})
	var replied types.Annotation
	require.NoError(t, json.Unmarshal([]byte(replyText), &replied))
	if len(replied.Thread) != 2 {
		t.Errorf("expected two thread messages after reply, got %d", len(replied.Thread))
	}
}

func TestDismissAppendsReasonThreadMessage(t *testing.T) {
	session, ts := newTestDispatcher(t)

	sessBody := postJSON(t, ts.URL+"/sessions", map[string]string{"url": "http://localhost:3000/x"})
	var sess types.Session
	require.NoError(t, json.Unmarshal(sessBody, &sess))

	annBody := postJSON(t, ts.URL+"/sessions/"+sess.ID+"/annotations", map[string]string{
		"comment": "noise", "element": "div", "elementPath": "div",
	})
	var ann types.Annotation
	require.NoError(t, json.Unmarshal(annBody, &ann))

	dismissText := callTool(t, session, "dismiss", map[string]any{"annotationId": ann.ID, "reason": "not actionable"})
	var dismissed types.Annotation
	require.NoError(t, json.Unmarshal([]byte(dismissText), &dismissed))
	if dismissed.Status != types.StatusDismissed {
		t.Errorf("expected dismissed, got %s", dismissed.Status)
	}
	if len(dismissed.Thread) != 1 || dismissed.Thread[0].Content != "Dismissed: not actionable" {
		t.Errorf("expected dismissal thread message, got %+v", dismissed.Thread)
	}
}

func TestGetNotFoundSurfacesAsToolError(t *testing.T) {
	session, _ := newTestDispatcher(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      "get_session",
		Arguments: map[string]any{"sessionId": "nope"},
	})
	require.NoError(t, err)
	if !result.IsError {
		t.Error("expected isError for an unknown session id")
	}
}

func TestWatchAnnotationsReturnsEmptyBatchOnTimeout(t *testing.T) {
	session, _ := newTestDispatcher(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      "watch_annotations",
		Arguments: map[string]any{"timeout": float64(1)},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := result.Content[0].(*sdkmcp.TextContent)
	require.True(t, ok)
	var out pendingResponse
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	if out.Count != 0 {
		t.Errorf("expected empty batch on timeout, got %d", out.Count)
	}
}

func TestWatchAnnotationsWakesOnNewPending(t *testing.T) {
	session, ts := newTestDispatcher(t)

	sessBody := postJSON(t, ts.URL+"/sessions", map[string]string{"url": "http://localhost:3000/x"})
	var sess types.Session
	require.NoError(t, json.Unmarshal(sessBody, &sess))

	go func() {
		time.Sleep(100 * time.Millisecond)
		postJSON(t, ts.URL+"/sessions/"+sess.ID+"/annotations", map[string]string{
			"comment": "late arrival", "element": "div", "elementPath": "div",
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      "watch_annotations",
		Arguments: map[string]any{"timeout": float64(4)},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := result.Content[0].(*sdkmcp.TextContent)
	require.True(t, ok)
	var out pendingResponse
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	if out.Count != 1 {
		t.Fatalf("expected exactly one fresh annotation, got %d", out.Count)
	}
	if out.Annotations[0].Comment != "late arrival" {
		t.Errorf("unexpected annotation surfaced: %+v", out.Annotations[0])
	}
}
