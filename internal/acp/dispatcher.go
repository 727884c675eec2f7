package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentation/broker/pkg/types"
)

// pollInterval is how often watch_annotations re-checks for new pending
// annotations while blocked.
const pollInterval = 250 * time.Millisecond

// defaultWatchTimeout bounds watch_annotations when the caller omits an
// explicit timeout.
const defaultWatchTimeout = 30 * time.Second

// NewServer builds the ACP Dispatcher's MCP server: the fixed nine-tool
// catalog, each backed by an HTTP call against baseURL.
func NewServer(baseURL, apiKey string) *server.MCPServer {
	c := newClient(baseURL, apiKey)

	s := server.NewMCPServer(
		"agentation-broker",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("Returns all sessions (id, url, status, createdAt)."),
	), c.listSessions)

	s.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Returns session detail with annotations."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("The session id")),
	), c.getSession)

	s.AddTool(mcp.NewTool("get_pending",
		mcp.WithDescription("Returns pending annotations for a session."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("The session id")),
	), c.getPending)

	s.AddTool(mcp.NewTool("get_all_pending",
		mcp.WithDescription("Returns pending annotations across all sessions."),
	), c.getAllPending)

	s.AddTool(mcp.NewTool("acknowledge",
		mcp.WithDescription("Transitions an annotation from pending to acknowledged."),
		mcp.WithString("annotationId", mcp.Required(), mcp.Description("The annotation id")),
	), c.acknowledge)

	s.AddTool(mcp.NewTool("resolve",
		mcp.WithDescription("Transitions an annotation to resolved, resolver=agent. If summary is given, appends a thread message."),
		mcp.WithString("annotationId", mcp.Required(), mcp.Description("The annotation id")),
		mcp.WithString("summary", mcp.Description("Optional resolution summary")),
	), c.resolve)

	s.AddTool(mcp.NewTool("dismiss",
		mcp.WithDescription("Transitions an annotation to dismissed, resolver=agent, appends a thread message with the reason."),
		mcp.WithString("annotationId", mcp.Required(), mcp.Description("The annotation id")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the annotation is being dismissed")),
	), c.dismiss)

	s.AddTool(mcp.NewTool("reply",
		mcp.WithDescription("Appends a thread message with role agent."),
		mcp.WithString("annotationId", mcp.Required(), mcp.Description("The annotation id")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The reply content")),
	), c.reply)

	s.AddTool(mcp.NewTool("watch_annotations",
		mcp.WithDescription("Blocks until one or more new pending annotations appear across any session, or the timeout elapses."),
		mcp.WithNumber("timeout", mcp.Description("Timeout in seconds, defaults to 30")),
	), c.watchAnnotations)

	return s
}

// ServeStdio runs the dispatcher over a line-framed JSON transport on
// standard input/output until ctx is cancelled.
func ServeStdio(ctx context.Context, baseURL, apiKey string) error {
	s := NewServer(baseURL, apiKey)
	stdio := server.NewStdioServer(s)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func textResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func errResult(err error) (*mcp.CallToolResult, error) {
	var he *httpError
	if errors.As(err, &he) && he.reason != "" {
		return mcp.NewToolResultError(he.reason), nil
	}
	return mcp.NewToolResultError(err.Error()), nil
}

func requiredString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s argument is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s argument is required", key)
	}
	return s, nil
}

func optionalString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (c *client) listSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var sessions []*types.Session
	if err := c.get(ctx, "/sessions", &sessions); err != nil {
		return errResult(err)
	}
	return textResult(sessions)
}

func (c *client) getSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(req.GetArguments(), "sessionId")
	if err != nil {
		return errResult(err)
	}
	var detail types.SessionDetail
	if err := c.get(ctx, "/sessions/"+id, &detail); err != nil {
		return errResult(err)
	}
	return textResult(detail)
}

func (c *client) getPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(req.GetArguments(), "sessionId")
	if err != nil {
		return errResult(err)
	}
	var out pendingResponse
	if err := c.get(ctx, "/sessions/"+id+"/pending", &out); err != nil {
		return errResult(err)
	}
	return textResult(out)
}

func (c *client) getAllPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var out pendingResponse
	if err := c.get(ctx, "/pending", &out); err != nil {
		return errResult(err)
	}
	return textResult(out)
}

type pendingResponse struct {
	Count       int                 `json:"count"`
	Annotations []*types.Annotation `json:"annotations"`
}

func (c *client) acknowledge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredString(req.GetArguments(), "annotationId")
	if err != nil {
		return errResult(err)
	}
	var ann types.Annotation
	body := map[string]any{"status": types.StatusAcknowledged}
	if err := c.patch(ctx, "/annotations/"+id, body, &ann); err != nil {
		return errResult(err)
	}
	return textResult(ann)
}

func (c *client) resolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := requiredString(args, "annotationId")
	if err != nil {
		return errResult(err)
	}
	summary := optionalString(args, "summary")

	var ann types.Annotation
	body := map[string]any{"status": types.StatusResolved, "resolvedBy": types.ResolverAgent}
	if err := c.patch(ctx, "/annotations/"+id, body, &ann); err != nil {
		return errResult(err)
	}

	if summary != "" {
		msgBody := map[string]any{"role": types.RoleAgent, "content": "Resolved: " + summary}
		if err := c.post(ctx, "/annotations/"+id+"/thread", msgBody, &ann); err != nil {
			return errResult(err)
		}
	}
	return textResult(ann)
}

func (c *client) dismiss(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := requiredString(args, "annotationId")
	if err != nil {
		return errResult(err)
	}
	reason, err := requiredString(args, "reason")
	if err != nil {
		return errResult(err)
	}

	var ann types.Annotation
	body := map[string]any{"status": types.StatusDismissed, "resolvedBy": types.ResolverAgent}
	if err := c.patch(ctx, "/annotations/"+id, body, &ann); err != nil {
		return errResult(err)
	}

	msgBody := map[string]any{"role": types.RoleAgent, "content": "Dismissed: " + reason}
	if err := c.post(ctx, "/annotations/"+id+"/thread", msgBody, &ann); err != nil {
		return errResult(err)
	}
	return textResult(ann)
}

func (c *client) reply(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := requiredString(args, "annotationId")
	if err != nil {
		return errResult(err)
	}
	message, err := requiredString(args, "message")
	if err != nil {
		return errResult(err)
	}

	var ann types.Annotation
	msgBody := map[string]any{"role": types.RoleAgent, "content": message}
	if err := c.post(ctx, "/annotations/"+id+"/thread", msgBody, &ann); err != nil {
		return errResult(err)
	}
	return textResult(ann)
}

// watchAnnotations polls get_all_pending at pollInterval until a pending
// annotation id appears that was not present on the first poll, or the
// timeout elapses. There is no direct Event Bus access from the ACP
// Dispatcher per its "reads state only through the HTTP Surface" rule, so
// polling stands in for a push subscription here.
func (c *client) watchAnnotations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timeout := defaultWatchTimeout
	if secs, ok := req.GetArguments()["timeout"]; ok {
		if f, ok := secs.(float64); ok && f > 0 {
			timeout = time.Duration(f * float64(time.Second))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	baseline, err := c.snapshotPendingIDs(ctx)
	if err != nil {
		return errResult(err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return textResult(pendingResponse{Count: 0, Annotations: []*types.Annotation{}})
		case <-ticker.C:
			var out pendingResponse
			if err := c.get(ctx, "/pending", &out); err != nil {
				continue
			}
			fresh := make([]*types.Annotation, 0, len(out.Annotations))
			for _, a := range out.Annotations {
				if !baseline[a.ID] {
					fresh = append(fresh, a)
				}
			}
			if len(fresh) > 0 {
				return textResult(pendingResponse{Count: len(fresh), Annotations: fresh})
			}
		}
	}
}

func (c *client) snapshotPendingIDs(ctx context.Context) (map[string]bool, error) {
	var out pendingResponse
	if err := c.get(ctx, "/pending", &out); err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(out.Annotations))
	for _, a := range out.Annotations {
		ids[a.ID] = true
	}
	return ids, nil
}
