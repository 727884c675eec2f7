package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentation/broker/internal/logging"
	"github.com/agentation/broker/pkg/types"
)

// heartbeatInterval is the keep-alive comment cadence for SSE streams.
const heartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter with the event-frame format and
// flush-per-write discipline SSE needs.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) writeComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writeEvent(ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Sequence, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func lastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		return 0
	}
	var n uint64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0
	}
	return n
}

// sessionEvents serves GET /sessions/:id/events: replay then live stream
// of events belonging to one session.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		writeAppErr(w, r, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := sse.writeComment("connected"); err != nil {
		return
	}

	live, cancel := s.bus.SubscribeSession(sessionID)
	defer cancel()

	ctx, cancelStream := s.streamContext(r)
	defer cancelStream()

	s.streamReplayThenLive(ctx, sse, live, sessionID, lastEventID(r))
}

// domainEvents serves GET /events?domain=<host>: a global subscription
// post-filtered to sessions whose origin URL host matches domain.
func (s *Server) domainEvents(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := sse.writeComment("connected"); err != nil {
		return
	}

	live, cancel := s.bus.SubscribeAll()
	defer cancel()

	ctx, cancelStream := s.streamContext(r)
	defer cancelStream()

	s.streamDomainFiltered(ctx, sse, live, domain)
}

// streamReplayThenLive replays the log from Last-Event-ID, then streams
// live events without gap: the live subscription was opened before
// replay, so anything published during replay is already buffered and
// delivered afterward in sequence order, never dropped. ctx ends either
// when the client disconnects or when the server starts a graceful
// shutdown; either way the stream writes a final "bye" comment before
// the socket closes, per the broker's SSE close contract.
func (s *Server) streamReplayThenLive(ctx context.Context, sse *sseWriter, live <-chan types.Event, sessionID string, since uint64) {
	defer sse.writeComment("bye")

	replay, err := s.bus.Replay(ctx, sessionID, since)
	if err != nil {
		return
	}
	var maxReplayed uint64
	for _, ev := range replay {
		if err := sse.writeEvent(ev); err != nil {
			return
		}
		maxReplayed = ev.Sequence
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Sequence <= maxReplayed {
				continue
			}
			if err := sse.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeComment("ping"); err != nil {
				return
			}
		}
	}
}

func (s *Server) streamDomainFiltered(ctx context.Context, sse *sseWriter, live <-chan types.Event, domain string) {
	defer sse.writeComment("bye")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if !s.eventMatchesDomain(ctx, ev, domain) {
				continue
			}
			if err := sse.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeComment("ping"); err != nil {
				return
			}
		}
	}
}

func (s *Server) eventMatchesDomain(ctx context.Context, ev types.Event, domain string) bool {
	sess, err := s.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		return false
	}
	u, err := url.Parse(sess.URL)
	if err != nil {
		logging.Debug().Str("sessionId", sess.ID).Str("url", sess.URL).Msg("skipping session with invalid origin URL")
		return false
	}
	return u.Host == domain
}
