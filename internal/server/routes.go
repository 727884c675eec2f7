package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the exhaustive route table.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Delete("/", s.deleteSession)

			r.Post("/annotations", s.createAnnotation)
			r.Get("/pending", s.getSessionPending)
			r.Get("/events", s.sessionEvents)
		})
	})

	r.Route("/annotations/{annotationID}", func(r chi.Router) {
		r.Get("/", s.getAnnotation)
		r.Patch("/", s.updateAnnotation)
		r.Delete("/", s.deleteAnnotation)
		r.Post("/thread", s.addThreadMessage)
	})

	r.Get("/pending", s.getAllPending)
	r.Get("/events", s.domainEvents)
}
