package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/candlekeep/mnemo/internal/engine"
	"github.com/candlekeep/mnemo/internal/store"
)

// Server is the mnemo HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server with the given database, engine, and version string.
func New(db *store.DB, eng *engine.Engine, version string) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Post("/recall", s.handleRecall)
		r.Post("/conversations", s.handleRememberConversation)
		r.Get("/episodes", s.handleSearchEpisodes)

		r.Post("/facts", s.handleCreateFact)
		r.Get("/facts", s.handleListFacts)
		r.Get("/facts/{factID}", s.handleGetFact)
		r.Post("/facts/{factID}/reinforce", s.handleReinforceFact)
		r.Post("/facts/{factID}/contradict", s.handleContradictFact)
		r.Delete("/facts/{factID}", s.handleDeleteFact)

		r.Post("/procedures", s.handleCreateProcedure)
		r.Get("/procedures", s.handleMatchProcedures)
		r.Post("/procedures/{procedureID}/usage", s.handleProcedureUsage)
		r.Delete("/procedures/{procedureID}", s.handleDeleteProcedure)

		r.Get("/graph", s.handleGraph)
		r.Get("/profile", s.handleGetProfile)
		r.Put("/profile", s.handleUpdateProfile)

		r.Post("/consolidate", s.handleConsolidate)
		r.Get("/consolidations/{runID}", s.handleGetRun)

		r.Get("/flagged", s.handleFlagged)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
