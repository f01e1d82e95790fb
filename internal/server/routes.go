package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/candlekeep/mnemo/internal/engine"
	"github.com/candlekeep/mnemo/internal/store"
)

const requestTimeout = 60 * time.Second

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string `json:"query"`
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`

		MaxFacts            int     `json:"max_facts"`
		MaxEpisodes         int     `json:"max_episodes"`
		MaxProcedures       int     `json:"max_procedures"`
		ConfidenceThreshold float64 `json:"confidence_threshold"`
		RerankMethod        string  `json:"rerank_method"`
		RecencyWeight       float64 `json:"recency_weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}

	cfg := s.engine.Retrieval
	if req.MaxFacts > 0 {
		cfg.MaxFacts = req.MaxFacts
	}
	if req.MaxEpisodes > 0 {
		cfg.MaxEpisodes = req.MaxEpisodes
	}
	if req.MaxProcedures > 0 {
		cfg.MaxProcedures = req.MaxProcedures
	}
	if req.ConfidenceThreshold > 0 {
		cfg.ConfidenceThreshold = req.ConfidenceThreshold
	}
	if req.RecencyWeight > 0 {
		cfg.RecencyWeight = req.RecencyWeight
	}
	switch req.RerankMethod {
	case "":
	case "rrf", "none":
		cfg.RerankMethod = req.RerankMethod
	default:
		writeError(w, http.StatusBadRequest, "rerank_method must be rrf or none")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	bundle, err := s.engine.RecallWithConfig(ctx, req.Query, req.UserID, req.SessionID, cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleSearchEpisodes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter required")
		return
	}

	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	matches, err := s.engine.SearchEpisodes(ctx, query, r.URL.Query().Get("user_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, len(matches))
	for i, m := range matches {
		out[i] = map[string]any{
			"id":         m.ID,
			"session_id": m.SessionID,
			"user_id":    m.UserID,
			"summary":    m.Summary,
			"topics":     m.Topics,
			"outcome":    m.Outcome,
			"similarity": m.Similarity,
			"compressed": m.Compressed,
			"created_at": m.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "episodes": out})
}

func (s *Server) handleRememberConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string          `json:"session_id"`
		UserID    string          `json:"user_id"`
		Messages  []store.Message `json:"messages"`
		Outcome   string          `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages required")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ep, err := s.engine.RememberConversation(ctx, req.SessionID, req.UserID, req.Messages, req.Outcome)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Extraction ran before the response when auto-extraction is on, so the
	// caller sees exactly what was learned from this conversation.
	writeJSON(w, http.StatusCreated, map[string]any{
		"episode_id":          ep.ID,
		"summary":             ep.Summary,
		"status":              "stored",
		"facts_extracted":     orEmpty(ep.FactIDs),
		"entities_found":      orEmpty(ep.Topics),
		"procedures_detected": orEmpty(ep.ProcedureIDs),
	})
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Server) handleCreateFact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content    string  `json:"content"`
		Category   string  `json:"category"`
		UserID     string  `json:"user_id"`
		Confidence float64 `json:"confidence"`
		SourceType string  `json:"source_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	f, err := s.engine.RememberFact(ctx, req.Content, req.Category, req.UserID, req.Confidence, req.SourceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, factJSON(f))
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	facts, err := s.db.FactsByUser(r.URL.Query().Get("user_id"), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, len(facts))
	for i := range facts {
		out[i] = factJSON(&facts[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "facts": out})
}

func (s *Server) handleGetFact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "factID")
	f, err := s.db.GetFact(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if f == nil {
		writeError(w, http.StatusNotFound, "fact not found")
		return
	}

	resp := factJSON(f)
	if p, err := s.db.GetProvenance(id, store.MemoryTypeFact); err == nil && p != nil {
		resp["provenance"] = map[string]any{
			"source_type":        p.SourceType,
			"source_id":          p.SourceID,
			"initial_confidence": p.InitialConfidence,
			"current_confidence": p.CurrentConfidence,
			"confidence_history": p.ConfidenceHistory,
			"contradictions":     p.Contradictions,
			"flagged":            p.Flagged,
			"flag_reason":        p.FlagReason,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReinforceFact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "factID")
	conf, err := s.engine.ReinforceFact(id)
	if errors.Is(err, engine.ErrNotFound) {
		writeError(w, http.StatusNotFound, "fact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "confidence": conf})
}

func (s *Server) handleContradictFact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "factID")

	var req struct {
		NewContent string `json:"new_content"`
		Resolution string `json:"resolution"` // "replace", "keep", or empty to flag
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.NewContent == "" {
		writeError(w, http.StatusBadRequest, "new_content required")
		return
	}

	f, err := s.engine.ContradictFact(id, req.NewContent, req.Resolution)
	if errors.Is(err, engine.ErrNotFound) {
		writeError(w, http.StatusNotFound, "fact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, factJSON(f))
}

func (s *Server) handleDeleteFact(w http.ResponseWriter, r *http.Request) {
	err := s.engine.ForgetFact(chi.URLParam(r, "factID"))
	if errors.Is(err, engine.ErrNotFound) {
		writeError(w, http.StatusNotFound, "fact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCreateProcedure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trigger         string   `json:"trigger"`
		TriggerPatterns []string `json:"trigger_patterns"`
		Steps           []string `json:"steps"`
		UserID          string   `json:"user_id"`
		Category        string   `json:"category"`
		Source          string   `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	p, created, err := s.engine.RememberProcedure(req.Trigger, req.TriggerPatterns, req.Steps, req.UserID, req.Category, req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, procedureJSON(p))
}

func (s *Server) handleMatchProcedures(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter required")
		return
	}

	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	procs, err := s.db.MatchProcedures(query, r.URL.Query().Get("user_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, len(procs))
	for i := range procs {
		out[i] = procedureJSON(&procs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "procedures": out})
}

func (s *Server) handleProcedureUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	p, err := s.engine.RecordProcedureOutcome(chi.URLParam(r, "procedureID"), req.Success)
	if errors.Is(err, engine.ErrNotFound) {
		writeError(w, http.StatusNotFound, "procedure not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, procedureJSON(p))
}

func (s *Server) handleDeleteProcedure(w http.ResponseWriter, r *http.Request) {
	err := s.engine.ForgetProcedure(chi.URLParam(r, "procedureID"))
	if errors.Is(err, engine.ErrNotFound) {
		writeError(w, http.StatusNotFound, "procedure not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	seed := r.URL.Query().Get("seed")
	if seed == "" {
		writeError(w, http.StatusBadRequest, "seed parameter required")
		return
	}

	depth := 2
	if d := r.URL.Query().Get("depth"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			depth = n
		}
	}

	result, err := s.db.Traverse([]string{seed}, depth, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seed":     seed,
		"depth":    depth,
		"entities": result.Entities,
		"edges":    result.Edges,
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id parameter required")
		return
	}

	profile, err := s.db.GetUserProfile(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "profile": profile})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string         `json:"user_id"`
		Updates map[string]any `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	if err := s.db.UpdateUserProfile(req.UserID, req.Updates); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	profile, err := s.db.GetUserProfile(req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "profile": profile})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	runID, err := s.engine.ConsolidateAsync()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "running"})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.MemoryStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFlagged(w http.ResponseWriter, r *http.Request) {
	flagged, err := s.db.FlaggedMemories()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type flaggedJSON struct {
		MemoryID   string  `json:"memory_id"`
		MemoryType string  `json:"memory_type"`
		Confidence float64 `json:"confidence"`
		FlagReason string  `json:"flag_reason"`
		FlaggedAt  *int64  `json:"flagged_at,omitempty"`
	}
	out := make([]flaggedJSON, len(flagged))
	for i, p := range flagged {
		out[i] = flaggedJSON{p.MemoryID, p.MemoryType, p.CurrentConfidence, p.FlagReason, p.FlaggedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "flagged": out})
}

func factJSON(f *store.Fact) map[string]any {
	return map[string]any{
		"id":                  f.ID,
		"content":             f.Content,
		"category":            f.Category,
		"confidence":          f.Confidence,
		"reinforced_count":    f.ReinforcedCount,
		"contradiction_count": f.ContradictionCount,
		"source_type":         f.SourceType,
		"source_episode":      f.SourceEpisode,
		"user_id":             f.UserID,
		"created_at":          f.CreatedAt,
	}
}

func procedureJSON(p *store.Procedure) map[string]any {
	return map[string]any{
		"id":               p.ID,
		"trigger":          p.Trigger,
		"trigger_patterns": p.TriggerPatterns,
		"steps":            p.Steps,
		"times_used":       p.TimesUsed,
		"success_count":    p.SuccessCount,
		"failure_count":    p.FailureCount,
		"success_rate":     p.SuccessRate(),
		"user_id":          p.UserID,
		"category":         p.Category,
		"created_at":       p.CreatedAt,
	}
}
