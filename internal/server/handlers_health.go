package server

import (
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealthDB(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.SchemaVersion()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"schema_version": version,
		"vec_ready":      s.store.VecReady(),
		"path":           s.store.Path(),
	})
}

func (s *Server) handleHealthLLM(w http.ResponseWriter, r *http.Request) {
	health := s.provider.CheckHealth(r.Context())
	status := http.StatusOK
	if !health.Available {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleHealthSearch(w http.ResponseWriter, r *http.Request) {
	stats, err := s.indexer.GetStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := "ok"
	if !stats.VecReady {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"index":  stats,
		"cache":  s.retriever.CacheStats(),
	})
}

// handleHealthFull aggregates every subsystem probe. The endpoint itself
// always answers 200; per-component state is in the body.
func (s *Server) handleHealthFull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	dbOK := true
	if version, err := s.store.SchemaVersion(); err != nil {
		dbOK = false
		out["db"] = map[string]interface{}{"status": "error", "error": err.Error()}
	} else {
		out["db"] = map[string]interface{}{
			"status":         "ok",
			"schema_version": version,
			"vec_ready":      s.store.VecReady(),
		}
	}

	llmHealth := s.provider.CheckHealth(ctx)
	out["llm"] = llmHealth

	searchOK := true
	if stats, err := s.indexer.GetStats(ctx); err != nil {
		searchOK = false
		out["search"] = map[string]interface{}{"status": "error", "error": err.Error()}
	} else {
		out["search"] = stats
		searchOK = stats.VecReady
	}

	switch {
	case !dbOK:
		out["status"] = "error"
	case !llmHealth.Available || !searchOK:
		out["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, out)
}
