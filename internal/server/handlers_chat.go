package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"srg/internal/apperr"
	"srg/internal/session"
	"srg/internal/types"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserText == "" {
		writeError(w, r, apperr.Validation("message is required"))
		return
	}
	reply, err := s.sessions.SendMessage(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleChatStream streams the assistant turn as server-sent events. Each
// token is one data frame; the stream terminates with [DONE] or [ERROR].
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserText == "" {
		writeError(w, r, apperr.Validation("message is required"))
		return
	}

	tokens, reply, err := s.sessions.StreamMessage(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", reply.SessionID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for token := range tokens {
		fmt.Fprintf(w, "data: %s\n\n", token)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// =============================================================================
// SESSIONS
// =============================================================================

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var sess types.ChatSession
	if r.ContentLength > 0 {
		if err := decodeBody(r, &sess); err != nil {
			writeError(w, r, err)
			return
		}
	}
	sess.ID = ""
	if err := s.store.CreateSession(r.Context(), &sess); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &sess)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetSession(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	activeOnly := queryBool(r, "active_only")
	messages, err := s.store.GetMessages(ctx, id, activeOnly, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	})
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	facts, err := s.store.GetMemoryFacts(ctx, id, 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":            sess.ID,
		"summary":               sess.Summary,
		"summary_message_count": sess.SummaryMessageCount,
		"total_tokens":          sess.TotalTokens,
		"memory_facts":          facts,
	})
}
