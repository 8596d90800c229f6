package server

import (
	"net/http"
	"time"

	"srg/internal/apperr"
	"srg/internal/insights"
	"srg/internal/types"
)

func (s *Server) handleCompanyDocList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListCompanyDocuments(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
	})
}

func (s *Server) handleCompanyDocCreate(w http.ResponseWriter, r *http.Request) {
	var doc types.CompanyDocument
	if err := decodeBody(r, &doc); err != nil {
		writeError(w, r, err)
		return
	}
	if doc.Title == "" {
		writeError(w, r, apperr.Validation("title is required"))
		return
	}
	if err := s.store.InsertCompanyDocument(r.Context(), &doc); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &doc)
}

func (s *Server) handleCompanyDocUpdate(w http.ResponseWriter, r *http.Request) {
	var doc types.CompanyDocument
	if err := decodeBody(r, &doc); err != nil {
		writeError(w, r, err)
		return
	}
	doc.ID = pathID(r, "id")
	if err := s.store.UpdateCompanyDocument(r.Context(), &doc); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &doc)
}

func (s *Server) handleCompanyDocDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCompanyDocument(r.Context(), pathID(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleCompanyDocExpiring(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	horizon := time.Now().AddDate(0, 0, days).Format("2006-01-02")
	docs, err := s.store.ExpiringCompanyDocuments(r.Context(), horizon)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
		"days":      days,
	})
}

// handleCheckExpiry runs the insight evaluator and materializes reminders for
// anything new.
func (s *Server) handleCheckExpiry(w http.ResponseWriter, r *http.Request) {
	report, err := s.evaluator.Evaluate(r.Context(), insights.Options{
		ExpiryDays: queryInt(r, "days", 0),
		AutoCreate: true,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// REMINDERS AND INSIGHTS
// =============================================================================

func (s *Server) handleReminderList(w http.ResponseWriter, r *http.Request) {
	reminders, err := s.store.ListReminders(r.Context(), queryBool(r, "include_done"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reminders": reminders,
		"count":     len(reminders),
	})
}

func (s *Server) handleReminderCreate(w http.ResponseWriter, r *http.Request) {
	var rem types.Reminder
	if err := decodeBody(r, &rem); err != nil {
		writeError(w, r, err)
		return
	}
	if rem.Title == "" {
		writeError(w, r, apperr.Validation("title is required"))
		return
	}
	if err := s.store.InsertReminder(r.Context(), &rem); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rem)
}

func (s *Server) handleReminderUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Done *bool `json:"done"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Done == nil {
		writeError(w, r, apperr.Validation("done field is required"))
		return
	}
	if err := s.store.SetReminderDone(r.Context(), pathID(r, "id"), *req.Done); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"done": *req.Done})
}

func (s *Server) handleReminderDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteReminder(r.Context(), pathID(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// handleInsights evaluates without side effects unless auto_create is set.
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	report, err := s.evaluator.Evaluate(r.Context(), insights.Options{
		ExpiryDays: queryInt(r, "days", 0),
		AutoCreate: queryBool(r, "auto_create"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
