package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"srg/internal/apperr"
	"srg/internal/logging"
	"srg/internal/types"
)

// =============================================================================
// CHAT SESSIONS, MESSAGES AND MEMORY FACTS
// =============================================================================

const sessionColumns = `id, title, status, active_document_ids, active_invoice_ids,
	summary, summary_message_count, total_tokens, max_context_tokens,
	system_prompt, temperature, created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*types.ChatSession, error) {
	var s types.ChatSession
	var docIDs, invIDs string
	err := row.Scan(&s.ID, &s.Title, &s.Status, &docIDs, &invIDs,
		&s.Summary, &s.SummaryMessageCount, &s.TotalTokens, &s.MaxContextTokens,
		&s.SystemPrompt, &s.Temperature, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(docIDs), &s.ActiveDocumentIDs)
	json.Unmarshal([]byte(invIDs), &s.ActiveInvoiceIDs)
	return &s, nil
}

// CreateSession creates a chat session with clamped defaults applied by the
// caller. A missing context budget falls back to the schema default.
func (s *Store) CreateSession(ctx context.Context, sess *types.ChatSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = types.SessionActive
	}
	if sess.MaxContextTokens <= 0 {
		sess.MaxContextTokens = 8000
	}
	docIDs, _ := json.Marshal(orEmptyIDs(sess.ActiveDocumentIDs))
	invIDs, _ := json.Marshal(orEmptyIDs(sess.ActiveInvoiceIDs))
	_, err := s.db.ExecContext(ctx, `INSERT INTO chat_sessions
		(id, title, status, active_document_ids, active_invoice_ids, summary,
		 summary_message_count, total_tokens, max_context_tokens, system_prompt, temperature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Status, string(docIDs), string(invIDs), sess.Summary,
		sess.SummaryMessageCount, sess.TotalTokens, sess.MaxContextTokens,
		sess.SystemPrompt, sess.Temperature)
	if err != nil {
		return apperr.Database("failed to create session", err)
	}
	logging.Session("Session created: %s", sess.ID)
	return nil
}

func orEmptyIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (*types.ChatSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM chat_sessions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeSessionNotFound, "session", id)
	}
	if err != nil {
		return nil, apperr.Database("failed to load session", err)
	}
	return sess, nil
}

// ListSessions returns sessions newest-first, excluding deleted ones.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]*types.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM chat_sessions WHERE status != ? ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		types.SessionDeleted, limit, offset)
	if err != nil {
		return nil, apperr.Database("failed to list sessions", err)
	}
	defer rows.Close()

	var out []*types.ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Database("failed to scan session", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession persists mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, sess *types.ChatSession) error {
	docIDs, _ := json.Marshal(orEmptyIDs(sess.ActiveDocumentIDs))
	invIDs, _ := json.Marshal(orEmptyIDs(sess.ActiveInvoiceIDs))
	res, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET
		title = ?, status = ?, active_document_ids = ?, active_invoice_ids = ?,
		summary = ?, summary_message_count = ?, total_tokens = ?, max_context_tokens = ?,
		system_prompt = ?, temperature = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		sess.Title, sess.Status, string(docIDs), string(invIDs),
		sess.Summary, sess.SummaryMessageCount, sess.TotalTokens, sess.MaxContextTokens,
		sess.SystemPrompt, sess.Temperature, sess.ID)
	if err != nil {
		return apperr.Database("failed to update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(apperr.CodeSessionNotFound, "session", sess.ID)
	}
	return nil
}

// DeleteSession soft-deletes a session; its messages remain for history.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE chat_sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		types.SessionDeleted, id)
	if err != nil {
		return apperr.Database("failed to delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(apperr.CodeSessionNotFound, "session", id)
	}
	return nil
}

// AppendMessage stores one message and bumps the session token total.
func (s *Store) AppendMessage(ctx context.Context, m *types.Message) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO messages
			(session_id, role, content, message_type, context_used, sources_json, token_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.SessionID, m.Role, m.Content, m.MessageType,
			nullStr(m.ContextUsed), nullStr(m.SourcesJSON), m.TokenCount)
		if err != nil {
			return apperr.Database("failed to append message", err)
		}
		m.ID, _ = res.LastInsertId()
		if _, err := tx.ExecContext(ctx,
			"UPDATE chat_sessions SET total_tokens = total_tokens + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			m.TokenCount, m.SessionID); err != nil {
			return apperr.Database("failed to update session tokens", err)
		}
		return nil
	})
}

// GetMessages loads a session's messages oldest-first. When activeOnly is
// set, messages folded into the summary are excluded.
func (s *Store) GetMessages(ctx context.Context, sessionID string, activeOnly bool, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT id, session_id, role, content, message_type,
		COALESCE(context_used, ''), COALESCE(sources_json, ''), token_count, summarized, created_at
		FROM messages WHERE session_id = ?`
	if activeOnly {
		query += " AND summarized = 0"
	}
	query += " ORDER BY id ASC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, apperr.Database("failed to load messages", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.MessageType,
			&m.ContextUsed, &m.SourcesJSON, &m.TokenCount, &m.Summarized, &m.CreatedAt); err != nil {
			return nil, apperr.Database("failed to scan message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessagesSummarized folds message ids into the session summary.
func (s *Store) MarkMessagesSummarized(ctx context.Context, sessionID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"UPDATE messages SET summarized = 1 WHERE id = ? AND session_id = ?", id, sessionID); err != nil {
				return apperr.Database("failed to mark message summarized", err)
			}
		}
		return nil
	})
}

// UpsertMemoryFact inserts or refreshes a fact; (session_id, key) is unique
// and the newest value wins.
func (s *Store) UpsertMemoryFact(ctx context.Context, f *types.MemoryFact) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO memory_facts
		(session_id, fact_type, key, value, confidence, access_count, last_accessed, expires_at)
		VALUES (?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET
			fact_type = excluded.fact_type,
			value = excluded.value,
			confidence = excluded.confidence,
			access_count = access_count + 1,
			last_accessed = CURRENT_TIMESTAMP,
			expires_at = excluded.expires_at`,
		f.SessionID, f.FactType, f.Key, f.Value, f.Confidence, f.ExpiresAt)
	if err != nil {
		return apperr.Database("failed to upsert memory fact", err)
	}
	return nil
}

// GetMemoryFacts returns unexpired facts for a session and bumps their access
// counters.
func (s *Store) GetMemoryFacts(ctx context.Context, sessionID string, limit int) ([]types.MemoryFact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, fact_type, key, value,
		confidence, access_count, last_accessed, expires_at
		FROM memory_facts
		WHERE session_id = ? AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
		ORDER BY confidence DESC, last_accessed DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, apperr.Database("failed to load memory facts", err)
	}
	defer rows.Close()

	var out []types.MemoryFact
	var ids []interface{}
	for rows.Next() {
		var f types.MemoryFact
		var expires sql.NullTime
		if err := rows.Scan(&f.ID, &f.SessionID, &f.FactType, &f.Key, &f.Value,
			&f.Confidence, &f.AccessCount, &f.LastAccessed, &expires); err != nil {
			return nil, apperr.Database("failed to scan memory fact", err)
		}
		f.ExpiresAt = timePtr(expires)
		out = append(out, f)
		ids = append(ids, f.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE memory_facts SET access_count = access_count + 1, last_accessed = CURRENT_TIMESTAMP WHERE id = ?",
			id); err != nil {
			logging.SessionDebug("Fact access bump failed: %v", err)
		}
	}
	return out, nil
}
