package store

import (
	"context"
	"database/sql"

	"srg/internal/apperr"
	"srg/internal/types"
)

// =============================================================================
// COMPANY DOCUMENTS AND REMINDERS
// =============================================================================

const companyDocColumns = `id, COALESCE(company_key, ''), title, COALESCE(doc_type, ''),
	COALESCE(expiry_date, ''), COALESCE(file_path, ''), COALESCE(notes, ''),
	created_at, updated_at`

func scanCompanyDoc(row interface{ Scan(...interface{}) error }) (*types.CompanyDocument, error) {
	var d types.CompanyDocument
	err := row.Scan(&d.ID, &d.CompanyKey, &d.Title, &d.DocType, &d.ExpiryDate,
		&d.FilePath, &d.Notes, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// InsertCompanyDocument registers an expiry-tracked company document.
func (s *Store) InsertCompanyDocument(ctx context.Context, d *types.CompanyDocument) error {
	if d.Title == "" {
		return apperr.Validation("company document requires a title")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO company_documents
		(company_key, title, doc_type, expiry_date, file_path, notes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nullStr(d.CompanyKey), d.Title, nullStr(d.DocType), nullStr(d.ExpiryDate),
		nullStr(d.FilePath), nullStr(d.Notes))
	if err != nil {
		return apperr.Database("failed to insert company document", err)
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

// GetCompanyDocument loads one company document.
func (s *Store) GetCompanyDocument(ctx context.Context, id int64) (*types.CompanyDocument, error) {
	d, err := scanCompanyDoc(s.db.QueryRowContext(ctx,
		"SELECT "+companyDocColumns+" FROM company_documents WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeCompanyDocumentNotFound, "company document", id)
	}
	if err != nil {
		return nil, apperr.Database("failed to load company document", err)
	}
	return d, nil
}

// ListCompanyDocuments returns documents ordered by soonest expiry first,
// undated documents last.
func (s *Store) ListCompanyDocuments(ctx context.Context) ([]*types.CompanyDocument, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+companyDocColumns+` FROM company_documents
		ORDER BY CASE WHEN expiry_date IS NULL OR expiry_date = '' THEN 1 ELSE 0 END, expiry_date, id`)
	if err != nil {
		return nil, apperr.Database("failed to list company documents", err)
	}
	defer rows.Close()

	var out []*types.CompanyDocument
	for rows.Next() {
		d, err := scanCompanyDoc(rows)
		if err != nil {
			return nil, apperr.Database("failed to scan company document", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ExpiringCompanyDocuments returns dated documents with expiry_date on or
// before the horizon (ISO date, inclusive), soonest first.
func (s *Store) ExpiringCompanyDocuments(ctx context.Context, horizon string) ([]*types.CompanyDocument, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+companyDocColumns+` FROM company_documents
		WHERE expiry_date IS NOT NULL AND expiry_date != '' AND expiry_date <= ?
		ORDER BY expiry_date, id`, horizon)
	if err != nil {
		return nil, apperr.Database("failed to list expiring documents", err)
	}
	defer rows.Close()

	var out []*types.CompanyDocument
	for rows.Next() {
		d, err := scanCompanyDoc(rows)
		if err != nil {
			return nil, apperr.Database("failed to scan company document", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateCompanyDocument persists mutable fields.
func (s *Store) UpdateCompanyDocument(ctx context.Context, d *types.CompanyDocument) error {
	res, err := s.db.ExecContext(ctx, `UPDATE company_documents SET
		company_key = ?, title = ?, doc_type = ?, expiry_date = ?, file_path = ?, notes = ?,
		updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		nullStr(d.CompanyKey), d.Title, nullStr(d.DocType), nullStr(d.ExpiryDate),
		nullStr(d.FilePath), nullStr(d.Notes), d.ID)
	if err != nil {
		return apperr.Database("failed to update company document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(apperr.CodeCompanyDocumentNotFound, "company document", d.ID)
	}
	return nil
}

// DeleteCompanyDocument removes one company document.
func (s *Store) DeleteCompanyDocument(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM company_documents WHERE id = ?", id)
	if err != nil {
		return apperr.Database("failed to delete company document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(apperr.CodeCompanyDocumentNotFound, "company document", id)
	}
	return nil
}

const reminderColumns = `id, title, COALESCE(body, ''), COALESCE(severity, ''),
	COALESCE(due_date, ''), done, COALESCE(linked_entity_type, ''),
	COALESCE(linked_entity_id, ''), created_at, updated_at`

func scanReminder(row interface{ Scan(...interface{}) error }) (*types.Reminder, error) {
	var r types.Reminder
	err := row.Scan(&r.ID, &r.Title, &r.Body, &r.Severity, &r.DueDate, &r.Done,
		&r.LinkedEntityType, &r.LinkedEntityID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertReminder creates a reminder. Linked reminders are deduplicated on
// (linked_entity_type, linked_entity_id) among active rows: re-creating one
// refreshes the existing active row instead of duplicating it. A done
// reminder is out of the way, so re-creating after dismissal starts a fresh
// active row.
func (s *Store) InsertReminder(ctx context.Context, r *types.Reminder) error {
	if r.Title == "" {
		return apperr.Validation("reminder requires a title")
	}
	if r.LinkedEntityType != "" && r.LinkedEntityID != "" {
		_, err := s.db.ExecContext(ctx, `INSERT INTO reminders
			(title, body, severity, due_date, done, linked_entity_type, linked_entity_id)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(linked_entity_type, linked_entity_id) WHERE done = 0 DO UPDATE SET
				title = excluded.title,
				body = excluded.body,
				severity = excluded.severity,
				due_date = excluded.due_date,
				updated_at = CURRENT_TIMESTAMP`,
			r.Title, nullStr(r.Body), nullStr(r.Severity), nullStr(r.DueDate),
			r.LinkedEntityType, r.LinkedEntityID)
		if err != nil {
			return apperr.Database("failed to upsert linked reminder", err)
		}
		err = s.db.QueryRowContext(ctx, `SELECT id FROM reminders
			WHERE linked_entity_type = ? AND linked_entity_id = ? AND done = 0
			ORDER BY id DESC LIMIT 1`,
			r.LinkedEntityType, r.LinkedEntityID).Scan(&r.ID)
		if err != nil {
			return apperr.Database("failed to load linked reminder", err)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO reminders
		(title, body, severity, due_date, done, linked_entity_type, linked_entity_id)
		VALUES (?, ?, ?, ?, 0, NULL, NULL)`,
		r.Title, nullStr(r.Body), nullStr(r.Severity), nullStr(r.DueDate))
	if err != nil {
		return apperr.Database("failed to insert reminder", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ListReminders returns reminders, optionally including completed ones,
// ordered by due date then creation.
func (s *Store) ListReminders(ctx context.Context, includeDone bool) ([]*types.Reminder, error) {
	query := "SELECT " + reminderColumns + " FROM reminders"
	if !includeDone {
		query += " WHERE done = 0"
	}
	query += ` ORDER BY CASE WHEN due_date IS NULL OR due_date = '' THEN 1 ELSE 0 END, due_date, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Database("failed to list reminders", err)
	}
	defer rows.Close()

	var out []*types.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, apperr.Database("failed to scan reminder", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetReminderDone toggles completion.
func (s *Store) SetReminderDone(ctx context.Context, id int64, done bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE reminders SET done = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", done, id)
	if err != nil {
		return apperr.Database("failed to update reminder", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(apperr.CodeReminderNotFound, "reminder", id)
	}
	return nil
}

// DeleteReminder removes a reminder.
func (s *Store) DeleteReminder(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM reminders WHERE id = ?", id)
	if err != nil {
		return apperr.Database("failed to delete reminder", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(apperr.CodeReminderNotFound, "reminder", id)
	}
	return nil
}
