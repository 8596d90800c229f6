package store

import (
	"context"
	"database/sql"
	"fmt"

	"srg/internal/apperr"
	"srg/internal/logging"
	"srg/internal/types"
)

// =============================================================================
// DOCUMENTS, PAGES AND CHUNKS
// =============================================================================

const documentColumns = `id, filename, file_path, content_hash, size_bytes, mime_type,
	status, version, is_latest, page_count, company_key, metadata,
	created_at, updated_at, indexed_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (*types.Document, error) {
	var d types.Document
	var companyKey, metadata sql.NullString
	var indexedAt sql.NullTime
	err := row.Scan(&d.ID, &d.Filename, &d.FilePath, &d.ContentHash, &d.SizeBytes,
		&d.MIMEType, &d.Status, &d.Version, &d.IsLatest, &d.PageCount,
		&companyKey, &metadata, &d.CreatedAt, &d.UpdatedAt, &indexedAt)
	if err != nil {
		return nil, err
	}
	d.CompanyKey = strOrEmpty(companyKey)
	d.Metadata = strOrEmpty(metadata)
	d.IndexedAt = timePtr(indexedAt)
	return &d, nil
}

// InsertDocument stores a new document. Content-hash versioning: if an
// is_latest document with the same hash exists, the insert is rejected as a
// duplicate; if older versions exist they are demoted and the new row becomes
// version max+1.
func (s *Store) InsertDocument(ctx context.Context, d *types.Document) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var dupID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM documents WHERE content_hash = ? AND is_latest = 1", d.ContentHash).Scan(&dupID)
		if err == nil {
			return apperr.New(apperr.CodeDuplicateDocument,
				fmt.Sprintf("document with identical content already ingested (id=%d)", dupID)).
				WithDetail("existing_document_id", dupID)
		}
		if err != sql.ErrNoRows {
			return apperr.Database("failed to check for duplicates", err)
		}

		var maxVersion sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			"SELECT MAX(version) FROM documents WHERE filename = ?", d.Filename).Scan(&maxVersion); err != nil {
			return apperr.Database("failed to resolve document version", err)
		}
		d.Version = 1
		if maxVersion.Valid {
			d.Version = int(maxVersion.Int64) + 1
			if _, err := tx.ExecContext(ctx,
				"UPDATE documents SET is_latest = 0, updated_at = CURRENT_TIMESTAMP WHERE filename = ?", d.Filename); err != nil {
				return apperr.Database("failed to demote previous versions", err)
			}
		}
		d.IsLatest = true
		if d.Status == "" {
			d.Status = types.DocStatusPending
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO documents
			(filename, file_path, content_hash, size_bytes, mime_type, status, version, is_latest, page_count, company_key, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			d.Filename, d.FilePath, d.ContentHash, d.SizeBytes, d.MIMEType,
			d.Status, d.Version, d.PageCount, nullStr(d.CompanyKey), nullStr(d.Metadata))
		if err != nil {
			return apperr.Database("failed to insert document", err)
		}
		d.ID, _ = res.LastInsertId()
		logging.Store("Document inserted: id=%d file=%s version=%d", d.ID, d.Filename, d.Version)
		return nil
	})
}

// GetDocument loads one document by id.
func (s *Store) GetDocument(ctx context.Context, id int64) (*types.Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeDocumentNotFound, "document", id)
	}
	if err != nil {
		return nil, apperr.Database("failed to load document", err)
	}
	return d, nil
}

// ListDocuments returns documents newest-first, optionally filtered by status.
func (s *Store) ListDocuments(ctx context.Context, status types.DocumentStatus, limit, offset int) ([]*types.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + documentColumns + " FROM documents"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Database("failed to list documents", err)
	}
	defer rows.Close()

	var out []*types.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, apperr.Database("failed to scan document", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDocumentStatus moves a document through the ingestion lifecycle and
// stamps indexed_at when it reaches indexed.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id int64, status types.DocumentStatus) error {
	query := "UPDATE documents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?"
	if status == types.DocStatusIndexed {
		query = "UPDATE documents SET status = ?, updated_at = CURRENT_TIMESTAMP, indexed_at = CURRENT_TIMESTAMP WHERE id = ?"
	}
	res, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return apperr.Database("failed to update document status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound(apperr.CodeDocumentNotFound, "document", id)
	}
	return nil
}

// DeleteDocument removes a document and its derived rows. Invoices survive
// with document_id nulled (FK ON DELETE SET NULL); chunks and pages cascade.
// Vector entries for the cascaded chunks are removed in the same transaction
// so the parity invariant holds.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if s.vecReady {
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE rowid IN
				(SELECT vec_rowid FROM chunk_vec_map WHERE chunk_id IN
					(SELECT id FROM chunks WHERE document_id = ?))`, id); err != nil {
				return apperr.Database("failed to delete chunk vectors", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vec_map WHERE chunk_id IN
				(SELECT id FROM chunks WHERE document_id = ?)`, id); err != nil {
				return apperr.Database("failed to delete chunk vector map", err)
			}
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
		if err != nil {
			return apperr.Database("failed to delete document", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound(apperr.CodeDocumentNotFound, "document", id)
		}
		logging.Store("Document deleted: id=%d", id)
		return nil
	})
}

// InsertPages replaces the pages of a document.
func (s *Store) InsertPages(ctx context.Context, documentID int64, pages []types.Page) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM pages WHERE document_id = ?", documentID); err != nil {
			return apperr.Database("failed to clear pages", err)
		}
		for i := range pages {
			p := &pages[i]
			res, err := tx.ExecContext(ctx, `INSERT INTO pages
				(document_id, page_number, page_type, type_confidence, text, image_hash)
				VALUES (?, ?, ?, ?, ?, ?)`,
				documentID, p.PageNumber, p.PageType, p.TypeConfidence, p.Text, nullStr(p.ImageHash))
			if err != nil {
				return apperr.Database("failed to insert page", err)
			}
			p.ID, _ = res.LastInsertId()
			p.DocumentID = documentID
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE documents SET page_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			len(pages), documentID); err != nil {
			return apperr.Database("failed to update page count", err)
		}
		return nil
	})
}

// GetPages loads the pages of a document in order.
func (s *Store) GetPages(ctx context.Context, documentID int64) ([]types.Page, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, page_number, page_type,
		type_confidence, text, COALESCE(image_hash, '')
		FROM pages WHERE document_id = ? ORDER BY page_number`, documentID)
	if err != nil {
		return nil, apperr.Database("failed to load pages", err)
	}
	defer rows.Close()

	var out []types.Page
	for rows.Next() {
		var p types.Page
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.PageNumber, &p.PageType,
			&p.TypeConfidence, &p.Text, &p.ImageHash); err != nil {
			return nil, apperr.Database("failed to scan page", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
