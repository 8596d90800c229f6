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
// ITEM INDEX AND INCREMENTAL EMBEDDING SUPPORT
// =============================================================================

// RankedItem is one item-level semantic candidate.
type RankedItem struct {
	LineItemID int64
	InvoiceID  int64
	ItemName   string
	Score      float64
}

// ListChunksAfter returns chunks with id > afterID that have no vector map
// row yet, in id order. The incremental indexer embeds these.
func (s *Store) ListChunksAfter(ctx context.Context, afterID int64, limit int) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, page_id, chunk_index,
		chunk_text, char_start, char_end
		FROM chunks
		WHERE id > ? AND id NOT IN (SELECT chunk_id FROM chunk_vec_map)
		ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, apperr.Database("failed to list unembedded chunks", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.PageID, &c.ChunkIndex,
			&c.ChunkText, &c.CharStart, &c.CharEnd); err != nil {
			return nil, apperr.Database("failed to scan chunk", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertChunkVectors adds embeddings for already-inserted chunks. Chunks that
// already have a map row are skipped, so replays are harmless.
func (s *Store) InsertChunkVectors(ctx context.Context, chunkIDs []int64, embeddings [][]float32) error {
	if !s.vecReady {
		return apperr.New(apperr.CodeIndexNotReady, "vector index unavailable")
	}
	if len(chunkIDs) != len(embeddings) {
		return apperr.Validation("embedding count does not match chunk count")
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for i, id := range chunkIDs {
			var exists int
			err := tx.QueryRowContext(ctx,
				"SELECT 1 FROM chunk_vec_map WHERE chunk_id = ?", id).Scan(&exists)
			if err == nil {
				continue
			}
			if err != sql.ErrNoRows {
				return apperr.Database("failed to probe chunk vector map", err)
			}
			res, err := tx.ExecContext(ctx,
				"INSERT INTO chunk_vectors(embedding) VALUES (?)", encodeFloat32Slice(embeddings[i]))
			if err != nil {
				return apperr.Database("failed to insert chunk vector", err)
			}
			vecRowID, _ := res.LastInsertId()
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO chunk_vec_map(vec_rowid, chunk_id) VALUES (?, ?)", vecRowID, id); err != nil {
				return apperr.Database("failed to insert chunk vector map", err)
			}
		}
		return nil
	})
}

// ListLineItemsAfter returns real line items with id > afterID from latest
// invoices, in id order. Header and summary rows are never item-indexed.
func (s *Store) ListLineItemsAfter(ctx context.Context, afterID int64, limit int) ([]types.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT li.id, li.invoice_id, li.line_number,
		li.item_name, COALESCE(li.description, ''), COALESCE(li.hs_code, ''), COALESCE(li.unit, '')
		FROM line_items li
		JOIN invoices i ON i.id = li.invoice_id
		WHERE li.id > ? AND li.row_type = 'line_item' AND i.is_latest = 1
		ORDER BY li.id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, apperr.Database("failed to list line items", err)
	}
	defer rows.Close()

	var out []types.LineItem
	for rows.Next() {
		var it types.LineItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.LineNumber,
			&it.ItemName, &it.Description, &it.HSCode, &it.Unit); err != nil {
			return nil, apperr.Database("failed to scan line item", err)
		}
		it.RowType = types.RowLineItem
		out = append(out, it)
	}
	return out, rows.Err()
}

// InsertItemVectors adds item embeddings; items already mapped are skipped.
func (s *Store) InsertItemVectors(ctx context.Context, lineItemIDs []int64, embeddings [][]float32) error {
	if !s.vecReady {
		return apperr.New(apperr.CodeIndexNotReady, "vector index unavailable")
	}
	if len(lineItemIDs) != len(embeddings) {
		return apperr.Validation("embedding count does not match item count")
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for i, id := range lineItemIDs {
			var exists int
			err := tx.QueryRowContext(ctx,
				"SELECT 1 FROM item_vec_map WHERE line_item_id = ?", id).Scan(&exists)
			if err == nil {
				continue
			}
			if err != sql.ErrNoRows {
				return apperr.Database("failed to probe item vector map", err)
			}
			res, err := tx.ExecContext(ctx,
				"INSERT INTO item_vectors(embedding) VALUES (?)", encodeFloat32Slice(embeddings[i]))
			if err != nil {
				return apperr.Database("failed to insert item vector", err)
			}
			vecRowID, _ := res.LastInsertId()
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO item_vec_map(vec_rowid, line_item_id) VALUES (?, ?)", vecRowID, id); err != nil {
				return apperr.Database("failed to insert item vector map", err)
			}
		}
		logging.StoreDebug("Indexed %d item vectors", len(lineItemIDs))
		return nil
	})
}

// SearchItemsVector finds line items semantically close to the query vector.
func (s *Store) SearchItemsVector(ctx context.Context, query []float32, limit int) ([]RankedItem, error) {
	if !s.vecReady {
		return nil, apperr.New(apperr.CodeIndexNotReady, "vector index unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT li.id, li.invoice_id, li.item_name,
		       vec_distance_cosine(v.embedding, ?) AS distance
		FROM item_vectors v
		JOIN item_vec_map m ON m.vec_rowid = v.rowid
		JOIN line_items li ON li.id = m.line_item_id
		ORDER BY distance ASC, li.id ASC
		LIMIT ?`, encodeFloat32Slice(query), limit)
	if err != nil {
		return nil, apperr.Database("item vector search failed", err)
	}
	defer rows.Close()

	var out []RankedItem
	for rows.Next() {
		var r RankedItem
		if err := rows.Scan(&r.LineItemID, &r.InvoiceID, &r.ItemName, &r.Score); err != nil {
			return nil, apperr.Database("failed to scan item hit", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountItemVectors reports the item-side index size for stats.
func (s *Store) CountItemVectors(ctx context.Context) (int, error) {
	if !s.vecReady {
		return 0, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM item_vec_map").Scan(&n); err != nil {
		return 0, apperr.Database("failed to count item vectors", err)
	}
	return n, nil
}

// EnsureStagingVecTables creates empty staging copies of the vector tables
// for a full rebuild.
func (s *Store) EnsureStagingVecTables(dim int) error {
	if !s.vecReady {
		return apperr.New(apperr.CodeIndexNotReady, "vector index unavailable")
	}
	stmts := []string{
		"DROP TABLE IF EXISTS chunk_vectors_staging",
		"DROP TABLE IF EXISTS chunk_vec_map_staging",
		"DROP TABLE IF EXISTS item_vectors_staging",
		"DROP TABLE IF EXISTS item_vec_map_staging",
		fmt.Sprintf(`CREATE VIRTUAL TABLE chunk_vectors_staging USING vec0(embedding float[%d])`, dim),
		`CREATE TABLE chunk_vec_map_staging (
			vec_rowid INTEGER PRIMARY KEY,
			chunk_id INTEGER NOT NULL UNIQUE
		)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE item_vectors_staging USING vec0(embedding float[%d])`, dim),
		`CREATE TABLE item_vec_map_staging (
			vec_rowid INTEGER PRIMARY KEY,
			line_item_id INTEGER NOT NULL UNIQUE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return apperr.Database("failed to create staging vector tables", err)
		}
	}
	return nil
}

// StageChunkVectors fills the staging chunk index.
func (s *Store) StageChunkVectors(ctx context.Context, chunkIDs []int64, embeddings [][]float32) error {
	return s.stageVectors(ctx, "chunk_vectors_staging", "chunk_vec_map_staging", "chunk_id", chunkIDs, embeddings)
}

// StageItemVectors fills the staging item index.
func (s *Store) StageItemVectors(ctx context.Context, lineItemIDs []int64, embeddings [][]float32) error {
	return s.stageVectors(ctx, "item_vectors_staging", "item_vec_map_staging", "line_item_id", lineItemIDs, embeddings)
}

func (s *Store) stageVectors(ctx context.Context, vecTable, mapTable, keyCol string, ids []int64, embeddings [][]float32) error {
	if len(ids) != len(embeddings) {
		return apperr.Validation("embedding count does not match id count")
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for i, id := range ids {
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s(embedding) VALUES (?)", vecTable), encodeFloat32Slice(embeddings[i]))
			if err != nil {
				return apperr.Database("failed to stage vector", err)
			}
			vecRowID, _ := res.LastInsertId()
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s(vec_rowid, %s) VALUES (?, ?)", mapTable, keyCol), vecRowID, id); err != nil {
				return apperr.Database("failed to stage vector map row", err)
			}
		}
		return nil
	})
}

// SwapStagingVecTables promotes the staging index to live in one transaction.
// Readers either see the old index or the new one, never a mix.
func (s *Store) SwapStagingVecTables(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			"DROP TABLE chunk_vectors",
			"DROP TABLE chunk_vec_map",
			"DROP TABLE item_vectors",
			"DROP TABLE item_vec_map",
			"ALTER TABLE chunk_vectors_staging RENAME TO chunk_vectors",
			"ALTER TABLE chunk_vec_map_staging RENAME TO chunk_vec_map",
			"ALTER TABLE item_vectors_staging RENAME TO item_vectors",
			"ALTER TABLE item_vec_map_staging RENAME TO item_vec_map",
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return apperr.Database("failed to swap vector tables", err)
			}
		}
		return nil
	})
}
