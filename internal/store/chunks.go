package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"

	"srg/internal/apperr"
	"srg/internal/logging"
	"srg/internal/types"
)

// =============================================================================
// CHUNK INDEX - lexical (FTS5) and semantic (sqlite-vec) sides
// =============================================================================

// RankedChunk is one retrieval candidate from either index side.
type RankedChunk struct {
	ChunkID    int64
	DocumentID int64
	ChunkText  string
	// Score is bm25 for lexical hits (lower is better) and cosine distance
	// for vector hits (lower is better). Callers only use the ordering.
	Score float64
}

// encodeFloat32Slice serializes an embedding into the little-endian blob
// format sqlite-vec expects.
func encodeFloat32Slice(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// InsertChunks writes chunks with their embeddings atomically. The FTS mirror
// is maintained by triggers; the vector entry and its map row are written in
// the same transaction, so a chunk is either fully indexed or absent.
// embeddings may be nil when the vector side is unavailable.
func (s *Store) InsertChunks(ctx context.Context, chunks []types.Chunk, embeddings [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if embeddings != nil && len(embeddings) != len(chunks) {
		return apperr.Validation("embedding count does not match chunk count")
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for i := range chunks {
			c := &chunks[i]
			res, err := tx.ExecContext(ctx, `INSERT INTO chunks
				(document_id, page_id, chunk_index, chunk_text, char_start, char_end)
				VALUES (?, ?, ?, ?, ?, ?)`,
				c.DocumentID, c.PageID, c.ChunkIndex, c.ChunkText, c.CharStart, c.CharEnd)
			if err != nil {
				return apperr.Database("failed to insert chunk", err)
			}
			c.ID, _ = res.LastInsertId()

			if s.vecReady && embeddings != nil {
				vres, err := tx.ExecContext(ctx,
					"INSERT INTO chunk_vectors(embedding) VALUES (?)", encodeFloat32Slice(embeddings[i]))
				if err != nil {
					return apperr.Database("failed to insert chunk vector", err)
				}
				vecRowID, _ := vres.LastInsertId()
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO chunk_vec_map(vec_rowid, chunk_id) VALUES (?, ?)", vecRowID, c.ID); err != nil {
					return apperr.Database("failed to insert chunk vector map", err)
				}
			}
		}
		logging.StoreDebug("Inserted %d chunks (vec=%v)", len(chunks), s.vecReady && embeddings != nil)
		return nil
	})
}

// DeleteChunksForDocument removes all index entries for one document, both
// sides together.
func (s *Store) DeleteChunksForDocument(ctx context.Context, documentID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if s.vecReady {
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE rowid IN
				(SELECT vec_rowid FROM chunk_vec_map WHERE chunk_id IN
					(SELECT id FROM chunks WHERE document_id = ?))`, documentID); err != nil {
				return apperr.Database("failed to delete chunk vectors", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vec_map WHERE chunk_id IN
				(SELECT id FROM chunks WHERE document_id = ?)`, documentID); err != nil {
				return apperr.Database("failed to delete chunk vector map", err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
			return apperr.Database("failed to delete chunks", err)
		}
		return nil
	})
}

// SearchChunksLexical runs an FTS5 query ranked by bm25.
func (s *Store) SearchChunksLexical(ctx context.Context, match string, limit int) ([]RankedChunk, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchChunksLexical")
	defer timer.Stop()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.chunk_text, bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		WHERE chunks_fts MATCH ?
		ORDER BY rank ASC, c.id ASC
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, apperr.Database("lexical search failed", err)
	}
	defer rows.Close()

	var out []RankedChunk
	for rows.Next() {
		var r RankedChunk
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.ChunkText, &r.Score); err != nil {
			return nil, apperr.Database("failed to scan lexical hit", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchChunksVector runs a cosine-distance scan over the vector table.
// Returns INDEX_NOT_READY when the extension is unavailable so the retriever
// can degrade to lexical-only.
func (s *Store) SearchChunksVector(ctx context.Context, query []float32, limit int) ([]RankedChunk, error) {
	if !s.vecReady {
		return nil, apperr.New(apperr.CodeIndexNotReady, "vector index unavailable")
	}
	timer := logging.StartTimer(logging.CategoryStore, "SearchChunksVector")
	defer timer.Stop()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.chunk_text,
		       vec_distance_cosine(v.embedding, ?) AS distance
		FROM chunk_vectors v
		JOIN chunk_vec_map m ON m.vec_rowid = v.rowid
		JOIN chunks c ON c.id = m.chunk_id
		ORDER BY distance ASC, c.id ASC
		LIMIT ?`, encodeFloat32Slice(query), limit)
	if err != nil {
		return nil, apperr.Database("vector search failed", err)
	}
	defer rows.Close()

	var out []RankedChunk
	for rows.Next() {
		var r RankedChunk
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.ChunkText, &r.Score); err != nil {
			return nil, apperr.Database("failed to scan vector hit", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IndexParity reports the three index-side counts. The invariant is that all
// three are equal when the vector side is enabled.
func (s *Store) IndexParity(ctx context.Context) (chunks, vectors, mapped int, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&chunks); err != nil {
		return 0, 0, 0, apperr.Database("failed to count chunks", err)
	}
	if !s.vecReady {
		return chunks, 0, 0, nil
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunk_vectors").Scan(&vectors); err != nil {
		return 0, 0, 0, apperr.Database("failed to count vectors", err)
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunk_vec_map").Scan(&mapped); err != nil {
		return 0, 0, 0, apperr.Database("failed to count vector map", err)
	}
	return chunks, vectors, mapped, nil
}

// GetChunksForDocument loads a document's chunks in order.
func (s *Store) GetChunksForDocument(ctx context.Context, documentID int64) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, page_id, chunk_index,
		chunk_text, char_start, char_end FROM chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, apperr.Database("failed to load chunks", err)
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
