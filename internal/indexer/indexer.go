package indexer

import (
	"context"
	"sync"

	"srg/internal/config"
	"srg/internal/llm"
	"srg/internal/logging"
	"srg/internal/store"
	"srg/internal/types"
)

// Cursor names in index_cursors.
const (
	cursorChunkEmbed = "chunk_embed"
	cursorItemIndex  = "item_index"
)

// Indexer owns index maintenance. Safe for concurrent use; full runs
// (incremental, rebuild) are serialized by an internal flag.
type Indexer struct {
	store    *store.Store
	provider llm.Provider
	cfg      *config.Config

	mu        sync.Mutex
	building  bool
	lastError string
}

func New(st *store.Store, provider llm.Provider, cfg *config.Config) *Indexer {
	return &Indexer{store: st, provider: provider, cfg: cfg}
}

// Stats is the index health snapshot for the stats endpoint.
type Stats struct {
	Chunks      int    `json:"chunks"`
	ChunkVecs   int    `json:"chunk_vectors"`
	ChunkMapped int    `json:"chunk_mapped"`
	ItemVecs    int    `json:"item_vectors"`
	ChunkCursor int64  `json:"chunk_cursor"`
	ItemCursor  int64  `json:"item_cursor"`
	VecReady    bool   `json:"vec_ready"`
	Building    bool   `json:"building"`
	LastError   string `json:"last_error,omitempty"`
}

// IndexDocument replaces a document's chunk index from its stored pages.
// Embedding failure degrades to a lexical-only insert; the incremental run
// embeds those chunks later.
func (ix *Indexer) IndexDocument(ctx context.Context, documentID int64) error {
	timer := logging.StartTimer(logging.CategoryIndexer, "IndexDocument")
	defer timer.Stop()

	doc, err := ix.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if err := ix.store.UpdateDocumentStatus(ctx, documentID, types.DocStatusProcessing); err != nil {
		return err
	}

	pages, err := ix.store.GetPages(ctx, documentID)
	if err != nil {
		ix.fail(ctx, documentID, err)
		return err
	}
	chunks := SplitPages(pages, ix.cfg.Search.ChunkSize, ix.cfg.Search.ChunkOverlap)

	if err := ix.store.DeleteChunksForDocument(ctx, documentID); err != nil {
		ix.fail(ctx, documentID, err)
		return err
	}
	if len(chunks) == 0 {
		logging.Indexer("Document %d (%s): no indexable text", documentID, doc.Filename)
		return ix.store.UpdateDocumentStatus(ctx, documentID, types.DocStatusIndexed)
	}

	var embeddings [][]float32
	if ix.store.VecReady() {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.ChunkText
		}
		embeddings, err = ix.embedBatched(ctx, texts)
		if err != nil {
			logging.Get(logging.CategoryIndexer).Warn(
				"Embedding unavailable for document %d, indexing lexical-only: %v", documentID, err)
			ix.setError(err)
			embeddings = nil
		}
	}

	if err := ix.store.InsertChunks(ctx, chunks, embeddings); err != nil {
		ix.fail(ctx, documentID, err)
		return err
	}
	logging.Indexer("Indexed document %d (%s): %d chunks (vec=%v)",
		documentID, doc.Filename, len(chunks), embeddings != nil)
	return ix.store.UpdateDocumentStatus(ctx, documentID, types.DocStatusIndexed)
}

// IndexPending indexes every document still in pending state. Returns the
// number of documents indexed; individual failures are recorded and skipped.
func (ix *Indexer) IndexPending(ctx context.Context) (int, error) {
	docs, err := ix.store.ListDocuments(ctx, types.DocStatusPending, 1000, 0)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := ix.IndexDocument(ctx, d.ID); err != nil {
			logging.Get(logging.CategoryIndexer).Error("Indexing document %d failed: %v", d.ID, err)
			continue
		}
		done++
	}
	return done, nil
}

// IndexIncremental catches the vector sides up: chunks inserted without
// embeddings, and line items not yet in the item index. Cursors persist
// across restarts; batches follow the embedding batch size.
func (ix *Indexer) IndexIncremental(ctx context.Context) (chunksDone, itemsDone int, err error) {
	if !ix.begin() {
		return 0, 0, nil
	}
	defer ix.end()

	if !ix.store.VecReady() {
		return 0, 0, nil
	}
	timer := logging.StartTimer(logging.CategoryIndexer, "IndexIncremental")
	defer timer.Stop()

	batch := ix.cfg.Embed.BatchSize
	if batch <= 0 {
		batch = 32
	}

	chunksDone, err = ix.catchUpChunks(ctx, batch)
	if err != nil {
		ix.setError(err)
		return chunksDone, 0, err
	}
	itemsDone, err = ix.catchUpItems(ctx, batch)
	if err != nil {
		ix.setError(err)
		return chunksDone, itemsDone, err
	}
	if chunksDone > 0 || itemsDone > 0 {
		logging.Indexer("Incremental run: %d chunks, %d items embedded", chunksDone, itemsDone)
	}
	return chunksDone, itemsDone, nil
}

func (ix *Indexer) catchUpChunks(ctx context.Context, batch int) (int, error) {
	cursor, err := ix.store.GetCursor(ctx, cursorChunkEmbed)
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		chunks, err := ix.store.ListChunksAfter(ctx, cursor, batch)
		if err != nil {
			return total, err
		}
		if len(chunks) == 0 {
			return total, nil
		}
		texts := make([]string, len(chunks))
		ids := make([]int64, len(chunks))
		for i, c := range chunks {
			texts[i] = c.ChunkText
			ids[i] = c.ID
		}
		embeddings, err := ix.embedBatched(ctx, texts)
		if err != nil {
			return total, err
		}
		if err := ix.store.InsertChunkVectors(ctx, ids, embeddings); err != nil {
			return total, err
		}
		cursor = ids[len(ids)-1]
		if err := ix.store.SetCursor(ctx, cursorChunkEmbed, cursor); err != nil {
			return total, err
		}
		total += len(chunks)
		if len(chunks) < batch {
			return total, nil
		}
	}
}

func (ix *Indexer) catchUpItems(ctx context.Context, batch int) (int, error) {
	cursor, err := ix.store.GetCursor(ctx, cursorItemIndex)
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		items, err := ix.store.ListLineItemsAfter(ctx, cursor, batch)
		if err != nil {
			return total, err
		}
		if len(items) == 0 {
			return total, nil
		}

		var texts []string
		var ids []int64
		for _, it := range items {
			if !IndexableItem(it) {
				continue
			}
			texts = append(texts, itemText(it))
			ids = append(ids, it.ID)
		}
		if len(ids) > 0 {
			embeddings, err := ix.embedBatched(ctx, texts)
			if err != nil {
				return total, err
			}
			if err := ix.store.InsertItemVectors(ctx, ids, embeddings); err != nil {
				return total, err
			}
			total += len(ids)
		}
		// The cursor advances past filtered items too.
		cursor = items[len(items)-1].ID
		if err := ix.store.SetCursor(ctx, cursorItemIndex, cursor); err != nil {
			return total, err
		}
		if len(items) < batch {
			return total, nil
		}
	}
}

// Rebuild re-embeds everything into staging vector tables and promotes them
// in one transaction. Searches keep serving the old index until the swap.
func (ix *Indexer) Rebuild(ctx context.Context) error {
	if !ix.begin() {
		return nil
	}
	defer ix.end()

	if !ix.store.VecReady() {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryIndexer, "Rebuild")
	defer timer.Stop()

	if err := ix.store.EnsureStagingVecTables(ix.cfg.Embed.Dimension); err != nil {
		ix.setError(err)
		return err
	}
	batch := ix.cfg.Embed.BatchSize
	if batch <= 0 {
		batch = 32
	}

	// Chunk side: walk every chunk in id order regardless of map state.
	var lastChunk int64
	for {
		chunks, err := ix.listAllChunksAfter(ctx, lastChunk, batch)
		if err != nil {
			ix.setError(err)
			return err
		}
		if len(chunks) == 0 {
			break
		}
		texts := make([]string, len(chunks))
		ids := make([]int64, len(chunks))
		for i, c := range chunks {
			texts[i] = c.ChunkText
			ids[i] = c.ID
		}
		embeddings, err := ix.embedBatched(ctx, texts)
		if err != nil {
			ix.setError(err)
			return err
		}
		if err := ix.store.StageChunkVectors(ctx, ids, embeddings); err != nil {
			ix.setError(err)
			return err
		}
		lastChunk = ids[len(ids)-1]
		if len(chunks) < batch {
			break
		}
	}

	// Item side.
	var lastItem int64
	for {
		items, err := ix.store.ListLineItemsAfter(ctx, lastItem, batch)
		if err != nil {
			ix.setError(err)
			return err
		}
		if len(items) == 0 {
			break
		}
		var texts []string
		var ids []int64
		for _, it := range items {
			if !IndexableItem(it) {
				continue
			}
			texts = append(texts, itemText(it))
			ids = append(ids, it.ID)
		}
		if len(ids) > 0 {
			embeddings, err := ix.embedBatched(ctx, texts)
			if err != nil {
				ix.setError(err)
				return err
			}
			if err := ix.store.StageItemVectors(ctx, ids, embeddings); err != nil {
				ix.setError(err)
				return err
			}
		}
		lastItem = items[len(items)-1].ID
		if len(items) < batch {
			break
		}
	}

	if err := ix.store.SwapStagingVecTables(ctx); err != nil {
		ix.setError(err)
		return err
	}
	if err := ix.store.SetCursor(ctx, cursorChunkEmbed, lastChunk); err != nil {
		return err
	}
	if err := ix.store.SetCursor(ctx, cursorItemIndex, lastItem); err != nil {
		return err
	}
	logging.Indexer("Rebuild complete (chunk cursor %d, item cursor %d)", lastChunk, lastItem)
	return nil
}

// listAllChunksAfter pages the full chunk table, unlike ListChunksAfter which
// skips already-mapped chunks.
func (ix *Indexer) listAllChunksAfter(ctx context.Context, afterID int64, limit int) ([]types.Chunk, error) {
	rows, err := ix.store.DB().QueryContext(ctx, `SELECT id, document_id, page_id, chunk_index,
		chunk_text, char_start, char_end FROM chunks WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.PageID, &c.ChunkIndex,
			&c.ChunkText, &c.CharStart, &c.CharEnd); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetStats assembles the index health snapshot.
func (ix *Indexer) GetStats(ctx context.Context) (*Stats, error) {
	chunks, vecs, mapped, err := ix.store.IndexParity(ctx)
	if err != nil {
		return nil, err
	}
	itemVecs, err := ix.store.CountItemVectors(ctx)
	if err != nil {
		return nil, err
	}
	chunkCursor, _ := ix.store.GetCursor(ctx, cursorChunkEmbed)
	itemCursor, _ := ix.store.GetCursor(ctx, cursorItemIndex)

	ix.mu.Lock()
	building, lastErr := ix.building, ix.lastError
	ix.mu.Unlock()

	return &Stats{
		Chunks:      chunks,
		ChunkVecs:   vecs,
		ChunkMapped: mapped,
		ItemVecs:    itemVecs,
		ChunkCursor: chunkCursor,
		ItemCursor:  itemCursor,
		VecReady:    ix.store.VecReady(),
		Building:    building,
		LastError:   lastErr,
	}, nil
}

// embedBatched embeds texts in provider-sized batches.
func (ix *Indexer) embedBatched(ctx context.Context, texts []string) ([][]float32, error) {
	batch := ix.cfg.Embed.BatchSize
	if batch <= 0 {
		batch = 32
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := ix.provider.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (ix *Indexer) begin() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.building {
		return false
	}
	ix.building = true
	ix.lastError = ""
	return true
}

func (ix *Indexer) end() {
	ix.mu.Lock()
	ix.building = false
	ix.mu.Unlock()
}

func (ix *Indexer) setError(err error) {
	ix.mu.Lock()
	ix.lastError = err.Error()
	ix.mu.Unlock()
}

func (ix *Indexer) fail(ctx context.Context, documentID int64, err error) {
	ix.setError(err)
	if uerr := ix.store.UpdateDocumentStatus(ctx, documentID, types.DocStatusFailed); uerr != nil {
		logging.Get(logging.CategoryIndexer).Error("Failed to mark document %d failed: %v", documentID, uerr)
	}
}
