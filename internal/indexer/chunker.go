// Package indexer maintains the chunk and item indexes: chunking, embedding,
// incremental catch-up and full rebuilds.
package indexer

import (
	"strings"
	"unicode"

	"srg/internal/types"
)

// token is a word with its character span in the source text.
type token struct {
	start, end int
}

func tokenize(text string) []token {
	var out []token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, token{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, token{start, len(text)})
	}
	return out
}

// SplitPage chunks one page's text into overlapping token windows. Windows
// shorter than 3 characters after trimming are dropped.
func SplitPage(page types.Page, chunkSize, overlap int) []types.Chunk {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	tokens := tokenize(page.Text)
	if len(tokens) == 0 {
		return nil
	}

	step := chunkSize - overlap
	var chunks []types.Chunk
	for start := 0; start < len(tokens); start += step {
		end := start + chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		charStart := tokens[start].start
		charEnd := tokens[end-1].end
		text := strings.TrimSpace(page.Text[charStart:charEnd])
		if len(text) >= 3 {
			chunks = append(chunks, types.Chunk{
				DocumentID: page.DocumentID,
				PageID:     page.ID,
				ChunkText:  text,
				CharStart:  charStart,
				CharEnd:    charEnd,
			})
		}
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

// SplitPages chunks a document's pages in order, numbering chunks
// consecutively across the whole document.
func SplitPages(pages []types.Page, chunkSize, overlap int) []types.Chunk {
	var all []types.Chunk
	for _, p := range pages {
		all = append(all, SplitPage(p, chunkSize, overlap)...)
	}
	for i := range all {
		all[i].ChunkIndex = i
	}
	return all
}
