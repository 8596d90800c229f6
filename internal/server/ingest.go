package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"srg/internal/apperr"
	"srg/internal/audit"
	"srg/internal/catalog"
	"srg/internal/logging"
	"srg/internal/parser"
	"srg/internal/types"
)

// maxUploadBytes bounds multipart parsing.
const maxUploadBytes = 64 << 20

// uploadOptions are the multipart form knobs accepted by both upload
// endpoints. Unknown fields are ignored.
type uploadOptions struct {
	VendorHint  string
	TemplateID  string
	CompanyKey  string
	AutoAudit   bool
	AutoIndex   bool
	AutoCatalog bool
	StrictMode  bool
	Force       bool
}

func readUploadOptions(r *http.Request) uploadOptions {
	truthy := func(field string) bool {
		v := strings.ToLower(strings.TrimSpace(r.FormValue(field)))
		return v == "1" || v == "true" || v == "yes"
	}
	return uploadOptions{
		VendorHint:  strings.TrimSpace(r.FormValue("vendor_hint")),
		TemplateID:  strings.TrimSpace(r.FormValue("template_id")),
		CompanyKey:  strings.TrimSpace(r.FormValue("company_key")),
		AutoAudit:   truthy("auto_audit"),
		AutoIndex:   truthy("auto_index"),
		AutoCatalog: truthy("auto_catalog"),
		StrictMode:  truthy("strict_mode"),
		Force:       truthy("force"),
	}
}

// uploadResult is the invoice upload response body.
type uploadResult struct {
	Document *types.Document       `json:"document"`
	Invoice  *types.Invoice        `json:"invoice,omitempty"`
	Attempts []parser.Attempt      `json:"parse_attempts,omitempty"`
	Match    *catalog.MatchSummary `json:"catalog_match,omitempty"`
	Audit    *types.AuditResult    `json:"audit,omitempty"`
	Indexed  bool                  `json:"indexed"`
}

func (s *Server) handleInvoiceUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	opts := readUploadOptions(r)

	doc, pages, err := s.ingestUpload(ctx, r, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := &uploadResult{Document: doc}
	res, attempts, err := s.parsers.ParseInvoice(ctx, doc, pages)
	out.Attempts = attempts
	if err != nil {
		// The document survives a parse failure; the caller can retry with
		// a template or better scan.
		_ = s.store.UpdateDocumentStatus(ctx, doc.ID, types.DocStatusFailed)
		writeError(w, r, err)
		return
	}

	inv := res.Invoice
	inv.DocumentID = &doc.ID
	if inv.CompanyKey == "" {
		inv.CompanyKey = opts.CompanyKey
	}
	inv.IsLatest = true
	if err := s.store.InsertInvoice(ctx, &inv); err != nil {
		writeError(w, r, err)
		return
	}
	out.Invoice = &inv

	if opts.AutoCatalog {
		if match, err := s.reconciler.AutoMatchItems(ctx, inv.ID); err == nil {
			out.Match = match
		} else {
			logging.API("auto-catalog for invoice %d failed: %v", inv.ID, err)
		}
	}
	if opts.AutoAudit {
		auditOpts := audit.DefaultOptions()
		auditOpts.StrictMode = opts.StrictMode
		if ar, err := s.auditor.Audit(ctx, &inv, auditOpts); err == nil {
			out.Audit = ar
		} else {
			logging.API("auto-audit for invoice %d failed: %v", inv.ID, err)
		}
	}
	if opts.AutoIndex {
		if err := s.indexer.IndexDocument(ctx, doc.ID); err == nil {
			_ = s.store.UpdateDocumentStatus(ctx, doc.ID, types.DocStatusIndexed)
			out.Indexed = true
		} else {
			logging.API("auto-index for document %d failed: %v", doc.ID, err)
		}
	}

	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleDocumentUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	opts := readUploadOptions(r)

	doc, _, err := s.ingestUpload(ctx, r, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.indexer.IndexDocument(ctx, doc.ID); err != nil {
		_ = s.store.UpdateDocumentStatus(ctx, doc.ID, types.DocStatusFailed)
		writeError(w, r, err)
		return
	}
	if err := s.store.UpdateDocumentStatus(ctx, doc.ID, types.DocStatusIndexed); err != nil {
		writeError(w, r, err)
		return
	}
	doc.Status = types.DocStatusIndexed
	writeJSON(w, http.StatusCreated, doc)
}

// ingestUpload saves the multipart file, records the document row with
// hash-based dedup, and stores its classified pages.
func (s *Server) ingestUpload(ctx context.Context, r *http.Request, opts uploadOptions) (*types.Document, []types.Page, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, nil, apperr.Validation("malformed multipart request: " + err.Error())
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, apperr.Validation("missing file field in multipart form")
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return nil, nil, apperr.Validation("failed to read upload: " + err.Error())
	}
	if len(content) == 0 {
		return nil, nil, apperr.Validation("uploaded file is empty")
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	path, err := s.saveUpload(header, hash, content)
	if err != nil {
		return nil, nil, err
	}

	doc := &types.Document{
		Filename:    filepath.Base(header.Filename),
		FilePath:    path,
		ContentHash: hash,
		SizeBytes:   int64(len(content)),
		MIMEType:    mimeTypeFor(header),
		CompanyKey:  opts.CompanyKey,
		Metadata:    metadataJSON(opts),
	}
	pages := buildPages(string(content))
	doc.PageCount = len(pages)

	if err := s.store.InsertDocument(ctx, doc); err != nil {
		if apperr.Is(err, apperr.CodeDuplicateDocument) && opts.Force {
			doc2, retryErr := s.forceReingest(ctx, err, doc)
			if retryErr != nil {
				return nil, nil, retryErr
			}
			doc = doc2
		} else {
			return nil, nil, err
		}
	}
	if err := s.store.InsertPages(ctx, doc.ID, pages); err != nil {
		return nil, nil, err
	}
	for i := range pages {
		pages[i].DocumentID = doc.ID
	}
	logging.API("Ingested %s: document %d, %d page(s)", doc.Filename, doc.ID, len(pages))
	return doc, pages, nil
}

// IngestFile ingests a file already on disk, typically dropped into the
// watched documents directory. Parsing is best-effort: a document that yields
// no invoice is still stored and indexed for retrieval.
func (s *Server) IngestFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return apperr.Validation("failed to read dropped file: " + err.Error())
	}
	if len(content) == 0 {
		return apperr.Validation("dropped file is empty")
	}
	sum := sha256.Sum256(content)

	doc := &types.Document{
		Filename:    filepath.Base(path),
		FilePath:    path,
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(content)),
		MIMEType:    "application/octet-stream",
	}
	pages := buildPages(string(content))
	doc.PageCount = len(pages)

	if err := s.store.InsertDocument(ctx, doc); err != nil {
		if apperr.Is(err, apperr.CodeDuplicateDocument) {
			logging.API("Watcher: %s already ingested, skipping", doc.Filename)
			return nil
		}
		return err
	}
	if err := s.store.InsertPages(ctx, doc.ID, pages); err != nil {
		return err
	}

	if res, _, err := s.parsers.ParseInvoice(ctx, doc, pages); err == nil {
		inv := res.Invoice
		inv.DocumentID = &doc.ID
		inv.IsLatest = true
		if err := s.store.InsertInvoice(ctx, &inv); err != nil {
			logging.API("Watcher: invoice insert for %s failed: %v", doc.Filename, err)
		}
	}

	if err := s.indexer.IndexDocument(ctx, doc.ID); err != nil {
		_ = s.store.UpdateDocumentStatus(ctx, doc.ID, types.DocStatusFailed)
		return err
	}
	return s.store.UpdateDocumentStatus(ctx, doc.ID, types.DocStatusIndexed)
}

// forceReingest removes the duplicate row and retries the insert. The stored
// file on disk is content-addressed, so only the database row goes.
func (s *Server) forceReingest(ctx context.Context, dupErr error, doc *types.Document) (*types.Document, error) {
	var e *apperr.Error
	if !errors.As(dupErr, &e) || e.Detail == nil {
		return nil, dupErr
	}
	existingID, ok := e.Detail["existing_document_id"].(int64)
	if !ok {
		return nil, dupErr
	}
	if err := s.store.DeleteDocument(ctx, existingID); err != nil {
		return nil, err
	}
	logging.API("Force re-upload replaced document %d", existingID)
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// saveUpload writes the content under the documents directory. Files are
// prefixed with the short content hash so re-uploads of renamed files never
// collide.
func (s *Server) saveUpload(header *multipart.FileHeader, hash string, content []byte) (string, error) {
	dir := s.cfg.DocumentsDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperr.Wrap(apperr.CodeDatabaseError, "failed to create documents directory", err)
	}
	name := fmt.Sprintf("%s_%s", hash[:12], filepath.Base(header.Filename))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", apperr.Wrap(apperr.CodeDatabaseError, "failed to store upload", err)
	}
	return path, nil
}

func mimeTypeFor(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// =============================================================================
// PAGE SPLITTING AND CLASSIFICATION
// =============================================================================

// buildPages splits extracted text on form feeds and classifies each page by
// keyword heuristics. A file without form feeds is a single page.
func buildPages(text string) []types.Page {
	parts := strings.Split(text, "\f")
	pages := make([]types.Page, 0, len(parts))
	for i, part := range parts {
		pageType, confidence := classifyPage(part)
		pages = append(pages, types.Page{
			PageNumber:     i + 1,
			PageType:       pageType,
			TypeConfidence: confidence,
			Text:           part,
		})
	}
	return pages
}

// pageSignals lists lowercase cue phrases per page type, in the fixed order
// classification walks them. Longer, more specific phrases score double.
var pageSignals = []struct {
	pageType types.PageType
	cues     []string
}{
	{types.PageInvoice, []string{"invoice", "proforma", "bill to", "total amount", "unit price"}},
	{types.PagePackingList, []string{"packing list", "gross weight", "net weight", "carton"}},
	{types.PageContract, []string{"contract", "agreement", "terms and conditions", "party of the"}},
	{types.PageBankForm, []string{"swift", "iban", "beneficiary", "correspondent bank", "account no"}},
	{types.PageCertificate, []string{"certificate", "certify", "certificate of origin", "conformity"}},
	{types.PageCoverLetter, []string{"dear sir", "dear madam", "yours faithfully", "we are pleased"}},
}

// classifyPage picks the page type with the highest keyword score. Ties and
// empty pages fall through to other with zero confidence.
func classifyPage(text string) (types.PageType, float64) {
	lower := strings.ToLower(text)
	best := types.PageOther
	bestScore := 0
	tied := false
	for _, sig := range pageSignals {
		score := 0
		for _, cue := range sig.cues {
			if strings.Contains(lower, cue) {
				score++
				if strings.ContainsRune(cue, ' ') {
					score++
				}
			}
		}
		switch {
		case score > bestScore:
			best, bestScore = sig.pageType, score
			tied = false
		case score == bestScore && score > 0:
			tied = true
		}
	}
	if bestScore == 0 || tied {
		return types.PageOther, 0
	}
	confidence := 0.4 + 0.15*float64(bestScore)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return best, confidence
}

// metadataJSON marshals upload options worth keeping on the document row.
func metadataJSON(opts uploadOptions) string {
	if opts.VendorHint == "" && opts.TemplateID == "" {
		return ""
	}
	b, _ := json.Marshal(map[string]string{
		"vendor_hint": opts.VendorHint,
		"template_id": opts.TemplateID,
	})
	return string(b)
}
