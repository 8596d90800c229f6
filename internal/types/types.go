// Package types defines the domain entities shared across srg components.
// Entities are value objects: stores own their rows, orchestrators pass
// copies, and no component holds a mutable alias into another.
package types

import "time"

// =============================================================================
// DOCUMENTS
// =============================================================================

// DocumentStatus enumerates the ingestion lifecycle.
type DocumentStatus string

const (
	DocStatusPending    DocumentStatus = "pending"
	DocStatusProcessing DocumentStatus = "processing"
	DocStatusIndexed    DocumentStatus = "indexed"
	DocStatusFailed     DocumentStatus = "failed"
)

// Document is an ingested file. For each content hash at most one document
// has IsLatest=true.
type Document struct {
	ID          int64          `json:"id"`
	Filename    string         `json:"filename"`
	FilePath    string         `json:"file_path"`
	ContentHash string         `json:"content_hash"`
	SizeBytes   int64          `json:"size_bytes"`
	MIMEType    string         `json:"mime_type"`
	Status      DocumentStatus `json:"status"`
	Version     int            `json:"version"`
	IsLatest    bool           `json:"is_latest"`
	PageCount   int            `json:"page_count"`
	CompanyKey  string         `json:"company_key,omitempty"`
	Metadata    string         `json:"metadata,omitempty"` // free-form JSON
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	IndexedAt   *time.Time     `json:"indexed_at,omitempty"`
}

// PageType classifies a scanned page.
type PageType string

const (
	PageInvoice     PageType = "invoice"
	PagePackingList PageType = "packing_list"
	PageContract    PageType = "contract"
	PageBankForm    PageType = "bank_form"
	PageCertificate PageType = "certificate"
	PageCoverLetter PageType = "cover_letter"
	PageOther       PageType = "other"
)

// Page is one page of a document. PageNumber is unique within a document.
type Page struct {
	ID             int64    `json:"id"`
	DocumentID     int64    `json:"document_id"`
	PageNumber     int      `json:"page_number"`
	PageType       PageType `json:"page_type"`
	TypeConfidence float64  `json:"type_confidence"`
	Text           string   `json:"text"`
	ImageHash      string   `json:"image_hash,omitempty"`
}

// Chunk is an indexed slice of a document. Every chunk is present in all of
// {lexical row, vector entry, vector map row} or in none of them.
type Chunk struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"document_id"`
	PageID     int64  `json:"page_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkText  string `json:"chunk_text"`
	CharStart  int    `json:"char_start"`
	CharEnd    int    `json:"char_end"`
}

// =============================================================================
// INVOICES
// =============================================================================

// ParsingStatus reflects parser chain outcome quality.
type ParsingStatus string

const (
	ParsingOK          ParsingStatus = "ok"
	ParsingPartial     ParsingStatus = "partial"
	ParsingFailed      ParsingStatus = "failed"
	ParsingNeedsReview ParsingStatus = "needs_review"
)

// Invoice is a structured record extracted from a document.
type Invoice struct {
	ID            int64         `json:"id"`
	DocumentID    *int64        `json:"document_id,omitempty"` // nulled when the document is deleted
	InvoiceNo     string        `json:"invoice_no"`
	InvoiceDate   string        `json:"invoice_date"` // ISO date, may be empty
	DueDate       string        `json:"due_date,omitempty"`
	SellerName    string        `json:"seller_name"`
	BuyerName     string        `json:"buyer_name"`
	CompanyKey    string        `json:"company_key,omitempty"`
	Currency      string        `json:"currency"`
	Subtotal      float64       `json:"subtotal"`
	Tax           float64       `json:"tax"`
	Discount      float64       `json:"discount"`
	TotalAmount   float64       `json:"total_amount"`
	QualityScore  float64       `json:"quality_score"`
	Confidence    float64       `json:"confidence"`
	ParserUsed    string        `json:"parser_used"`
	ParsingStatus ParsingStatus `json:"parsing_status"`
	IsLatest      bool          `json:"is_latest"`
	BankDetails   string        `json:"bank_details,omitempty"` // JSON
	Items         []LineItem    `json:"items,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// RowType distinguishes real line items from table furniture.
type RowType string

const (
	RowLineItem RowType = "line_item"
	RowHeader   RowType = "header"
	RowSummary  RowType = "summary"
	RowSubtotal RowType = "subtotal"
)

// LineItem is a single invoice row. The line-level tolerance invariant is
// |Quantity*UnitPrice - TotalPrice| < 0.01 unless TrustedTotal is set.
type LineItem struct {
	ID                int64   `json:"id"`
	InvoiceID         int64   `json:"invoice_id"`
	LineNumber        int     `json:"line_number"`
	ItemName          string  `json:"item_name"`
	Description       string  `json:"description,omitempty"`
	HSCode            string  `json:"hs_code,omitempty"`
	Unit              string  `json:"unit,omitempty"`
	Brand             string  `json:"brand,omitempty"`
	Model             string  `json:"model,omitempty"`
	Quantity          float64 `json:"quantity"`
	UnitPrice         float64 `json:"unit_price"`
	TotalPrice        float64 `json:"total_price"`
	RowType           RowType `json:"row_type"`
	TrustedTotal      bool    `json:"trusted_total,omitempty"`
	MatchedMaterialID *string `json:"matched_material_id,omitempty"`
}

// =============================================================================
// CATALOG
// =============================================================================

// OriginConfidence grades how sure we are about a material's origin.
type OriginConfidence string

const (
	OriginConfirmed OriginConfidence = "confirmed"
	OriginLikely    OriginConfidence = "likely"
	OriginUnknown   OriginConfidence = "unknown"
)

// Material is a catalog entry. At most one material exists per NormalizedName.
type Material struct {
	ID               string           `json:"id"`
	DisplayName      string           `json:"display_name"`
	NormalizedName   string           `json:"normalized_name"`
	HSCode           string           `json:"hs_code,omitempty"`
	Category         string           `json:"category,omitempty"`
	Unit             string           `json:"unit,omitempty"`
	Description      string           `json:"description,omitempty"`
	Brand            string           `json:"brand,omitempty"`
	OriginCountry    string           `json:"origin_country,omitempty"`
	OriginConfidence OriginConfidence `json:"origin_confidence"`
	SourceURL        string           `json:"source_url,omitempty"`
	EvidenceText     string           `json:"evidence_text,omitempty"`
	Synonyms         []string         `json:"synonyms,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// PriceHistoryRow is an append-only price observation. A trigger on line_items
// writes exactly one row per inserted line_item with unit_price > 0; only the
// catalog reconciler later sets MaterialID.
type PriceHistoryRow struct {
	ID             int64   `json:"id"`
	NormalizedName string  `json:"normalized_name"`
	HSCode         string  `json:"hs_code,omitempty"`
	Seller         string  `json:"seller,omitempty"`
	InvoiceID      int64   `json:"invoice_id"`
	InvoiceDate    string  `json:"invoice_date,omitempty"`
	Quantity       float64 `json:"quantity"`
	UnitPrice      float64 `json:"unit_price"`
	Currency       string  `json:"currency"`
	MaterialID     *string `json:"material_id,omitempty"`
}

// PriceStats summarizes price history for one normalized name.
type PriceStats struct {
	NormalizedName  string  `json:"normalized_name"`
	Seller          string  `json:"seller,omitempty"`
	Currency        string  `json:"currency"`
	OccurrenceCount int     `json:"occurrence_count"`
	AvgPrice        float64 `json:"avg_price"`
	MinPrice        float64 `json:"min_price"`
	MaxPrice        float64 `json:"max_price"`
	LastPrice       float64 `json:"last_price"`
	LastInvoiceDate string  `json:"last_invoice_date,omitempty"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditStatus is the overall verdict of one audit run.
type AuditStatus string

const (
	AuditPass  AuditStatus = "PASS"
	AuditHold  AuditStatus = "HOLD"
	AuditFail  AuditStatus = "FAIL"
	AuditError AuditStatus = "ERROR"
)

// AuditType records which pipeline produced the result.
type AuditType string

const (
	AuditRulesAndModel AuditType = "rules+model"
	AuditRulesOnly     AuditType = "rules_only"
	AuditFallback      AuditType = "fallback"
)

// IssueSeverity grades a single finding.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
	SeverityInfo    IssueSeverity = "info"
)

// Issue is a single audit finding with a stable code.
type Issue struct {
	Code     string        `json:"code"`
	Category string        `json:"category"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// Section is one of the nine analytical report sections. Empty sections are
// serialized as {} rather than omitted.
type Section map[string]interface{}

// AuditSections is the fixed nine-section analytical report. Every audit
// result carries all nine, some possibly empty.
type AuditSections struct {
	DocumentIntake             Section `json:"document_intake"`
	ProformaSummary            Section `json:"proforma_summary"`
	ItemsTable                 Section `json:"items_table"`
	ArithmeticCheck            Section `json:"arithmetic_check"`
	AmountWordsCheck           Section `json:"amount_words_check"`
	BankDetailsCheck           Section `json:"bank_details_check"`
	CommercialTermsSuggestions Section `json:"commercial_terms_suggestions"`
	ContractSummary            Section `json:"contract_summary"`
	FinalVerdict               Section `json:"final_verdict"`
}

// EmptySections returns a section set with all nine present and empty.
func EmptySections() AuditSections {
	return AuditSections{
		DocumentIntake:             Section{},
		ProformaSummary:            Section{},
		ItemsTable:                 Section{},
		ArithmeticCheck:            Section{},
		AmountWordsCheck:           Section{},
		BankDetailsCheck:           Section{},
		CommercialTermsSuggestions: Section{},
		ContractSummary:            Section{},
		FinalVerdict:               Section{},
	}
}

// Normalize fills any nil section with an empty one so the nine-section
// invariant holds regardless of how the struct was produced.
func (s *AuditSections) Normalize() {
	for _, p := range []*Section{
		&s.DocumentIntake, &s.ProformaSummary, &s.ItemsTable, &s.ArithmeticCheck,
		&s.AmountWordsCheck, &s.BankDetailsCheck, &s.CommercialTermsSuggestions,
		&s.ContractSummary, &s.FinalVerdict,
	} {
		if *p == nil {
			*p = Section{}
		}
	}
}

// AuditResult is one audit invocation, keyed by an opaque trace id.
type AuditResult struct {
	TraceID          string        `json:"trace_id"`
	InvoiceID        int64         `json:"invoice_id"`
	Status           AuditStatus   `json:"status"`
	Success          bool          `json:"success"`
	AuditType        AuditType     `json:"audit_type"`
	Sections         AuditSections `json:"sections"`
	Issues           []Issue       `json:"issues"`
	ProcessingTimeMS int64         `json:"processing_time_ms"`
	Model            string        `json:"model,omitempty"`
	Confidence       float64       `json:"confidence"`
	CreatedAt        time.Time     `json:"created_at"`
}

// =============================================================================
// CHAT
// =============================================================================

// SessionStatus is the chat session lifecycle.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
	SessionDeleted  SessionStatus = "deleted"
)

// ChatSession groups messages with a rolling summary and token accounting.
type ChatSession struct {
	ID                  string        `json:"id"`
	Title               string        `json:"title"`
	Status              SessionStatus `json:"status"`
	ActiveDocumentIDs   []int64       `json:"active_document_ids,omitempty"`
	ActiveInvoiceIDs    []int64       `json:"active_invoice_ids,omitempty"`
	Summary             string        `json:"summary,omitempty"`
	SummaryMessageCount int           `json:"summary_message_count"`
	TotalTokens         int           `json:"total_tokens"`
	MaxContextTokens    int           `json:"max_context_tokens"`
	SystemPrompt        string        `json:"system_prompt,omitempty"`
	Temperature         float64       `json:"temperature"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// MessageType distinguishes plain text from retrieval artifacts.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageSearchQuery MessageType = "search_query"
	MessageSearchResult MessageType = "search_result"
	MessageDocumentRef MessageType = "document_ref"
	MessageError       MessageType = "error"
)

// Message is one turn in a session.
type Message struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"session_id"`
	Role        string      `json:"role"` // user, assistant, system
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	ContextUsed string      `json:"context_used,omitempty"`
	SourcesJSON string      `json:"sources_json,omitempty"`
	TokenCount  int         `json:"token_count"`
	CreatedAt   time.Time   `json:"created_at"`
	// Summarized marks messages folded into the session summary; they are
	// excluded from prompt assembly but kept for history endpoints.
	Summarized bool `json:"summarized,omitempty"`
}

// FactType classifies extracted memory facts.
type FactType string

const (
	FactUserPreference  FactType = "user_preference"
	FactDocumentContext FactType = "document_context"
	FactEntity          FactType = "entity"
	FactRelationship    FactType = "relationship"
	FactTemporal        FactType = "temporal"
)

// MemoryFact is an extracted long-lived fact, unique per (SessionID, Key).
type MemoryFact struct {
	ID           int64      `json:"id"`
	SessionID    string     `json:"session_id,omitempty"`
	FactType     FactType   `json:"fact_type"`
	Key          string     `json:"key"`
	Value        string     `json:"value"`
	Confidence   float64    `json:"confidence"`
	AccessCount  int        `json:"access_count"`
	LastAccessed time.Time  `json:"last_accessed"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// =============================================================================
// INVENTORY AND SALES
// =============================================================================

// InventoryItem is one row per material with weighted-average-cost state.
type InventoryItem struct {
	ID               int64     `json:"id"`
	MaterialID       string    `json:"material_id"`
	QuantityOnHand   float64   `json:"quantity_on_hand"`
	AvgCost          float64   `json:"avg_cost"`
	LastMovementDate time.Time `json:"last_movement_date"`
}

// TotalValue is the derived inventory valuation.
func (i InventoryItem) TotalValue() float64 { return i.QuantityOnHand * i.AvgCost }

// MovementType enumerates ledger entry kinds.
type MovementType string

const (
	MovementIn     MovementType = "in"
	MovementOut    MovementType = "out"
	MovementAdjust MovementType = "adjust"
)

// StockMovement is an append-only ledger entry. UnitCost is captured at the
// time of the movement.
type StockMovement struct {
	ID         int64        `json:"id"`
	MaterialID string       `json:"material_id"`
	Type       MovementType `json:"type"`
	Quantity   float64      `json:"quantity"`
	UnitCost   float64      `json:"unit_cost"`
	Reference  string       `json:"reference,omitempty"`
	Notes      string       `json:"notes,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// LocalSalesInvoice header totals are computed, never accepted from callers.
type LocalSalesInvoice struct {
	ID          int64            `json:"id"`
	InvoiceNo   string           `json:"invoice_no"`
	CustomerName string          `json:"customer_name"`
	InvoiceDate string           `json:"invoice_date"`
	Subtotal    float64          `json:"subtotal"`
	Tax         float64          `json:"tax"`
	TotalAmount float64          `json:"total_amount"`
	TotalCost   float64          `json:"total_cost"`
	TotalProfit float64          `json:"total_profit"`
	Items       []LocalSalesItem `json:"items,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// LocalSalesItem captures the cost basis at time of sale.
type LocalSalesItem struct {
	ID         int64   `json:"id"`
	InvoiceID  int64   `json:"invoice_id"`
	MaterialID string  `json:"material_id"`
	ItemName   string  `json:"item_name"`
	Quantity   float64 `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	LineTotal  float64 `json:"line_total"`
	CostBasis  float64 `json:"cost_basis"`
	Profit     float64 `json:"profit"`
}

// =============================================================================
// COMPANY DOCUMENTS AND REMINDERS
// =============================================================================

// CompanyDocument tracks a company-level document with an expiry date.
type CompanyDocument struct {
	ID         int64     `json:"id"`
	CompanyKey string    `json:"company_key,omitempty"`
	Title      string    `json:"title"`
	DocType    string    `json:"doc_type,omitempty"`
	ExpiryDate string    `json:"expiry_date,omitempty"` // ISO date
	FilePath   string    `json:"file_path,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Reminder is a user-created or insight-derived todo. Derived reminders use a
// prefixed LinkedEntityType namespace (insight:expiring_doc, ...).
type Reminder struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	Body             string    `json:"body,omitempty"`
	Severity         string    `json:"severity,omitempty"`
	DueDate          string    `json:"due_date,omitempty"`
	Done             bool      `json:"done"`
	LinkedEntityType string    `json:"linked_entity_type,omitempty"`
	LinkedEntityID   string    `json:"linked_entity_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Insight is a derived finding from the evaluator.
type Insight struct {
	Kind           string `json:"kind"` // expiring_doc, unmatched_item, price_anomaly
	Severity       string `json:"severity"`
	Title          string `json:"title"`
	Detail         string `json:"detail,omitempty"`
	LinkedEntityID string `json:"linked_entity_id"`
}
