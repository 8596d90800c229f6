package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"srg/internal/jsonx"
	"srg/internal/llm"
	"srg/internal/logging"
	"srg/internal/types"
)

// =============================================================================
// VISION PARSER - multimodal model, priority 60, terminal
// =============================================================================

const visionPrompt = `Extract this invoice as JSON with fields:
invoice_no, invoice_date (ISO), due_date, seller_name, buyer_name, currency,
subtotal, tax, discount, total_amount,
items: [{item_name, description, hs_code, unit, quantity, unit_price, total_price}].
Use numbers for numeric fields. Respond with JSON only.`

// VisionParser captions page images with a multimodal model and recovers a
// structured invoice from the response. It is the last resort: whatever it
// returns is accepted.
type VisionParser struct {
	provider llm.Provider
	cacheDir string
	// loadImage resolves a page's image bytes; swapped in tests.
	loadImage func(doc *types.Document, page types.Page) ([]byte, error)
}

// NewVisionParser builds the terminal parser. cacheDir caches captions per
// image hash so re-parses do not re-bill the model.
func NewVisionParser(provider llm.Provider, cacheDir string) *VisionParser {
	return &VisionParser{
		provider:  provider,
		cacheDir:  cacheDir,
		loadImage: loadPageImage,
	}
}

func (p *VisionParser) Name() string             { return "vision" }
func (p *VisionParser) Priority() int            { return 60 }
func (p *VisionParser) AcceptThreshold() float64 { return 0 }

type visionInvoice struct {
	InvoiceNo   string  `json:"invoice_no"`
	InvoiceDate string  `json:"invoice_date"`
	DueDate     string  `json:"due_date"`
	SellerName  string  `json:"seller_name"`
	BuyerName   string  `json:"buyer_name"`
	Currency    string  `json:"currency"`
	Subtotal    float64 `json:"subtotal"`
	Tax         float64 `json:"tax"`
	Discount    float64 `json:"discount"`
	TotalAmount float64 `json:"total_amount"`
	Items       []struct {
		ItemName    string  `json:"item_name"`
		Description string  `json:"description"`
		HSCode      string  `json:"hs_code"`
		Unit        string  `json:"unit"`
		Quantity    float64 `json:"quantity"`
		UnitPrice   float64 `json:"unit_price"`
		TotalPrice  float64 `json:"total_price"`
	} `json:"items"`
}

func (p *VisionParser) Parse(ctx context.Context, doc *types.Document, pages []types.Page) (*Result, error) {
	captioner, ok := p.provider.(llm.Captioner)
	if !ok {
		return nil, nil
	}

	var combined visionInvoice
	captioned := 0
	for _, page := range pages {
		if page.PageType != types.PageInvoice && page.PageType != types.PageOther {
			continue
		}
		img, err := p.loadImage(doc, page)
		if err != nil || len(img) == 0 {
			continue
		}

		raw, cached := p.cachedCaption(img)
		if !cached {
			raw, err = captioner.Caption(ctx, img, visionPrompt)
			if err != nil {
				return nil, err
			}
			p.storeCaption(img, raw)
		}

		var one visionInvoice
		if err := jsonx.Recover(raw, &one); err != nil {
			logging.ParserDebug("vision page %d unrecoverable: %v", page.PageNumber, err)
			continue
		}
		mergeVision(&combined, one)
		captioned++
	}
	if captioned == 0 {
		return nil, nil
	}

	inv := types.Invoice{
		InvoiceNo:   combined.InvoiceNo,
		InvoiceDate: normalizeDate(combined.InvoiceDate),
		DueDate:     normalizeDate(combined.DueDate),
		SellerName:  strings.TrimSpace(combined.SellerName),
		BuyerName:   strings.TrimSpace(combined.BuyerName),
		CompanyKey:  doc.CompanyKey,
		Currency:    strings.ToUpper(strings.TrimSpace(combined.Currency)),
		Subtotal:    combined.Subtotal,
		Tax:         combined.Tax,
		Discount:    combined.Discount,
		TotalAmount: combined.TotalAmount,
	}
	line := 0
	for _, it := range combined.Items {
		name := strings.TrimSpace(it.ItemName)
		if name == "" {
			continue
		}
		line++
		li := types.LineItem{
			LineNumber:  line,
			ItemName:    name,
			Description: strings.TrimSpace(it.Description),
			HSCode:      strings.TrimSpace(it.HSCode),
			Unit:        strings.TrimSpace(it.Unit),
			Quantity:    nonNegative(it.Quantity),
			UnitPrice:   nonNegative(it.UnitPrice),
			TotalPrice:  nonNegative(it.TotalPrice),
			RowType:     types.RowLineItem,
		}
		if !lineTolerantOK(li) {
			li.TrustedTotal = true
		}
		inv.Items = append(inv.Items, li)
	}

	conf := 0.3
	if inv.InvoiceNo != "" {
		conf += 0.2
	}
	if len(inv.Items) > 0 {
		conf += 0.2
	}
	if inv.TotalAmount > 0 {
		conf += 0.1
	}
	return &Result{Invoice: inv, Confidence: conf}, nil
}

func nonNegative(v float64) float64 {
	if v < 0 || v != v { // reject negatives and NaN
		return 0
	}
	return v
}

func mergeVision(dst *visionInvoice, src visionInvoice) {
	if dst.InvoiceNo == "" {
		dst.InvoiceNo = src.InvoiceNo
	}
	if dst.InvoiceDate == "" {
		dst.InvoiceDate = src.InvoiceDate
	}
	if dst.DueDate == "" {
		dst.DueDate = src.DueDate
	}
	if dst.SellerName == "" {
		dst.SellerName = src.SellerName
	}
	if dst.BuyerName == "" {
		dst.BuyerName = src.BuyerName
	}
	if dst.Currency == "" {
		dst.Currency = src.Currency
	}
	if dst.Subtotal == 0 {
		dst.Subtotal = src.Subtotal
	}
	if dst.Tax == 0 {
		dst.Tax = src.Tax
	}
	if dst.TotalAmount == 0 {
		dst.TotalAmount = src.TotalAmount
	}
	dst.Items = append(dst.Items, src.Items...)
}

func loadPageImage(doc *types.Document, page types.Page) ([]byte, error) {
	if page.ImageHash == "" {
		return nil, nil
	}
	dir := filepath.Dir(doc.FilePath)
	return os.ReadFile(filepath.Join(dir, page.ImageHash+".png"))
}

func (p *VisionParser) cachedCaption(img []byte) (string, bool) {
	if p.cacheDir == "" {
		return "", false
	}
	b, err := os.ReadFile(filepath.Join(p.cacheDir, imageKey(img)+".txt"))
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (p *VisionParser) storeCaption(img []byte, caption string) {
	if p.cacheDir == "" {
		return
	}
	if err := os.MkdirAll(p.cacheDir, 0755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(p.cacheDir, imageKey(img)+".txt"), []byte(caption), 0644)
}

func imageKey(img []byte) string {
	sum := sha256.Sum256(img)
	return hex.EncodeToString(sum[:])
}
