// Package catalog reconciles invoice line items against the materials
// catalog: matching, synonym maintenance, and suggestion lookups.
package catalog

import (
	"context"
	"strings"

	"srg/internal/apperr"
	"srg/internal/logging"
	"srg/internal/store"
	"srg/internal/types"
)

// Normalize is the canonical form used for catalog identity: lowercased,
// trimmed. Matching, synonyms and price history all key on this.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Reconciler links invoice line items to catalog materials.
type Reconciler struct {
	store *store.Store
}

func New(st *store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// MatchSummary reports one auto-match run.
type MatchSummary struct {
	Matched   int      `json:"matched"`
	Unmatched []string `json:"unmatched"`
}

// AutoMatchItems links line items to existing materials by normalized name,
// then by synonym. It never creates materials; unknown items stay unmatched.
func (r *Reconciler) AutoMatchItems(ctx context.Context, invoiceID int64) (*MatchSummary, error) {
	items, err := r.store.GetLineItems(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	summary := &MatchSummary{Unmatched: []string{}}
	for _, it := range items {
		if it.RowType != types.RowLineItem || it.MatchedMaterialID != nil {
			continue
		}
		m, err := r.store.GetMaterialByNormalizedName(ctx, Normalize(it.ItemName))
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeMaterialNotFound {
				summary.Unmatched = append(summary.Unmatched, it.ItemName)
				continue
			}
			return nil, err
		}
		// Also stamps material_id onto this invoice's price history rows.
		if err := r.store.SetLineItemMaterial(ctx, it.ID, m.ID); err != nil {
			return nil, err
		}
		// A raw spelling that differs from the display name is worth keeping
		// as a synonym for future lookups.
		if raw := strings.TrimSpace(it.ItemName); raw != m.DisplayName {
			if err := r.store.AddSynonym(ctx, m.ID, raw); err != nil {
				return nil, err
			}
		}
		summary.Matched++
	}
	logging.Catalog("Invoice %d auto-match: %d linked, %d unmatched",
		invoiceID, summary.Matched, len(summary.Unmatched))
	return summary, nil
}

// AddToCatalog promotes line items into the catalog. Existing materials are
// reused: a differing raw name becomes a synonym and empty hs_code/unit are
// backfilled from the item. Unknown items become new materials. Either way
// the line item and its price history rows end up linked.
func (r *Reconciler) AddToCatalog(ctx context.Context, invoiceID int64, itemIDs []int64) ([]*types.Material, error) {
	items, err := r.store.GetLineItems(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	var wanted map[int64]bool
	if len(itemIDs) > 0 {
		wanted = make(map[int64]bool, len(itemIDs))
		for _, id := range itemIDs {
			wanted[id] = true
		}
	}

	var out []*types.Material
	seen := map[string]bool{}
	for _, it := range items {
		if it.RowType != types.RowLineItem {
			continue
		}
		if wanted != nil && !wanted[it.ID] {
			continue
		}
		normalized := Normalize(it.ItemName)
		if normalized == "" {
			continue
		}

		m, err := r.store.GetMaterialByNormalizedName(ctx, normalized)
		switch {
		case err == nil:
			if raw := strings.TrimSpace(it.ItemName); raw != m.DisplayName {
				if err := r.store.AddSynonym(ctx, m.ID, raw); err != nil {
					return nil, err
				}
			}
			if err := r.store.BackfillMaterial(ctx, m.ID, it.HSCode, it.Unit); err != nil {
				return nil, err
			}
		case apperr.CodeOf(err) == apperr.CodeMaterialNotFound:
			m = &types.Material{
				DisplayName:    strings.TrimSpace(it.ItemName),
				NormalizedName: normalized,
				HSCode:         it.HSCode,
				Unit:           it.Unit,
			}
			if err := r.store.InsertMaterial(ctx, m); err != nil {
				return nil, err
			}
			logging.Catalog("Material created from invoice %d item %q", invoiceID, it.ItemName)
		default:
			return nil, err
		}

		if err := r.store.SetLineItemMaterial(ctx, it.ID, m.ID); err != nil {
			return nil, err
		}
		if !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// Suggestions returns up to five catalog candidates for an item name.
// Lookup failures degrade to an empty list.
func (r *Reconciler) Suggestions(ctx context.Context, itemName string) []*types.Material {
	return r.store.SuggestMaterials(ctx, itemName, 5)
}

// SuggestForInvoice maps each unmatched line item to its catalog candidates.
func (r *Reconciler) SuggestForInvoice(ctx context.Context, invoiceID int64) (map[int64][]*types.Material, error) {
	items, err := r.store.GetLineItems(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]*types.Material)
	for _, it := range items {
		if it.RowType != types.RowLineItem || it.MatchedMaterialID != nil {
			continue
		}
		out[it.ID] = r.Suggestions(ctx, it.ItemName)
	}
	return out, nil
}
