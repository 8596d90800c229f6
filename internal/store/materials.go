package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"srg/internal/apperr"
	"srg/internal/logging"
	"srg/internal/types"
)

// =============================================================================
// MATERIAL CATALOG
// =============================================================================

const materialColumns = `id, display_name, normalized_name, COALESCE(hs_code, ''),
	COALESCE(category, ''), COALESCE(unit, ''), COALESCE(description, ''),
	COALESCE(brand, ''), COALESCE(origin_country, ''), origin_confidence,
	COALESCE(source_url, ''), COALESCE(evidence_text, ''), created_at`

func scanMaterial(row interface{ Scan(...interface{}) error }) (*types.Material, error) {
	var m types.Material
	err := row.Scan(&m.ID, &m.DisplayName, &m.NormalizedName, &m.HSCode,
		&m.Category, &m.Unit, &m.Description, &m.Brand, &m.OriginCountry,
		&m.OriginConfidence, &m.SourceURL, &m.EvidenceText, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMaterial creates a catalog entry with its synonyms. The normalized
// name is unique; a collision surfaces as VALIDATION_ERROR.
func (s *Store) InsertMaterial(ctx context.Context, m *types.Material) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.OriginConfidence == "" {
		m.OriginConfidence = types.OriginUnknown
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO materials
			(id, display_name, normalized_name, hs_code, category, unit, description,
			 brand, origin_country, origin_confidence, source_url, evidence_text)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.DisplayName, m.NormalizedName, nullStr(m.HSCode), nullStr(m.Category),
			nullStr(m.Unit), nullStr(m.Description), nullStr(m.Brand),
			nullStr(m.OriginCountry), m.OriginConfidence, nullStr(m.SourceURL), nullStr(m.EvidenceText))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return apperr.Validation("a material with this normalized name already exists").
					WithDetail("normalized_name", m.NormalizedName)
			}
			return apperr.Database("failed to insert material", err)
		}
		for _, syn := range m.Synonyms {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO material_synonyms(material_id, synonym) VALUES (?, ?)",
				m.ID, syn); err != nil {
				return apperr.Database("failed to insert synonym", err)
			}
		}
		logging.CatalogDebug("Material created: %s (%s)", m.DisplayName, m.ID)
		return nil
	})
}

// GetMaterial loads one material with synonyms.
func (s *Store) GetMaterial(ctx context.Context, id string) (*types.Material, error) {
	m, err := scanMaterial(s.db.QueryRowContext(ctx,
		"SELECT "+materialColumns+" FROM materials WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeMaterialNotFound, "material", id)
	}
	if err != nil {
		return nil, apperr.Database("failed to load material", err)
	}
	syns, err := s.materialSynonyms(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Synonyms = syns
	return m, nil
}

// GetMaterialByNormalizedName resolves the unique catalog entry for a
// normalized name, checking synonyms as well.
func (s *Store) GetMaterialByNormalizedName(ctx context.Context, normalized string) (*types.Material, error) {
	m, err := scanMaterial(s.db.QueryRowContext(ctx,
		"SELECT "+materialColumns+" FROM materials WHERE normalized_name = ?", normalized))
	if err == nil {
		m.Synonyms, err = s.materialSynonyms(ctx, m.ID)
		return m, err
	}
	if err != sql.ErrNoRows {
		return nil, apperr.Database("failed to look up material", err)
	}

	// Synonyms keep their raw spelling, so compare on the normalized form.
	m, err = scanMaterial(s.db.QueryRowContext(ctx, `SELECT `+materialColumns+` FROM materials
		WHERE id = (SELECT material_id FROM material_synonyms WHERE lower(trim(synonym)) = ? LIMIT 1)`, normalized))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeMaterialNotFound, "material", normalized)
	}
	if err != nil {
		return nil, apperr.Database("failed to look up material synonym", err)
	}
	m.Synonyms, err = s.materialSynonyms(ctx, m.ID)
	return m, err
}

func (s *Store) materialSynonyms(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT synonym FROM material_synonyms WHERE material_id = ? ORDER BY synonym", id)
	if err != nil {
		return nil, apperr.Database("failed to load synonyms", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var syn string
		if err := rows.Scan(&syn); err != nil {
			return nil, apperr.Database("failed to scan synonym", err)
		}
		out = append(out, syn)
	}
	return out, rows.Err()
}

// AddSynonym attaches another alias to a material.
func (s *Store) AddSynonym(ctx context.Context, materialID, synonym string) error {
	if _, err := s.GetMaterial(ctx, materialID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO material_synonyms(material_id, synonym) VALUES (?, ?)",
		materialID, synonym); err != nil {
		return apperr.Database("failed to add synonym", err)
	}
	return nil
}

// ListMaterials pages through the catalog alphabetically.
func (s *Store) ListMaterials(ctx context.Context, category string, limit, offset int) ([]*types.Material, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + materialColumns + " FROM materials"
	args := []interface{}{}
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY display_name LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Database("failed to list materials", err)
	}
	defer rows.Close()

	var out []*types.Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, apperr.Database("failed to scan material", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SuggestMaterials returns up to limit FTS-ranked catalog suggestions for a
// partial name. Errors degrade to an empty list: suggestions are best-effort.
func (s *Store) SuggestMaterials(ctx context.Context, prefix string, limit int) []*types.Material {
	if limit <= 0 || limit > 5 {
		limit = 5
	}
	match := ftsPrefixQuery(prefix)
	if match == "" {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.display_name, m.normalized_name, COALESCE(m.hs_code, ''),
		       COALESCE(m.category, ''), COALESCE(m.unit, ''), COALESCE(m.description, ''),
		       COALESCE(m.brand, ''), COALESCE(m.origin_country, ''), m.origin_confidence,
		       COALESCE(m.source_url, ''), COALESCE(m.evidence_text, ''), m.created_at
		FROM materials_fts
		JOIN materials m ON m.rowid = materials_fts.rowid
		WHERE materials_fts MATCH ?
		ORDER BY bm25(materials_fts) ASC
		LIMIT ?`, match, limit)
	if err != nil {
		logging.CatalogDebug("Suggestion query failed: %v", err)
		return nil
	}
	defer rows.Close()

	var out []*types.Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			logging.CatalogDebug("Suggestion scan failed: %v", err)
			return nil
		}
		out = append(out, m)
	}
	return out
}

// BackfillMaterial fills hs_code and unit on a material only where the
// columns are still empty. Existing values are never overwritten.
func (s *Store) BackfillMaterial(ctx context.Context, id, hsCode, unit string) error {
	if hsCode == "" && unit == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE materials SET
		hs_code = CASE WHEN (hs_code IS NULL OR hs_code = '') AND ? != '' THEN ? ELSE hs_code END,
		unit    = CASE WHEN (unit IS NULL OR unit = '') AND ? != '' THEN ? ELSE unit END
		WHERE id = ?`, hsCode, hsCode, unit, unit, id); err != nil {
		return apperr.Database("failed to backfill material", err)
	}
	return nil
}

// ftsPrefixQuery turns free text into a safe FTS5 prefix query.
func ftsPrefixQuery(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			if r == '"' || r == '\'' {
				return -1
			}
			return r
		}, f)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"*`)
	}
	return strings.Join(terms, " ")
}

// UnmatchedItemNames returns distinct normalized line-item names that have no
// catalog entry, ranked by occurrence count.
func (s *Store) UnmatchedItemNames(ctx context.Context, limit int) ([]string, []int, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT lower(trim(li.item_name)) AS name, COUNT(*) AS n
		FROM line_items li
		WHERE li.row_type = 'line_item'
		  AND li.matched_material_id IS NULL
		  AND lower(trim(li.item_name)) NOT IN (SELECT normalized_name FROM materials)
		  AND lower(trim(li.item_name)) NOT IN (SELECT lower(trim(synonym)) FROM material_synonyms)
		GROUP BY name
		ORDER BY n DESC, name ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, nil, apperr.Database("failed to list unmatched items", err)
	}
	defer rows.Close()

	var names []string
	var counts []int
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, nil, apperr.Database("failed to scan unmatched item", err)
		}
		names = append(names, name)
		counts = append(counts, n)
	}
	return names, counts, rows.Err()
}
