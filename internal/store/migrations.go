package store

import (
	"fmt"

	"srg/internal/logging"
)

// Schema versions:
// v1: core document tables (documents, pages, chunks) + chunks_fts mirror
// v2: invoice tables (invoices, line_items) + price_history trigger
// v3: catalog tables (materials, material_synonyms, price_history) + materials_fts
// v4: audit_results
// v5: chat tables (chat_sessions, messages, memory_facts)
// v6: inventory and local sales tables
// v7: company_documents and reminders
// v8: index_cursors for incremental indexing
const CurrentSchemaVersion = 8

type migration struct {
	Version int
	Name    string
	Stmts   []string
}

var migrations = []migration{
	{1, "core_documents", []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL,
			file_path TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			mime_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			version INTEGER NOT NULL DEFAULT 1,
			is_latest INTEGER NOT NULL DEFAULT 1,
			page_count INTEGER NOT NULL DEFAULT 0,
			company_key TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			indexed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status)`,
		`CREATE TABLE IF NOT EXISTS pages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			page_number INTEGER NOT NULL,
			page_type TEXT NOT NULL DEFAULT 'other',
			type_confidence REAL NOT NULL DEFAULT 0,
			text TEXT NOT NULL DEFAULT '',
			image_hash TEXT,
			UNIQUE(document_id, page_number)
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			page_id INTEGER NOT NULL DEFAULT 0,
			chunk_index INTEGER NOT NULL,
			chunk_text TEXT NOT NULL,
			char_start INTEGER NOT NULL DEFAULT 0,
			char_end INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_text, content='chunks', content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, chunk_text) VALUES (new.id, new.chunk_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, chunk_text) VALUES ('delete', old.id, old.chunk_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, chunk_text) VALUES ('delete', old.id, old.chunk_text);
			INSERT INTO chunks_fts(rowid, chunk_text) VALUES (new.id, new.chunk_text);
		END`,
	}},
	{2, "invoices", []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER REFERENCES documents(id) ON DELETE SET NULL,
			invoice_no TEXT NOT NULL DEFAULT '',
			invoice_date TEXT NOT NULL DEFAULT '',
			due_date TEXT NOT NULL DEFAULT '',
			seller_name TEXT NOT NULL DEFAULT '',
			buyer_name TEXT NOT NULL DEFAULT '',
			company_key TEXT,
			currency TEXT NOT NULL DEFAULT '',
			subtotal REAL NOT NULL DEFAULT 0,
			tax REAL NOT NULL DEFAULT 0,
			discount REAL NOT NULL DEFAULT 0,
			total_amount REAL NOT NULL DEFAULT 0,
			quality_score REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			parser_used TEXT NOT NULL DEFAULT '',
			parsing_status TEXT NOT NULL DEFAULT 'ok',
			is_latest INTEGER NOT NULL DEFAULT 1,
			bank_details TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_no ON invoices(invoice_no)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_document ON invoices(document_id)`,
		`CREATE TABLE IF NOT EXISTS line_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_id INTEGER NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
			line_number INTEGER NOT NULL DEFAULT 0,
			item_name TEXT NOT NULL,
			description TEXT,
			hs_code TEXT,
			unit TEXT,
			brand TEXT,
			model TEXT,
			quantity REAL NOT NULL DEFAULT 0,
			unit_price REAL NOT NULL DEFAULT 0,
			total_price REAL NOT NULL DEFAULT 0,
			row_type TEXT NOT NULL DEFAULT 'line_item',
			trusted_total INTEGER NOT NULL DEFAULT 0,
			matched_material_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_line_items_invoice ON line_items(invoice_id)`,
	}},
	{3, "catalog", []string{
		`CREATE TABLE IF NOT EXISTS materials (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			normalized_name TEXT NOT NULL UNIQUE,
			hs_code TEXT,
			category TEXT,
			unit TEXT,
			description TEXT,
			brand TEXT,
			origin_country TEXT,
			origin_confidence TEXT NOT NULL DEFAULT 'unknown',
			source_url TEXT,
			evidence_text TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS material_synonyms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			material_id TEXT NOT NULL REFERENCES materials(id) ON DELETE CASCADE,
			synonym TEXT NOT NULL,
			UNIQUE(material_id, synonym)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_synonyms_text ON material_synonyms(synonym)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS materials_fts USING fts5(
			display_name, normalized_name, content='materials', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS materials_ai AFTER INSERT ON materials BEGIN
			INSERT INTO materials_fts(rowid, display_name, normalized_name)
			VALUES (new.rowid, new.display_name, new.normalized_name);
		END`,
		`CREATE TRIGGER IF NOT EXISTS materials_ad AFTER DELETE ON materials BEGIN
			INSERT INTO materials_fts(materials_fts, rowid, display_name, normalized_name)
			VALUES ('delete', old.rowid, old.display_name, old.normalized_name);
		END`,
		`CREATE TRIGGER IF NOT EXISTS materials_au AFTER UPDATE ON materials BEGIN
			INSERT INTO materials_fts(materials_fts, rowid, display_name, normalized_name)
			VALUES ('delete', old.rowid, old.display_name, old.normalized_name);
			INSERT INTO materials_fts(rowid, display_name, normalized_name)
			VALUES (new.rowid, new.display_name, new.normalized_name);
		END`,
		`CREATE TABLE IF NOT EXISTS price_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			normalized_name TEXT NOT NULL,
			hs_code TEXT,
			seller TEXT,
			invoice_id INTEGER NOT NULL,
			invoice_date TEXT,
			quantity REAL NOT NULL DEFAULT 0,
			unit_price REAL NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			material_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_history_name ON price_history(normalized_name)`,
		// Every parsed line item with a positive unit price leaves exactly one
		// price observation, whether or not it ever matches a material.
		`CREATE TRIGGER IF NOT EXISTS line_items_price_history AFTER INSERT ON line_items
		WHEN new.row_type = 'line_item' AND new.unit_price > 0 BEGIN
			INSERT INTO price_history(normalized_name, hs_code, seller, invoice_id, invoice_date, quantity, unit_price, currency)
			SELECT
				lower(trim(new.item_name)),
				new.hs_code,
				i.seller_name,
				new.invoice_id,
				i.invoice_date,
				new.quantity,
				new.unit_price,
				i.currency
			FROM invoices i WHERE i.id = new.invoice_id;
		END`,
	}},
	{4, "audit_results", []string{
		`CREATE TABLE IF NOT EXISTS audit_results (
			trace_id TEXT PRIMARY KEY,
			invoice_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			audit_type TEXT NOT NULL,
			sections_json TEXT NOT NULL DEFAULT '{}',
			issues_json TEXT NOT NULL DEFAULT '[]',
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			model TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_invoice ON audit_results(invoice_id)`,
	}},
	{5, "chat", []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			active_document_ids TEXT NOT NULL DEFAULT '[]',
			active_invoice_ids TEXT NOT NULL DEFAULT '[]',
			summary TEXT NOT NULL DEFAULT '',
			summary_message_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			max_context_tokens INTEGER NOT NULL DEFAULT 8000,
			system_prompt TEXT NOT NULL DEFAULT '',
			temperature REAL NOT NULL DEFAULT 0.7,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'text',
			context_used TEXT,
			sources_json TEXT,
			token_count INTEGER NOT NULL DEFAULT 0,
			summarized INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS memory_facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL DEFAULT '',
			fact_type TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME,
			UNIQUE(session_id, key)
		)`,
	}},
	{6, "inventory_sales", []string{
		`CREATE TABLE IF NOT EXISTS inventory_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			material_id TEXT NOT NULL UNIQUE,
			quantity_on_hand REAL NOT NULL DEFAULT 0,
			avg_cost REAL NOT NULL DEFAULT 0,
			last_movement_date DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS stock_movements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			material_id TEXT NOT NULL,
			type TEXT NOT NULL,
			quantity REAL NOT NULL,
			unit_cost REAL NOT NULL DEFAULT 0,
			reference TEXT,
			notes TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_movements_material ON stock_movements(material_id)`,
		`CREATE TABLE IF NOT EXISTS local_sales_invoices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_no TEXT NOT NULL UNIQUE,
			customer_name TEXT NOT NULL DEFAULT '',
			invoice_date TEXT NOT NULL DEFAULT '',
			subtotal REAL NOT NULL DEFAULT 0,
			tax REAL NOT NULL DEFAULT 0,
			total_amount REAL NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			total_profit REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS local_sales_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invoice_id INTEGER NOT NULL REFERENCES local_sales_invoices(id) ON DELETE CASCADE,
			material_id TEXT NOT NULL,
			item_name TEXT NOT NULL,
			quantity REAL NOT NULL,
			unit_price REAL NOT NULL,
			line_total REAL NOT NULL,
			cost_basis REAL NOT NULL DEFAULT 0,
			profit REAL NOT NULL DEFAULT 0
		)`,
	}},
	{7, "company_docs_reminders", []string{
		`CREATE TABLE IF NOT EXISTS company_documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			company_key TEXT,
			title TEXT NOT NULL,
			doc_type TEXT,
			expiry_date TEXT,
			file_path TEXT,
			notes TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			body TEXT,
			severity TEXT,
			due_date TEXT,
			done INTEGER NOT NULL DEFAULT 0,
			linked_entity_type TEXT,
			linked_entity_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		// NULL link columns never conflict, so unlinked reminders are unlimited
		// while each linked entity carries at most one ACTIVE reminder. Done
		// rows are outside the index, so a dismissed reminder does not block
		// a fresh one for the same entity.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reminders_linked
			ON reminders(linked_entity_type, linked_entity_id) WHERE done = 0`,
	}},
	{8, "index_cursors", []string{
		`CREATE TABLE IF NOT EXISTS index_cursors (
			name TEXT PRIMARY KEY,
			last_id INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}},
}

// migrate applies pending schema versions in order, recording each in
// schema_migrations.
func (s *Store) migrate() error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logging.Store("Applying migration v%d (%s)", m.Version, m.Name)
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range m.Stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d (%s) failed: %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations(version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
		}
		applied++
	}
	if applied > 0 {
		logging.Store("Schema migrations complete: %d applied, now at v%d", applied, CurrentSchemaVersion)
	}
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

// EnsureVecTables creates the sqlite-vec virtual tables and their id map
// tables for the configured embedding dimension. No-op when the extension is
// not loaded.
func (s *Store) EnsureVecTables(dim int) error {
	if !s.vecReady {
		return nil
	}
	stmts := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vectors USING vec0(embedding float[%d])`, dim),
		`CREATE TABLE IF NOT EXISTS chunk_vec_map (
			vec_rowid INTEGER PRIMARY KEY,
			chunk_id INTEGER NOT NULL UNIQUE
		)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS item_vectors USING vec0(embedding float[%d])`, dim),
		`CREATE TABLE IF NOT EXISTS item_vec_map (
			vec_rowid INTEGER PRIMARY KEY,
			line_item_id INTEGER NOT NULL UNIQUE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create vector tables: %w", err)
		}
	}
	return nil
}
