package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// schemaStep moves the database from version-1 to version. Steps run in
// order, each in its own transaction, and are recorded in schema_version.
type schemaStep struct {
	version int
	name    string
	ddl     string
}

var schema = []schemaStep{
	{1, "documents and edit events", schemaDocuments},
	{2, "certificates", schemaCertificates},
	{3, "hash-chained certificate audit trail", schemaAudit},
	{4, "issued event cut-off", schemaLastEventID},
}

// latestSchema is the version a fully migrated database reports.
var latestSchema = schema[len(schema)-1].version

const schemaDocuments = `
CREATE TABLE IF NOT EXISTS documents (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    content         TEXT,
    plain_text      TEXT NOT NULL DEFAULT '',
    character_count INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);

CREATE TABLE IF NOT EXISTS edit_events (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id        TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    client_id          TEXT,
    event_type         TEXT NOT NULL,
    timestamp_ns       INTEGER NOT NULL,
    text_before        TEXT,
    text_after         TEXT,
    editor_state_after TEXT,
    metadata           TEXT,
    UNIQUE (document_id, client_id)
);

CREATE INDEX IF NOT EXISTS idx_edit_events_document ON edit_events(document_id, timestamp_ns, id);
`

const schemaCertificates = `
CREATE TABLE IF NOT EXISTS certificates (
    id                   TEXT PRIMARY KEY,
    document_id          TEXT NOT NULL REFERENCES documents(id),
    user_id              TEXT NOT NULL,
    certificate_type     TEXT NOT NULL,
    title                TEXT NOT NULL,
    document_snapshot    TEXT,
    plain_text_snapshot  TEXT NOT NULL DEFAULT '',
    total_events         INTEGER NOT NULL,
    typing_events        INTEGER NOT NULL,
    paste_events         INTEGER NOT NULL,
    typed_characters     INTEGER NOT NULL,
    pasted_characters    INTEGER NOT NULL,
    editing_time_seconds INTEGER NOT NULL,
    total_characters     INTEGER NOT NULL,
    content_hash         TEXT NOT NULL,
    signature            TEXT NOT NULL,
    verification_token   TEXT NOT NULL UNIQUE,
    signer_name          TEXT NOT NULL DEFAULT '',
    generated_at         INTEGER NOT NULL,

    include_full_text    INTEGER NOT NULL DEFAULT 0,
    include_edit_history INTEGER NOT NULL DEFAULT 0,
    access_code_hash     TEXT NOT NULL DEFAULT '',
    is_protected         INTEGER NOT NULL DEFAULT 0,
    updated_at           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_certificates_document ON certificates(document_id);
CREATE INDEX IF NOT EXISTS idx_certificates_user ON certificates(user_id, generated_at);
`

const schemaAudit = `
CREATE TABLE IF NOT EXISTS certificate_audit (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    certificate_id  TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    action          TEXT NOT NULL,
    details         TEXT,
    at_ns           INTEGER NOT NULL,
    previous_hash   BLOB NOT NULL,
    entry_hash      BLOB NOT NULL UNIQUE,
    hmac            BLOB
);

CREATE INDEX IF NOT EXISTS idx_certificate_audit_cert ON certificate_audit(certificate_id, id);
`

const schemaLastEventID = `
ALTER TABLE certificates ADD COLUMN last_event_id INTEGER NOT NULL DEFAULT 0;
`

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_ns INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	have, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, step := range schema {
		if step.version <= have {
			continue
		}
		if err := applyStep(ctx, db, step); err != nil {
			return fmt.Errorf("schema v%d (%s): %w", step.version, step.name, err)
		}
	}
	return checkTables(ctx, db)
}

func applyStep(ctx context.Context, db *sql.DB, step schemaStep) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, step.ddl); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name, applied_ns) VALUES (?, ?, ?)`,
		step.version, step.name, time.Now().UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// checkTables fails when a table the store queries is missing, which
// happens when schema_version was edited by hand.
func checkTables(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"documents", "edit_events", "certificates", "certificate_audit"} {
		var n int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&n); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("schema is at v%d but table %s is missing", latestSchema, table)
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version and the version this
// build expects.
func (s *Store) SchemaVersion(ctx context.Context) (applied, latest int, err error) {
	applied, err = schemaVersion(ctx, s.db)
	return applied, latestSchema, err
}
