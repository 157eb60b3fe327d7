package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"provcert/internal/certificate"
	"provcert/internal/editlog"
)

// ErrDocumentOwner is returned when a document is written by a user who
// does not own it.
var ErrDocumentOwner = errors.New("store: document belongs to another user")

// Store represents the SQLite provcert store.
type Store struct {
	db   *sql.DB
	path string

	auditKey []byte
	auditMu  sync.Mutex
}

// Open opens or creates the SQLite database at the given path with default
// options and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, DefaultOptions())
}

// OpenWithOptions opens or creates the SQLite database at the given path
// and runs migrations.
func OpenWithOptions(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultOptions().BusyTimeout
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busy.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxConnections > 0 {
		db.SetMaxOpenConns(opts.MaxConnections)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	s := &Store{db: db, path: path}
	if len(opts.AuditKey) > 0 {
		s.auditKey = append([]byte(nil), opts.AuditKey...)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertDocument creates a document or replaces its content. A document
// owned by another user is left untouched and ErrDocumentOwner returned.
func (s *Store) UpsertDocument(ctx context.Context, doc *certificate.Document) error {
	if doc == nil || doc.ID == "" || doc.UserID == "" {
		return errors.New("store: document id and user id are required")
	}
	updated := doc.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM documents WHERE id = ?`, doc.ID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("query document owner: %w", err)
	case owner != doc.UserID:
		return ErrDocumentOwner
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, user_id, title, content, plain_text, character_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			plain_text = excluded.plain_text,
			character_count = excluded.character_count,
			updated_at = excluded.updated_at`,
		doc.ID, doc.UserID, doc.Title, rawText(doc.Content), doc.PlainText, doc.CharacterCount, updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return tx.Commit()
}

// Document returns a document by ID. A miss is certificate.ErrDocumentNotFound.
func (s *Store) Document(ctx context.Context, id string) (*certificate.Document, error) {
	var d certificate.Document
	var content sql.NullString
	var updatedNs int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, content, plain_text, character_count, updated_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.UserID, &d.Title, &content, &d.PlainText, &d.CharacterCount, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, certificate.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}

	d.Content = textRaw(content)
	d.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return &d, nil
}

// InsertEvents appends events to a document's log and returns how many
// were stored. Events whose client ID is already recorded for the document
// are skipped, so replaying an ingest batch is harmless.
func (s *Store) InsertEvents(ctx context.Context, documentID string, events []editlog.Event) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, documentID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("query document: %w", err)
	}
	if exists == 0 {
		return 0, certificate.ErrDocumentNotFound
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO edit_events
			(document_id, client_id, event_type, timestamp_ns, text_before, text_after, editor_state_after, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	stored := 0
	for i := range events {
		e := &events[i]
		if !e.Type.Valid() {
			return 0, fmt.Errorf("event %d: %w: %q", i, editlog.ErrUnknownEventType, e.Type)
		}

		var metadata any
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return 0, fmt.Errorf("event %d: encode metadata: %w", i, err)
			}
			metadata = string(b)
		}
		var clientID any
		if e.ClientID != "" {
			clientID = e.ClientID
		}

		res, err := stmt.ExecContext(ctx, documentID, clientID, string(e.Type), e.Timestamp.UnixNano(),
			rawText(e.TextBefore), rawText(e.TextAfter), rawText(e.EditorStateAfter), metadata)
		if err != nil {
			return 0, fmt.Errorf("insert event %d: %w", i, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		stored += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit events: %w", err)
	}
	return stored, nil
}

// Events returns a document's events ordered by timestamp, then by the
// order they were stored.
func (s *Store) Events(ctx context.Context, documentID string) ([]editlog.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, client_id, event_type, timestamp_ns, text_before, text_after, editor_state_after, metadata
		FROM edit_events
		WHERE document_id = ?
		ORDER BY timestamp_ns ASC, id ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountEvents returns the number of stored events for a document.
func (s *Store) CountEvents(ctx context.Context, documentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edit_events WHERE document_id = ?`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// SaveCertificate inserts a newly issued certificate.
func (s *Store) SaveCertificate(ctx context.Context, c *certificate.Certificate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO certificates (
			id, document_id, user_id, certificate_type, title, document_snapshot, plain_text_snapshot,
			total_events, typing_events, paste_events, typed_characters, pasted_characters, editing_time_seconds,
			total_characters, content_hash, signature, verification_token, signer_name, generated_at,
			include_full_text, include_edit_history, access_code_hash, is_protected, updated_at, last_event_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DocumentID, c.UserID, string(c.Type), c.Title, rawText(c.DocumentSnapshot), c.PlainTextSnapshot,
		c.TotalEvents, c.TypingEvents, c.PasteEvents, c.TypedCharacters, c.PastedCharacters, c.EditingTimeSeconds,
		c.TotalCharacters, c.ContentHash, c.Signature, c.VerificationToken, c.SignerName, c.GeneratedAt.UnixNano(),
		c.IncludeFullText, c.IncludeEditHistory, c.AccessCodeHash, c.IsProtected, time.Now().UnixNano(), c.LastEventID,
	)
	if err != nil {
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

const certificateColumns = `
	id, document_id, user_id, certificate_type, title, document_snapshot, plain_text_snapshot,
	total_events, typing_events, paste_events, typed_characters, pasted_characters, editing_time_seconds,
	total_characters, content_hash, signature, verification_token, signer_name, generated_at,
	include_full_text, include_edit_history, access_code_hash, is_protected, last_event_id`

// CertificateByToken returns the certificate with the given verification
// token. A miss is certificate.ErrCertificateNotFound.
func (s *Store) CertificateByToken(ctx context.Context, token string) (*certificate.Certificate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE verification_token = ?`, token)
	return scanCertificate(row)
}

// CertificateByID returns a certificate by ID. A miss is
// certificate.ErrCertificateNotFound.
func (s *Store) CertificateByID(ctx context.Context, id string) (*certificate.Certificate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = ?`, id)
	return scanCertificate(row)
}

// CertificatesForDocument lists a document's certificates, newest first.
func (s *Store) CertificatesForDocument(ctx context.Context, documentID string) ([]*certificate.Certificate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+certificateColumns+` FROM certificates
		WHERE document_id = ?
		ORDER BY generated_at DESC, id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query certificates: %w", err)
	}
	defer rows.Close()

	var out []*certificate.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return out, nil
}

// UpdateOverlay replaces the display flags of a certificate. Core columns
// are never written after insert.
func (s *Store) UpdateOverlay(ctx context.Context, id string, o certificate.Overlay) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE certificates SET
			include_full_text = ?, include_edit_history = ?, access_code_hash = ?, is_protected = ?, updated_at = ?
		WHERE id = ?`,
		o.IncludeFullText, o.IncludeEditHistory, o.AccessCodeHash, o.IsProtected, time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update overlay: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return certificate.ErrCertificateNotFound
	}
	return nil
}

// Stats returns row counts and the on-disk size including the WAL.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		dst   *int64
		query string
	}{
		{&stats.Documents, `SELECT COUNT(*) FROM documents`},
		{&stats.Events, `SELECT COUNT(*) FROM edit_events`},
		{&stats.Certificates, `SELECT COUNT(*) FROM certificates`},
		{&stats.Protected, `SELECT COUNT(*) FROM certificates WHERE is_protected = 1`},
		{&stats.AuditEntries, `SELECT COUNT(*) FROM certificate_audit`},
		{&stats.SchemaVersion, `SELECT COALESCE(MAX(version), 0) FROM schema_version`},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	for _, p := range []string{s.path, s.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			stats.DatabaseSize += fi.Size()
		}
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row rowScanner) (*certificate.Certificate, error) {
	var c certificate.Certificate
	var typ string
	var snapshot sql.NullString
	var generatedNs int64

	err := row.Scan(
		&c.ID, &c.DocumentID, &c.UserID, &typ, &c.Title, &snapshot, &c.PlainTextSnapshot,
		&c.TotalEvents, &c.TypingEvents, &c.PasteEvents, &c.TypedCharacters, &c.PastedCharacters, &c.EditingTimeSeconds,
		&c.TotalCharacters, &c.ContentHash, &c.Signature, &c.VerificationToken, &c.SignerName, &generatedNs,
		&c.IncludeFullText, &c.IncludeEditHistory, &c.AccessCodeHash, &c.IsProtected, &c.LastEventID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, certificate.ErrCertificateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan certificate: %w", err)
	}

	c.Type = certificate.Type(typ)
	c.DocumentSnapshot = textRaw(snapshot)
	c.GeneratedAt = time.Unix(0, generatedNs).UTC()
	return &c, nil
}

func scanEvents(rows *sql.Rows) ([]editlog.Event, error) {
	var events []editlog.Event
	for rows.Next() {
		var e editlog.Event
		var clientID, before, after, state, metadata sql.NullString
		var typ string
		var tsNs int64

		if err := rows.Scan(&e.ID, &e.DocumentID, &clientID, &typ, &tsNs, &before, &after, &state, &metadata); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		e.ClientID = clientID.String
		e.Type = editlog.EventType(typ)
		e.Timestamp = time.Unix(0, tsNs).UTC()
		e.TextBefore = textRaw(before)
		e.TextAfter = textRaw(after)
		e.EditorStateAfter = textRaw(state)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// rawText stores raw JSON as TEXT, empty as NULL.
func rawText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func textRaw(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
