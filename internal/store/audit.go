package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"provcert/internal/certificate"
	"provcert/internal/security"
)

const (
	auditHashDomain = "provcert:audit:v1"
	auditMACDomain  = "provcert:audit-mac:v1"
)

// RecordAudit appends an entry to the audit trail.
//
// The trail is append-only and hash chained: each row stores the hash of
// its predecessor and its own hash over the row fields. When the store has
// an audit key every row also carries an HMAC, so a row rewritten without
// the key no longer verifies.
func (s *Store) RecordAudit(ctx context.Context, entry certificate.AuditEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	details, err := encodeDetails(entry.Details)
	if err != nil {
		return err
	}

	// Appends are serialized so two writers never link to the same head.
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev [32]byte
	var head []byte
	err = tx.QueryRowContext(ctx, `SELECT entry_hash FROM certificate_audit ORDER BY id DESC LIMIT 1`).Scan(&head)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read audit head: %w", err)
	default:
		copy(prev[:], head)
	}

	rec := AuditRecord{
		CertificateID: entry.CertificateID,
		UserID:        entry.UserID,
		Action:        entry.Action,
		At:            at,
		PreviousHash:  prev,
	}
	rec.EntryHash = auditEntryHash(&rec, details)

	var mac any
	if s.auditKey != nil {
		mac = s.auditMAC(rec.EntryHash)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO certificate_audit (certificate_id, user_id, action, details, at_ns, previous_hash, entry_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CertificateID, rec.UserID, rec.Action, nullIfEmpty(details), at.UnixNano(), prev[:], rec.EntryHash[:], mac,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return tx.Commit()
}

// AuditTrail returns the audit rows of one certificate, oldest first.
func (s *Store) AuditTrail(ctx context.Context, certificateID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, certificate_id, user_id, action, details, at_ns, previous_hash, entry_hash, hmac
		FROM certificate_audit
		WHERE certificate_id = ?
		ORDER BY id ASC`, certificateID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	err = scanAudit(rows, func(rec AuditRecord, _ string, _ []byte) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

func scanAudit(rows *sql.Rows, fn func(rec AuditRecord, details string, mac []byte) error) error {
	for rows.Next() {
		var rec AuditRecord
		var details sql.NullString
		var atNs int64
		var prev, hash, mac []byte

		if err := rows.Scan(&rec.ID, &rec.CertificateID, &rec.UserID, &rec.Action, &details, &atNs, &prev, &hash, &mac); err != nil {
			return fmt.Errorf("scan audit entry: %w", err)
		}
		rec.At = time.Unix(0, atNs).UTC()
		copy(rec.PreviousHash[:], prev)
		copy(rec.EntryHash[:], hash)
		rec.Sealed = len(mac) > 0
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
				return fmt.Errorf("decode details of audit entry %d: %w", rec.ID, err)
			}
		}
		if err := fn(rec, details.String, mac); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate audit entries: %w", err)
	}
	return nil
}

// encodeDetails uses encoding/json, whose map key order is sorted, so the
// stored text is stable for hashing.
func encodeDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode audit details: %w", err)
	}
	return string(b), nil
}

func auditEntryHash(rec *AuditRecord, details string) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(rec.At.UnixNano()))
	return security.HashDomainSeparated(auditHashDomain,
		lengthPrefixed(rec.CertificateID),
		lengthPrefixed(rec.UserID),
		lengthPrefixed(rec.Action),
		lengthPrefixed(details),
		ts[:],
		rec.PreviousHash[:],
	)
}

func (s *Store) auditMAC(entryHash [32]byte) []byte {
	h := hmac.New(sha256.New, s.auditKey)
	h.Write([]byte(auditMACDomain))
	h.Write(entryHash[:])
	return h.Sum(nil)
}

func lengthPrefixed(v string) []byte {
	b := make([]byte, 8+len(v))
	binary.BigEndian.PutUint64(b, uint64(len(v)))
	copy(b[8:], v)
	return b
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
