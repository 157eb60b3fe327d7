package store

import (
	"context"
	"errors"
	"fmt"

	"provcert/internal/security"
)

// ErrAuditTampered is returned when the audit chain does not verify.
var ErrAuditTampered = errors.New("store: audit trail integrity check failed")

// AuditReport is the result of walking the audit chain.
type AuditReport struct {
	Entries  int64
	Sealed   int64
	HeadHash [32]byte
}

// VerifyAuditChain walks the whole audit trail, checking chain linkage,
// each entry hash and, when the store has an audit key, each HMAC. Rows
// written before a key was configured are accepted unsealed.
func (s *Store) VerifyAuditChain(ctx context.Context) (*AuditReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, certificate_id, user_id, action, details, at_ns, previous_hash, entry_hash, hmac
		FROM certificate_audit
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	report := &AuditReport{}
	var last [32]byte

	err = scanAudit(rows, func(rec AuditRecord, details string, mac []byte) error {
		if rec.PreviousHash != last {
			return fmt.Errorf("%w: chain break at entry %d", ErrAuditTampered, rec.ID)
		}
		if auditEntryHash(&rec, details) != rec.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrAuditTampered, rec.ID)
		}
		if len(mac) > 0 {
			if s.auditKey == nil {
				return fmt.Errorf("%w: entry %d is sealed but no audit key is configured", ErrAuditTampered, rec.ID)
			}
			if !security.SecureCompare(mac, s.auditMAC(rec.EntryHash)) {
				return fmt.Errorf("%w: entry %d HMAC mismatch", ErrAuditTampered, rec.ID)
			}
			report.Sealed++
		}
		last = rec.EntryHash
		report.Entries++
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.HeadHash = last
	return report, nil
}
