// Package store provides SQLite storage for provcert documents, edit events,
// certificates and the certificate audit trail.
package store

import (
	"time"
)

// Options tune the underlying connection pool.
type Options struct {
	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
	// MaxConnections caps open connections. Zero leaves the driver default.
	MaxConnections int
	// AuditKey enables HMAC sealing of audit rows. Nil records hashes only.
	AuditKey []byte
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:    5 * time.Second,
		MaxConnections: 4,
	}
}

// AuditRecord is a stored row of the certificate audit trail.
type AuditRecord struct {
	ID            int64
	CertificateID string
	UserID        string
	Action        string
	Details       map[string]any
	At            time.Time
	PreviousHash  [32]byte
	EntryHash     [32]byte
	Sealed        bool
}

// Stats summarizes the store contents.
type Stats struct {
	Documents     int64
	Events        int64
	Certificates  int64
	Protected     int64
	AuditEntries  int64
	SchemaVersion int64
	DatabaseSize  int64
}
