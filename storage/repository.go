// Package storage provides the record repository abstraction backing the
// certificate, CA and end-entity directory.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is an opaque, versioned value. Version is maintained by callers
// that use PutCAS; plain Put stores whatever version it is given.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}

// BatchTx provides writes within an atomic transaction.
type BatchTx interface {
	Put(recordType, recordID string, rec *Record) error
	PutCAS(recordType, recordID string, expectedVersion uint64, rec *Record) error
	Delete(recordType, recordID string) error
}

// Repository defines the interface for record storage. Implementations must
// be safe for concurrent use.
//
// PutCAS semantics: expectedVersion 0 means "create only"; any other value
// must equal the stored record's Version.
type Repository interface {
	Put(ctx context.Context, recordType, recordID string, rec *Record) error
	Get(ctx context.Context, recordType, recordID string) (*Record, error)
	List(ctx context.Context, recordType string) ([]string, error)
	Delete(ctx context.Context, recordType, recordID string) error
	PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *Record) error
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
}
