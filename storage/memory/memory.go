// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmcleod/cmpauth/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]*storage.Record)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(_ context.Context, recordType, recordID string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(recordType, recordID, rec)
	return nil
}

func (r *Repository) putLocked(recordType, recordID string, rec *storage.Record) {
	r.data[makeKey(recordType, recordID)] = rec.Clone()
}

func (r *Repository) Get(_ context.Context, recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(recordType, recordID)
}

func (r *Repository) getLocked(recordType, recordID string) (*storage.Record, error) {
	rec, ok := r.data[makeKey(recordType, recordID)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *Repository) List(_ context.Context, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) Delete(_ context.Context, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(recordType, recordID)
}

func (r *Repository) deleteLocked(recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	if _, ok := r.data[k]; !ok {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	delete(r.data, k)
	return nil
}

func (r *Repository) PutCAS(_ context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(recordType, recordID, expectedVersion, rec)
}

func (r *Repository) putCASLocked(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing, ok := r.data[makeKey(recordType, recordID)]
	if !ok {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		r.putLocked(recordType, recordID, rec)
		return nil
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	r.putLocked(recordType, recordID, rec)
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string]*storage.Record, len(r.data))
	for k, v := range r.data {
		snapshot[k] = v.Clone()
	}

	if err := fn(&memoryBatchTx{repo: r}); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

type memoryBatchTx struct {
	repo *Repository
}

func (tx *memoryBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	tx.repo.putLocked(recordType, recordID, rec)
	return nil
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(recordType, recordID, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(recordType, recordID)
}
