// Package bbolt provides a BBolt-backed storage repository. Each record type
// lives in its own bucket.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/cmpauth/storage"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func notFound(recordType, recordID string) error {
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func getRecord(tx *bbolt.Tx, recordType, recordID string) (*storage.Record, error) {
	b := tx.Bucket([]byte(recordType))
	if b == nil {
		return nil, notFound(recordType, recordID)
	}
	data := b.Get([]byte(recordID))
	if data == nil {
		return nil, notFound(recordType, recordID)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", recordType, recordID, err)
	}
	return &rec, nil
}

func putRecord(tx *bbolt.Tx, recordType, recordID string, rec *storage.Record) error {
	b, err := tx.CreateBucketIfNotExists([]byte(recordType))
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(recordID), data)
}

func putCAS(tx *bbolt.Tx, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := getRecord(tx, recordType, recordID)
	switch {
	case err != nil && expectedVersion != 0:
		return storage.ErrCASFailed
	case err == nil && (expectedVersion == 0 || existing.Version != expectedVersion):
		return storage.ErrCASFailed
	}
	return putRecord(tx, recordType, recordID, rec)
}

func deleteRecord(tx *bbolt.Tx, recordType, recordID string) error {
	b := tx.Bucket([]byte(recordType))
	if b == nil || b.Get([]byte(recordID)) == nil {
		return notFound(recordType, recordID)
	}
	return b.Delete([]byte(recordID))
}

func (s *Store) Put(_ context.Context, recordType, recordID string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx, recordType, recordID, rec)
	})
}

func (s *Store) Get(_ context.Context, recordType, recordID string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, recordType, recordID)
		return err
	})
	return rec, err
}

func (s *Store) Delete(_ context.Context, recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteRecord(tx, recordType, recordID)
	})
}

func (s *Store) List(_ context.Context, recordType string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(recordType))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(bytes.Clone(k)))
			return nil
		})
	})
	return ids, err
}

func (s *Store) PutCAS(_ context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putCAS(tx, recordType, recordID, expectedVersion, rec)
	})
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

func (b *boltBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return putRecord(b.tx, recordType, recordID, rec)
}

func (b *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return putCAS(b.tx, recordType, recordID, expectedVersion, rec)
}

func (b *boltBatchTx) Delete(recordType, recordID string) error {
	return deleteRecord(b.tx, recordType, recordID)
}

// Batch runs fn inside a single read-write bbolt transaction; returning an
// error from fn rolls back every write.
func (s *Store) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}
