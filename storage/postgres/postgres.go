// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (record_type, record_id)
// that mirrors the key space used by the BBolt and in-memory backends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/cmpauth/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const upsertSQL = `INSERT INTO records (record_type, record_id, data, version)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (record_type, record_id)
	DO UPDATE SET data = $3, version = $4`

func (s *Store) Put(ctx context.Context, recordType, recordID string, rec *storage.Record) error {
	_, err := s.pool.Exec(ctx, upsertSQL, recordType, recordID, rec.Data, int64(rec.Version))
	return err
}

func (s *Store) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	var (
		rec     storage.Record
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, version FROM records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID).Scan(&rec.Data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func (s *Store) List(ctx context.Context, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE record_type = $1 ORDER BY record_id`, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(ctx context.Context, recordType, recordID string) error {
	return deleteInTx(ctx, s.pool, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return putCASInTx(ctx, tx, recordType, recordID, expectedVersion, rec)
	})
}

// Batch runs fn inside one database transaction; an error from fn rolls
// every write back.
func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgBatchTx{ctx: ctx, tx: tx})
	})
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	ctx context.Context
	tx  pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (b *pgBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	_, err := b.tx.Exec(b.ctx, upsertSQL, recordType, recordID, rec.Data, int64(rec.Version))
	return err
}

func (b *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInTx(b.ctx, b.tx, recordType, recordID, expectedVersion, rec)
}

func (b *pgBatchTx) Delete(recordType, recordID string) error {
	return deleteInTx(b.ctx, b.tx, recordType, recordID)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func deleteInTx(ctx context.Context, q executor, recordType, recordID string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM records WHERE record_type = $1 AND record_id = $2`, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	var currentVersion int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE record_type = $1 AND record_id = $2
		 FOR UPDATE`,
		recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (record_type, record_id, data, version)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (record_type, record_id) DO NOTHING`,
			recordType, recordID, rec.Data, int64(rec.Version))
		if err != nil {
			return err
		}
		// A concurrent creator won the race between our SELECT and INSERT.
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || uint64(currentVersion) != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET data = $3, version = $4
		 WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID, rec.Data, int64(rec.Version))
	return err
}
