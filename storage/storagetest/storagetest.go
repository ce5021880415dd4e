// Package storagetest holds the behavioural contract every
// storage.Repository backend must satisfy.
package storagetest

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/cmpauth/storage"
)

// Run exercises repo against the repository contract. The repository must be
// empty when Run is called.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := t.Context()

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "cert", "aa", &storage.Record{Data: []byte("one"), Version: 1}))
		got, err := repo.Get(ctx, "cert", "aa")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got.Data)
		assert.Equal(t, uint64(1), got.Version)

		// Returned records must not alias stored state.
		got.Data[0] = 'X'
		again, err := repo.Get(ctx, "cert", "aa")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), again.Data)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "cert", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "no-such-type", "aa")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListByType", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "cert", "bb", &storage.Record{Data: []byte("two")}))
		require.NoError(t, repo.Put(ctx, "ca", "1", &storage.Record{Data: []byte("ca")}))
		ids, err := repo.List(ctx, "cert")
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"aa", "bb"}, ids)

		empty, err := repo.List(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "cert", "bb"))
		_, err := repo.Get(ctx, "cert", "bb")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "cert", "bb"), storage.ErrNotFound)
	})

	t.Run("PutCASCreateOnly", func(t *testing.T) {
		require.NoError(t, repo.PutCAS(ctx, "ee", "alice", 0, &storage.Record{Data: []byte("v1"), Version: 1}))
		err := repo.PutCAS(ctx, "ee", "alice", 0, &storage.Record{Data: []byte("v1b"), Version: 1})
		assert.ErrorIs(t, err, storage.ErrCASFailed)
	})

	t.Run("PutCASVersionMatch", func(t *testing.T) {
		require.NoError(t, repo.PutCAS(ctx, "ee", "alice", 1, &storage.Record{Data: []byte("v2"), Version: 2}))
		got, err := repo.Get(ctx, "ee", "alice")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Data)

		err = repo.PutCAS(ctx, "ee", "alice", 1, &storage.Record{Data: []byte("stale"), Version: 2})
		assert.ErrorIs(t, err, storage.ErrCASFailed)

		err = repo.PutCAS(ctx, "ee", "nobody", 3, &storage.Record{Data: []byte("x"), Version: 4})
		assert.ErrorIs(t, err, storage.ErrCASFailed)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("cert", "cc", &storage.Record{Data: []byte("three")}); err != nil {
				return err
			}
			return tx.PutCAS("ca", "2", 0, &storage.Record{Data: []byte("ca2"), Version: 1})
		})
		require.NoError(t, err)
		_, err = repo.Get(ctx, "cert", "cc")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, "ca", "2")
		assert.NoError(t, err)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("cert", "dd", &storage.Record{Data: []byte("four")}); err != nil {
				return err
			}
			if err := tx.Delete("cert", "aa"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = repo.Get(ctx, "cert", "dd")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "cert", "aa")
		assert.NoError(t, err)
	})

	t.Run("BatchCASConflictRollsBack", func(t *testing.T) {
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("cert", "ee", &storage.Record{Data: []byte("five")}); err != nil {
				return err
			}
			return tx.PutCAS("ca", "2", 0, &storage.Record{Data: []byte("dup")})
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)
		_, err = repo.Get(ctx, "cert", "ee")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

}
