package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	value "github.com/hanpama/batchgate/internal/value"
)

func rec(name string) value.Value {
	return value.Map(map[string]value.Value{"name": value.Str(name)})
}

func count(t *testing.T, s *Store, table string) int {
	t.Helper()
	n := 0
	require.NoError(t, s.View(func(r Reader) error {
		n = len(r.List(table))
		return nil
	}))
	return n
}

func TestCommitPublishes(t *testing.T) {
	s := New()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	id, stored, err := tx.Insert("hosts", rec("a"))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	gotID, _ := stored.Get("id")
	require.Equal(t, "1", gotID.Text())

	require.Equal(t, 0, count(t, s, "hosts"))
	require.NoError(t, tx.Commit())
	require.Equal(t, 1, count(t, s, "hosts"))
	require.ErrorIs(t, tx.Commit(), ErrTxDone)
}

func TestRollbackDiscards(t *testing.T) {
	s := New()
	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		_, _, err := tx.Insert("hosts", rec("a"))
		return err
	}))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, _, err = tx.Insert("hosts", rec("b"))
	require.NoError(t, err)
	require.NoError(t, tx.Delete("hosts", 1))
	require.NoError(t, tx.Rollback())

	require.NoError(t, s.View(func(r Reader) error {
		got, err := r.Get("hosts", 1)
		require.NoError(t, err)
		name, _ := got.Get("name")
		require.Equal(t, "a", name.Text())
		return nil
	}))
	require.Equal(t, 1, count(t, s, "hosts"))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx *Tx) error {
		_, _, _ = tx.Insert("hosts", rec("a"))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, count(t, s, "hosts"))
}

func TestUpdateReleasesWriterOnPanic(t *testing.T) {
	s := New()
	require.Panics(t, func() {
		_ = s.Update(context.Background(), func(tx *Tx) error {
			_, _, _ = tx.Insert("hosts", rec("a"))
			panic("boom")
		})
	})
	require.Equal(t, 0, count(t, s, "hosts"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
}

func TestPutAndDeleteMissing(t *testing.T) {
	s := New()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	require.ErrorIs(t, tx.Put("hosts", 9, rec("x")), ErrNotFound)
	require.ErrorIs(t, tx.Delete("hosts", 9), ErrNotFound)
	_, err = tx.Get("hosts", 9)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBeginWaitsForWriter(t *testing.T) {
	s := New()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Begin(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tx.Rollback())
	tx2, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
}
