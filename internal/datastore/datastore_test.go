package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/execctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	CustomerID string `json:"customerId"`
	Total      int    `json:"total"`
}

func withExecution() (context.Context, *execctx.Execution) {
	e := execctx.New("")
	return execctx.With(context.Background(), e), e
}

func TestMemoryStoreCRUD(t *testing.T) {
	s := NewMemoryStore(2, Options{})
	ctx, e := withExecution()

	rec, err := s.Create(ctx, "orders", "o1", order{CustomerID: "c1", Total: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)

	_, err = s.Create(ctx, "orders", "o1", order{})
	assert.True(t, errors.Is(err, domain.ErrDuplicateEntity))

	got, err := s.Get(ctx, "orders", "o1")
	require.NoError(t, err)
	var o order
	require.NoError(t, got.Decode(&o))
	assert.Equal(t, order{CustomerID: "c1", Total: 10}, o)

	updated, err := s.Update(ctx, "orders", "o1", 1, order{CustomerID: "c1", Total: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = s.Update(ctx, "orders", "o1", 1, order{})
	assert.ErrorIs(t, err, domain.ErrVersionMismatch)

	_, err = s.Update(ctx, "orders", "o1", AnyVersion, json.RawMessage(`{"total":30}`))
	require.NoError(t, err)

	n, err := s.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Delete(ctx, "orders", "o1"))
	_, err = s.Get(ctx, "orders", "o1")
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "orders", "o1"), domain.ErrEntityNotFound)

	// 每个操作都计数（包括失败的操作）
	assert.Equal(t, int64(10), e.Snapshot().DBLocalTransactionCount)
}

func TestMemoryStoreMaxEntities(t *testing.T) {
	s := NewMemoryStore(1, Options{MaxEntitiesPerCollection: 1})
	ctx := context.Background()

	_, err := s.Create(ctx, "orders", "o1", order{})
	require.NoError(t, err)
	_, err = s.Create(ctx, "orders", "o2", order{})
	assert.ErrorIs(t, err, domain.ErrMaxEntityCount)
}

func TestMemoryStoreTransactionCountsOnceAndRollsBack(t *testing.T) {
	s := NewMemoryStore(1, Options{})
	ctx, e := withExecution()

	err := s.InTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.Create(ctx, "orders", "o1", order{}); err != nil {
			return err
		}
		_, err := s.Create(ctx, "orders", "o2", order{})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Snapshot().DBLocalTransactionCount)

	boom := errors.New("boom")
	err = s.InTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := s.Create(ctx, "orders", "o3", order{}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.Count(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStoreRollbackKeepsOtherCallsWrites(t *testing.T) {
	s := NewMemoryStore(2, Options{})
	ctx := context.Background()

	inTx := make(chan struct{})
	resume := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTransaction(ctx, func(ctx context.Context) error {
			if _, err := s.Create(ctx, "orders", "in-tx", order{}); err != nil {
				return err
			}
			close(inTx)
			<-resume
			return errors.New("boom")
		})
	}()

	<-inTx
	// 未提交的写入对其他调用不可见
	_, err := s.Get(ctx, "orders", "in-tx")
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)

	_, err = s.Create(ctx, "orders", "other-call", order{CustomerID: "c2"})
	require.NoError(t, err)
	close(resume)
	require.Error(t, <-done)

	rec, err := s.Get(ctx, "orders", "other-call")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	_, err = s.Get(ctx, "orders", "in-tx")
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestMemoryStoreTransactionSeesOwnWrites(t *testing.T) {
	s := NewMemoryStore(1, Options{MaxEntitiesPerCollection: 2})
	ctx := context.Background()
	_, err := s.Create(ctx, "orders", "o1", order{Total: 1})
	require.NoError(t, err)

	err = s.InTransaction(ctx, func(ctx context.Context) error {
		rec, err := s.Update(ctx, "orders", "o1", 1, order{Total: 2})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), rec.Version)

		if err := s.Delete(ctx, "orders", "o1"); err != nil {
			return err
		}
		n, err := s.Count(ctx, "orders")
		assert.NoError(t, err)
		assert.Zero(t, n)

		if _, err := s.Create(ctx, "orders", "o2", order{}); err != nil {
			return err
		}
		_, err = s.Create(ctx, "orders", "o3", order{})
		return err
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, "orders", "o1")
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
	n, err := s.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStoreCommitDetectsConcurrentChanges(t *testing.T) {
	s := NewMemoryStore(2, Options{})
	ctx := context.Background()
	_, err := s.Create(ctx, "orders", "o1", order{Total: 1})
	require.NoError(t, err)

	err = s.InTransaction(ctx, func(txCtx context.Context) error {
		if _, err := s.Update(txCtx, "orders", "o1", AnyVersion, order{Total: 10}); err != nil {
			return err
		}
		// 事务外的调用先修改了同一实体
		_, err := s.Update(ctx, "orders", "o1", AnyVersion, order{Total: 20})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrVersionMismatch)

	rec, err := s.Get(ctx, "orders", "o1")
	require.NoError(t, err)
	var o order
	require.NoError(t, json.Unmarshal(rec.Data, &o))
	assert.Equal(t, 20, o.Total)
	assert.Equal(t, int64(2), rec.Version)

	err = s.InTransaction(ctx, func(txCtx context.Context) error {
		if _, err := s.Create(txCtx, "orders", "o2", order{}); err != nil {
			return err
		}
		_, err := s.Create(ctx, "orders", "o2", order{})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateEntity)
}

func TestMemoryStoreReserveRelease(t *testing.T) {
	s := NewMemoryStore(1, Options{})

	ctx, err := s.Reserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.InUse())

	timeout, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Reserve(timeout)
	assert.Error(t, err)

	s.Release(ctx)
	assert.Equal(t, 0, s.InUse())

	// 未预留的 ctx 释放是空操作
	s.Release(context.Background())
	assert.Equal(t, 0, s.InUse())
}

func TestPostgresStatements(t *testing.T) {
	s := NewPostgresStoreFromDB(nil, Options{})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	query, args, err := s.insertSQL("orders", "o1", json.RawMessage(`{}`), now)
	require.NoError(t, err)
	assert.Contains(t, query, `INSERT INTO "courier_entities"`)
	assert.Contains(t, query, `RETURNING "collection"`)
	assert.Contains(t, query, "$1")
	assert.Len(t, args, 6)

	query, args, err = s.selectSQL("orders", "o1", true)
	require.NoError(t, err)
	assert.Contains(t, query, `FROM "courier_entities"`)
	assert.Contains(t, query, "FOR UPDATE")
	assert.Equal(t, []any{"orders", "o1"}, args)

	query, _, err = s.selectSQL("orders", "o1", false)
	require.NoError(t, err)
	assert.NotContains(t, query, "FOR UPDATE")

	query, args, err = s.updateSQL("orders", "o1", 3, json.RawMessage(`{}`), now)
	require.NoError(t, err)
	assert.Contains(t, query, "version + 1")
	assert.Contains(t, query, `("version" = $`)
	assert.Contains(t, args, int64(3))

	query, args, err = s.updateSQL("orders", "o1", AnyVersion, json.RawMessage(`{}`), now)
	require.NoError(t, err)
	assert.NotContains(t, query, `("version" = $`)
	assert.NotContains(t, args, int64(0))
}
