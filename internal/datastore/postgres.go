package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // postgres 方言
	"github.com/lib/pq"
	"github.com/oriys/courier/internal/config"
	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/execctx"
)

const (
	dialectPostgres = "postgres"
	tableEntities   = "courier_entities"

	colCollection = "collection"
	colID         = "id"
	colVersion    = "version"
	colData       = "data"
	colCreatedAt  = "created_at"
	colUpdatedAt  = "updated_at"

	// pqUniqueViolation 唯一约束冲突
	pqUniqueViolation = "23505"
)

// querier 是 *sql.DB、*sql.Conn 和 *sql.Tx 的公共子集
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgConnKey struct{}

type pgTxKey struct{}

// PostgresStore 是基于 PostgreSQL 的数据存储，实体以 JSONB 文档保存在一张表中。
type PostgresStore struct {
	db      *sql.DB
	opts    Options
	builder goqu.DialectWrapper
}

// NewPostgresStore 创建 PostgreSQL 存储，配置连接池并执行迁移
func NewPostgresStore(cfg config.PostgresConfig, opts Options) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 配置连接池参数
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewPostgresStoreFromDB(db, opts)
	if err := store.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// NewPostgresStoreFromDB 使用已有连接池创建存储，不执行迁移
func NewPostgresStoreFromDB(db *sql.DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts, builder: goqu.Dialect(dialectPostgres)}
}

// migrate 创建实体表，使用 IF NOT EXISTS 保证幂等
func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS courier_entities (
			collection VARCHAR(64) NOT NULL,
			id VARCHAR(64) NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			data JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_courier_entities_updated ON courier_entities(collection, updated_at DESC)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Reserve 从连接池取出一个连接绑定到 ctx
func (s *PostgresStore) Reserve(ctx context.Context) (context.Context, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return ctx, fmt.Errorf("failed to reserve connection: %w", err)
	}
	return context.WithValue(ctx, pgConnKey{}, conn), nil
}

// Release 归还 ctx 上绑定的连接
func (s *PostgresStore) Release(ctx context.Context) {
	if conn, ok := ctx.Value(pgConnKey{}).(*sql.Conn); ok {
		_ = conn.Close()
	}
}

// q 选择执行语句的对象：事务 > 预留连接 > 连接池
func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(pgTxKey{}).(*sql.Tx); ok {
		return tx
	}
	if conn, ok := ctx.Value(pgConnKey{}).(*sql.Conn); ok {
		return conn
	}
	return s.db
}

// Create 创建实体
func (s *PostgresStore) Create(ctx context.Context, collection, id string, data any) (*Record, error) {
	execctx.RecordDataStoreOperation(ctx)

	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}

	if s.opts.MaxEntitiesPerCollection > 0 {
		count, err := s.count(ctx, collection)
		if err != nil {
			return nil, err
		}
		if count >= s.opts.MaxEntitiesPerCollection {
			return nil, fmt.Errorf("%w: %s", domain.ErrMaxEntityCount, collection)
		}
	}

	query, args, err := s.insertSQL(collection, id, raw, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(s.q(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, fmt.Errorf("%w: %s/%s", domain.ErrDuplicateEntity, collection, id)
		}
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}
	return rec, nil
}

// Get 读取实体；事务内使用 FOR UPDATE 加锁
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (*Record, error) {
	execctx.RecordDataStoreOperation(ctx)

	_, inTx := ctx.Value(pgTxKey{}).(*sql.Tx)
	query, args, err := s.selectSQL(collection, id, inTx)
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(s.q(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrEntityNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return rec, nil
}

// Update 更新实体，版本号检查与更新在同一条语句中完成
func (s *PostgresStore) Update(ctx context.Context, collection, id string, expectedVersion int64, data any) (*Record, error) {
	execctx.RecordDataStoreOperation(ctx)

	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}

	query, args, err := s.updateSQL(collection, id, expectedVersion, raw, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(s.q(ctx).QueryRowContext(ctx, query, args...))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}

	// 没有更新到行：区分实体不存在和版本冲突
	existsQuery, existsArgs, err := s.selectSQL(collection, id, false)
	if err != nil {
		return nil, err
	}
	if _, err := scanRecord(s.q(ctx).QueryRowContext(ctx, existsQuery, existsArgs...)); errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrEntityNotFound, collection, id)
	}
	return nil, fmt.Errorf("%w: %s/%s expected %d", domain.ErrVersionMismatch, collection, id, expectedVersion)
}

// Delete 删除实体
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	execctx.RecordDataStoreOperation(ctx)

	query, args, err := s.builder.Delete(tableEntities).Prepared(true).
		Where(goqu.C(colCollection).Eq(collection), goqu.C(colID).Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}

	result, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrEntityNotFound, collection, id)
	}
	return nil
}

// Count 统计实体数量
func (s *PostgresStore) Count(ctx context.Context, collection string) (int64, error) {
	execctx.RecordDataStoreOperation(ctx)
	return s.count(ctx, collection)
}

func (s *PostgresStore) count(ctx context.Context, collection string) (int64, error) {
	query, args, err := s.builder.From(tableEntities).Prepared(true).
		Select(goqu.COUNT("*")).
		Where(goqu.C(colCollection).Eq(collection)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build count: %w", err)
	}

	var n int64
	if err := s.q(ctx).QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}

// InTransaction 在本地事务中执行 fn
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	var (
		tx  *sql.Tx
		err error
	)
	if conn, ok := ctx.Value(pgConnKey{}).(*sql.Conn); ok {
		tx, err = conn.BeginTx(ctx, nil)
	} else {
		tx, err = s.db.BeginTx(ctx, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txCtx := context.WithValue(execctx.BeginTransaction(ctx), pgTxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var returningColumns = []any{colCollection, colID, colVersion, colData, colCreatedAt, colUpdatedAt}

func (s *PostgresStore) insertSQL(collection, id string, data json.RawMessage, now time.Time) (string, []any, error) {
	query, args, err := s.builder.Insert(tableEntities).Prepared(true).
		Rows(goqu.Record{
			colCollection: collection,
			colID:         id,
			colVersion:    1,
			colData:       string(data),
			colCreatedAt:  now,
			colUpdatedAt:  now,
		}).
		Returning(returningColumns...).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build insert: %w", err)
	}
	return query, args, nil
}

func (s *PostgresStore) selectSQL(collection, id string, forUpdate bool) (string, []any, error) {
	ds := s.builder.From(tableEntities).Prepared(true).
		Select(returningColumns...).
		Where(goqu.C(colCollection).Eq(collection), goqu.C(colID).Eq(id))
	if forUpdate {
		ds = ds.ForUpdate(goqu.Wait)
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build select: %w", err)
	}
	return query, args, nil
}

func (s *PostgresStore) updateSQL(collection, id string, expectedVersion int64, data json.RawMessage, now time.Time) (string, []any, error) {
	where := []goqu.Expression{goqu.C(colCollection).Eq(collection), goqu.C(colID).Eq(id)}
	if expectedVersion != AnyVersion {
		where = append(where, goqu.C(colVersion).Eq(expectedVersion))
	}

	query, args, err := s.builder.Update(tableEntities).Prepared(true).
		Set(goqu.Record{
			colData:      string(data),
			colVersion:   goqu.L(colVersion + " + 1"),
			colUpdatedAt: now,
		}).
		Where(where...).
		Returning(returningColumns...).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build update: %w", err)
	}
	return query, args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec  Record
		data []byte
	)
	if err := row.Scan(&rec.Collection, &rec.ID, &rec.Version, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Data = data
	return &rec, nil
}
