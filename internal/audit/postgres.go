package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oriys/courier/internal/domain"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSink 将审计记录写入 PostgreSQL 的 audit_log 表
type PostgresSink struct {
	DB auditDB
}

// NewPostgresSink 创建连接池并确保审计表存在
func NewPostgresSink(ctx context.Context, url string) (*PostgresSink, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create audit pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	sink := &PostgresSink{DB: pool}
	if err := sink.migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to migrate audit table: %w", err)
	}
	return sink, pool, nil
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id VARCHAR(36) PRIMARY KEY,
			actor VARCHAR(256),
			source_address VARCHAR(256),
			auth_header_hash VARCHAR(64),
			operation_name VARCHAR(256) NOT NULL,
			outcome VARCHAR(16) NOT NULL,
			status_code INTEGER,
			error_message TEXT,
			subject JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`)
	return err
}

// Append 写入一条审计记录
func (s *PostgresSink) Append(ctx context.Context, entry *domain.AuditLogEntry) error {
	subject, err := json.Marshal(entry.Subject)
	if err != nil {
		return fmt.Errorf("failed to marshal audit subject: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO audit_log
		(id, actor, source_address, auth_header_hash, operation_name, outcome, status_code, error_message, subject, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.Actor, entry.SourceAddress, entry.AuthHeader, entry.OperationName,
		string(entry.Outcome), entry.StatusCode, entry.ErrorMessage, subject, entry.CreatedAt)
	return err
}

// Get 按 ID 读取审计记录
func (s *PostgresSink) Get(ctx context.Context, id string) (*domain.AuditLogEntry, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, actor, source_address, auth_header_hash, operation_name, outcome, status_code, error_message, subject, created_at
		FROM audit_log WHERE id=$1
	`, id)

	var (
		entry   domain.AuditLogEntry
		outcome string
		subject []byte
	)
	if err := row.Scan(&entry.ID, &entry.Actor, &entry.SourceAddress, &entry.AuthHeader, &entry.OperationName,
		&outcome, &entry.StatusCode, &entry.ErrorMessage, &subject, &entry.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntityNotFound
		}
		return nil, err
	}
	entry.Outcome = domain.AuditOutcome(outcome)
	if len(subject) > 0 {
		if err := json.Unmarshal(subject, &entry.Subject); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit subject: %w", err)
		}
	}
	return &entry, nil
}
