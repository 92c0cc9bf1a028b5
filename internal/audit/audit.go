// Package audit 提供审计日志的写入目标。
// 审计写入是尽力而为的：分发器只记录写入失败，不影响调用结果。
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/oriys/courier/internal/domain"
	"github.com/oriys/courier/internal/events"
	"github.com/sirupsen/logrus"
)

// Sink 审计日志写入目标
type Sink interface {
	Append(ctx context.Context, entry *domain.AuditLogEntry) error
}

// Fingerprint 计算授权头的 SHA-256 指纹，原始凭据不会进入审计日志
func Fingerprint(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	h := sha256.Sum256([]byte(authHeader))
	return hex.EncodeToString(h[:])
}

// MultiSink 依次写入多个目标，汇总所有错误
type MultiSink []Sink

// Append 写入所有目标
func (m MultiSink) Append(ctx context.Context, entry *domain.AuditLogEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink 将审计记录写入日志
type LogSink struct {
	Logger *logrus.Logger
}

// Append 写入日志
func (s *LogSink) Append(_ context.Context, entry *domain.AuditLogEntry) error {
	fields := logrus.Fields{
		"audit_id":       entry.ID,
		"actor":          entry.Actor,
		"source_address": entry.SourceAddress,
		"operation":      entry.OperationName,
		"outcome":        entry.Outcome,
	}
	if entry.Outcome == domain.AuditFailure {
		fields["status_code"] = entry.StatusCode
		fields["error_message"] = entry.ErrorMessage
	}
	s.Logger.WithFields(fields).Info("Audit")
	return nil
}

// EventSink 将审计记录发布到事件总线，subject 为 audit.<outcome>
type EventSink struct {
	Publisher events.Publisher
}

// Append 发布审计事件
func (s *EventSink) Append(ctx context.Context, entry *domain.AuditLogEntry) error {
	subject := events.SubjectAudit + "." + string(entry.Outcome)
	ev, err := events.NewEvent(subject, "dispatcher", subject, entry)
	if err != nil {
		return err
	}
	ev.ID = entry.ID
	return s.Publisher.Publish(ctx, subject, ev)
}
