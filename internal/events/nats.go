// Package events 提供网关事件总线。
// 当前实现基于 NATS JetStream，用于发布/订阅审计记录和定时任务执行事件。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Subject 前缀
const (
	// SubjectAudit 审计记录，完整 subject 为 audit.<outcome>
	SubjectAudit = "audit"
	// SubjectJob 定时任务事件，完整 subject 为 job.<jobID>.<status>
	SubjectJob = "job"
)

// EventBus 封装 NATS/JetStream 连接与常用发布/订阅操作。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// Event 表示网关内部事件（JSON 格式）。
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent 构造事件，data 序列化为 JSON
func NewEvent(eventType, source, subject string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      raw,
		Timestamp: time.Now(),
	}, nil
}

// EventHandler 定义事件处理回调。
type EventHandler func(event *Event) error

// Publisher 发布事件的最小接口
type Publisher interface {
	Publish(ctx context.Context, subject string, event *Event) error
}

// NewEventBus 创建 EventBus 并初始化所需的 JetStream Stream。
func NewEventBus(natsURL string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("courier-gateway"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ensureStreams(js, logger)

	return &EventBus{
		conn:   nc,
		js:     js,
		logger: logger,
	}, nil
}

// streams 网关使用的 JetStream Stream
var streams = []nats.StreamConfig{
	{Name: "AUDIT", Subjects: []string{SubjectAudit + ".>"}, Storage: nats.FileStorage, MaxAge: 30 * 24 * time.Hour},
	{Name: "JOBS", Subjects: []string{SubjectJob + ".>"}, Storage: nats.FileStorage, MaxAge: 7 * 24 * time.Hour},
}

// ensureStreams 创建缺失的 Stream，已存在的更新为当前配置。失败只记录日志，发布时会再次报错。
func ensureStreams(js nats.JetStreamContext, logger *logrus.Logger) {
	for i := range streams {
		cfg := streams[i]
		_, err := js.AddStream(&cfg)
		if err == nil {
			continue
		}
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			logger.WithError(err).WithField("stream", cfg.Name).Debug("Add stream failed, trying update")
		}
		if _, err := js.UpdateStream(&cfg); err != nil {
			logger.WithError(err).WithField("stream", cfg.Name).Warn("Failed to create or update stream")
		}
	}
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// Publish 发布事件到指定 subject。
func (eb *EventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := eb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"event_id": event.ID,
		"type":     event.Type,
	}).Debug("Event published")

	return nil
}

// Subscribe 以持久消费者订阅匹配 subject 的事件（支持通配符）。
// ctx 取消时将自动取消订阅。
func (eb *EventBus) Subscribe(ctx context.Context, subject, durable string, handler EventHandler) error {
	sub, err := eb.js.Subscribe(subject, eb.deliver(handler), nats.Durable(durable), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	return nil
}

// deliver 解码消息并交给 handler：处理成功 Ack，处理失败 Nak 等待重投，无法解码的消息直接 Term
func (eb *EventBus) deliver(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			eb.logger.WithError(err).WithField("subject", msg.Subject).Error("Dropping undecodable event")
			_ = msg.Term()
			return
		}
		if err := handler(&event); err != nil {
			eb.logger.WithError(err).WithFields(logrus.Fields{
				"event_id": event.ID,
				"subject":  msg.Subject,
			}).Warn("Event handler failed, will be redelivered")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}
}
