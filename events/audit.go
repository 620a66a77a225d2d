package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"copy-trader-go/config"
	"copy-trader-go/infrastructure/logger"
)

// messageWriter 抽象 kafka.Writer，测试用内存实现替换。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AuditSink 把封口的复制事件写进 Kafka 审计主题。
// at-most-once：写失败只记日志就丢，权威记录在 sqlite 里。
type AuditSink struct {
	writer messageWriter
	events <-chan Event
	log    *logger.Logger
	done   chan struct{}
}

// NewAuditSink builds the sink against a real Kafka writer.
func NewAuditSink(cfg config.KafkaConfig, events <-chan Event, log *logger.Logger) *AuditSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.AuditTopic,
		RequiredAcks:           kafka.RequireOne,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return newAuditSink(writer, events, log)
}

func newAuditSink(w messageWriter, events <-chan Event, log *logger.Logger) *AuditSink {
	return &AuditSink{writer: w, events: events, log: log, done: make(chan struct{})}
}

// Run 消费事件通道直到通道关闭或 ctx 取消。
func (s *AuditSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.write(ctx, ev)
		}
	}
}

func (s *AuditSink) write(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		if s.log != nil {
			s.log.LogError(err, map[string]interface{}{"stage": "audit_marshal", "topic": ev.Topic})
		}
		return
	}
	msg := kafka.Message{
		Key:   []byte(auditKey(ev)),
		Value: value,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil && s.log != nil {
		s.log.LogError(err, map[string]interface{}{"stage": "audit_write", "topic": ev.Topic})
	}
}

// auditKey 按载荷的 account 分区（缺省时退到 master，再退到主题名）：
// 封口事件按主账户、订单更新按跟单账户，同一分区键的审计流保持有序。
func auditKey(ev Event) string {
	m, ok := ev.Payload.(map[string]interface{})
	if !ok {
		return ev.Topic
	}
	if acct, ok := m["account"].(string); ok && acct != "" {
		return acct
	}
	if master, ok := m["master"].(string); ok && master != "" {
		return master
	}
	return ev.Topic
}

// Close 等消费循环退出后关闭底层 writer。
func (s *AuditSink) Close() error {
	<-s.done
	return s.writer.Close()
}
