// Package auditlog delivers dental audit events to the structured log and to a
// Kafka topic.
package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/ehr/dental/internal/domain/dental"
	"github.com/ehr/dental/internal/platform/db"
)

// LogSink writes one structured line per event.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(ctx context.Context, ev dental.AuditEvent) error {
	e := s.logger.Info().
		Str("entity", ev.Entity).
		Str("entity_id", ev.EntityID.String()).
		Str("patient_id", ev.PatientID.String()).
		Str("action", ev.Action).
		Str("actor_id", ev.Actor.ActorID).
		Str("actor_name", ev.Actor.ActorName).
		Time("at", ev.Actor.At)
	if tid := db.TenantFromContext(ctx); tid != "" {
		e = e.Str("tenant", tid)
	}
	if ev.Detail != "" {
		e = e.Str("detail", ev.Detail)
	}
	e.Msg("audit")
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events keyed by patient so one patient's trail stays
// ordered within a partition.
type KafkaSink struct {
	w messageWriter
}

// NewKafkaSink returns nil when no brokers are configured.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

// message is the wire form on the audit topic.
type message struct {
	dental.AuditEvent
	Tenant string `json:"tenant,omitempty"`
}

func (s *KafkaSink) Record(ctx context.Context, ev dental.AuditEvent) error {
	value, err := json.Marshal(message{AuditEvent: ev, Tenant: db.TenantFromContext(ctx)})
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.PatientID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "entity", Value: []byte(ev.Entity)},
			{Key: "action", Value: []byte(ev.Action)},
		},
		Time: ev.Actor.At,
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}

// Multi fans an event out to every sink and joins their errors.
type Multi []dental.Auditor

func (m Multi) Record(ctx context.Context, ev dental.AuditEvent) error {
	var errs []error
	for _, a := range m {
		if err := a.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
