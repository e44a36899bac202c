// Package alert delivers operational alerts (audit write failures, stuck
// orders) to operators.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"order-gateway-go/internal/config"
)

// Alert kinds.
const (
	KindAuditWriteFailed = "audit_write_failed"
	KindOrderUnresolved  = "order_unresolved"
)

// Event is one alert.
type Event struct {
	Kind          string    `json:"kind"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}

// Alerter sends alerts. Implementations must be safe for concurrent use.
type Alerter interface {
	Alert(ctx context.Context, ev Event) error
}

// LogAlerter writes alerts to the log at error level.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.Named("alert")}
}

func (a *LogAlerter) Alert(_ context.Context, ev Event) error {
	a.logger.Error(ev.Message,
		zap.String("kind", ev.Kind),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("order_id", ev.OrderID),
		zap.String("error", ev.Error),
	)
	return nil
}

// KafkaAlerter publishes alerts as JSON to a Kafka topic.
type KafkaAlerter struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaAlerter connects a synchronous producer to the configured brokers.
func NewKafkaAlerter(cfg config.Kafka, logger *zap.Logger) (*KafkaAlerter, error) {
	sc := sarama.NewConfig()
	sc.ClientID = "order-gateway"
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaAlerterWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaAlerterWithProducer wraps an existing producer.
func NewKafkaAlerterWithProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaAlerter {
	return &KafkaAlerter{producer: producer, topic: topic, logger: logger.Named("alert.kafka")}
}

func (a *KafkaAlerter) Alert(_ context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: a.topic,
		Key:   sarama.StringEncoder(ev.Kind),
		Value: sarama.ByteEncoder(body),
	}
	partition, offset, err := a.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	a.logger.Debug("Alert published", zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (a *KafkaAlerter) Close() error {
	return a.producer.Close()
}

// Multi fans an alert out to every sink and joins their errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
