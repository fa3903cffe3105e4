// Package notify publishes campaign lifecycle events.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/model"
	"github.com/iurnickita/groupbuy/internal/notify/config"
)

// Dispatcher delivers events after the change that produced them is committed.
// A failed delivery never undoes the change.
type Dispatcher interface {
	Notify(ctx context.Context, event model.Event) error
	Close() error
}

// NewDispatcher returns a Kafka dispatcher when brokers are configured, otherwise a log-only one.
func NewDispatcher(cfg config.Config, zaplog *zap.Logger) (Dispatcher, error) {
	if cfg.Brokers == "" {
		return NewLogDispatcher(zaplog), nil
	}

	scfg := sarama.NewConfig()
	scfg.Producer.RequiredAcks = sarama.WaitForLocal
	scfg.Producer.Compression = sarama.CompressionSnappy
	scfg.Producer.Flush.Frequency = 500 * time.Millisecond
	scfg.Producer.Retry.Max = 5

	producer, err := sarama.NewAsyncProducer(strings.Split(cfg.Brokers, ","), scfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaDispatcher(producer, cfg.Topic, zaplog), nil
}

// Kafka

type kafkaDispatcher struct {
	producer sarama.AsyncProducer
	topic    string
	zaplog   *zap.Logger
	done     chan struct{}
}

func NewKafkaDispatcher(producer sarama.AsyncProducer, topic string, zaplog *zap.Logger) Dispatcher {
	d := &kafkaDispatcher{
		producer: producer,
		topic:    topic,
		zaplog:   zaplog,
		done:     make(chan struct{}),
	}

	// ошибки доставки приходят асинхронно
	go func() {
		defer close(d.done)
		for err := range producer.Errors() {
			d.zaplog.Warn("event delivery failed", zap.Error(err.Err))
		}
	}()

	return d
}

func (d *kafkaDispatcher) Notify(ctx context.Context, event model.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(event.CampaignID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
		Timestamp: event.OccurredAt,
	}

	select {
	case d.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *kafkaDispatcher) Close() error {
	err := d.producer.Close()
	<-d.done
	return err
}

// Только журнал

type logDispatcher struct {
	zaplog *zap.Logger
}

func NewLogDispatcher(zaplog *zap.Logger) Dispatcher {
	return &logDispatcher{zaplog: zaplog}
}

func (d *logDispatcher) Notify(ctx context.Context, event model.Event) error {
	d.zaplog.Info("campaign event",
		zap.String("campaign_id", event.CampaignID),
		zap.String("event_type", string(event.Type)),
		zap.Any("payload", event.Payload),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}

func (d *logDispatcher) Close() error {
	return nil
}
