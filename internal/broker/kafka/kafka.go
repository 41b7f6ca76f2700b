// Package kafka implements events.Transport on a Kafka topic.
//
// The exchange maps to a single topic and the routing key travels as the
// message key, so events of one type stay ordered on one partition. Topic
// patterns are applied on the consumer side and the queue name is the
// consumer group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"jobline/internal/events"
)

const DefaultTopic = "semantic_search_events"

type Config struct {
	Brokers []string
	Topic   string
}

type Transport struct {
	cfg    Config
	log    logrus.FieldLogger
	writer *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

func New(cfg Config, log logrus.FieldLogger) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = DefaultTopic
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		cfg: cfg,
		log: log,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

func (t *Transport) Publish(ctx context.Context, routingKey string, body []byte) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(routingKey),
		Value: body,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (t *Transport) Consume(ctx context.Context, queue string, bindings []string) (<-chan events.Delivery, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("kafka transport closed")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        t.cfg.Brokers,
		GroupID:        queue,
		Topic:          t.cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: 5 * time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			t.log.Errorf("kafka: "+msg, args...)
		}),
	})
	t.readers = append(t.readers, reader)
	t.mu.Unlock()

	log := t.log.WithFields(logrus.Fields{"topic": t.cfg.Topic, "group": queue})
	out := make(chan events.Delivery)
	go func() {
		defer close(out)
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				log.WithError(err).Warn("kafka fetch")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			d := &delivery{t: t, reader: reader, m: m}
			if !events.MatchAny(bindings, string(m.Key)) {
				_ = d.Ack()
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	var errs []error
	if err := t.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kafka writer: %w", err))
	}
	for _, r := range t.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka reader: %w", err))
		}
	}
	t.readers = nil
	return errors.Join(errs...)
}

type delivery struct {
	t      *Transport
	reader *kafka.Reader
	m      kafka.Message
}

func (d *delivery) RoutingKey() string { return string(d.m.Key) }
func (d *delivery) Body() []byte       { return d.m.Value }

func (d *delivery) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.reader.CommitMessages(ctx, d.m)
}

// Nack with requeue appends a copy to the topic before committing, since a
// Kafka consumer group cannot rewind a single message.
func (d *delivery) Nack(requeue bool) error {
	if requeue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := d.t.Publish(ctx, string(d.m.Key), d.m.Value)
		cancel()
		if err != nil {
			return err
		}
	}
	return d.Ack()
}
