// Package amqp implements events.Transport on a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"jobline/internal/events"
)

const (
	DefaultExchange  = "semantic_search_events"
	confirmTimeout   = 30 * time.Second
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

type Config struct {
	URL      string
	Exchange string
	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int
}

// Transport owns one connection and a confirm-mode publishing channel.
// Each Consume call opens its own channel.
type Transport struct {
	cfg  Config
	log  logrus.FieldLogger
	dial func(url string) (*amqp.Connection, error)

	// open is subscribe outside of tests.
	open      func(ctx context.Context, queue string, bindings []string) (<-chan amqp.Delivery, func(), error)
	reconnect events.Backoff

	mu        sync.Mutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	confirms  chan amqp.Confirmation
	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, log logrus.FieldLogger) (*Transport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Transport{
		cfg:       cfg,
		log:       log,
		dial:      amqp.Dial,
		reconnect: events.ExponentialJitter{Initial: reconnectInitial, Max: reconnectMax},
		closed:    make(chan struct{}),
	}
	t.open = t.subscribe
	return t, nil
}

// IsConnected checks if the connection is usable.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.conn.IsClosed()
}

func (t *Transport) connection() (*amqp.Connection, error) {
	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn, nil
	}
	conn, err := t.dial(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	t.conn = conn
	t.pubCh = nil
	return conn, nil
}

func (t *Transport) declareExchange(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		t.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-delete
		false,          // internal
		false,          // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

func (t *Transport) publishChannel() (*amqp.Channel, chan amqp.Confirmation, error) {
	if t.pubCh != nil && !t.pubCh.IsClosed() {
		return t.pubCh, t.confirms, nil
	}
	conn, err := t.connection()
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := t.declareExchange(ch); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("confirm mode: %w", err)
	}
	t.pubCh = ch
	t.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return ch, t.confirms, nil
}

// Publish sends body to the exchange and waits for the broker confirm.
func (t *Transport) Publish(ctx context.Context, routingKey string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, confirms, err := t.publishChannel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx,
		t.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-confirms:
		if !ok {
			t.pubCh = nil
			return errors.New("confirmation channel closed")
		}
		if !c.Ack {
			return errors.New("publish not acknowledged by broker")
		}
		return nil
	case <-ctx.Done():
		// the pending confirm would be read by the next publish
		_ = ch.Close()
		t.pubCh = nil
		return ctx.Err()
	case <-timer.C:
		_ = ch.Close()
		t.pubCh = nil
		return errors.New("publish confirmation timed out")
	}
}

// subscribe opens a channel, declares the exchange and a durable queue,
// binds every pattern and registers a manual-ack consumer.
func (t *Transport) subscribe(ctx context.Context, queue string, bindings []string) (<-chan amqp.Delivery, func(), error) {
	t.mu.Lock()
	conn, err := t.connection()
	t.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	fail := func(err error) (<-chan amqp.Delivery, func(), error) {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := t.declareExchange(ch); err != nil {
		return fail(err)
	}
	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	for _, key := range bindings {
		if err := ch.QueueBind(q.Name, key, t.cfg.Exchange, false, nil); err != nil {
			return fail(fmt.Errorf("bind %s: %w", key, err))
		}
	}
	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("set qos: %w", err))
	}
	msgs, err := ch.ConsumeWithContext(ctx,
		q.Name,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fail(fmt.Errorf("register consumer: %w", err))
	}
	return msgs, func() { _ = ch.Close() }, nil
}

// Consume declares a durable queue, binds it to every pattern and streams
// deliveries with manual acknowledgement. Setup errors are returned
// directly; once streaming, a dropped channel or connection is re-established
// with backoff and the returned channel stays open until ctx is done or the
// transport is closed.
func (t *Transport) Consume(ctx context.Context, queue string, bindings []string) (<-chan events.Delivery, error) {
	msgs, release, err := t.open(ctx, queue, bindings)
	if err != nil {
		return nil, err
	}
	out := make(chan events.Delivery)
	go func() {
		defer close(out)
		log := t.log.WithField("queue", queue)
		for {
			if !t.forward(ctx, msgs, out) {
				release()
				return
			}
			release()
			log.Warn("amqp delivery channel closed, reconnecting")
			if msgs, release = t.resubscribe(ctx, queue, bindings, log); msgs == nil {
				return
			}
			log.Info("amqp consumer re-established")
		}
	}()
	return out, nil
}

// forward copies deliveries to out. It reports false when the consumer
// should stop and true when msgs closed underneath it.
func (t *Transport) forward(ctx context.Context, msgs <-chan amqp.Delivery, out chan<- events.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.closed:
			return false
		case m, ok := <-msgs:
			if !ok {
				return true
			}
			select {
			case out <- &delivery{m: m}:
			case <-ctx.Done():
				_ = m.Nack(false, true)
				return false
			}
		}
	}
}

// resubscribe retries subscribe until it succeeds. It returns a nil
// channel when ctx is done or the transport was closed first.
func (t *Transport) resubscribe(ctx context.Context, queue string, bindings []string, log logrus.FieldLogger) (<-chan amqp.Delivery, func()) {
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(t.reconnect.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-t.closed:
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
		msgs, release, err := t.open(ctx, queue, bindings)
		if err == nil {
			return msgs, release
		}
		log.WithError(err).WithField("attempt", attempt).Warn("amqp resubscribe failed")
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubCh != nil {
		_ = t.pubCh.Close()
		t.pubCh = nil
	}
	if t.conn == nil || t.conn.IsClosed() {
		return nil
	}
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}
	return nil
}

type delivery struct {
	m amqp.Delivery
}

func (d *delivery) RoutingKey() string      { return d.m.RoutingKey }
func (d *delivery) Body() []byte            { return d.m.Body }
func (d *delivery) Ack() error              { return d.m.Ack(false) }
func (d *delivery) Nack(requeue bool) error { return d.m.Nack(false, requeue) }
