package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"jobline/internal/domain"
)

const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"

	defaultBuffer      = 256
	defaultMaxAttempts = 5
	defaultSendTimeout = 10 * time.Second
)

// Journal records the outcome of each publication.
type Journal interface {
	RecordDelivery(ctx context.Context, d domain.Delivery) error
}

type PublisherConfig struct {
	// Buffer bounds the number of events waiting to be sent.
	Buffer      int
	MaxAttempts int
	Backoff     Backoff
	// SendTimeout bounds a single broker call.
	SendTimeout time.Duration
	// BreakerFailures consecutive failures open the circuit for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff()
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}

// Publisher hands domain events to a Transport from a background loop so
// that callers never block on the broker.
type Publisher struct {
	transport Transport
	journal   Journal
	log       logrus.FieldLogger
	cfg       PublisherConfig
	cb        *gobreaker.CircuitBreaker
	Now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan domain.DomainEvent
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPublisher starts the delivery loop. journal may be nil.
func NewPublisher(t Transport, journal Journal, cfg PublisherConfig, log logrus.FieldLogger) *Publisher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		transport: t,
		journal:   journal,
		log:       log,
		cfg:       cfg,
		Now:       time.Now,
		queue:     make(chan domain.DomainEvent, cfg.Buffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "event-publisher",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("broker circuit state changed")
		},
	})
	go p.loop()
	return p
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Publisher) stamp(evt domain.DomainEvent) (domain.DomainEvent, error) {
	if evt.EventType == "" {
		return evt, fmt.Errorf("%w: event_type required", ErrInvalidEvent)
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = p.now()
	}
	if len(evt.Payload) == 0 {
		evt.Payload = json.RawMessage(`{}`)
	}
	return evt, nil
}

// Publish enqueues evt and returns without waiting for the broker. A full
// queue is reported as ErrDeliveryFailure.
func (p *Publisher) Publish(ctx context.Context, evt domain.DomainEvent) error {
	_, err := p.Enqueue(ctx, evt)
	return err
}

// Enqueue is Publish returning the stamped event.
func (p *Publisher) Enqueue(ctx context.Context, evt domain.DomainEvent) (domain.DomainEvent, error) {
	evt, err := p.stamp(evt)
	if err != nil {
		return evt, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return evt, ErrClosed
	}
	select {
	case p.queue <- evt:
		return evt, nil
	default:
		err := fmt.Errorf("%w: queue full, dropping %s %s", ErrDeliveryFailure, evt.EventType, evt.EventID)
		p.log.WithFields(eventFields(evt)).Error(err)
		p.record(ctx, evt, 0, err)
		return evt, err
	}
}

// PublishSync sends evt on the caller's goroutine and reports the outcome.
func (p *Publisher) PublishSync(ctx context.Context, evt domain.DomainEvent) (domain.DomainEvent, error) {
	evt, err := p.stamp(evt)
	if err != nil {
		return evt, err
	}
	return evt, p.deliver(ctx, evt)
}

func (p *Publisher) loop() {
	defer close(p.done)
	for evt := range p.queue {
		_ = p.deliver(p.ctx, evt)
	}
}

func (p *Publisher) deliver(ctx context.Context, evt domain.DomainEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", ErrDeliveryFailure, err)
	}
	log := p.log.WithFields(eventFields(evt))
	var lastErr error
	attempt := 0
	for attempt < p.cfg.MaxAttempts {
		attempt++
		_, lastErr = p.cb.Execute(func() (interface{}, error) {
			sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
			defer cancel()
			return nil, p.transport.Publish(sendCtx, evt.EventType, body)
		})
		if lastErr == nil {
			log.WithField("attempt", attempt).Debug("event delivered")
			p.record(ctx, evt, attempt, nil)
			return nil
		}
		wait := p.cfg.Backoff.Delay(attempt)
		if errors.Is(lastErr, gobreaker.ErrOpenState) {
			// the breaker half-opens after BreakerTimeout
			wait = p.cfg.BreakerTimeout
			log.WithField("attempt", attempt).Warn("broker circuit open, waiting")
		} else {
			log.WithError(lastErr).WithField("attempt", attempt).Warn("publish failed")
		}
		if attempt >= p.cfg.MaxAttempts {
			break
		}
		if !sleepCtx(ctx, wait) {
			lastErr = ctx.Err()
			break
		}
	}
	err = fmt.Errorf("%w: %s %s after %d attempts: %v", ErrDeliveryFailure, evt.EventType, evt.EventID, attempt, lastErr)
	log.WithField("attempt", attempt).Error(err)
	p.record(ctx, evt, attempt, err)
	return err
}

func (p *Publisher) record(ctx context.Context, evt domain.DomainEvent, attempts int, err error) {
	if p.journal == nil {
		return
	}
	d := domain.Delivery{
		EventID:     evt.EventID,
		EventType:   evt.EventType,
		AggregateID: evt.AggregateID,
		Status:      DeliveryDelivered,
		Attempts:    attempts,
		TS:          p.now(),
	}
	if err != nil {
		d.Status = DeliveryFailed
		d.Error = err.Error()
	}
	// The journal write outlives a cancelled caller context.
	if jerr := p.journal.RecordDelivery(context.WithoutCancel(ctx), d); jerr != nil {
		p.log.WithError(jerr).WithFields(eventFields(evt)).Warn("journal delivery")
	}
}

// Close stops accepting events and drains the queue. If ctx expires first,
// pending sends are abandoned.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}

func eventFields(evt domain.DomainEvent) logrus.Fields {
	return logrus.Fields{"event_id": evt.EventID, "event_type": evt.EventType}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
