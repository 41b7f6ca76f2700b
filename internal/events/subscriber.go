package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"jobline/internal/domain"
)

const (
	defaultDedupSize       = 10000
	defaultMaxRedeliveries = 10
)

// HandlerFunc reacts to one event. Returning an error wrapping ErrRetry
// requests redelivery; any other error is logged and the event is
// considered handled.
type HandlerFunc func(ctx context.Context, evt domain.DomainEvent) error

// Deduper is a persistent record of handled event ids.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID, eventType string) error
}

type SubscriberConfig struct {
	Queue string
	// DedupSize bounds the in-memory set of recently handled ids.
	DedupSize int
	// Workers consume the queue concurrently. Defaults to 1.
	Workers int
	// RateLimit caps handler invocations per second. Zero disables it.
	RateLimit float64
	Burst     int
	// Retry spaces out redeliveries requested with ErrRetry.
	Retry Backoff
	// MaxRedeliveries bounds how often one event is requeued before it is
	// dropped.
	MaxRedeliveries int
}

type route struct {
	name     string
	patterns []string
	handler  HandlerFunc
}

// Subscriber consumes one queue and fans events out to handlers whose
// patterns match the event type.
type Subscriber struct {
	transport Transport
	ledger    Deduper
	log       logrus.FieldLogger
	cfg       SubscriberConfig
	seen      *lru.Cache[string, struct{}]
	attempts  *lru.Cache[string, int]
	limiter   *rate.Limiter

	mu       sync.RWMutex
	routes   []*route
	inflight map[string]struct{}
	flightMu sync.Mutex
	wg       sync.WaitGroup
}

// NewSubscriber builds a subscriber. ledger may be nil.
func NewSubscriber(t Transport, ledger Deduper, cfg SubscriberConfig, log logrus.FieldLogger) (*Subscriber, error) {
	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, errors.New("subscriber queue required")
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = defaultDedupSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retry == nil {
		cfg.Retry = ExponentialJitter{Initial: 500 * time.Millisecond, Max: 30 * time.Second}
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = defaultMaxRedeliveries
	}
	seen, err := lru.New[string, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	attempts, err := lru.New[string, int](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("redelivery cache: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Subscriber{
		transport: t,
		ledger:    ledger,
		log:       log.WithField("queue", cfg.Queue),
		cfg:       cfg,
		seen:      seen,
		attempts:  attempts,
		inflight:  make(map[string]struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s, nil
}

// Handle registers h for routing keys matching pattern, named after the
// pattern.
func (s *Subscriber) Handle(pattern string, h HandlerFunc) {
	s.HandleNamed(pattern, []string{pattern}, h)
}

// HandleNamed registers h for every pattern in patterns. An event matching
// several of them reaches h once. name keys h's completion records in the
// dedup ledger, so it must be unique and stable across restarts.
func (s *Subscriber) HandleNamed(name string, patterns []string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routes {
		if r.name == name {
			panic(fmt.Sprintf("events: handler %q registered twice", name))
		}
	}
	s.routes = append(s.routes, &route{name: name, patterns: append([]string(nil), patterns...), handler: h})
}

// Bindings lists the distinct registered patterns.
func (s *Subscriber) Bindings() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, r := range s.routes {
		for _, p := range r.patterns {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func (s *Subscriber) routesFor(eventType string) []*route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*route
	for _, r := range s.routes {
		if MatchAny(r.patterns, eventType) {
			out = append(out, r)
		}
	}
	return out
}

// Start binds the queue and launches the workers. It returns once the
// queue is consuming.
func (s *Subscriber) Start(ctx context.Context) error {
	bindings := s.Bindings()
	if len(bindings) == 0 {
		return errors.New("subscriber has no handlers")
	}
	deliveries, err := s.transport.Consume(ctx, s.cfg.Queue, bindings)
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.Queue, err)
	}
	s.log.WithField("bindings", bindings).Info("subscriber started")
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.work(ctx, deliveries)
	}
	return nil
}

// Wait blocks until every worker and pending redelivery has finished.
func (s *Subscriber) Wait() {
	s.wg.Wait()
}

// Run is Start followed by Wait.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.Wait()
	return nil
}

func (s *Subscriber) work(ctx context.Context, deliveries <-chan Delivery) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					s.log.Error("delivery stream closed, subscriber stopped")
				}
				return
			}
			s.dispatch(ctx, d)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, d Delivery) {
	var evt domain.DomainEvent
	if err := json.Unmarshal(d.Body(), &evt); err != nil || evt.EventID == "" {
		s.log.WithField("routing_key", d.RoutingKey()).WithError(err).Warn("dropping malformed event")
		s.ack(d)
		return
	}
	if evt.EventType == "" {
		evt.EventType = d.RoutingKey()
	}
	log := s.log.WithFields(eventFields(evt))

	routes := s.routesFor(evt.EventType)
	if len(routes) == 0 {
		s.ack(d)
		return
	}
	if s.alreadySeen(ctx, evt.EventID, log) {
		log.Debug("duplicate event skipped")
		s.ack(d)
		return
	}
	if !s.claim(evt.EventID) {
		log.Debug("duplicate event in flight")
		s.ack(d)
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.release(evt.EventID)
			s.nack(d, true)
			return
		}
	}
	var completed []*route
	retry := false
	for _, r := range routes {
		key := handlerKey(evt.EventID, r.name)
		if s.alreadySeen(ctx, key, log) {
			continue
		}
		if err := s.invoke(ctx, r.handler, evt); err != nil {
			if errors.Is(err, ErrRetry) {
				log.WithError(err).WithField("handler", r.name).Warn("handler requested redelivery")
				retry = true
				continue
			}
			log.WithError(err).WithField("handler", r.name).Error("handler failed")
		}
		completed = append(completed, r)
	}
	if retry {
		// handlers that finished are skipped on redelivery
		for _, r := range completed {
			s.markSeen(ctx, handlerKey(evt.EventID, r.name), evt.EventType, log)
		}
		s.redeliver(ctx, d, evt, log)
		return
	}
	s.attempts.Remove(evt.EventID)
	s.markSeen(ctx, evt.EventID, evt.EventType, log)
	s.release(evt.EventID)
	s.ack(d)
}

// redeliver hands d back to the broker after a backoff delay. The event
// stays claimed until then, so copies arriving meanwhile are dropped.
func (s *Subscriber) redeliver(ctx context.Context, d Delivery, evt domain.DomainEvent, log logrus.FieldLogger) {
	n, _ := s.attempts.Get(evt.EventID)
	n++
	if n > s.cfg.MaxRedeliveries {
		log.WithField("redeliveries", n-1).Error("giving up on event")
		s.attempts.Remove(evt.EventID)
		s.markSeen(ctx, evt.EventID, evt.EventType, log)
		s.release(evt.EventID)
		s.ack(d)
		return
	}
	s.attempts.Add(evt.EventID, n)
	delay := s.cfg.Retry.Delay(n)
	log.WithFields(logrus.Fields{"redelivery": n, "delay": delay}).Debug("requeue scheduled")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sleepCtx(ctx, delay)
		s.release(evt.EventID)
		s.nack(d, true)
	}()
}

func handlerKey(eventID, handler string) string {
	return eventID + "/" + handler
}

func (s *Subscriber) invoke(ctx context.Context, h HandlerFunc, evt domain.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(eventFields(evt)).WithField("stack", string(debug.Stack())).Errorf("handler panic: %v", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

func (s *Subscriber) alreadySeen(ctx context.Context, key string, log logrus.FieldLogger) bool {
	if s.seen.Contains(key) {
		return true
	}
	if s.ledger == nil {
		return false
	}
	ok, err := s.ledger.Seen(ctx, key)
	if err != nil {
		log.WithError(err).Warn("dedup ledger lookup")
		return false
	}
	if ok {
		s.seen.Add(key, struct{}{})
	}
	return ok
}

func (s *Subscriber) markSeen(ctx context.Context, key, eventType string, log logrus.FieldLogger) {
	s.seen.Add(key, struct{}{})
	if s.ledger == nil {
		return
	}
	if err := s.ledger.MarkSeen(context.WithoutCancel(ctx), key, eventType); err != nil {
		log.WithError(err).Warn("dedup ledger write")
	}
}

func (s *Subscriber) claim(id string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	// re-check under the lock: a worker may have finished id since the
	// cache lookup
	if s.seen.Contains(id) {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Subscriber) release(id string) {
	s.flightMu.Lock()
	delete(s.inflight, id)
	s.flightMu.Unlock()
}

func (s *Subscriber) ack(d Delivery) {
	if err := d.Ack(); err != nil {
		s.log.WithError(err).Warn("ack")
	}
}

func (s *Subscriber) nack(d Delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		s.log.WithError(err).Warn("nack")
	}
}
