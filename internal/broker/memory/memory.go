// Package memory is an in-process topic broker used by tests and by
// single-binary deployments.
package memory

import (
	"context"
	"errors"
	"sync"

	"jobline/internal/events"
)

var ErrClosed = errors.New("memory broker closed")

// Broker routes published messages to every bound queue whose patterns
// match the routing key. Redeliver injects that many extra copies of each
// message, which exercises consumer deduplication.
type Broker struct {
	Redeliver int

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

func New() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

type message struct {
	key  string
	body []byte
}

type queue struct {
	mu       sync.Mutex
	bindings []string
	pending  []message
	notify   chan struct{}
	acked    int
	nacked   int
}

func (q *queue) push(m message) {
	q.mu.Lock()
	q.pending = append(q.pending, m)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) unpop(m message) {
	q.mu.Lock()
	q.pending = append([]message{m}, q.pending...)
	q.mu.Unlock()
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return message{}, false
	}
	m := q.pending[0]
	q.pending = q.pending[1:]
	return m, true
}

// Declare creates queue bound to patterns, or extends its bindings.
func (b *Broker) Declare(name string, bindings []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	q.mu.Lock()
	for _, p := range bindings {
		if !contains(q.bindings, p) {
			q.bindings = append(q.bindings, p)
		}
	}
	q.mu.Unlock()
}

func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	copies := 1 + b.Redeliver
	for _, q := range b.queues {
		q.mu.Lock()
		match := events.MatchAny(q.bindings, routingKey)
		q.mu.Unlock()
		if !match {
			continue
		}
		for i := 0; i < copies; i++ {
			q.push(message{key: routingKey, body: append([]byte(nil), body...)})
		}
	}
	return nil
}

func (b *Broker) Consume(ctx context.Context, name string, bindings []string) (<-chan events.Delivery, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	b.Declare(name, bindings)
	b.mu.Lock()
	q := b.queues[name]
	b.mu.Unlock()

	out := make(chan events.Delivery)
	go func() {
		defer close(out)
		// a stopping consumer passes its wakeup on to the others
		defer q.wake()
		for {
			if ctx.Err() != nil {
				return
			}
			m, ok := q.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.notify:
					continue
				}
			}
			d := &delivery{q: q, msg: m}
			select {
			case <-ctx.Done():
				q.unpop(m)
				return
			case out <- d:
			}
		}
	}()
	return out, nil
}

// Stats reports ack and nack counts for queue name.
func (b *Broker) Stats(name string) (acked, nacked, pending int) {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0, 0, 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked, q.nacked, len(q.pending)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type delivery struct {
	q    *queue
	msg  message
	once sync.Once
}

func (d *delivery) RoutingKey() string { return d.msg.key }
func (d *delivery) Body() []byte       { return d.msg.body }

func (d *delivery) Ack() error {
	d.once.Do(func() {
		d.q.mu.Lock()
		d.q.acked++
		d.q.mu.Unlock()
	})
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	d.once.Do(func() {
		d.q.mu.Lock()
		d.q.nacked++
		d.q.mu.Unlock()
		if requeue {
			d.q.push(d.msg)
		}
	})
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
