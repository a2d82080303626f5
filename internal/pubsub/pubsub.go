package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Publisher[E any] interface {
	Publish(evt E)
}

type Subscriber[E any] interface {
	Subscribe(ctx context.Context) Subscription[E]
}

type Subscription[E any] interface {
	ResultChan() <-chan E
	Stop()
}

// PubSub fans events from one producer out to any number of subscribers.
// Closing it detaches all subscribers but lets them drain events that were
// already buffered, so a terminal event published right before Close is
// still delivered.
type PubSub[E any] struct {
	mutex         sync.RWMutex
	subscriptions map[int64]*subscription[E]
	seq           int64
	closed        bool
}

func New[E any]() *PubSub[E] {
	return &PubSub[E]{subscriptions: map[int64]*subscription[E]{}}
}

func (p *PubSub[E]) Subscribe(ctx context.Context) Subscription[E] {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return closedSubscription[E]("closed-subscription")
	}

	p.seq++

	ctx, cancel := context.WithCancel(ctx)
	s := &subscription[E]{
		id:     p.seq,
		cancel: cancel,
		pubsub: p,
		ch:     make(chan E, 10),
	}
	p.subscriptions[s.id] = s

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s
}

func (p *PubSub[E]) Publish(evt E) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.closed {
		return
	}

	for _, s := range p.subscriptions {
		select {
		case s.ch <- evt:
		case <-time.After(15 * time.Second):
			slog.Warn("kicking subscriber since it timed out accepting an event after 15s")
			go s.Stop()
		}
	}
}

// Close detaches every subscriber. Publishing afterwards is a no-op.
func (p *PubSub[E]) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.closed = true

	for id, s := range p.subscriptions {
		delete(p.subscriptions, id)
		s.close()
	}
}

func (p *PubSub[E]) SubscriberCount() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return len(p.subscriptions)
}

type subscription[E any] struct {
	pubsub *PubSub[E]
	id     int64
	cancel context.CancelFunc
	mutex  sync.Mutex
	ch     chan E
	closed bool
}

func (s *subscription[E]) Stop() {
	s.pubsub.mutex.Lock()
	delete(s.pubsub.subscriptions, s.id)
	s.pubsub.mutex.Unlock()

	s.close()
}

func (s *subscription[E]) close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
		s.cancel()
	}
}

func (s *subscription[E]) ResultChan() <-chan E {
	return s.ch
}

type closedSubscription[E any] string

func (closedSubscription[E]) Stop() {}

func (closedSubscription[E]) ResultChan() <-chan E {
	ch := make(chan E)
	close(ch)
	return ch
}
