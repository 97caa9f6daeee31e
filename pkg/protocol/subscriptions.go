package protocol

import (
	"context"
	"fmt"
	"sync"

	"chatsync/pkg/constants"
	"chatsync/pkg/protocol/types"
)

// subscription is one consumer of an event class. Only dispatch sends on ch
// and only close closes it, both under mu.
type subscription struct {
	mu     sync.Mutex
	ch     chan types.Event
	done   chan struct{}
	once   sync.Once
	closed bool
}

func (s *subscription) deliver(ctx context.Context, ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// Subscribe registers a consumer for one live event class.
func (c *GatewayClient) Subscribe(ctx context.Context, class types.EventClass) (<-chan types.Event, error) {
	if !isLiveClass(class) {
		return nil, fmt.Errorf("unknown event class %q", class)
	}

	sub := &subscription{
		ch:   make(chan types.Event, constants.DefaultSubscriptionBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[class] = append(c.subs[class], sub)
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
			return
		}
		c.unsubscribe(class, sub)
		sub.close()
	}()

	return sub.ch, nil
}

func (c *GatewayClient) unsubscribe(class types.EventClass, sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[class]
	for i, s := range list {
		if s == sub {
			c.subs[class] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (c *GatewayClient) dispatch(ctx context.Context, ev types.Event) {
	c.mu.Lock()
	targets := append([]*subscription(nil), c.subs[ev.Class]...)
	c.mu.Unlock()

	if len(targets) == 0 {
		c.logger.WithField("event_class", ev.Class).Debug("No subscriber for event class")
		return
	}
	for _, sub := range targets {
		sub.deliver(ctx, ev)
	}
}

func (c *GatewayClient) closeAll() {
	c.mu.Lock()
	var all []*subscription
	for class, list := range c.subs {
		all = append(all, list...)
		delete(c.subs, class)
	}
	c.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

func isLiveClass(class types.EventClass) bool {
	for _, c := range types.LiveClasses {
		if c == class {
			return true
		}
	}
	return false
}
