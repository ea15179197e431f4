package eventbus

import (
	"context"
	"sync/atomic"
)

const subscriptionBuffer = 64

type subscribeMsg struct {
	sub *Subscription
}

type unsubscribeMsg struct {
	sub *Subscription
}

type changeMsg struct {
	event ChangeEvent
}

type conflictMsg struct {
	event ConflictEvent
}

// MemoryBus is the in-process bus. A single goroutine owns the subscriber
// map; all mutation goes through the message channel, so no lock is needed.
type MemoryBus struct {
	globalIDs int64
	streams   map[string][]*Subscription
	msgChan   chan interface{}
	quitChan  chan struct{}
}

func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		streams:  make(map[string][]*Subscription),
		msgChan:  make(chan interface{}),
		quitChan: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *MemoryBus) run() {
	for {
		select {
		case msg := <-b.msgChan:
			switch m := msg.(type) {
			case *subscribeMsg:
				b.streams[m.sub.tenantID] = append(b.streams[m.sub.tenantID], m.sub)
			case *unsubscribeMsg:
				var remaining []*Subscription
				for _, sub := range b.streams[m.sub.tenantID] {
					if sub.id != m.sub.id {
						remaining = append(remaining, sub)
						continue
					}
					close(sub.Changes)
					close(sub.Conflicts)
				}
				delete(b.streams, m.sub.tenantID)
				if len(remaining) > 0 {
					b.streams[m.sub.tenantID] = remaining
				}
			case *changeMsg:
				for _, sub := range b.streams[m.event.TenantID] {
					// drop when the subscriber is not keeping up;
					// durability is via pull
					select {
					case sub.Changes <- m.event:
					default:
					}
				}
			case *conflictMsg:
				for _, sub := range b.streams[m.event.TenantID] {
					select {
					case sub.Conflicts <- m.event:
					default:
					}
				}
			}

		case <-b.quitChan:
			for _, subs := range b.streams {
				for _, sub := range subs {
					close(sub.Changes)
					close(sub.Conflicts)
				}
			}
			b.streams = make(map[string][]*Subscription)
			return
		}
	}
}

func (b *MemoryBus) PublishChange(ctx context.Context, event ChangeEvent) error {
	select {
	case b.msgChan <- &changeMsg{event: event}:
		return nil
	case <-b.quitChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) PublishConflict(ctx context.Context, event ConflictEvent) error {
	select {
	case b.msgChan <- &conflictMsg{event: event}:
		return nil
	case <-b.quitChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Subscribe(tenantID string) *Subscription {
	sub := &Subscription{
		id:        atomic.AddInt64(&b.globalIDs, 1),
		tenantID:  tenantID,
		Changes:   make(chan ChangeEvent, subscriptionBuffer),
		Conflicts: make(chan ConflictEvent, subscriptionBuffer),
	}
	select {
	case b.msgChan <- &subscribeMsg{sub: sub}:
	case <-b.quitChan:
	}
	return sub
}

func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	select {
	case b.msgChan <- &unsubscribeMsg{sub: sub}:
	case <-b.quitChan:
	}
}

func (b *MemoryBus) Close() {
	close(b.quitChan)
}
