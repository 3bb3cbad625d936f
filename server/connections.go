package voxserv

import (
	"sync"

	"github.com/google/uuid"
)

// Subscriber is one live log feed connection.
type Subscriber struct {
	ID   uuid.UUID
	Addr string

	send chan []byte
}

func newSubscriber(addr string, buffer int) *Subscriber {
	return &Subscriber{
		ID:   uuid.New(),
		Addr: addr,
		send: make(chan []byte, buffer),
	}
}

type SubscriberList struct {
	subscribers map[uuid.UUID]*Subscriber
	mu          sync.RWMutex
}

func NewSubscriberList() *SubscriberList {
	return &SubscriberList{
		subscribers: make(map[uuid.UUID]*Subscriber),
	}
}

func (sl *SubscriberList) Add(sub *Subscriber) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.subscribers[sub.ID] = sub
}

// Remove drops the subscriber and closes its send channel, which ends its
// write pump. Removing twice is harmless.
func (sl *SubscriberList) Remove(id uuid.UUID) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sub, ok := sl.subscribers[id]
	if !ok {
		return
	}
	delete(sl.subscribers, id)
	close(sub.send)
}

func (sl *SubscriberList) Get(id uuid.UUID) (*Subscriber, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	sub, ok := sl.subscribers[id]
	return sub, ok
}

func (sl *SubscriberList) Len() int {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return len(sl.subscribers)
}

// Broadcast queues msg for every subscriber without blocking. Subscribers
// whose buffer is full miss the message; the count of those is returned.
func (sl *SubscriberList) Broadcast(msg []byte) (dropped int) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	for _, sub := range sl.subscribers {
		select {
		case sub.send <- msg:
		default:
			dropped++
		}
	}
	return dropped
}
