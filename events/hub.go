// Package events fans pipeline events out to live subscribers of an org,
// locally through Hub and across instances through Pub/Sub.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmdatafocus/procuresight_backend/metrics"
)

const (
	TypeHello            = "hello"
	TypeDocumentReceived = "document_received"
	TypeInvoiceProcessed = "invoice_processed"
	TypeAlertCreated     = "alert_created"
	TypeAlertUpdated     = "alert_updated"
)

const DefaultBufferSize = 64

type Event struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	OrgId  string          `json:"org_id"`
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
	At     time.Time       `json:"at"`
}

// Forwarder relays locally published events to other instances.
type Forwarder interface {
	Forward(ctx context.Context, ev Event) error
}

// Subscription receives an org's events until it is closed. C is closed
// when the subscriber is dropped, either by Close or because its buffer
// overflowed.
type Subscription struct {
	C <-chan Event

	ch         chan Event
	hub        *Hub
	orgId      string
	once       sync.Once
	overflowed bool
}

// Overflowed reports whether the hub dropped the subscriber for falling behind.
// Valid once C is closed.
func (s *Subscription) Overflowed() bool {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.overflowed
}

func (s *Subscription) Close() {
	s.hub.remove(s, false)
}

type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
	instanceId string
	forwarder  Forwarder
}

func NewHub(bufferSize int) *Hub {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
		instanceId: uuid.New().String(),
	}
}

// InstanceId identifies this process as the origin of the events it publishes.
func (h *Hub) InstanceId() string { return h.instanceId }

// SetForwarder enables cross-instance delivery.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	h.forwarder = f
	h.mu.Unlock()
}

func (h *Hub) Subscribe(orgId string) *Subscription {
	ch := make(chan Event, h.bufferSize)
	sub := &Subscription{C: ch, ch: ch, hub: h, orgId: orgId}
	h.mu.Lock()
	if h.subs[orgId] == nil {
		h.subs[orgId] = make(map[*Subscription]struct{})
	}
	h.subs[orgId][sub] = struct{}{}
	h.mu.Unlock()
	metrics.EventSubscribers.Inc()
	return sub
}

func (h *Hub) remove(sub *Subscription, overflow bool) {
	sub.once.Do(func() {
		h.mu.Lock()
		if set := h.subs[sub.orgId]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.orgId)
			}
		}
		sub.overflowed = overflow
		close(sub.ch)
		h.mu.Unlock()
		metrics.EventSubscribers.Dec()
	})
}

// Subscribers is the number of live subscribers of orgId.
func (h *Hub) Subscribers(orgId string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[orgId])
}

// Publish delivers an event to local subscribers and forwards it to other
// instances when a forwarder is configured.
func (h *Hub) Publish(ctx context.Context, orgId, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := Event{
		ID:     uuid.New().String(),
		Type:   eventType,
		OrgId:  orgId,
		Origin: h.instanceId,
		Data:   data,
		At:     time.Now().UTC(),
	}
	h.Deliver(ev)

	h.mu.RLock()
	fwd := h.forwarder
	h.mu.RUnlock()
	if fwd != nil {
		return fwd.Forward(ctx, ev)
	}
	return nil
}

// Deliver hands ev to every local subscriber of its org without blocking.
// A subscriber with a full buffer is disconnected.
func (h *Hub) Deliver(ev Event) {
	var overflowed []*Subscription
	h.mu.RLock()
	for sub := range h.subs[ev.OrgId] {
		select {
		case sub.ch <- ev:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range overflowed {
		h.remove(sub, true)
	}
}

// DeliverRemote delivers an event received from another instance. Events
// this instance originated were already delivered by Publish.
func (h *Hub) DeliverRemote(ev Event) bool {
	if ev.Origin == h.instanceId || ev.OrgId == "" {
		return false
	}
	h.Deliver(ev)
	return true
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range all {
		h.remove(sub, false)
	}
}
