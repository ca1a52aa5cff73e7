package ws

import (
	"context"
	"sync"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans payloads out to the subscribers of a topic. The latest payload of
// each topic is replayed to new subscribers.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[Subscriber]struct{}
	latest  map[string][]byte
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[Subscriber]struct{}),
		latest:  make(map[string][]byte),
	}
}

// Register adds a client to a topic and sends it the latest payload.
func (h *Hub) Register(topic string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[topic]; !ok {
		h.clients[topic] = make(map[Subscriber]struct{})
	}
	h.clients[topic][client] = struct{}{}
	if payload, ok := h.latest[topic]; ok {
		if err := client.Send(payload); err != nil {
			client.Close()
			delete(h.clients[topic], client)
		}
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Broadcast sends payload to every client of topic, dropping clients whose
// send fails.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[topic] = payload
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}

// Subscribers reports how many clients listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[topic])
}

// CloseAll disconnects every client once ctx is done.
func (h *Hub) CloseAll(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, clients := range h.clients {
		for c := range clients {
			c.Close()
		}
		delete(h.clients, topic)
	}
}
