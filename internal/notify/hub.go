// Package notify fans session events out to the UI sockets of a client.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rafiqa/internal/observability"
	"github.com/ent0n29/rafiqa/internal/protocol"
)

const defaultBuffer = 256

// Subscriber is one UI socket. Messages that do not fit in C are dropped.
type Subscriber struct {
	C        chan any
	clientID string
}

type Hub struct {
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

func NewHub(logger zerolog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		logger:  logger,
		metrics: metrics,
		subs:    make(map[string]map[*Subscriber]struct{}),
	}
}

func (h *Hub) Subscribe(clientID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &Subscriber{C: make(chan any, buffer), clientID: clientID}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[clientID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[clientID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub. C is not closed; the owner stops reading it.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.clientID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.clientID)
	}
}

func (h *Hub) Subscribers(clientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[clientID])
}

// Publish delivers msg to every subscriber of clientID without blocking.
func (h *Hub) Publish(clientID string, msg any) {
	msgType, _ := protocol.TypeOf(msg)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[clientID] {
		select {
		case sub.C <- msg:
		default:
			h.metrics.ObserveWSMessage("outbound_dropped", string(msgType))
			h.logger.Warn().Str("client_id", clientID).Str("type", string(msgType)).Msg("ui subscriber saturated; message dropped")
		}
	}
}
