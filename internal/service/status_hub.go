package service

import (
	"sync"
	"time"

	"hetbalancer/pkg/interfaces"
	"hetbalancer/pkg/scheduler"
)

// Status update kinds
const (
	UpdateRegister  = "register"
	UpdateTelemetry = "telemetry"
	UpdateRebalance = "rebalance"
	UpdateRestore   = "restore"
	UpdateSnapshot  = "snapshot" // first message of a new stream
)

const subscriberBuffer = 16

// StatusUpdate one message of the status stream
type StatusUpdate struct {
	Type      string                     `json:"type"`
	Event     *interfaces.RebalanceEvent `json:"event,omitempty"`
	Status    *scheduler.Status          `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
}

// StatusHub fans status updates out to stream subscribers
type StatusHub struct {
	mu   sync.Mutex
	subs map[chan *StatusUpdate]struct{}
}

// NewStatusHub creates an empty hub
func NewStatusHub() *StatusHub {
	return &StatusHub{subs: make(map[chan *StatusUpdate]struct{})}
}

// Subscribe registers a subscriber. Caller must call the returned cancel func.
func (h *StatusHub) Subscribe() (<-chan *StatusUpdate, func()) {
	ch := make(chan *StatusUpdate, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, ch)
			close(ch)
		})
	}
}

// Publish delivers an update to every subscriber, dropping it for slow ones
func (h *StatusHub) Publish(update *StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// Subscribers current subscriber count
func (h *StatusHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
