// Package broadcast fans live glider updates out to websocket subscribers,
// optionally relayed through redis so several instances share one stream.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"soaring_tracker/internal/metrics"
)

const clientBuffer = 64

// Update is the live position of one glider.
type Update struct {
	CompNo    string     `json:"compno"`
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Altitude  float64    `json:"altitude"`
	AGL       *float64   `json:"agl"`
	Timestamp int64      `json:"timestamp"`
	Vario     [7]float64 `json:"vario"` // loss, gain, total, average, seconds, min, max
}

// Client is one subscriber to a channel. Send is closed on Unregister.
type Client struct {
	Channel string
	Send    chan []byte
}

// Hub keeps the subscribers of each channel. Channels are contest classes.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	relay   *Relay
	log     *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		log:     log.With(slog.String("component", "broadcast")),
	}
}

// Register adds a subscriber to channel.
func (h *Hub) Register(channel string) *Client {
	c := &Client{Channel: channel, Send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[channel] == nil {
		h.clients[channel] = make(map[*Client]struct{})
	}
	h.clients[channel][c] = struct{}{}
	return c
}

// Unregister removes a subscriber and closes its Send channel. It is safe to
// call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.Channel]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.Channel)
	}
	close(c.Send)
}

// Clients returns the number of subscribers on channel.
func (h *Hub) Clients(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channel])
}

// Publish encodes u and broadcasts it on channel.
func (h *Hub) Publish(channel string, u Update) {
	data, err := json.Marshal(u)
	if err != nil {
		h.log.Warn("encode update failed", slog.String("compno", u.CompNo), slog.Any("error", err))
		return
	}
	h.Broadcast(channel, data)
}

// Broadcast sends payload to every subscriber of channel. With a relay
// attached the payload goes through redis and comes back to every instance,
// this one included.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()

	if relay != nil {
		err := relay.publish(channel, payload)
		if err == nil {
			return
		}
		h.log.Warn("relay publish failed, delivering locally", slog.Any("error", err))
	}
	h.deliver(channel, payload)
}

// deliver hands payload to local subscribers. A subscriber whose buffer is
// full misses the update.
func (h *Hub) deliver(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[channel] {
		select {
		case c.Send <- payload:
		default:
			metrics.BroadcastDroppedTotal.Inc()
		}
	}
}
