package broadcast

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const publishTimeout = 2 * time.Second

// Relay carries broadcasts between instances over redis pub/sub. Each hub
// channel maps to the redis channel prefix + name.
type Relay struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRelay returns a relay using client. prefix defaults to "soaring:".
func NewRelay(client *redis.Client, prefix string, log *slog.Logger) *Relay {
	if prefix == "" {
		prefix = "soaring:"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{client: client, prefix: prefix, log: log.With(slog.String("component", "relay"))}
}

// Attach subscribes to every relayed channel and routes the hub's
// broadcasts through redis. It returns once the subscription is confirmed;
// forwarding stops when ctx is done.
func (r *Relay) Attach(ctx context.Context, h *Hub) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				if h.relay == r {
					h.relay = nil
				}
				h.mu.Unlock()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h.deliver(strings.TrimPrefix(msg.Channel, r.prefix), []byte(msg.Payload))
			}
		}
	}()
	r.log.Info("relay attached", slog.String("pattern", r.prefix+"*"))
	return nil
}

func (r *Relay) publish(channel string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, r.prefix+channel, payload).Err()
}
