// Package stream fans published valuation snapshots out to read-only consumers.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-mm/internal/logging"
	"options-mm/internal/models"
)

// Update is one published recalculation result of an option.
type Update struct {
	Snapshot *models.ModelSnapshot `json:"snapshot"`
	Actions  []models.OrderAction  `json:"actions"`
	Rejected []models.OrderAction  `json:"rejected"`
}

// Option returns the option the update belongs to.
func (u Update) Option() models.SecurityID {
	if u.Snapshot == nil {
		return 0
	}
	return u.Snapshot.Option
}

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// BufferSize is the size of the internal update channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
	// SlowConsumerDropThreshold is the number of consecutive drops before logging.
	SlowConsumerDropThreshold int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:                1000,
		SubscriberBufferSize:      100,
		SlowConsumerDropThreshold: 10,
	}
}

// AllOptions is the subscription key of subscribers that want every option.
const AllOptions = ^models.SecurityID(0)

// Hub distributes updates from the engine to many subscribers. Publishing
// never blocks: a full buffer drops the update for that subscriber only.
type Hub struct {
	config      HubConfig
	logger      zerolog.Logger
	mu          sync.RWMutex
	subscribers map[models.SecurityID][]*Subscriber
	updates     chan Update
	done        chan struct{}
	started     bool
	consumers   []Consumer
	consumersMu sync.RWMutex

	received  uint64
	broadcast uint64
	dropped   uint64
	metricsMu sync.RWMutex
}

// Subscriber is a channel subscriber with drop accounting.
type Subscriber struct {
	ID           string
	Channel      chan Update
	DroppedCount int
	// consecutive drops since the last successful send
	streak    int
	CreatedAt time.Time
}

// NewHub creates a hub with the default configuration.
func NewHub(logger zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), logger)
}

// NewHubWithConfig creates a hub with a custom configuration.
func NewHubWithConfig(config HubConfig, logger zerolog.Logger) *Hub {
	return &Hub{
		config:      config,
		logger:      logging.WithComponent(logger, "stream"),
		subscribers: make(map[models.SecurityID][]*Subscriber),
		updates:     make(chan Update, config.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	h.done = make(chan struct{})
	go h.loop(ctx, h.done)
}

func (h *Hub) loop(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case u := <-h.updates:
			h.metricsMu.Lock()
			h.received++
			h.metricsMu.Unlock()

			h.fanOut(u)
			h.notifyConsumers(u)
		}
	}
}

// Stop stops the hub and closes every subscriber channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}
	close(h.done)
	h.started = false

	for id, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, id)
	}
}

// Subscribe returns a channel receiving the updates of one option.
func (h *Hub) Subscribe(option models.SecurityID) <-chan Update {
	return h.SubscribeWithID(option, "")
}

// SubscribeAll returns a channel receiving the updates of every option.
func (h *Hub) SubscribeAll() <-chan Update {
	return h.SubscribeWithID(AllOptions, "")
}

// SubscribeWithID adds a named subscriber for an option, or for every option
// with AllOptions.
func (h *Hub) SubscribeWithID(option models.SecurityID, id string) <-chan Update {
	sub := &Subscriber{
		ID:        id,
		Channel:   make(chan Update, h.config.SubscriberBufferSize),
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	h.subscribers[option] = append(h.subscribers[option], sub)
	h.mu.Unlock()

	return sub.Channel
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(option models.SecurityID, ch <-chan Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[option]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[option] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[option]) == 0 {
		delete(h.subscribers, option)
	}
}

// Publish queues an update for distribution. If the internal buffer is full
// the update is dropped.
func (h *Hub) Publish(u Update) {
	select {
	case h.updates <- u:
	default:
		h.metricsMu.Lock()
		h.dropped++
		h.metricsMu.Unlock()
	}
}

// fanOut sends an update to the option's subscribers and to the catch-all ones.
func (h *Hub) fanOut(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, key := range []models.SecurityID{u.Option(), AllOptions} {
		for _, sub := range h.subscribers[key] {
			select {
			case sub.Channel <- u:
				sub.streak = 0
				h.metricsMu.Lock()
				h.broadcast++
				h.metricsMu.Unlock()
			default:
				sub.DroppedCount++
				sub.streak++
				if h.config.SlowConsumerDropThreshold > 0 && sub.streak == h.config.SlowConsumerDropThreshold {
					h.logger.Warn().Str("subscriber", sub.ID).Int("dropped", sub.DroppedCount).Msg("Slow stream consumer")
				}
				h.metricsMu.Lock()
				h.dropped++
				h.metricsMu.Unlock()
			}
		}
	}
}

// GetSubscriberCount returns the number of subscribers of an option.
func (h *Hub) GetSubscriberCount(option models.SecurityID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[option])
}

// GetTotalSubscriberCount returns the number of subscribers across all options.
func (h *Hub) GetTotalSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	Received    uint64
	Broadcast   uint64
	Dropped     uint64
	Subscribers int
}

// GetMetrics returns hub counters.
func (h *Hub) GetMetrics() HubMetrics {
	h.metricsMu.RLock()
	defer h.metricsMu.RUnlock()

	return HubMetrics{
		Received:    h.received,
		Broadcast:   h.broadcast,
		Dropped:     h.dropped,
		Subscribers: h.GetTotalSubscriberCount(),
	}
}

// IsStarted returns whether the hub is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// Consumer processes updates outside the subscriber channels.
type Consumer interface {
	OnUpdate(u Update)
	// Options returns the options of interest; empty means all.
	Options() []models.SecurityID
}

// RegisterConsumer adds a consumer.
func (h *Hub) RegisterConsumer(c Consumer) {
	h.consumersMu.Lock()
	h.consumers = append(h.consumers, c)
	h.consumersMu.Unlock()
}

// UnregisterConsumer removes a consumer.
func (h *Hub) UnregisterConsumer(c Consumer) {
	h.consumersMu.Lock()
	defer h.consumersMu.Unlock()

	for i, existing := range h.consumers {
		if existing == c {
			h.consumers = append(h.consumers[:i], h.consumers[i+1:]...)
			break
		}
	}
}

// notifyConsumers calls every interested consumer on its own goroutine.
func (h *Hub) notifyConsumers(u Update) {
	h.consumersMu.RLock()
	consumers := append([]Consumer(nil), h.consumers...)
	h.consumersMu.RUnlock()

	for _, c := range consumers {
		if wants(c.Options(), u.Option()) {
			go c.OnUpdate(u)
		}
	}
}

func wants(options []models.SecurityID, id models.SecurityID) bool {
	if len(options) == 0 {
		return true
	}
	for _, o := range options {
		if o == id {
			return true
		}
	}
	return false
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	options  []models.SecurityID
	onUpdate func(Update)
}

// NewConsumerFunc creates a ConsumerFunc.
func NewConsumerFunc(options []models.SecurityID, onUpdate func(Update)) *ConsumerFunc {
	return &ConsumerFunc{options: options, onUpdate: onUpdate}
}

// OnUpdate implements Consumer.
func (c *ConsumerFunc) OnUpdate(u Update) {
	if c.onUpdate != nil {
		c.onUpdate(u)
	}
}

// Options implements Consumer.
func (c *ConsumerFunc) Options() []models.SecurityID {
	return c.options
}
