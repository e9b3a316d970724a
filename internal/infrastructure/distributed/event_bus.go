package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peerlink/pkg/circuitbreaker"
)

// EventType represents the type of event
type EventType string

const (
	// EventPeerJoined is published when a participant subscribes to a room
	EventPeerJoined EventType = "peer.joined"
	// EventPeerPresent answers EventPeerJoined so the newcomer learns who is there
	EventPeerPresent EventType = "peer.present"
	EventPeerLeft    EventType = "peer.left"
	// EventSignal carries a peer.SignalData payload
	EventSignal EventType = "peer.signal"
)

// Event represents a distributed event
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Room       string          `json:"room"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus publishes room events over Redis pub/sub. Events published by this
// instance are not delivered back to it.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	prefix     string
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

// NewEventBus creates a new event bus. Room channels are named prefix+room.
func NewEventBus(
	client redis.UniversalClient,
	instanceID string,
	prefix string,
	logger *zap.SugaredLogger,
) *EventBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		prefix:     prefix,
		logger:     logger,
	}
}

// WithCircuitBreaker makes Publish fail fast while Redis keeps failing
func (eb *EventBus) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *EventBus {
	eb.breaker = cb
	return eb
}

// InstanceID identifies this bus in published events
func (eb *EventBus) InstanceID() string { return eb.instanceID }

func (eb *EventBus) channel(room string) string {
	return eb.prefix + room
}

// Publish publishes an event to room
func (eb *EventBus) Publish(ctx context.Context, room string, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()
	event.Room = room

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(ctx, func(ctx context.Context) error {
		return eb.client.Publish(ctx, eb.channel(room), data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room", room,
	)

	return nil
}

// Subscribe subscribes to room and calls handler for each event from other
// instances until ctx is done. subscribed, when not nil, runs once Redis has
// confirmed the subscription.
func (eb *EventBus) Subscribe(ctx context.Context, room string, subscribed func(), handler func(*Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel(room))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if subscribed != nil {
		subscribed()
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", eb.channel(room))
			}
			event, skip := eb.decode(msg.Payload)
			if skip {
				continue
			}

			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"room", room,
					"error", err,
				)
			}
		}
	}
}

// decode parses a pub/sub payload, reporting events to skip: malformed ones
// and our own
func (eb *EventBus) decode(payload string) (*Event, bool) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return nil, true
	}

	// Skip events from this instance
	if event.InstanceID == eb.instanceID {
		return nil, true
	}
	return &event, false
}
