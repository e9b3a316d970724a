package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"peerlink/internal/infrastructure/signal"
	"peerlink/pkg/peer"
)

const presenceTimeout = 3 * time.Second

// RedisRelay is a signal.Relay over a shared Redis room channel. It suits
// two participants running on different hosts that both reach the same Redis.
type RedisRelay struct {
	bus  *EventBus
	room string

	signals   chan peer.SignalData
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

var _ signal.Relay = (*RedisRelay)(nil)

// NewRedisRelay subscribes to room and announces this participant. It returns
// once the subscription is confirmed.
func NewRedisRelay(ctx context.Context, bus *EventBus, room string, logger *zap.SugaredLogger) (*RedisRelay, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	subCtx, cancel := context.WithCancel(context.Background())
	r := &RedisRelay{
		bus:     bus,
		room:    room,
		signals: make(chan peer.SignalData, 64),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
		logger:  logger.With("room", room, "instance_id", bus.InstanceID()),
	}

	subscribed := make(chan struct{})
	errc := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := bus.Subscribe(subCtx, room, func() { close(subscribed) }, r.handle)
		if subCtx.Err() == nil {
			r.logger.Warnw("room subscription ended", "error", err)
			errc <- err
			r.shutdown()
		}
	}()

	select {
	case <-subscribed:
	case err := <-errc:
		cancel()
		return nil, fmt.Errorf("failed to join room %s: %w", room, err)
	case <-ctx.Done():
		cancel()
		r.wg.Wait()
		return nil, ctx.Err()
	}

	if err := bus.Publish(ctx, room, &Event{Type: EventPeerJoined}); err != nil {
		r.Close()
		return nil, err
	}
	r.logger.Infow("joined relay room")
	return r, nil
}

// handle dispatches one event from another participant
func (r *RedisRelay) handle(event *Event) error {
	switch event.Type {
	case EventPeerJoined:
		r.markReady()
		// let the newcomer know someone is already here
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		return r.bus.Publish(ctx, r.room, &Event{Type: EventPeerPresent})
	case EventPeerPresent:
		r.markReady()
	case EventSignal:
		var sd peer.SignalData
		if err := json.Unmarshal(event.Payload, &sd); err != nil {
			return fmt.Errorf("malformed signal: %w", err)
		}
		r.markReady()
		select {
		case r.signals <- sd:
		case <-r.done:
		}
	case EventPeerLeft:
		r.logger.Infow("peer left room", "from_instance", event.InstanceID)
	default:
		r.logger.Debugw("ignoring event", "type", event.Type)
	}
	return nil
}

func (r *RedisRelay) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

func (r *RedisRelay) shutdown() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.cancel()
	})
}

// Send implements signal.Relay
func (r *RedisRelay) Send(ctx context.Context, sd peer.SignalData) error {
	select {
	case <-r.done:
		return signal.ErrRelayClosed
	default:
	}

	payload, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	return r.bus.Publish(ctx, r.room, &Event{Type: EventSignal, Payload: payload})
}

func (r *RedisRelay) Signals() <-chan peer.SignalData { return r.signals }
func (r *RedisRelay) Ready() <-chan struct{}          { return r.ready }
func (r *RedisRelay) Done() <-chan struct{}           { return r.done }

// Close announces departure and stops the subscription
func (r *RedisRelay) Close() error {
	select {
	case <-r.done:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	err := r.bus.Publish(ctx, r.room, &Event{Type: EventPeerLeft})

	r.shutdown()
	r.wg.Wait()
	return err
}
