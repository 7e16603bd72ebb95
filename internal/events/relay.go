package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/circuitbreaker"
)

const relayChannelPrefix = "taskcore:events:"

// Relay mirrors bus events across worker processes over Redis pub/sub, so a
// subscriber attached to any instance sees events for tasks processed
// elsewhere. Relayed events carry the origin worker id to break loops.
type Relay struct {
	bus      *Bus
	client   *redis.Client
	breaker  *circuitbreaker.Breaker
	workerID string
	logger   *zap.Logger
	cancel   context.CancelFunc
}

type relayEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// NewRelay connects the bus to Redis pub/sub. Call Start to begin mirroring.
func NewRelay(bus *Bus, client *redis.Client, workerID string, logger *zap.Logger) *Relay {
	return &Relay{
		bus:      bus,
		client:   client,
		breaker:  circuitbreaker.New("redis-relay", circuitbreaker.DefaultConfig(), logger),
		workerID: workerID,
		logger:   logger,
	}
}

// Publish forwards a locally-published event to sibling processes.
// Best-effort: relay failures never block or fail task processing.
func (r *Relay) Publish(ctx context.Context, taskID string, evt Event) {
	env := relayEnvelope{Origin: r.workerID, Event: evt}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	err = r.breaker.Execute(ctx, func() error {
		return r.client.Publish(ctx, relayChannelPrefix+taskID, payload).Err()
	})
	if err != nil {
		r.logger.Debug("event relay publish failed",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

// Start subscribes to the relay channel pattern and re-publishes foreign
// events onto the local bus until Stop is called.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	sub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env relayEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("malformed relay event", zap.Error(err))
					continue
				}
				if env.Origin == r.workerID {
					continue // our own publish echoed back
				}
				taskID := strings.TrimPrefix(msg.Channel, relayChannelPrefix)
				r.bus.Publish(taskID, env.Event)
			}
		}
	}()
}

// Stop halts mirroring.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}
