package control

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const divergenceChannel = "codeb:divergence"

// DivergenceEvent describes one mismatch found by the reconciliation
// walk (spec §9): the registry's active slot and the proxy site file
// observed on the proxy host disagree about who is serving traffic.
// Promote itself does not publish one.
type DivergenceEvent struct {
	Project     string `json:"project"`
	Environment string `json:"environment"`
	Detail      string `json:"detail"`
}

// PublishDivergence broadcasts ev to every subscriber. Publish failures
// are intentionally swallowed by the caller's error handling policy:
// divergence reporting is best-effort observability, never a
// correctness dependency.
func (l *Locker) PublishDivergence(ctx context.Context, ev DivergenceEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return l.rdb.Publish(ctx, divergenceChannel, string(b)).Err()
}

// SubscribeDivergence returns a channel of DivergenceEvent for the
// reconciliation loop to consume. Malformed payloads are dropped.
func (l *Locker) SubscribeDivergence(ctx context.Context) (<-chan DivergenceEvent, func()) {
	pubsub := l.rdb.Subscribe(ctx, divergenceChannel)
	out := make(chan DivergenceEvent)

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev DivergenceEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { _ = pubsub.Close() }
}
