// Package coordination broadcasts tape suspend/resume commands across every
// scheduler instance sharing a tape library, adapted from the teacher's
// Redis-backed queue coordination (internal/queue/redis_queue.go) but built
// on pub/sub rather than lists: suspend/resume is a fan-out command, not a
// competing-consumers job, so the teacher's lease/priority/DLQ machinery has
// no equivalent here.
package coordination

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Command is broadcast on the suspend channel. Every scheduler instance,
// including the one that published it, applies it to its local suspend map
// (§4.5) so admission decisions stay consistent cluster-wide.
type Command struct {
	TapeID  string `json:"tape_id"`
	Suspend bool   `json:"suspend"` // false means resume
}

// Broadcaster publishes and subscribes to the suspend/resume channel.
type Broadcaster struct {
	client  *redis.Client
	channel string
}

func NewBroadcaster(client *redis.Client, channel string) *Broadcaster {
	return &Broadcaster{client: client, channel: channel}
}

// Publish announces a suspend/resume decision to every subscriber.
func (b *Broadcaster) Publish(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("coordination: marshal command: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("coordination: publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel of decoded commands. Malformed payloads are
// dropped rather than surfaced, since a corrupt broadcast should not stall
// admission for every other tape.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Command {
	sub := b.client.Subscribe(ctx, b.channel)
	out := make(chan Command)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cmd Command
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
					continue
				}
				select {
				case out <- cmd:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
