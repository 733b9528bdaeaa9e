// Package fake is an in-memory Connector double for tests.
package fake

import (
	"context"
	"sync"
	"time"

	"hsm-recall-core/internal/coreerrors"
	"hsm-recall-core/internal/connector"
)

// Connector is a fake connector.Connector backed by a channel of queued
// events and a recording slice of responses.
type Connector struct {
	mu        sync.Mutex
	events    chan connector.Event
	started   bool
	startTime time.Time
	Responses []Response
}

type Response struct {
	ConnInfo  int64
	Succeeded bool
}

func New() *Connector {
	return &Connector{events: make(chan connector.Event, 256)}
}

// Enqueue makes ev available to the next GetEvent call.
func (c *Connector) Enqueue(ev connector.Event) {
	c.events <- ev
}

func (c *Connector) GetEvent(ctx context.Context) (connector.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-ctx.Done():
		return connector.Event{}, ctx.Err()
	default:
		return connector.Event{}, coreerrors.ErrSentinelEvent
	}
}

func (c *Connector) RespondRecallEvent(_ context.Context, connInfo int64, succeeded bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses = append(c.Responses, Response{ConnInfo: connInfo, Succeeded: succeeded})
	return nil
}

func (c *Connector) InitTransRecalls(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	c.startTime = time.Unix(0, 0).UTC()
	return nil
}

func (c *Connector) EndTransRecalls(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	return nil
}

func (c *Connector) GetStartTime(_ context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime, nil
}
