// Package connector declares the narrow wire boundary to the DMAPI/GPFS-style
// event source (§3, §6): events carry a FUID, an optional filename, the
// requested target state, and an opaque connector handle that this core
// round-trips verbatim and never interprets.
package connector

import (
	"context"
	"time"

	"hsm-recall-core/internal/models"
)

// Event is one recall event read off the connector.
type Event struct {
	FUID       models.FUID
	FileName   string // empty when the event carried no name
	ToResident bool   // true: recall to RESIDENT; false: recall to PREMIGRATED
	ConnInfo   int64  // opaque handle, passed back unexamined to RespondRecallEvent
}

// Connector is implemented outside this repository. GetEvent returns
// coreerrors.ErrSentinelEvent when the current call yielded no real event
// (the sentinel case, §3; it never signals termination); callers must not
// treat that as a transient failure.
type Connector interface {
	// GetEvent blocks until an event, the sentinel, or ctx cancellation.
	GetEvent(ctx context.Context) (Event, error)

	// RespondRecallEvent answers one outstanding event. succeeded reports
	// whether the file reached its target state.
	RespondRecallEvent(ctx context.Context, connInfo int64, succeeded bool) error

	// InitTransRecalls/EndTransRecalls bracket the period during which this
	// core accepts transparent-recall events, per the EI startup/shutdown
	// protocol (§4.3).
	InitTransRecalls(ctx context.Context) error
	EndTransRecalls(ctx context.Context) error

	// GetStartTime reports when the connector session began, recorded
	// against each managed filesystem (§4.3 startup protocol).
	GetStartTime(ctx context.Context) (time.Time, error)
}
