package session

import "cliproom/pkg/types"

// Conn is the capability a live connection exposes to the session layer.
// Send failures are caught at the fan-out boundary and never propagated to
// the mutating operation's caller; the failing connection is reaped by its
// own read loop, not force-removed during iteration.
type Conn interface {
	Send(event types.Event) error
	Close(code int, reason string) error
}
