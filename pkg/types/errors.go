package types

import "errors"

// Error taxonomy shared across the service. Handlers map these to HTTP
// statuses; the core never swallows them.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrBlockNotFound       = errors.New("block not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotParticipant      = errors.New("user is not a session participant")
	ErrNotHost             = errors.New("only the host may perform this action")
	ErrJoinClosed          = errors.New("session is not accepting new members")
	ErrPayloadTooLarge     = errors.New("upload exceeds the configured maximum size")

	// ErrArtifactMissing marks a block whose backing artifact has gone
	// missing out of band. Surfaced to callers as not-found and logged as
	// an anomaly, since it indicates a prior partial failure.
	ErrArtifactMissing = errors.New("block artifact missing")
)
