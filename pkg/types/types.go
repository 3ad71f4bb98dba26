package types

import (
	"time"
)

// Block kinds. A block's kind is fixed at creation.
const (
	BlockKindText = "text"
	BlockKindFile = "file"
)

// Event kinds broadcast over live connections.
const (
	EventUserJoined           = "user_joined"
	EventHostTransferred      = "host_transferred"
	EventJoinPermissionChange = "join_permission_changed"
	EventBlockCreated         = "block_created"
	EventBlockDeleted         = "block_deleted"
	EventSessionDestroyed     = "session_destroyed"
	EventPong                 = "pong"
)

// Destruction reasons carried by EventSessionDestroyed.
const (
	DestroyReasonTimeout    = "timeout"
	DestroyReasonHostAction = "host_action"
)

// Participant is a member of a session. Identity is an opaque token; the
// display name is unique within the session and fixed after join.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"is_host"`
}

// Block is a shared content entry. Text blocks carry their content inline
// (mirrored to the artifact store); file blocks reference a stored artifact
// by filename. Exactly one backing artifact exists per block.
type Block struct {
	ID        string    `json:"id"`
	Kind      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is the structured payload delivered over live connections.
// Fields beyond Type are populated per event kind.
type Event struct {
	Type      string       `json:"type"`
	User      *Participant `json:"user,omitempty"`
	Block     *Block       `json:"block,omitempty"`
	BlockID   string       `json:"block_id,omitempty"`
	NewHostID string       `json:"new_host_id,omitempty"`
	AllowJoin *bool        `json:"allow_join,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// SessionInfo is the full session snapshot returned to clients, who use it
// to catch up after (re)connecting.
type SessionInfo struct {
	Code         string        `json:"session_id"`
	Participants []Participant `json:"users"`
	Blocks       []Block       `json:"blocks"`
	AllowJoin    bool          `json:"allow_join"`
	HostID       string        `json:"host_id"`
}
