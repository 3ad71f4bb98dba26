// Package session implements the in-memory session engine: the process-wide
// registry, the per-session aggregate of membership, blocks and live
// connections, the broadcast fan-out, and the idle-session eviction sweeper.
package session

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cliproom/internal/identity"
	"cliproom/internal/metrics"
	"cliproom/internal/storage"
	"cliproom/pkg/types"
)

// Session aggregates the state shared by one collaborative room. Every
// mutating operation takes the session mutex and issues its broadcast before
// releasing it, so for any one session events reach each connection in
// mutation order. Operations on different sessions never contend.
type Session struct {
	code      string
	store     storage.BlobStore
	log       *zap.Logger
	maxUpload int64

	mu           sync.Mutex
	participants map[string]*types.Participant
	blocks       map[string]*types.Block
	allowJoin    bool
	lastActivity time.Time
	conns        map[string]Conn
	destroyed    bool
}

func newSession(code string, hostName string, store storage.BlobStore, maxUpload int64, log *zap.Logger) (*Session, *types.Participant) {
	host := &types.Participant{
		ID:     identity.NewToken(),
		Name:   hostName,
		IsHost: true,
	}
	s := &Session{
		code:         code,
		store:        store,
		log:          log.With(zap.String("session", code)),
		maxUpload:    maxUpload,
		participants: map[string]*types.Participant{host.ID: host},
		blocks:       make(map[string]*types.Block),
		allowJoin:    true,
		lastActivity: time.Now(),
		conns:        make(map[string]Conn),
	}
	return s, host
}

// Code returns the session's registry code.
func (s *Session) Code() string { return s.code }

// touchLocked refreshes the activity timestamp. Callers hold s.mu.
func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
}

// Touch records an inbound liveness signal.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

// broadcastLocked delivers event to every live connection except exclude.
// Individual delivery failures are logged and swallowed; a dead connection
// is left for its read loop to detach. Callers hold s.mu, which is what
// guarantees the per-connection ordering.
func (s *Session) broadcastLocked(event types.Event, exclude string) {
	metrics.BroadcastEvents.WithLabelValues(event.Type).Inc()
	for id, conn := range s.conns {
		if exclude != "" && id == exclude {
			continue
		}
		if err := conn.Send(event); err != nil {
			metrics.BroadcastFailures.Inc()
			s.log.Debug("broadcast delivery failed",
				zap.String("participant", id),
				zap.String("event", event.Type),
				zap.Error(err))
		}
	}
}

// Join adds a new non-host participant. The display name is made unique at
// insertion time; existing participants are never renamed.
func (s *Session) Join(requestedName string) (*types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, types.ErrSessionNotFound
	}
	if !s.allowJoin {
		return nil, types.ErrJoinClosed
	}

	inUse := make(map[string]bool, len(s.participants))
	for _, p := range s.participants {
		inUse[p.Name] = true
	}
	p := &types.Participant{
		ID:   identity.NewToken(),
		Name: identity.UniqueDisplayName(inUse, requestedName),
	}
	s.participants[p.ID] = p
	s.touchLocked()

	s.broadcastLocked(types.Event{Type: types.EventUserJoined, User: p}, "")
	return p, nil
}

// Snapshot returns the full session state for client catch-up.
func (s *Session) Snapshot() (types.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return types.SessionInfo{}, types.ErrSessionNotFound
	}

	info := types.SessionInfo{
		Code:         s.code,
		Participants: make([]types.Participant, 0, len(s.participants)),
		Blocks:       make([]types.Block, 0, len(s.blocks)),
		AllowJoin:    s.allowJoin,
	}
	for _, p := range s.participants {
		info.Participants = append(info.Participants, *p)
		if p.IsHost {
			info.HostID = p.ID
		}
	}
	for _, b := range s.blocks {
		info.Blocks = append(info.Blocks, *b)
	}
	return info, nil
}

// TransferHost moves the host flag from caller to target as a single step:
// at no observable instant is the session hostless or multi-hosted. Host
// status is a membership property; the target needs no live connection.
func (s *Session) TransferHost(callerID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return types.ErrSessionNotFound
	}
	if err := s.requireHostLocked(callerID); err != nil {
		return err
	}
	if _, ok := s.participants[targetID]; !ok {
		return types.ErrParticipantNotFound
	}

	for _, p := range s.participants {
		p.IsHost = p.ID == targetID
	}
	s.touchLocked()

	s.broadcastLocked(types.Event{Type: types.EventHostTransferred, NewHostID: targetID}, "")
	return nil
}

// SetJoinGate opens or closes the session to new joins. Host only.
func (s *Session) SetJoinGate(callerID string, open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return types.ErrSessionNotFound
	}
	if err := s.requireHostLocked(callerID); err != nil {
		return err
	}

	s.allowJoin = open
	s.touchLocked()

	s.broadcastLocked(types.Event{Type: types.EventJoinPermissionChange, AllowJoin: &open}, "")
	return nil
}

func (s *Session) requireHostLocked(callerID string) error {
	p, ok := s.participants[callerID]
	if !ok || !p.IsHost {
		return types.ErrNotHost
	}
	return nil
}

func (s *Session) requireParticipantLocked(callerID string) error {
	if _, ok := s.participants[callerID]; !ok {
		return types.ErrNotParticipant
	}
	return nil
}

func textKey(code, blockID string) string {
	return path.Join(code, fmt.Sprintf("text_block_%s.txt", blockID))
}

func fileKey(code, filename string) string {
	return path.Join(code, filename)
}

// storedFileName is the on-disk artifact name for a file block: the block
// identity plus the upload's original extension. The user-facing filename
// lives only in block metadata.
func storedFileName(blockID, filename string) string {
	return fmt.Sprintf("file_%s%s", blockID, path.Ext(filename))
}

// AddTextBlock persists content to the artifact store and then records and
// announces the block. The artifact exists before the block is visible.
func (s *Session) AddTextBlock(creatorID, content string) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, types.ErrSessionNotFound
	}
	if err := s.requireParticipantLocked(creatorID); err != nil {
		return nil, err
	}

	block := &types.Block{
		ID:        identity.NewToken(),
		Kind:      types.BlockKindText,
		Content:   content,
		CreatedBy: creatorID,
		CreatedAt: time.Now(),
	}
	if _, err := s.store.Put(textKey(s.code, block.ID), strings.NewReader(content), s.maxUpload); err != nil {
		if errors.Is(err, storage.ErrArtifactTooLarge) {
			return nil, types.ErrPayloadTooLarge
		}
		return nil, fmt.Errorf("failed to store text block: %w", err)
	}
	s.blocks[block.ID] = block
	s.touchLocked()

	s.broadcastLocked(types.Event{Type: types.EventBlockCreated, Block: block}, "")
	return block, nil
}

// AddFileBlock streams an upload into the artifact store under a key derived
// from the block identity plus the original extension. An over-limit stream
// is aborted mid-transfer leaving no block and no artifact.
func (s *Session) AddFileBlock(creatorID, filename string, r io.Reader) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, types.ErrSessionNotFound
	}
	if err := s.requireParticipantLocked(creatorID); err != nil {
		return nil, err
	}

	id := identity.NewToken()
	n, err := s.store.Put(fileKey(s.code, storedFileName(id, filename)), r, s.maxUpload)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactTooLarge) {
			return nil, types.ErrPayloadTooLarge
		}
		return nil, fmt.Errorf("failed to store file block: %w", err)
	}
	metrics.UploadBytes.Add(float64(n))

	block := &types.Block{
		ID:        id,
		Kind:      types.BlockKindFile,
		Filename:  filename,
		CreatedBy: creatorID,
		CreatedAt: time.Now(),
	}
	s.blocks[block.ID] = block
	s.touchLocked()

	s.broadcastLocked(types.Event{Type: types.EventBlockCreated, Block: block}, "")
	return block, nil
}

// DeleteBlock removes a block. The backing artifact is deleted before the
// block entry, so a block is never observable without its artifact having
// been condemned first. A second delete of the same id fails not-found.
func (s *Session) DeleteBlock(callerID, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return types.ErrSessionNotFound
	}
	if err := s.requireParticipantLocked(callerID); err != nil {
		return err
	}
	block, ok := s.blocks[blockID]
	if !ok {
		return types.ErrBlockNotFound
	}

	if err := s.store.Delete(s.artifactKeyLocked(block)); err != nil {
		return fmt.Errorf("failed to delete block artifact: %w", err)
	}
	delete(s.blocks, blockID)
	s.touchLocked()

	s.broadcastLocked(types.Event{Type: types.EventBlockDeleted, BlockID: blockID}, "")
	return nil
}

func (s *Session) artifactKeyLocked(block *types.Block) string {
	if block.Kind == types.BlockKindFile {
		return fileKey(s.code, storedFileName(block.ID, block.Filename))
	}
	return textKey(s.code, block.ID)
}

// OpenBlock returns a read handle over a block's artifact. A block whose
// artifact has gone missing out of band is reported as missing and logged as
// an anomaly; partial artifacts are never returned.
func (s *Session) OpenBlock(blockID string) (io.ReadCloser, *types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, nil, types.ErrSessionNotFound
	}
	block, ok := s.blocks[blockID]
	if !ok {
		return nil, nil, types.ErrBlockNotFound
	}

	rc, err := s.store.Open(s.artifactKeyLocked(block))
	if err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			s.log.Warn("block artifact missing",
				zap.String("block", blockID),
				zap.String("kind", block.Kind))
			return nil, nil, types.ErrArtifactMissing
		}
		return nil, nil, fmt.Errorf("failed to open block artifact: %w", err)
	}
	copied := *block
	return rc, &copied, nil
}

// Attach registers a live connection for a participant, replacing any
// previous handle under the same identity. The connection must belong to an
// existing participant; joining happens over the HTTP API first.
func (s *Session) Attach(participantID string, conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return types.ErrSessionNotFound
	}
	if _, ok := s.participants[participantID]; !ok {
		return types.ErrNotParticipant
	}

	if old, ok := s.conns[participantID]; ok {
		// Close the superseded handle off the session lock.
		go func() { _ = old.Close(1000, "replaced by new connection") }()
	} else {
		metrics.LiveConnections.Inc()
	}
	s.conns[participantID] = conn
	s.touchLocked()
	return nil
}

// Detach removes a connection handle. Membership is untouched: disconnection
// is not departure, and the participant may reattach under the same identity.
// Only the exact registered handle is removed, so a stale connection's
// cleanup cannot evict its replacement.
func (s *Session) Detach(participantID string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if registered, ok := s.conns[participantID]; ok && registered == conn {
		delete(s.conns, participantID)
		metrics.LiveConnections.Dec()
	}
}

// Pong answers an inbound liveness signal on the participant's connection
// and refreshes activity.
func (s *Session) Pong(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	if conn, ok := s.conns[participantID]; ok {
		if err := conn.Send(types.Event{Type: types.EventPong}); err != nil {
			s.log.Debug("pong delivery failed", zap.String("participant", participantID), zap.Error(err))
		}
	}
}

// idleSince reports whether the session has seen no activity since deadline.
func (s *Session) idleSince(deadline time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.destroyed && s.lastActivity.Before(deadline)
}

// destroyLocked broadcasts the termination notice, closes every connection,
// condemns the artifact namespace and marks the session stale. Cleanup is
// best effort: individual close or delete failures never keep the session
// alive. Callers hold s.mu and remove the session from the registry after.
func (s *Session) destroyLocked(reason string) {
	if s.destroyed {
		return
	}
	s.broadcastLocked(types.Event{Type: types.EventSessionDestroyed, Reason: reason}, "")

	for id, conn := range s.conns {
		if err := conn.Close(1000, "session destroyed"); err != nil {
			s.log.Debug("connection close failed", zap.String("participant", id), zap.Error(err))
		}
		metrics.LiveConnections.Dec()
	}
	s.conns = make(map[string]Conn)

	if err := s.store.DeleteNamespace(s.code); err != nil {
		s.log.Warn("failed to delete session artifacts", zap.Error(err))
	}

	s.participants = make(map[string]*types.Participant)
	s.blocks = make(map[string]*types.Block)
	s.destroyed = true
	s.log.Info("session destroyed", zap.String("reason", reason))
}
