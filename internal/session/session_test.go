package session

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cliproom/internal/storage"
	"cliproom/pkg/types"
)

// memStore is an in-memory BlobStore for tests. Artifacts can be removed out
// of band to simulate partial failures.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Put(key string, r io.Reader, limit int64) (int64, error) {
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	b, err := io.ReadAll(src)
	if err != nil {
		return 0, err
	}
	if limit > 0 && int64(len(b)) > limit {
		return 0, storage.ErrArtifactTooLarge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = b
	return int64(len(b)), nil
}

func (m *memStore) Open(key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, storage.ErrArtifactNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) Size(key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return 0, storage.ErrArtifactNotFound
	}
	return int64(len(b)), nil
}

func (m *memStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) DeleteNamespace(ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.data {
		if strings.HasPrefix(key, ns+"/") {
			delete(m.data, key)
		}
	}
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func (m *memStore) drop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// fakeConn records delivered events; Send can be forced to fail to exercise
// the fan-out failure path.
type fakeConn struct {
	mu       sync.Mutex
	events   []types.Event
	closed   bool
	sendErr  error
	closeErr error
}

func (c *fakeConn) Send(event types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeConn) received() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry(t *testing.T) (*Registry, *memStore) {
	t.Helper()
	store := newMemStore()
	return NewRegistry(store, 6, 1024, zap.NewNop()), store
}

func TestCreateSessionInvariants(t *testing.T) {
	reg, _ := newTestRegistry(t)

	s, host := reg.Create("Alice")
	assert.True(t, types.IsValidSessionCode(s.Code(), 6))
	assert.True(t, host.IsHost)
	assert.Equal(t, "Alice", host.Name)

	info, err := s.Snapshot()
	require.NoError(t, err)
	assert.Len(t, info.Participants, 1)
	assert.Equal(t, host.ID, info.HostID)
	assert.True(t, info.AllowJoin)
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := reg.Create("Alice")

	found, err := reg.Lookup(strings.ToUpper(s.Code()))
	require.NoError(t, err)
	assert.Same(t, s, found)

	_, err = reg.Lookup("nosuch")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestJoinAssignsUniqueNames(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := reg.Create("Sam")

	b, err := s.Join("Sam")
	require.NoError(t, err)
	assert.Equal(t, "Sam(2)", b.Name)
	assert.False(t, b.IsHost)

	c, err := s.Join("Sam")
	require.NoError(t, err)
	assert.Equal(t, "Sam(3)", c.Name)

	d, err := s.Join("Bea")
	require.NoError(t, err)
	assert.Equal(t, "Bea", d.Name)
}

func TestJoinGate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, host := reg.Create("Alice")

	guest, err := s.Join("Bob")
	require.NoError(t, err)

	// Only the host may close the gate.
	assert.ErrorIs(t, s.SetJoinGate(guest.ID, false), types.ErrNotHost)

	require.NoError(t, s.SetJoinGate(host.ID, false))
	_, err = s.Join("Carol")
	assert.ErrorIs(t, err, types.ErrJoinClosed)

	require.NoError(t, s.SetJoinGate(host.ID, true))
	_, err = s.Join("Carol")
	assert.NoError(t, err)
}

func TestTransferHost(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, host := reg.Create("Alice")
	guest, err := s.Join("Bob")
	require.NoError(t, err)

	// Non-host caller is rejected and host assignment is unchanged.
	assert.ErrorIs(t, s.TransferHost(guest.ID, guest.ID), types.ErrNotHost)
	info, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, host.ID, info.HostID)

	// Unknown target.
	assert.ErrorIs(t, s.TransferHost(host.ID, "missing"), types.ErrParticipantNotFound)

	// Valid transfer; the target has no live connection, which is fine.
	require.NoError(t, s.TransferHost(host.ID, guest.ID))
	info, err = s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, guest.ID, info.HostID)

	hosts := 0
	for _, p := range info.Participants {
		if p.IsHost {
			hosts++
		}
	}
	assert.Equal(t, 1, hosts)
}

func TestAddTextBlockPersistsAndBroadcasts(t *testing.T) {
	reg, store := newTestRegistry(t)
	s, host := reg.Create("Alice")
	guest, err := s.Join("Bob")
	require.NoError(t, err)

	hostConn := &fakeConn{}
	guestConn := &fakeConn{}
	require.NoError(t, s.Attach(host.ID, hostConn))
	require.NoError(t, s.Attach(guest.ID, guestConn))

	block, err := s.AddTextBlock(guest.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, types.BlockKindText, block.Kind)
	assert.Equal(t, guest.ID, block.CreatedBy)

	// Artifact exists under the session namespace.
	size, err := store.Size(textKey(s.Code(), block.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	// Both connections received the event, creator included.
	for _, conn := range []*fakeConn{hostConn, guestConn} {
		events := conn.received()
		require.Len(t, events, 1)
		assert.Equal(t, types.EventBlockCreated, events[0].Type)
		assert.Equal(t, block.ID, events[0].Block.ID)
	}
}

func TestAddBlockRequiresMembership(t *testing.T) {
	reg, store := newTestRegistry(t)
	s, _ := reg.Create("Alice")

	_, err := s.AddTextBlock("stranger", "hi")
	assert.ErrorIs(t, err, types.ErrNotParticipant)
	assert.Equal(t, 0, store.len())
}

func TestAddFileBlockTooLarge(t *testing.T) {
	reg, store := newTestRegistry(t)
	s, host := reg.Create("Alice")

	big := strings.Repeat("x", 2048) // registry limit is 1024
	_, err := s.AddFileBlock(host.ID, "big.bin", strings.NewReader(big))
	assert.ErrorIs(t, err, types.ErrPayloadTooLarge)

	info, snapErr := s.Snapshot()
	require.NoError(t, snapErr)
	assert.Empty(t, info.Blocks)
	assert.Equal(t, 0, store.len())
}

func TestAddFileBlockKeyKeepsExtension(t *testing.T) {
	reg, store := newTestRegistry(t)
	s, host := reg.Create("Alice")

	block, err := s.AddFileBlock(host.ID, "report.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, types.BlockKindFile, block.Kind)
	assert.Equal(t, "report.pdf", block.Filename)

	_, err = store.Size(fileKey(s.Code(), "file_"+block.ID+".pdf"))
	assert.NoError(t, err)
}

func TestDeleteBlockRemovesArtifactExactlyOnce(t *testing.T) {
	reg, store := newTestRegistry(t)
	s, host := reg.Create("Alice")

	block, err := s.AddTextBlock(host.ID, "to delete")
	require.NoError(t, err)

	require.NoError(t, s.DeleteBlock(host.ID, block.ID))
	assert.Equal(t, 0, store.len())

	assert.ErrorIs(t, s.DeleteBlock(host.ID, block.ID), types.ErrBlockNotFound)
}

func TestOpenBlock(t *testing.T) {
	reg, store := newTestRegistry(t)
	s, host := reg.Create("Alice")

	block, err := s.AddTextBlock(host.ID, "readable")
	require.NoError(t, err)

	rc, got, err := s.OpenBlock(block.ID)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, block.ID, got.ID)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "readable", string(data))

	_, _, err = s.OpenBlock("missing")
	assert.ErrorIs(t, err, types.ErrBlockNotFound)

	// Artifact lost out of band: surfaced as an integrity error.
	store.drop(textKey(s.Code(), block.ID))
	_, _, err = s.OpenBlock(block.ID)
	assert.ErrorIs(t, err, types.ErrArtifactMissing)
}

func TestBroadcastSurvivesDeadConnection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, host := reg.Create("Alice")
	guest, err := s.Join("Bob")
	require.NoError(t, err)

	dead := &fakeConn{sendErr: errors.New("broken pipe")}
	live := &fakeConn{}
	require.NoError(t, s.Attach(host.ID, dead))
	require.NoError(t, s.Attach(guest.ID, live))

	_, err = s.AddTextBlock(host.ID, "still delivered")
	require.NoError(t, err)

	events := live.received()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventBlockCreated, events[0].Type)
}

func TestEventOrderingPerConnection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, host := reg.Create("Alice")
	guest, err := s.Join("Bob")
	require.NoError(t, err)

	conn := &fakeConn{}
	require.NoError(t, s.Attach(guest.ID, conn))

	b1, err := s.AddTextBlock(host.ID, "one")
	require.NoError(t, err)
	b2, err := s.AddTextBlock(host.ID, "two")
	require.NoError(t, err)
	require.NoError(t, s.DeleteBlock(host.ID, b1.ID))

	events := conn.received()
	require.Len(t, events, 3)
	assert.Equal(t, b1.ID, events[0].Block.ID)
	assert.Equal(t, b2.ID, events[1].Block.ID)
	assert.Equal(t, types.EventBlockDeleted, events[2].Type)
	assert.Equal(t, b1.ID, events[2].BlockID)
}

func TestDetachKeepsMembership(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, host := reg.Create("Alice")

	conn := &fakeConn{}
	require.NoError(t, s.Attach(host.ID, conn))
	s.Detach(host.ID, conn)

	info, err := s.Snapshot()
	require.NoError(t, err)
	assert.Len(t, info.Participants, 1)

	// Reconnect under the same identity.
	assert.NoError(t, s.Attach(host.ID, &fakeConn{}))
}

func TestDetachIgnoresSupersededHandle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, host := reg.Create("Alice")

	old := &fakeConn{}
	require.NoError(t, s.Attach(host.ID, old))
	replacement := &fakeConn{}
	require.NoError(t, s.Attach(host.ID, replacement))

	// The old handle's cleanup must not evict the replacement.
	s.Detach(host.ID, old)

	_, err := s.AddTextBlock(host.ID, "hi")
	require.NoError(t, err)
	assert.Len(t, replacement.received(), 1)
}

func TestAttachRequiresMembership(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := reg.Create("Alice")

	err := s.Attach("stranger", &fakeConn{})
	assert.ErrorIs(t, err, types.ErrNotParticipant)
}

func TestDestroyByHost(t *testing.T) {
	reg, store := newTestRegistry(t)
	s, host := reg.Create("Alice")
	guest, err := s.Join("Bob")
	require.NoError(t, err)

	hostConn := &fakeConn{}
	guestConn := &fakeConn{}
	require.NoError(t, s.Attach(host.ID, hostConn))
	require.NoError(t, s.Attach(guest.ID, guestConn))

	_, err = s.AddTextBlock(host.ID, "doomed")
	require.NoError(t, err)

	// Non-host cannot destroy.
	assert.ErrorIs(t, reg.Destroy(s.Code(), guest.ID), types.ErrNotHost)

	require.NoError(t, reg.Destroy(s.Code(), host.ID))

	for _, conn := range []*fakeConn{hostConn, guestConn} {
		events := conn.received()
		last := events[len(events)-1]
		assert.Equal(t, types.EventSessionDestroyed, last.Type)
		assert.Equal(t, types.DestroyReasonHostAction, last.Reason)
		assert.True(t, conn.isClosed())
	}

	_, err = reg.Lookup(s.Code())
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	assert.Equal(t, 0, store.len())

	// A stale pointer detects destruction.
	_, err = s.Snapshot()
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	_, err = s.AddTextBlock(host.ID, "late")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestDestroyUnknownSession(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.ErrorIs(t, reg.Destroy("nosuch", "anyone"), types.ErrSessionNotFound)
}
