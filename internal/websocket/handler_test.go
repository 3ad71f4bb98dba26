package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cliproom/internal/session"
	"cliproom/internal/storage"
	"cliproom/pkg/types"
)

func newTestEndpoint(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()

	log := zap.NewNop()
	store, err := storage.NewDiskStore(t.TempDir(), log)
	require.NoError(t, err)
	registry := session.NewRegistry(store, 6, 1024, log)

	handler := NewHandler(registry, Options{
		PingInterval: 50 * time.Millisecond,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: time.Second,
	}, log)

	r := chi.NewRouter()
	r.Get("/ws/{code}/{identity}", handler.HandleSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server, code, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + code + "/" + identity
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev types.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// awaitAttached round-trips a ping so the test knows the server has
// registered the connection before any broadcast is triggered.
func awaitAttached(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	ev := readEvent(t, conn)
	require.Equal(t, types.EventPong, ev.Type)
}

func TestSocketDeliversBroadcasts(t *testing.T) {
	srv, registry := newTestEndpoint(t)
	sess, host := registry.Create("Ana")

	conn := dial(t, srv, sess.Code(), host.ID)
	awaitAttached(t, conn)

	guest, err := sess.Join("Bob")
	require.NoError(t, err)

	ev := readEvent(t, conn)
	assert.Equal(t, types.EventUserJoined, ev.Type)
	require.NotNil(t, ev.User)
	assert.Equal(t, guest.ID, ev.User.ID)
	assert.Equal(t, "Bob", ev.User.Name)
}

func TestSocketPingPong(t *testing.T) {
	srv, registry := newTestEndpoint(t)
	sess, host := registry.Create("Ana")

	conn := dial(t, srv, sess.Code(), host.ID)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	ev := readEvent(t, conn)
	assert.Equal(t, types.EventPong, ev.Type)
}

func TestSocketUnknownSession(t *testing.T) {
	srv, _ := newTestEndpoint(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/zzzzzz/nobody"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "the upgrade happens before the lookup")
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestSocketRejectsNonParticipant(t *testing.T) {
	srv, registry := newTestEndpoint(t)
	sess, _ := registry.Create("Ana")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sess.Code() + "/intruder"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestSocketReconnectSupersedesOldHandle(t *testing.T) {
	srv, registry := newTestEndpoint(t)
	sess, host := registry.Create("Ana")

	first := dial(t, srv, sess.Code(), host.ID)
	second := dial(t, srv, sess.Code(), host.ID)

	// The first handle is closed server-side once the second attaches.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	_, err = sess.Join("Bob")
	require.NoError(t, err)

	ev := readEvent(t, second)
	assert.Equal(t, types.EventUserJoined, ev.Type)
}

func TestSocketCloseKeepsMembership(t *testing.T) {
	srv, registry := newTestEndpoint(t)
	sess, host := registry.Create("Ana")

	conn := dial(t, srv, sess.Code(), host.ID)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool {
		info, err := sess.Snapshot()
		if err != nil {
			return false
		}
		return len(info.Participants) == 1 && info.HostID == host.ID
	}, 2*time.Second, 20*time.Millisecond)
}
