package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cliproom/internal/session"
	"cliproom/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Options carry the connection timings.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handler upgrades live-connection requests and runs their read loops.
type Handler struct {
	registry *session.Registry
	opts     Options
	log      *zap.Logger
}

func NewHandler(registry *session.Registry, opts Options, log *zap.Logger) *Handler {
	return &Handler{registry: registry, opts: opts, log: log}
}

// inbound is the only client-to-server message shape on a live connection.
type inbound struct {
	Type string `json:"type"`
}

// HandleSocket serves GET /ws/{code}/{identity}. The identity must already
// be a participant: joining happens over the HTTP API before the connection
// is established. Invalid entries get a policy-violation close and never
// reach the session.
func (h *Handler) HandleSocket(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	participantID := chi.URLParam(r, "identity")

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := NewConnection(raw, h.opts.WriteTimeout)

	if !types.IsValidIdentity(participantID) {
		_ = conn.Close(websocket.ClosePolicyViolation, "malformed identity")
		return
	}
	sess, err := h.registry.Lookup(code)
	if err != nil {
		_ = conn.Close(websocket.ClosePolicyViolation, "session not found")
		return
	}
	if err := sess.Attach(participantID, conn); err != nil {
		_ = conn.Close(websocket.ClosePolicyViolation, "not a session participant")
		return
	}

	h.log.Info("connection live",
		zap.String("session", sess.Code()),
		zap.String("participant", participantID))

	h.readLoop(sess, participantID, conn, raw)
}

// readLoop pumps inbound messages until the peer goes away. Any close,
// graceful or abrupt, detaches only the connection handle; membership is
// untouched and the participant may reconnect under the same identity.
func (h *Handler) readLoop(sess *session.Session, participantID string, conn *Connection, raw *websocket.Conn) {
	defer func() {
		sess.Detach(participantID, conn)
		_ = conn.Close(websocket.CloseNormalClosure, "")
		h.log.Info("connection closed",
			zap.String("session", sess.Code()),
			zap.String("participant", participantID))
	}()

	_ = raw.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	raw.SetPongHandler(func(string) error {
		sess.Touch()
		return raw.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	// Protocol-level heartbeat alongside the application-level ping.
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug("read error", zap.String("participant", participantID), zap.Error(err))
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			sess.Pong(participantID)
		}
	}
}
