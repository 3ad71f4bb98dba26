// Package api exposes the request/response surface over the session engine.
// Handlers stay thin: decode, delegate to the session layer, map the error
// taxonomy onto HTTP statuses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"cliproom/internal/config"
	"cliproom/internal/identity"
	"cliproom/internal/metrics"
	"cliproom/internal/session"
	"cliproom/internal/websocket"
	"cliproom/pkg/types"
)

type Server struct {
	registry  *session.Registry
	wsHandler *websocket.Handler
	cfg       *config.Config
	log       *zap.Logger
}

func NewServer(registry *session.Registry, wsHandler *websocket.Handler, cfg *config.Config, log *zap.Logger) *Server {
	return &Server{
		registry:  registry,
		wsHandler: wsHandler,
		cfg:       cfg,
		log:       log,
	}
}

// Routes assembles the full router: REST API, live-connection endpoint,
// health and metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/api/v1/config", s.getConfig)

	r.Post("/api/v1/session/create", s.createSession)
	r.Post("/api/v1/session/join", s.joinSession)
	r.Get("/api/v1/session/{code}", s.getSession)
	r.Post("/api/v1/session/destroy", s.destroySession)
	r.Post("/api/v1/session/transfer_host", s.transferHost)
	r.Post("/api/v1/session/toggle_join", s.toggleJoin)

	r.Post("/api/v1/block/create", s.createTextBlock)
	r.Post("/api/v1/block/upload", s.uploadFileBlock)
	r.Delete("/api/v1/block/delete", s.deleteBlock)
	r.Get("/api/v1/block/download/{code}/{blockID}", s.downloadBlock)

	r.Get("/ws/{code}/{identity}", s.wsHandler.HandleSocket)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

type configResponse struct {
	EncryptionPassphrase string `json:"encryption_passphrase"`
	EncryptionSalt       string `json:"encryption_salt"`
	MaxFileSizeBytes     int64  `json:"max_file_size_bytes"`
}

// getConfig hands clients the opaque encryption material and upload bound.
func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		EncryptionPassphrase: s.cfg.Client.EncryptionPassphrase,
		EncryptionSalt:       s.cfg.Client.EncryptionSalt,
		MaxFileSizeBytes:     s.cfg.Storage.MaxUploadBytes(),
	})
}

type createSessionRequest struct {
	UserName string `json:"user_name"`
}

type sessionMembershipResponse struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	IsHost    bool   `json:"is_host"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	name := req.UserName
	if name == "" {
		name = identity.RandomDisplayName()
	}

	sess, host := s.registry.Create(name)
	writeJSON(w, http.StatusOK, sessionMembershipResponse{
		SessionID: sess.Code(),
		UserID:    host.ID,
		UserName:  host.Name,
		IsHost:    true,
	})
}

type joinSessionRequest struct {
	SessionID string `json:"session_id"`
	UserName  string `json:"user_name"`
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	var req joinSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	sess, err := s.registry.Lookup(req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	name := req.UserName
	if name == "" {
		name = identity.RandomDisplayName()
	}
	p, err := sess.Join(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionMembershipResponse{
		SessionID: sess.Code(),
		UserID:    p.ID,
		UserName:  p.Name,
		IsHost:    false,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Lookup(chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := sess.Snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type destroySessionRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

func (s *Server) destroySession(w http.ResponseWriter, r *http.Request) {
	var req destroySessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.registry.Destroy(req.SessionID, req.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

type transferHostRequest struct {
	SessionID     string `json:"session_id"`
	CurrentHostID string `json:"current_host_id"`
	NewHostID     string `json:"new_host_id"`
}

func (s *Server) transferHost(w http.ResponseWriter, r *http.Request) {
	var req transferHostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	sess, err := s.registry.Lookup(req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := sess.TransferHost(req.CurrentHostID, req.NewHostID); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

type toggleJoinRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	AllowJoin bool   `json:"allow_join"`
}

func (s *Server) toggleJoin(w http.ResponseWriter, r *http.Request) {
	var req toggleJoinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	sess, err := s.registry.Lookup(req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := sess.SetJoinGate(req.UserID, req.AllowJoin); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

type createBlockRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Content   string `json:"content"`
}

type blockResponse struct {
	BlockID string       `json:"block_id"`
	Block   *types.Block `json:"block"`
}

func (s *Server) createTextBlock(w http.ResponseWriter, r *http.Request) {
	var req createBlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Type != "" && !types.IsValidBlockKind(req.Type) {
		writeBadRequest(w, fmt.Errorf("unknown block type %q", req.Type))
		return
	}
	if req.Type == types.BlockKindFile {
		writeBadRequest(w, fmt.Errorf("file blocks are created through the upload endpoint"))
		return
	}
	sess, err := s.registry.Lookup(req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	block, err := sess.AddTextBlock(req.UserID, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blockResponse{BlockID: block.ID, Block: block})
}

// uploadFileBlock streams a multipart upload into the artifact store. The
// metadata fields must precede the file part so the upload can be attributed
// before any bytes are transferred; the size bound is enforced during the
// copy, not after buffering.
func (s *Server) uploadFileBlock(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	var sessionID, userID string
	var filePart *multipart.Part
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		switch part.FormName() {
		case "session_id":
			sessionID = readFormValue(part)
		case "user_id":
			userID = readFormValue(part)
		case "file":
			filePart = part
		}
		if filePart != nil {
			break
		}
	}
	if filePart == nil {
		writeBadRequest(w, fmt.Errorf("missing file part"))
		return
	}
	defer filePart.Close()
	if sessionID == "" || userID == "" {
		writeBadRequest(w, fmt.Errorf("session_id and user_id must precede the file part"))
		return
	}

	sess, err := s.registry.Lookup(sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	block, err := sess.AddFileBlock(userID, filePart.FileName(), filePart)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blockResponse{BlockID: block.ID, Block: block})
}

type deleteBlockRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	BlockID   string `json:"block_id"`
}

func (s *Server) deleteBlock(w http.ResponseWriter, r *http.Request) {
	var req deleteBlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	sess, err := s.registry.Lookup(req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := sess.DeleteBlock(req.UserID, req.BlockID); err != nil {
		s.writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) downloadBlock(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Lookup(chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	rc, block, err := sess.OpenBlock(chi.URLParam(r, "blockID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()

	filename := block.Filename
	if block.Kind == types.BlockKindText {
		filename = fmt.Sprintf("text_%s.txt", block.ID)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Debug("download aborted", zap.String("block", block.ID), zap.Error(err))
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeError maps the shared error taxonomy onto HTTP statuses. Artifact
// integrity problems surface as not-found; the anomaly is logged where it is
// detected.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrSessionNotFound),
		errors.Is(err, types.ErrBlockNotFound),
		errors.Is(err, types.ErrParticipantNotFound),
		errors.Is(err, types.ErrArtifactMissing):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrNotHost),
		errors.Is(err, types.ErrNotParticipant),
		errors.Is(err, types.ErrJoinClosed):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: err.Error(),
	})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Code:    http.StatusBadRequest,
		Message: err.Error(),
	})
}

func writeAck(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// readFormValue drains a small metadata part.
func readFormValue(part *multipart.Part) string {
	b, err := io.ReadAll(io.LimitReader(part, 1024))
	if err != nil {
		return ""
	}
	return string(b)
}
