package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/httputil"
	"chatsync/internal/middleware"
	"chatsync/internal/models"
	"chatsync/internal/service"
	"chatsync/internal/validation"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxRequestBytes = constants.MaxBodyLength + 16*1024

// SyncService is the part of the engine the API exposes.
type SyncService interface {
	Messages(ctx context.Context, conversationID string, before *models.Message, limit int) ([]*models.Message, error)
	Message(ctx context.Context, ref models.MessageRef) (*models.Message, error)
	RequestOlderPage(ctx context.Context, conversationID string, before *models.Message, pageSize int) service.PageResult
	RequestNewerPage(ctx context.Context, conversationID string, after *models.Message, pageSize int) service.PageResult
	SendMessage(ctx context.Context, out models.OutgoingMessage) (string, error)
	ResendMessage(ctx context.Context, ref models.MessageRef) (string, error)
	MarkSeen(ctx context.Context, ref models.MessageRef) error
	JoinConversation(ctx context.Context, conv models.Conversation) error
	Watch(ctx context.Context, conversationID string, limit int) (<-chan []*models.Message, error)
}

// GatewayStatus reports the transport connection for health checks.
type GatewayStatus interface {
	Connected() bool
}

type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	sync     SyncService
	gateway  GatewayStatus
	cfg      models.ServerConfig
	apiToken string
	verbose  bool
	limiter  *middleware.RateLimiter
	server   *http.Server
}

func NewServer(cfg models.ServerConfig, sync SyncService, gateway GatewayStatus, logger *logrus.Logger, verbose bool) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		sync:     sync,
		gateway:  gateway,
		cfg:      cfg,
		apiToken: cfg.APIToken,
		verbose:  verbose,
	}
	if cfg.RateLimitPerSec > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	}

	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutSec) * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))
	s.router.Use(middleware.DetailedLoggingMiddleware(s.logger, middleware.DefaultDetailedLoggingConfig(s.verbose)))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(middleware.RateLimitMiddleware(s.limiter, s.logger))
	api.Use(s.requireToken)

	api.HandleFunc("/messages", s.handleSend()).Methods(http.MethodPost)

	conv := api.PathPrefix("/conversations/{conversationId}").Subrouter()
	conv.HandleFunc("", s.handleJoin()).Methods(http.MethodPut)
	conv.HandleFunc("/messages", s.handleListMessages()).Methods(http.MethodGet)
	conv.HandleFunc("/messages/{remoteId}", s.handleGetMessage()).Methods(http.MethodGet)
	conv.HandleFunc("/messages/{remoteId}/resend", s.handleResend()).Methods(http.MethodPost)
	conv.HandleFunc("/messages/{remoteId}/seen", s.handleMarkSeen()).Methods(http.MethodPost)
	conv.HandleFunc("/pages/older", s.handlePage(true)).Methods(http.MethodPost)
	conv.HandleFunc("/pages/newer", s.handlePage(false)).Methods(http.MethodPost)
	conv.Handle("/watch", middleware.StreamObservabilityMiddleware(s.logger, "timeline")(s.handleWatch())).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %d", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status           string `json:"status"`
	GatewayConnected bool   `json:"gatewayConnected"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", GatewayConnected: s.gateway.Connected()}
		if !resp.GatewayConnected {
			resp.Status = "degraded"
		}
		_ = httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID := mux.Vars(r)["conversationId"]
		limit, err := validation.ParseLimit(r, "limit")
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		cursor, err := s.cursor(r, convID, r.URL.Query().Get("before"))
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}

		msgs, err := s.sync.Messages(r.Context(), convID, cursor, limit)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		_ = httputil.WriteJSON(w, http.StatusOK, msgs)
	}
}

func (s *Server) handleGetMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := s.sync.Message(r.Context(), refFromVars(r))
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		_ = httputil.WriteJSON(w, http.StatusOK, msg)
	}
}

type pageRequest struct {
	CursorID string `json:"cursorId,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

// handlePage loads one archive page. Without a cursor an older page is the
// server's latest page and a newer page catches up from the local archive.
func (s *Server) handlePage(older bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID := mux.Vars(r)["conversationId"]
		var req pageRequest
		if r.ContentLength != 0 {
			if err := httputil.DecodeJSON(w, r, maxRequestBytes, &req); err != nil {
				httputil.WriteError(w, r, err)
				return
			}
		}
		if err := validation.ValidatePageSize(req.PageSize); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		cursor, err := s.cursor(r, convID, req.CursorID)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}

		var result service.PageResult
		if older {
			result = s.sync.RequestOlderPage(r.Context(), convID, cursor, req.PageSize)
		} else {
			result = s.sync.RequestNewerPage(r.Context(), convID, cursor, req.PageSize)
		}
		if result.Err != nil {
			httputil.WriteError(w, r, result.Err)
			return
		}
		_ = httputil.WriteJSON(w, http.StatusOK, result)
	}
}

type sendResponse struct {
	RemoteID string `json:"remoteId"`
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out models.OutgoingMessage
		if err := httputil.DecodeJSON(w, r, maxRequestBytes, &out); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		id, err := s.sync.SendMessage(r.Context(), out)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		_ = httputil.WriteJSON(w, http.StatusAccepted, sendResponse{RemoteID: id})
	}
}

func (s *Server) handleResend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.sync.ResendMessage(r.Context(), refFromVars(r))
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		_ = httputil.WriteJSON(w, http.StatusAccepted, sendResponse{RemoteID: id})
	}
}

func (s *Server) handleMarkSeen() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sync.MarkSeen(r.Context(), refFromVars(r)); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type joinRequest struct {
	IsGroup      bool     `json:"isGroup"`
	SelfNick     string   `json:"selfNick,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

func (s *Server) handleJoin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req joinRequest
		if err := httputil.DecodeJSON(w, r, maxRequestBytes, &req); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		conv := models.Conversation{
			ID:           mux.Vars(r)["conversationId"],
			IsGroup:      req.IsGroup,
			SelfNick:     req.SelfNick,
			Participants: req.Participants,
		}
		if err := s.sync.JoinConversation(r.Context(), conv); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleWatch streams timeline snapshots over a websocket until the client
// goes away. Client frames are ignored.
func (s *Server) handleWatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID := mux.Vars(r)["conversationId"]
		limit, err := validation.ParseLimit(r, "limit")
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if limit == 0 {
			limit = constants.DefaultWatchWindow
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		snapshots, err := s.sync.Watch(ctx, convID, limit)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}

		// the server write timeout must not cut a long lived stream
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to accept watch stream")
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(constants.DefaultWebSocketReadLimitBytes)
		ctx = conn.CloseRead(ctx)

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case snap, ok := <-snapshots:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "watch ended")
					return
				}
				if snap == nil {
					snap = []*models.Message{}
				}
				writeCtx, writeCancel := context.WithTimeout(ctx, s.streamWriteTimeout())
				err := wsjson.Write(writeCtx, conn, snap)
				writeCancel()
				if err != nil {
					service.LogWithContext(r.Context(), s.logger).WithError(err).Debug("Watch stream write failed")
					return
				}
			}
		}
	}
}

func (s *Server) streamWriteTimeout() time.Duration {
	if s.cfg.WriteTimeoutSec <= 0 {
		return constants.DefaultServerWriteTimeoutSec * time.Second
	}
	return time.Duration(s.cfg.WriteTimeoutSec) * time.Second
}

// cursor loads the stored message a page or listing is anchored on.
func (s *Server) cursor(r *http.Request, conversationID, remoteID string) (*models.Message, error) {
	if remoteID == "" {
		return nil, nil
	}
	msg, err := s.sync.Message(r.Context(), models.MessageRef{ConversationID: conversationID, RemoteID: remoteID})
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeNotFound {
			return nil, apperrors.NewValidationError("cursor", remoteID, "cursor message is not stored")
		}
		return nil, err
	}
	return msg, nil
}

func refFromVars(r *http.Request) models.MessageRef {
	vars := mux.Vars(r)
	return models.MessageRef{ConversationID: vars["conversationId"], RemoteID: vars["remoteId"]}
}
