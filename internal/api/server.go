package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/relaycode-dev/relaycode/internal/audit"
	"github.com/relaycode-dev/relaycode/internal/bridge/approval"
	"github.com/relaycode-dev/relaycode/internal/bridge/session"
	"github.com/relaycode-dev/relaycode/internal/obs"
)

// SubprocessStatus mirrors the supervisor's view of the app server.
type SubprocessStatus struct {
	Running  bool  `json:"running"`
	PID      int   `json:"pid"`
	Restarts int64 `json:"restarts"`
}

// Status is the /api/status payload. The bridge assembles it on demand.
type Status struct {
	UptimeSeconds       int64            `json:"uptimeSeconds"`
	Subprocess          SubprocessStatus `json:"subprocess"`
	ActiveTurns         int              `json:"activeTurns"`
	ActiveConversations int              `json:"activeConversations"`
	PendingApprovals    int              `json:"pendingApprovals"`
}

// Options wires the server to the bridge's live state. Nil collaborators
// degrade to empty responses so the server can run in partial setups.
type Options struct {
	Listen       string
	Tokens       *TokenManager
	AdminKeyHash string
	Status       func() Status
	Sessions     *session.Store
	Approvals    *approval.Handler
	Audit        *audit.Store
	// Logs serves the newest captured log entries, oldest first.
	Logs func(limit int) []obs.LogEntry
}

// Server is the admin HTTP server.
type Server struct {
	opts     Options
	router   *gin.Engine
	httpSrv  *http.Server
	listener net.Listener
}

// NewServer builds the router. Call Start to bind and serve.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{opts: opts, router: router}

	router.GET("/healthz", s.handleHealth)

	authed := router.Group("/api")
	authed.Use(s.authMiddleware())
	authed.GET("/status", s.handleStatus)
	authed.GET("/sessions", s.handleSessions)
	authed.GET("/approvals", s.handleApprovals)
	authed.POST("/approvals/:id", s.handleDecide)
	authed.GET("/turns", s.handleTurns)
	authed.GET("/logs", s.handleLogs)

	return s
}

// Start binds the listen address and serves in the background. Bind errors
// are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Admin API server stopped")
		}
	}()
	logrus.Infof("Admin API listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func errorJSON(c *gin.Context, status int, message, errType string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	})
}

// authMiddleware accepts either an issued rlc- token or the static admin
// key checked against the configured argon2id hash.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			errorJSON(c, http.StatusUnauthorized, "Authorization header required", "authentication_error")
			c.Abort()
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		if strings.HasPrefix(token, apiKeyPrefix) && s.opts.Tokens != nil {
			claims, err := s.opts.Tokens.Validate(token)
			if err == nil {
				c.Set("client_id", claims.Name)
				c.Next()
				return
			}
			logrus.WithError(err).Debug("API token rejected")
		} else if s.opts.AdminKeyHash != "" && VerifyKey(token, s.opts.AdminKeyHash) {
			c.Set("client_id", "admin-key")
			c.Next()
			return
		}

		errorJSON(c, http.StatusUnauthorized, "Invalid API key", "authentication_error")
		c.Abort()
	}
}

func clientID(c *gin.Context) string {
	if id, ok := c.Get("client_id"); ok {
		return id.(string)
	}
	return "unknown"
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	var st Status
	if s.opts.Status != nil {
		st = s.opts.Status()
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleSessions(c *gin.Context) {
	channels := map[string]*session.ChannelSession{}
	if s.opts.Sessions != nil {
		channels = s.opts.Sessions.Channels()
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (s *Server) handleApprovals(c *gin.Context) {
	views := []approval.View{}
	if s.opts.Approvals != nil {
		views = s.opts.Approvals.PendingViews()
	}
	c.JSON(http.StatusOK, gin.H{
		"approvals": views,
		"count":     len(views),
	})
}

// DecideRequest is the POST /api/approvals/:id body.
type DecideRequest struct {
	Decision string `json:"decision" binding:"required"`
}

func (s *Server) handleDecide(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Approval id must be an integer", "invalid_request_error")
		return
	}

	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid request: decision is required", "invalid_request_error")
		return
	}
	decision := approval.Decision(req.Decision)
	if decision != approval.DecisionAccept && decision != approval.DecisionDecline {
		errorJSON(c, http.StatusBadRequest, "Decision must be accept or decline", "invalid_request_error")
		return
	}

	if s.opts.Approvals == nil {
		errorJSON(c, http.StatusServiceUnavailable, "Approvals are not available", "api_error")
		return
	}

	operator := clientID(c)
	err = s.opts.Approvals.HandleDecision(c.Request.Context(), id, decision, approval.SourceAPI, operator)
	switch {
	case errors.Is(err, approval.ErrAlreadyDecided):
		errorJSON(c, http.StatusConflict, "Approval already decided", "invalid_request_error")
		return
	case errors.Is(err, approval.ErrUnknownApproval):
		errorJSON(c, http.StatusNotFound, "Approval not found", "invalid_request_error")
		return
	case err != nil:
		errorJSON(c, http.StatusInternalServerError, err.Error(), "api_error")
		return
	}

	logrus.Infof("Approval %d settled as %s via API by %s", id, decision, operator)
	c.JSON(http.StatusOK, gin.H{
		"id":       id,
		"decision": string(decision),
		"source":   string(approval.SourceAPI),
	})
}

func (s *Server) handleTurns(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorJSON(c, http.StatusBadRequest, "limit must be a positive integer", "invalid_request_error")
			return
		}
		limit = n
	}

	turns := []audit.TurnRecord{}
	if s.opts.Audit != nil {
		recent, err := s.opts.Audit.RecentTurns(limit)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, err.Error(), "api_error")
			return
		}
		turns = recent
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns})
}

func (s *Server) handleLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorJSON(c, http.StatusBadRequest, "limit must be a positive integer", "invalid_request_error")
			return
		}
		limit = n
	}

	entries := []obs.LogEntry{}
	if s.opts.Logs != nil {
		entries = s.opts.Logs(limit)
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}
