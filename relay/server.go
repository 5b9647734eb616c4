package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSessionTTL bounds how long an unjoined session is kept.
	DefaultSessionTTL = 15 * time.Minute

	shutdownTimeout = 5 * time.Second
)

// Config configures a relay Server.
type Config struct {
	// Addr is the listen address, e.g. ":8443"
	Addr string

	// JWTSecret signs and verifies device tokens
	JWTSecret string

	SessionTTL time.Duration

	// BcryptCost is the access-code hashing cost; out-of-range values use bcrypt.DefaultCost
	BcryptCost int

	// AllowedOrigins restricts browser websocket origins; empty allows any
	AllowedOrigins []string
}

// CreateSessionResponse is returned by POST /api/sessions.
type CreateSessionResponse struct {
	SessionID  string    `json:"sessionId"`
	AccessCode string    `json:"accessCode"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// SessionStatus is returned by GET /api/sessions/:sessionId.
type SessionStatus struct {
	SessionID     string    `json:"sessionId"`
	OwnerDeviceID string    `json:"ownerDeviceId"`
	Peers         int       `json:"peers"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Server is the signaling relay: it issues session ids and access codes
// and forwards validated signaling frames between the two participants.
type Server struct {
	config   Config
	registry Registry
	hub      *Hub
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer builds the relay routes.
func NewServer(cfg Config, registry Registry) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("relay JWT secret cannot be empty")
	}
	if registry == nil {
		return nil, errors.New("relay registry cannot be nil")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		hub:      NewHub(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", JWTAuth(cfg.JWTSecret))
	{
		api.POST("/sessions", s.createSession)
		api.GET("/sessions/:sessionId", s.getSession)
		api.DELETE("/sessions/:sessionId", s.deleteSession)
	}
	router.GET("/ws/:sessionId", JWTAuth(cfg.JWTSecret), s.handleSignaling)

	s.router = router
	return s, nil
}

// Handler returns the HTTP handler serving every relay route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub exposes the participant tracker.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves on Config.Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "Server.Run",
			"addr":     s.config.Addr,
		}).Info("Signaling relay listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Server.Run",
	}).Info("Signaling relay stopped")
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "Server.checkOrigin",
		"origin":   origin,
	}).Warn("Rejected websocket origin")
	return false
}

func (s *Server) createSession(c *gin.Context) {
	owner := deviceID(c)

	code, err := GenerateAccessCode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}
	hash, err := HashAccessCode(code, s.config.BcryptCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	now := time.Now()
	rec := SessionRecord{
		ID:            uuid.NewString(),
		OwnerDeviceID: owner,
		CodeHash:      hash,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.config.SessionTTL),
	}
	if err := s.registry.Create(c.Request.Context(), rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.createSession",
			"error":    err.Error(),
		}).Error("Failed to register session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Server.createSession",
		"session_id": rec.ID,
		"owner":      owner,
	}).Info("Session registered")

	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID:  rec.ID,
		AccessCode: code,
		ExpiresAt:  rec.ExpiresAt,
	})
}

func (s *Server) getSession(c *gin.Context) {
	id := c.Param("sessionId")
	rec, err := s.registry.Get(c.Request.Context(), id)
	if err != nil {
		s.registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionStatus{
		SessionID:     rec.ID,
		OwnerDeviceID: rec.OwnerDeviceID,
		Peers:         s.hub.Peers(rec.ID),
		ExpiresAt:     rec.ExpiresAt,
	})
}

func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("sessionId")
	rec, err := s.registry.Get(c.Request.Context(), id)
	if err != nil {
		s.registryError(c, err)
		return
	}
	if rec.OwnerDeviceID != deviceID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the session owner can delete it"})
		return
	}
	if err := s.registry.Delete(c.Request.Context(), id); err != nil {
		s.registryError(c, err)
		return
	}
	s.hub.Evict(id)

	logrus.WithFields(logrus.Fields{
		"function":   "Server.deleteSession",
		"session_id": id,
	}).Info("Session deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
}

func (s *Server) handleSignaling(c *gin.Context) {
	id := c.Param("sessionId")
	rec, err := s.registry.Get(c.Request.Context(), id)
	if err != nil {
		s.registryError(c, err)
		return
	}
	if err := VerifyAccessCode(rec.CodeHash, c.Query("code")); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Server.handleSignaling",
			"session_id": id,
			"device_id":  deviceID(c),
		}).Warn("Rejected access code")
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid access code"})
		return
	}
	if s.hub.Peers(id) >= maxRoomPeers {
		c.JSON(http.StatusConflict, gin.H{"error": ErrRoomFull.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Server.handleSignaling",
			"session_id": id,
			"error":      err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}

	client, err := s.hub.join(id, deviceID(c), conn)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	s.hub.serve(client)
}

func (s *Server) registryError(c *gin.Context, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Server.registryError",
		"path":     c.FullPath(),
		"error":    err.Error(),
	}).Error("Session registry failure")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Session registry unavailable"})
}

// requestLogger logs each request through logrus instead of gin's default writer.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"function": "relay.request",
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("Handled request")
	}
}
