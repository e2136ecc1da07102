package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 5 << 20

// Config configures the stream server.
type Config struct {
	Host          string
	Port          int
	WebhookSecret string // empty disables signature verification
	Heartbeat     time.Duration
	TLS           *tls.Config // nil serves plain HTTP
	Logger        *slog.Logger
}

// Server serves the overlay websocket, the GitHub webhook and the session API.
type Server struct {
	hub     *Hub
	session *Session
	secret  string
	addr    string
	tls     *tls.Config
	log     *slog.Logger
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		hub:     NewHub(cfg.Heartbeat, log),
		session: NewSession(),
		secret:  cfg.WebhookSecret,
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tls:     cfg.TLS,
		log:     log,
	}
}

func (s *Server) Hub() *Hub         { return s.hub }
func (s *Server) Session() *Session { return s.session }

// Handler returns the gin engine with every route mounted.
//
//	GET  /, /ws                  websocket upgrade
//	GET  /health                 liveness, client count and session state
//	POST /webhook/github         GitHub deliveries
//	POST /api/session/start|end  GET /api/session/stats
//	POST /api/tdd/status
//	POST /api/project/switch|active
//	POST /api/overlay/config|amount
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), cors())
	g.GET("/", gin.WrapF(s.hub.ServeWS))
	g.GET("/ws", gin.WrapF(s.hub.ServeWS))
	g.GET("/health", s.handleHealth)
	g.POST("/webhook/github", s.handleWebhook)

	api := g.Group("/api")
	api.POST("/session/start", s.handleSessionStart)
	api.POST("/session/end", s.handleSessionEnd)
	api.GET("/session/stats", s.handleSessionStats)
	api.POST("/tdd/status", s.handleTDDStatus)
	api.POST("/project/switch", s.handleProjectSwitch)
	api.POST("/project/active", s.handleProjectActive)
	api.POST("/overlay/config", s.handleOverlayConfig)
	api.POST("/overlay/amount", s.handleOverlayAmount)
	return g
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Run serves until ctx is cancelled, then shuts down and disconnects clients.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         s.tls,
	}
	errCh := make(chan error, 1)
	go func() {
		if s.tls != nil {
			// Certificates come from TLSConfig.GetCertificate.
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("stream server listening", "addr", s.addr, "tls", s.tls != nil)

	select {
	case err := <-errCh:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}
	s.log.Info("stream server shutting down")
	s.hub.Close()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type sessionInfo struct {
	Running  bool   `json:"running"`
	Duration *int64 `json:"duration,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	info := sessionInfo{}
	if d, ok := s.session.Duration(); ok {
		info.Running, info.Duration = true, &d
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"wsClients": s.hub.ClientCount(),
		"session":   info,
	})
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if s.secret != "" {
		if err := verifySignature(s.secret, body, c.GetHeader("X-Hub-Signature-256")); err != nil {
			s.log.Warn("webhook rejected", "error", err, "remote", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}
	}
	event := c.GetHeader("X-GitHub-Event")
	handled, err := s.dispatch(event, body)
	if err != nil {
		s.log.Warn("webhook payload invalid", "event", event, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !handled {
		s.log.Debug("webhook event ignored", "event", event)
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) handleSessionStart(c *gin.Context) {
	start := s.session.Start()
	s.hub.BroadcastAll(NewMessage(TypeSessionStart, gin.H{"startTime": stamp(start)}))
	s.log.Info("session started")
	c.JSON(http.StatusOK, gin.H{"success": true, "startTime": stamp(start)})
}

func (s *Server) handleSessionEnd(c *gin.Context) {
	stats, ok := s.session.End()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No active session"})
		return
	}
	s.hub.BroadcastAll(NewMessage(TypeSessionEnd, stats))
	s.log.Info("session ended", "duration", stats.Duration, "commits", stats.Commits,
		"tests", stats.TestsRun, "issues_closed", stats.IssuesClosed)
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (s *Server) handleSessionStats(c *gin.Context) {
	stats, ok := s.session.Stats()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true, "stats": stats})
}

func (s *Server) handleTDDStatus(c *gin.Context) {
	var st TDDStatusPayload
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.hub.Broadcast(ChannelTDD, NewMessage(TypeTDDStatus, st))
	s.session.SetTestsRun(st.TestsTotal)
	s.log.Info("tdd status", "phase", st.Phase, "passed", st.TestsPassed, "total", st.TestsTotal)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type projectSwitch struct {
	Name string `json:"name"`
	Repo string `json:"repo"`
}

func (s *Server) handleProjectSwitch(c *gin.Context) {
	var req projectSwitch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.session.SwitchProject(req.Name)
	s.hub.Broadcast(ChannelProject, NewMessage(TypeProjectSwitch, req))
	s.log.Info("project switched", "name", req.Name)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleProjectActive(c *gin.Context) {
	var req struct {
		Projects []ActiveProject `json:"projects"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Projects == nil {
		req.Projects = []ActiveProject{}
	}
	s.session.SetActiveProjects(req.Projects)
	s.hub.Broadcast(ChannelProject, NewMessage(TypeProjectActive, gin.H{"projects": req.Projects}))
	s.log.Info("active projects updated", "count", len(req.Projects))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleOverlayConfig(c *gin.Context) {
	var req OverlayConfigPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.hub.BroadcastAll(NewMessage(TypeOverlayConfig, req))
	s.log.Info("overlay config updated", "title", req.Title)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleOverlayAmount(c *gin.Context) {
	var req OverlayAmountPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.hub.BroadcastAll(NewMessage(TypeOverlayAmount, req))
	s.log.Info("overlay amount updated", "amount", req.Amount)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
