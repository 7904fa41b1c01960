// Package admin serves the node's HTTP admin surface: health, Prometheus
// metrics, the live declaration list and a websocket tap that streams samples.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dshills/keymesh/internal/config"
	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/metrics"
	"github.com/dshills/keymesh/internal/node"
	"github.com/dshills/keymesh/internal/substrate"
)

const (
	tapBuffer     = 64
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	shutdownGrace = 5 * time.Second
)

// Mesh is the node surface the admin server reads. *node.Node implements it.
type Mesh interface {
	ID() string
	Name() string
	Metrics() *metrics.Metrics
	Declarations() []node.Declaration
	DeclareSubscriber(ctx context.Context, pattern string, opts ...node.SubscriberOption) (*node.Subscriber, error)
}

// Server is the admin HTTP server of one node.
type Server struct {
	addr     string
	mesh     Mesh
	logger   zerolog.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time
	version  string

	stop     chan struct{}
	stopOnce sync.Once
	taps     sync.WaitGroup
}

// TapFrame is one sample sent to a tap client.
type TapFrame struct {
	Key       string    `json:"key"`
	Payload   string    `json:"payload"`
	Size      int       `json:"size"`
	Sequence  uint64    `json:"seq"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds the admin server for mesh. version is reported by /health.
func New(cfg config.Admin, mesh Mesh, logger zerolog.Logger, version string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:    cfg.Addr,
		mesh:    mesh,
		logger:  logger.With().Str("component", "admin").Logger(),
		router:  gin.New(),
		started: time.Now(),
		version: version,
		stop:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin(cfg.CORSOrigins),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(RequestLogger(s.logger, "/health", "/metrics"))
	if len(cfg.CORSOrigins) > 0 {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = s.router.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.routes()
	return s
}

func (s *Server) checkOrigin(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"node":    s.mesh.Name(),
			"id":      s.mesh.ID(),
			"uptime":  time.Since(s.started).String(),
			"version": s.version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(s.mesh.Metrics().Handler()))

	s.router.GET("/declarations", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"node":         s.mesh.Name(),
			"declarations": s.mesh.Declarations(),
		})
	})

	s.router.GET("/tap", s.tap)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// tap streams samples matching ?pattern= to a websocket client until the client
// goes away or the server stops. The subscriber drops samples rather than
// slowing publishers down.
func (s *Server) tap(c *gin.Context) {
	pattern := c.Query("pattern")
	if _, err := keyexpr.ParsePattern(pattern); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := s.mesh.DeclareSubscriber(c.Request.Context(), pattern,
		node.WithBuffer(tapBuffer),
		node.WithOverflow(substrate.OverflowDropNewest),
	)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, node.ErrNodeClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer sub.Undeclare()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("pattern", pattern).Msg("tap upgrade failed")
		return
	}
	defer conn.Close()

	s.taps.Add(1)
	defer s.taps.Done()
	s.logger.Info().Str("pattern", pattern).Str("client_ip", c.ClientIP()).Msg("tap opened")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case sample, ok := <-sub.Samples():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(frame(sample)); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			s.logger.Info().Str("pattern", pattern).Msg("tap closed by client")
			return
		case <-s.stop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func frame(s message.Sample) TapFrame {
	return TapFrame{
		Key:       s.Key.String(),
		Payload:   s.PayloadString(),
		Size:      len(s.Payload),
		Sequence:  s.Sequence,
		Source:    s.Source,
		Timestamp: s.Timestamp,
	}
}

// Run serves on the configured address until ctx ends, then shuts down,
// closing open taps.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	s.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	s.taps.Wait()
	return nil
}

// Stop closes every open tap.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
