package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/mbodnar/glimpse/internal/decode"
	"github.com/mbodnar/glimpse/internal/pipeline"
)

// mdnsService is the service type advertised over mDNS so viewers on the
// local network can discover the server.
const mdnsService = "_glimpse._tcp"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Viewers connect from file:// pages and LAN origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatsProvider supplies pipeline counters and gating state for the REST
// API. Implemented by pipeline.Pipeline.
type StatsProvider interface {
	Stats() pipeline.Stats
	DecoderState() pipeline.State
	VideoSize() (width, height uint32)
}

// Config wires the Server to its collaborators.
type Config struct {
	Addr       string
	StaticDir  string
	DeviceName string
	Instance   string // mDNS instance name; empty disables advertisement
	Port       int    // advertised port

	// TLSConfig enables HTTPS when set; WebCodecs needs a secure context
	// for non-localhost viewers.
	TLSConfig *tls.Config

	Log     *slog.Logger
	Relay   *Relay
	Stats   StatsProvider
	Output  decode.OutputHandler
	Control ControlSender

	// OnKeyframeRequest fires when a viewer asks for a fresh key frame,
	// typically wired to a ResetVideo control message.
	OnKeyframeRequest func()
}

// Server hosts the viewer websocket endpoint and the REST API.
type Server struct {
	cfg   Config
	log   *slog.Logger
	relay *Relay
	http  *http.Server
	mdns  *zeroconf.Server
}

// New builds the Server and its router.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &Server{
		cfg:   cfg,
		log:   cfg.Log.With("component", "server"),
		relay: cfg.Relay,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", s.handleWebSocket)
	api := r.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/state", s.handleState)
		api.POST("/keyframe", s.handleKeyframe)
	}
	if cfg.StaticDir != "" {
		r.Static("/static", cfg.StaticDir)
		r.StaticFile("/", cfg.StaticDir+"/index.html")
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Instance != "" {
		mdns, err := zeroconf.Register(s.cfg.Instance, mdnsService, "local.", s.cfg.Port,
			[]string{"device=" + s.cfg.DeviceName}, nil)
		if err != nil {
			s.log.Warn("mdns registration failed", "error", err)
		} else {
			s.mdns = mdns
			s.log.Info("mdns service registered", "instance", s.cfg.Instance, "service", mdnsService)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.http.TLSConfig != nil {
			s.log.Info("https server listening", "addr", s.cfg.Addr)
			err = s.http.ListenAndServeTLS("", "")
		} else {
			s.log.Info("http server listening", "addr", s.cfg.Addr)
			err = s.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.shutdownMDNS()
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.shutdownMDNS()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) shutdownMDNS() {
	if s.mdns != nil {
		s.mdns.Shutdown()
		s.mdns = nil
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := NewSession(SessionConfig{
		Conn:              conn,
		Log:               s.log,
		Output:            s.cfg.Output,
		Control:           s.cfg.Control,
		OnKeyframeRequest: s.cfg.OnKeyframeRequest,
		DeviceName:        s.cfg.DeviceName,
	})
	s.relay.AddViewer(session)
	defer s.relay.RemoveViewer(session.ID())

	session.Run()
}

// statsResponse is the JSON body for GET /api/stats.
type statsResponse struct {
	Pipeline pipeline.Stats `json:"pipeline"`
	Viewers  []ViewerStats  `json:"viewers"`
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Pipeline: s.cfg.Stats.Stats(),
		Viewers:  s.relay.ViewerStatsAll(),
	})
}

// stateResponse is the JSON body for GET /api/state.
type stateResponse struct {
	DeviceName  string         `json:"deviceName"`
	Width       uint32         `json:"width"`
	Height      uint32         `json:"height"`
	ViewerCount int            `json:"viewerCount"`
	Decoder     pipeline.State `json:"decoder"`
	Config      *VideoConfig   `json:"config,omitempty"`
}

func (s *Server) handleState(c *gin.Context) {
	width, height := s.cfg.Stats.VideoSize()
	resp := stateResponse{
		DeviceName:  s.cfg.DeviceName,
		Width:       width,
		Height:      height,
		ViewerCount: s.relay.ViewerCount(),
		Decoder:     s.cfg.Stats.DecoderState(),
	}
	if cfg, ok := s.relay.Config(); ok {
		resp.Config = &cfg
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleKeyframe(c *gin.Context) {
	if s.cfg.OnKeyframeRequest == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no control channel"})
		return
	}
	s.cfg.OnKeyframeRequest()
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}
