package dashboard

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"optionflow/config"
	"optionflow/internal/analytics"
	"optionflow/internal/channel"
	"optionflow/internal/metrics"
	"optionflow/internal/scheduler"
	"optionflow/logger"
)

//go:embed templates/*.tmpl assets/*
var embeddedFS embed.FS

// Engine is the snapshot owner the dashboard reads from and steers.
type Engine interface {
	Snapshot() analytics.Snapshot
	SelectExpiry(expiry string) uint64
}

// Trigger runs a fetch cycle now unless one is already in flight. Busy and
// dropped-tick counts feed /api/status.
type Trigger interface {
	Trigger() bool
	IsBusy() bool
	Dropped() int64
}

// Deps are the running components the dashboard serves.
type Deps struct {
	Engine   Engine
	Relay    Relay
	Trigger  Trigger
	Activity *scheduler.Activity
	Channels *channel.Channels
}

// Server hosts the option flow table, its JSON API, the websocket push
// channel and the relay endpoints.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	engine            Engine
	relay             Relay
	trigger           Trigger
	activity          *scheduler.Activity
	channels          *channel.Channels
	hub               *hub
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	host              *hostSampler
	httpServer        *http.Server
	refreshIntervalMs int
	now               func() time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, deps Deps) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if deps.Engine == nil {
		return nil, errors.New("dashboard requires an engine")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:               cfg,
		log:               log,
		engine:            deps.Engine,
		relay:             deps.Relay,
		trigger:           deps.Trigger,
		activity:          deps.Activity,
		channels:          deps.Channels,
		hub:               newHub(log),
		metricStore:       metricStore,
		logStore:          logStore,
		metricHandler:     metrics.RegisterMetricHandler(metricStore.handle),
		host:              newHostSampler(cfg.MetricsHistory, cfg.RefreshInterval, log),
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
		now:               time.Now,
	}, nil
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer s.host.wait()
	defer cancel()
	s.host.start(runCtx)

	if s.channels != nil {
		sub := s.channels.Subscribe("dashboard")
		defer s.channels.Unsubscribe(sub)
		go s.pump(runCtx, sub)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// pump forwards every published snapshot to the websocket clients.
func (s *Server) pump(ctx context.Context, sub *channel.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			s.hub.broadcast(snapshotMsg{Type: "snapshot", Data: snap})
		}
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl := template.Must(template.New("dashboard").ParseFS(embeddedFS, "templates/index.tmpl"))
	router.SetHTMLTemplate(tmpl)

	if assetsFS, err := fs.Sub(embeddedFS, "assets"); err == nil {
		router.StaticFS("/assets", http.FS(assetsFS))
	}

	router.GET("/", s.touch, func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.tmpl", gin.H{
			"AppName":           appName,
			"RefreshIntervalMs": s.refreshIntervalMs,
		})
	})
	router.GET("/ws", func(c *gin.Context) {
		s.hub.serveWS(s.engine.Snapshot, s.connected, s.disconnected, s.control)(c.Writer, c.Request)
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	if s.relay != nil {
		api.GET("/option-chain", s.handleOptionChain)
		api.GET("/expiry-dates", s.handleExpiryDates)
	}

	table := api.Group("", s.touch)
	table.GET("/snapshot", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.engine.Snapshot())
	})
	table.POST("/expiry", s.handleSelectExpiry)
	table.POST("/retry", s.handleRetry)

	api.GET("/metrics", s.handleMetrics)
	api.GET("/logs", s.handleLogs)
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.host.history.snapshot()})
	})
	api.GET("/status", func(c *gin.Context) {
		status := gin.H{"connections": s.hub.count()}
		if s.activity != nil {
			status["viewers"] = s.activity.Viewers()
		}
		if s.trigger != nil {
			status["busy"] = s.trigger.IsBusy()
			status["dropped_ticks"] = s.trigger.Dropped()
		}
		if s.channels != nil {
			status["subscribers"] = s.channels.Stats()
		}
		c.JSON(http.StatusOK, status)
	})

	return router, nil
}

// touch records viewer activity so the idle gate lets ticks through.
func (s *Server) touch(c *gin.Context) {
	if s.activity != nil {
		s.activity.Touch(s.now())
	}
	c.Next()
}

func (s *Server) connected() {
	if s.activity != nil {
		s.activity.Connect(s.now())
	}
}

func (s *Server) disconnected() {
	if s.activity != nil {
		s.activity.Disconnect(s.now())
	}
}

type expiryRequest struct {
	Expiry string `json:"expiry" binding:"required"`
}

func (s *Server) handleSelectExpiry(c *gin.Context) {
	var req expiryRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Expiry) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expiry is required"})
		return
	}
	epoch := s.selectExpiry(strings.TrimSpace(req.Expiry))
	c.JSON(http.StatusOK, gin.H{"expiry": req.Expiry, "epoch": epoch})
}

func (s *Server) selectExpiry(expiry string) uint64 {
	epoch := s.engine.SelectExpiry(expiry)
	if s.trigger != nil {
		s.trigger.Trigger()
	}
	return epoch
}

func (s *Server) handleRetry(c *gin.Context) {
	if s.trigger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"triggered": s.trigger.Trigger()})
}

// control applies a websocket control message and answers with a status.
func (s *Server) control(ctrl controlMsg) statusMsg {
	if s.activity != nil {
		s.activity.Touch(s.now())
	}
	switch strings.ToLower(ctrl.Action) {
	case "expiry":
		if strings.TrimSpace(ctrl.Expiry) == "" {
			return statusMsg{Type: "status", Level: "error", Text: "expiry is required"}
		}
		s.selectExpiry(strings.TrimSpace(ctrl.Expiry))
		return statusMsg{Type: "status", Level: "info", Text: "Loading " + ctrl.Expiry}
	case "retry":
		if s.trigger != nil && s.trigger.Trigger() {
			return statusMsg{Type: "status", Level: "info", Text: "Retrying"}
		}
		return statusMsg{Type: "status", Level: "info", Text: "Fetch already in progress"}
	default:
		return statusMsg{Type: "status", Level: "error", Text: "unknown action " + ctrl.Action}
	}
}

func (s *Server) handleMetrics(c *gin.Context) {
	snapshot := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	level := logrus.TraceLevel
	if raw := c.Query("level"); raw != "" {
		parsed, err := logrus.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		level = parsed
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.filter(level, c.Query("component"))})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
