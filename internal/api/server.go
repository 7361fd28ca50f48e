package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"manipwatch/internal/alerting"
	"manipwatch/internal/detector"
	"manipwatch/internal/market"
	"manipwatch/internal/service"
	"manipwatch/internal/version"
)

// Control is the monitor surface exposed over HTTP.
type Control interface {
	Stats() service.Stats
	Thresholds() detector.Thresholds
	UpdateThresholds(th detector.Thresholds) error
	Readmit(symbol string) bool
}

// AlertFeed returns the highest ranked recent alerts.
type AlertFeed interface {
	Recent(n int) []market.Alert
}

var (
	_ Control   = (*service.Monitor)(nil)
	_ AlertFeed = (*alerting.Manager)(nil)
)

// Options configures the ops server.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	Metrics         http.Handler
}

// Server is the operator HTTP surface.
type Server struct {
	opts    Options
	control Control
	alerts  AlertFeed
	router  *gin.Engine
	logger  zerolog.Logger
}

// NewServer builds the router. Metrics may be nil.
func NewServer(opts Options, control Control, alerts AlertFeed, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		opts:    opts,
		control: control,
		alerts:  alerts,
		router:  gin.New(),
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.GET("/stats", s.stats)
	s.router.GET("/thresholds", s.getThresholds)
	s.router.PUT("/thresholds", s.putThresholds)
	s.router.GET("/alerts/recent", s.recentAlerts)
	s.router.POST("/markets/:market/readmit", s.readmit)
	if s.opts.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("ops server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.control.Stats().Running, "build": version.Get()})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.control.Stats())
}

func (s *Server) getThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, s.control.Thresholds())
}

// putThresholds applies a partial update on top of the current thresholds.
func (s *Server) putThresholds(c *gin.Context) {
	th := s.control.Thresholds()
	if err := c.ShouldBindJSON(&th); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if err := s.control.UpdateThresholds(th); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.control.Thresholds())
}

func (s *Server) readmit(c *gin.Context) {
	symbol := c.Param("market")
	if !s.control.Readmit(symbol) {
		c.JSON(http.StatusNotFound, gin.H{"error": "market is not suspended: " + symbol})
		return
	}
	c.JSON(http.StatusOK, gin.H{"market": symbol, "readmitted": true})
}

func (s *Server) recentAlerts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	alerts := s.alerts.Recent(limit)
	if alerts == nil {
		alerts = []market.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}
