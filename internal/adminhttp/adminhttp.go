// Package adminhttp exposes the core's own process/session/scheduler
// counters over a small echo HTTP surface: ambient operational endpoints
// only, no entity CRUD.
package adminhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Luka-sama/draco-go/internal/logger"
)

// Stats is the narrow view of live process state this surface reports.
// Callers (main.go) supply a closure over the session registry, scheduler,
// and datagram transport.
type Stats struct {
	SessionCount func() int
	TickCount    func() uint64
	BytesIn      func() uint64
	BytesOut     func() uint64
	Datagrams    func() uint64
}

// Server is the admin/health HTTP surface.
type Server struct {
	echo  *echo.Echo
	stats Stats
	log   *logger.Logger
}

// healthResponse is the payload for GET /healthz.
type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// metricsResponse is the payload for GET /metrics.
type metricsResponse struct {
	Status         string `json:"status"`
	Sessions       int    `json:"sessions"`
	Ticks          uint64 `json:"ticks"`
	BytesIn        string `json:"bytes_in"`
	BytesOut       string `json:"bytes_out"`
	Datagrams      uint64 `json:"datagrams"`
	DatagramsHuman string `json:"datagrams_human"`
}

// New builds a Server reporting stats over GET /healthz and GET /metrics.
func New(stats Stats, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{echo: e, stats: stats, log: log}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", s.handleMetrics)
	return s
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.stats.SessionCount(),
	})
}

func (s *Server) handleMetrics(c echo.Context) error {
	datagrams := s.stats.Datagrams()
	return c.JSON(http.StatusOK, metricsResponse{
		Status:         "ok",
		Sessions:       s.stats.SessionCount(),
		Ticks:          s.stats.TickCount(),
		BytesIn:        humanize.Bytes(s.stats.BytesIn()),
		BytesOut:       humanize.Bytes(s.stats.BytesOut()),
		Datagrams:      datagrams,
		DatagramsHuman: humanize.Comma(int64(datagrams)),
	})
}

// Run starts the admin HTTP server on addr and blocks until ctx is
// canceled, then shuts it down gracefully.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("admin http: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		s.log.Warnf("admin http shutdown: %v", err)
	}
}

// jsonErrorHandler gives every error response a consistent {"error": "..."}
// body instead of echo's default mixed text/JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
