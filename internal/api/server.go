// Package api serves the control API and provides its client.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/checkd/checkd/internal/alerter"
	"github.com/checkd/checkd/internal/definition"
	"github.com/checkd/checkd/internal/logging"
	"github.com/checkd/checkd/internal/metrics"
	"github.com/checkd/checkd/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// DefaultPause is how long an alert is paused when no deadline is given.
const DefaultPause = 7 * 24 * time.Hour

// ErrNoListener is returned by Start when no listen address could be bound.
var ErrNoListener = errors.New("control api: no listen address could be bound")

// Backend is the daemon state the API reads and mutates.
type Backend interface {
	List(details bool) []alerter.Status
	Reload(ctx context.Context) error
	// Pause resolves id to an alert identity and pauses it until the deadline.
	Pause(id string, until time.Time) (string, alerter.State, error)
	Validate(path string) (*definition.Alert, error)
	Ingest(ctx context.Context, ev alerter.Event) (alerter.IngestResult, error)
}

// Server provides the HTTP control API
type Server struct {
	backend   Backend
	logger    zerolog.Logger
	listen    []string
	logBuffer *logging.Buffer
	startTime time.Time
	now       func() time.Time

	mu      sync.Mutex
	servers []*http.Server
	router  *gin.Engine
}

// NewServer creates a new API server
func NewServer(backend Backend, logger zerolog.Logger, listen []string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		backend:   backend,
		logger:    logger.With().Str("component", "api").Logger(),
		listen:    listen,
		startTime: time.Now(),
		now:       time.Now,
	}
	s.router = s.routes()
	return s
}

// SetLogBuffer sets the buffer served by GET /logs
func (s *Server) SetLogBuffer(lb *logging.Buffer) {
	s.logBuffer = lb
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.observe())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/logs", s.handleLogs)
	r.GET("/alerts", s.handleAlerts)
	r.POST("/alerts/pause", s.handlePause)
	r.POST("/reload", s.handleReload)
	r.POST("/validate", s.handleValidate)
	r.POST("/events", s.handleEvents)
	return r
}

// Start binds every configured address and serves in the background. It
// fails only when none of them can be bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, addr := range s.listen {
		addr := addr
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Warn().Err(err).Str("address", addr).Msg("Cannot bind control API address")
			continue
		}
		srv := &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.logger.Info().Str("address", ln.Addr().String()).Msg("Control API listening")
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("address", addr).Msg("Control API server failed")
			}
		}()
	}
	if len(s.servers) == 0 {
		return fmt.Errorf("%w: %s", ErrNoListener, strings.Join(s.listen, ", "))
	}
	return nil
}

// Shutdown stops every listener and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(status)).Inc()

		ev := s.logger.Debug()
		if status >= 500 {
			ev = s.logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", endpoint).
			Int("status", status).
			Str("request_id", c.GetString("request_id")).
			Dur("duration", time.Since(start)).
			Msg("HTTP request completed")
	}
}

// Response is the envelope shared by every control API reply.
type Response struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Details []string `json:"details,omitempty"`
}

func fail(c *gin.Context, status int, err error, details ...string) {
	c.JSON(status, Response{Success: false, Error: err.Error(), Details: details})
}

// handleHealth returns service health status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  "healthy",
		"time":    s.now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": version.GetVersion(),
		"commit":  version.GetCommit(),
	})
}

// LogsResponse is returned by GET /logs
type LogsResponse struct {
	Response
	Entries []logging.Entry `json:"entries"`
}

// handleLogs returns recent log lines, ?n= limits the count and ?level= the severity.
func (s *Server) handleLogs(c *gin.Context) {
	n := 200
	if v := c.Query("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			fail(c, http.StatusBadRequest, fmt.Errorf("invalid n %q", v))
			return
		}
		n = parsed
	}
	entries := []logging.Entry{}
	if s.logBuffer != nil {
		entries = s.logBuffer.Recent(n, c.Query("level"))
	}
	c.JSON(http.StatusOK, LogsResponse{Response: Response{Success: true}, Entries: entries})
}

// AlertsResponse is returned by GET /alerts
type AlertsResponse struct {
	Response
	Alerts []alerter.Status `json:"alerts"`
}

func (s *Server) handleAlerts(c *gin.Context) {
	details, _ := strconv.ParseBool(c.DefaultQuery("details", "false"))
	alerts := s.backend.List(details)
	if alerts == nil {
		alerts = []alerter.Status{}
	}
	c.JSON(http.StatusOK, AlertsResponse{Response: Response{Success: true}, Alerts: alerts})
}

func (s *Server) handleReload(c *gin.Context) {
	s.logger.Info().Msg("Reload requested via API")
	if err := s.backend.Reload(c.Request.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Reload failed")
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true})
}

// PauseRequest is the body of POST /alerts/pause. Until takes precedence
// over For; with neither the alert is paused for a week.
type PauseRequest struct {
	Alert string `json:"alert"`
	Until string `json:"until,omitempty"`
	For   string `json:"for,omitempty"`
}

// PauseResponse is returned by POST /alerts/pause
type PauseResponse struct {
	Response
	Alert       string    `json:"alert"`
	PausedUntil time.Time `json:"paused_until"`
}

func (s *Server) handlePause(c *gin.Context) {
	var req PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Alert == "" {
		fail(c, http.StatusBadRequest, errors.New("alert is required"))
		return
	}
	until, err := pauseDeadline(req, s.now())
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	id, st, err := s.backend.Pause(req.Alert, until)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, alerter.ErrUnknownAlert) {
			status = http.StatusNotFound
		}
		fail(c, status, err)
		return
	}
	s.logger.Info().Str("alert", id).Time("until", st.PausedUntil).Msg("Alert paused")
	c.JSON(http.StatusOK, PauseResponse{Response: Response{Success: true}, Alert: id, PausedUntil: st.PausedUntil})
}

func pauseDeadline(req PauseRequest, now time.Time) (time.Time, error) {
	switch {
	case req.Until != "":
		t, err := time.Parse(time.RFC3339, req.Until)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid until %q: want RFC3339", req.Until)
		}
		return t, nil
	case req.For != "":
		d, err := time.ParseDuration(req.For)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("invalid for %q: want a positive duration", req.For)
		}
		return now.Add(d), nil
	}
	return now.Add(DefaultPause), nil
}

// ValidateRequest is the body of POST /validate
type ValidateRequest struct {
	Path string `json:"path"`
}

// ValidateResponse is returned by POST /validate
type ValidateResponse struct {
	Response
	Alert    string        `json:"alert,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Targets  []string      `json:"targets,omitempty"`
}

func (s *Server) handleValidate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Path == "" {
		fail(c, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	a, err := s.backend.Validate(req.Path)
	if err != nil {
		var fe *definition.FileError
		if errors.As(err, &fe) {
			msg := fe.Error()
			if fe.Err != nil {
				msg = fe.Err.Error()
			}
			c.JSON(http.StatusUnprocessableEntity, ValidateResponse{
				Response: Response{Success: false, Error: msg, Details: fe.Problems},
				Alert:    fe.Path,
			})
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	resp := ValidateResponse{
		Response: Response{Success: true},
		Alert:    a.ID,
		Kind:     string(a.Source.Kind()),
		Interval: a.Interval,
	}
	for _, send := range a.Send {
		resp.Targets = append(resp.Targets, send.TargetID)
	}
	c.JSON(http.StatusOK, resp)
}

// EventResponse is returned by POST /events
type EventResponse struct {
	Response
	alerter.IngestResult
}

// handleEvents ingests an arbitrary JSON object. Its "type" field, or the
// ?type= query parameter, selects the event alerts it is routed to.
func (s *Server) handleEvents(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	eventType := c.Query("type")
	if t, ok := payload["type"].(string); ok && t != "" {
		eventType = t
	}
	res, err := s.backend.Ingest(c.Request.Context(), alerter.Event{Type: eventType, Source: "api", Payload: payload})
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("Event ingestion failed")
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if res.Matched == nil {
		res.Matched = []string{}
	}
	c.JSON(http.StatusOK, EventResponse{Response: Response{Success: true}, IngestResult: res})
}
