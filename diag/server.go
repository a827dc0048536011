// Package diag serves a read-only HTTP view of an apmz agent: the live
// metric table, harvest status and recently finished traces.
package diag

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zoobzio/apmz"
	"go.uber.org/zap"
)

// DefaultAddr is used when NewServer is given an empty address.
const DefaultAddr = "127.0.0.1:6061"

const defaultTraceLimit = 20

// HarvestSource is the harvester contract required by the API.
type HarvestSource interface {
	Snapshot() *apmz.MetricTable
	State() apmz.HarvestState
	LastResult() apmz.HarvestState
	Cycles() uint64
	Failures() uint64
	Harvest(ctx context.Context) error
}

// TraceSource is the trace buffer contract required by the API.
type TraceSource interface {
	Recent(n int) []*apmz.TraceSnapshot
	Find(transactionID string) (*apmz.TraceSnapshot, bool)
	Count() int
	DroppedCount() int64
}

// Server provides the diagnostics HTTP API.
type Server struct {
	addr      string
	harvester HarvestSource
	traces    TraceSource
	logger    *zap.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a diagnostics server. traces may be nil, in which case
// the trace endpoints report no traces.
func NewServer(addr string, harvester HarvestSource, traces TraceSource, logger *zap.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		harvester: harvester,
		traces:    traces,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/metrics", s.handleMetrics)
	api.GET("/harvest", s.handleHarvestStatus)
	api.POST("/harvest", s.handleHarvestNow)
	api.GET("/traces", s.handleTraces)
	api.GET("/traces/:id", s.handleTrace)
	api.GET("/traces/:id/segments/:sid/children", s.handleChildren)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("diagnostics server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("diagnostics server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address once started, or the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":        "ok",
		"uptime":        time.Since(s.startTime).String(),
		"harvest_state": s.harvester.State().String(),
	}
	if s.traces != nil {
		body["buffered_traces"] = s.traces.Count()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleMetrics(c *gin.Context) {
	table := s.harvester.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"since":   table.Since(),
		"count":   table.Len(),
		"metrics": table,
	})
}

func (s *Server) handleHarvestStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":       s.harvester.State().String(),
		"last_result": s.harvester.LastResult().String(),
		"cycles":      s.harvester.Cycles(),
		"failures":    s.harvester.Failures(),
	})
}

func (s *Server) handleHarvestNow(c *gin.Context) {
	if err := s.harvester.Harvest(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"last_result": s.harvester.LastResult().String()})
}

type traceSummary struct {
	TransactionID string        `json:"transaction_id"`
	Name          string        `json:"name"`
	Segments      int           `json:"segments"`
	Duration      time.Duration `json:"duration"`
}

func (s *Server) handleTraces(c *gin.Context) {
	limit := defaultTraceLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	summaries := make([]traceSummary, 0)
	var dropped int64
	if s.traces != nil {
		for _, ts := range s.traces.Recent(limit) {
			sum := traceSummary{
				TransactionID: ts.TransactionID,
				Name:          ts.Name,
				Segments:      len(ts.Segments),
			}
			if len(ts.Segments) > 0 {
				sum.Duration = ts.Segments[0].Duration
			}
			summaries = append(summaries, sum)
		}
		dropped = s.traces.DroppedCount()
	}

	c.JSON(http.StatusOK, gin.H{
		"traces":  summaries,
		"dropped": dropped,
	})
}

func (s *Server) findTrace(c *gin.Context) (*apmz.TraceSnapshot, bool) {
	if s.traces != nil {
		if ts, ok := s.traces.Find(c.Param("id")); ok {
			return ts, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
	return nil, false
}

func (s *Server) handleTrace(c *gin.Context) {
	ts, ok := s.findTrace(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ts)
}

func (s *Server) handleChildren(c *gin.Context) {
	ts, ok := s.findTrace(c)
	if !ok {
		return
	}

	sid, err := strconv.ParseUint(c.Param("sid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "segment id must be an unsigned integer"})
		return
	}

	children, err := ts.GetChildren(sid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"segment_id": sid,
		"children":   children,
	})
}
