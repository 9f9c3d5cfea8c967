package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pricewatch/config"
	"pricewatch/internal/metadata"
	"pricewatch/internal/metrics"
	"pricewatch/logger"
	"pricewatch/models"
)

// HistorySource is the read side of the history store.
type HistorySource interface {
	Dir() string
	Stores() ([]string, error)
	LoadAll(storeID string) ([]models.PriceRecord, error)
	LoadEverything() ([]models.PriceRecord, error)
}

// StatusSource reports recent runs.
type StatusSource interface {
	Snapshot() metadata.State
}

// Server is the read-only HTTP API over the collected price history.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	history       HistorySource
	status        StatusSource
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	sampler       *hostSampler
	httpServer    *http.Server
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, history HistorySource, status StatusSource, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if history == nil {
		return nil, errors.New("dashboard requires a history store")
	}
	cfg.Address = normalizeAddress(cfg.Address)

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		history:       history,
		status:        status,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: metrics.RegisterMetricHandler(metricStore.handle),
		sampler:       newHostSampler(history.Dir(), 10*time.Second, cfg.MetricsHistory, log),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.sampler.start(ctx)
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("read API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.sampler.stop()
}

// Address reports the normalized listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/stores", s.handleStores)
	api.GET("/history", s.handleHistory)
	api.GET("/history/:store", s.handleStoreHistory)
	api.GET("/status", s.handleStatus)

	api.GET("/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot(c.Query("name"))
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
	})
	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(c.Query("level"))})
	})
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	return router
}

func (s *Server) handleStores(c *gin.Context) {
	ids, err := s.history.Stores()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"stores": ids})
}

// handleHistory returns the combined history of all stores, oldest first.
// Optional query parameters: product, since and until (RFC 3339 or
// YYYY-MM-DD).
func (s *Server) handleHistory(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	records, err := s.history.LoadEverything()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": filter.apply(records)})
}

func (s *Server) handleStoreHistory(c *gin.Context) {
	id := c.Param("store")
	filter, err := parseFilter(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	ids, err := s.history.Stores()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if i := sort.SearchStrings(ids, id); i == len(ids) || ids[i] != id {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown store " + id})
		return
	}
	records, err := s.history.LoadAll(id)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"store": id, "records": filter.apply(records)})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusOK, metadata.State{Runs: []metadata.RunSummary{}})
		return
	}
	c.JSON(http.StatusOK, s.status.Snapshot())
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.WithComponent("dashboard").WithError(err).WithFields(logger.Fields{"path": c.FullPath()}).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type recordFilter struct {
	product      string
	since, until time.Time
}

func parseFilter(c *gin.Context) (recordFilter, error) {
	f := recordFilter{product: strings.TrimSpace(c.Query("product"))}
	var err error
	if v := c.Query("since"); v != "" {
		if f.since, err = parseQueryTime(v); err != nil {
			return f, err
		}
	}
	if v := c.Query("until"); v != "" {
		if f.until, err = parseQueryTime(v); err != nil {
			return f, err
		}
	}
	return f, nil
}

func parseQueryTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, errors.New("invalid time " + v + ": want RFC 3339 or YYYY-MM-DD")
	}
	return t, nil
}

func (f recordFilter) apply(records []models.PriceRecord) []models.PriceRecord {
	out := make([]models.PriceRecord, 0, len(records))
	for _, r := range records {
		if f.product != "" && !strings.EqualFold(r.Product, f.product) {
			continue
		}
		if !f.since.IsZero() && r.Date.Before(f.since) {
			continue
		}
		if !f.until.IsZero() && !r.Date.Before(f.until) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// normalizeAddress turns the configured address into host:port. A missing
// host binds loopback only.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "127.0.0.1:8080"
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

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "127.0.0.1" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		switch host {
		case "":
			host = "127.0.0.1"
		case "*":
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
