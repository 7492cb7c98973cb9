package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/fraglink/internal/link"
	"github.com/danmuck/fraglink/internal/observability"
	"github.com/danmuck/fraglink/internal/protocol/fragment"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var ErrUnknownLink = errors.New("admin: unknown link")

// Source is the read-only view of a link the admin server reports on.
type Source interface {
	Config() link.Config
	Stats() link.Stats
	Done() <-chan struct{}
	Err() error
}

// Pending is implemented by sources that expose outstanding ack tags.
type Pending interface {
	PendingTags() []fragment.Tag
}

type linkSource struct {
	*link.Link
}

func (s linkSource) PendingTags() []fragment.Tag {
	return s.AckTable().Pending()
}

// Server serves health, per-link stats and Prometheus metrics.
type Server struct {
	name    string
	started time.Time
	router  *gin.Engine

	mu      sync.RWMutex
	sources map[string]Source
}

func New(name string, allowOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(corsConfig(allowOrigins)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		name:    name,
		started: time.Now(),
		router:  r,
		sources: make(map[string]Source),
	}
	s.registerRoutes()
	return s
}

// AddLink registers l under its configured name.
func (s *Server) AddLink(l *link.Link) {
	s.Add(linkSource{l})
}

func (s *Server) Add(src Source) {
	name := src.Config().Name
	s.mu.Lock()
	s.sources[name] = src
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	return s.router
}

type linkHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		links := s.health()
		status := http.StatusOK
		overall := "ok"
		for _, h := range links {
			if h.Status != "ok" {
				status = http.StatusServiceUnavailable
				overall = "degraded"
			}
		}
		c.JSON(status, gin.H{
			"status": overall,
			"server": s.name,
			"uptime": time.Since(s.started).Round(time.Second).String(),
			"links":  links,
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"links": s.stats()})
	})
	s.router.GET("/stats/:link", func(c *gin.Context) {
		src, err := s.source(c.Param("link"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, src.Stats())
	})
	s.router.GET("/stats/:link/pending", func(c *gin.Context) {
		src, err := s.source(c.Param("link"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		p, ok := src.(Pending)
		if !ok {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "pending tags unavailable"})
			return
		}
		tags := p.PendingTags()
		out := make([]gin.H, 0, len(tags))
		for _, tag := range tags {
			out = append(out, gin.H{"msg_id": tag.MsgID, "seq": tag.Seq})
		}
		c.JSON(http.StatusOK, gin.H{"pending": out})
	})
}

func (s *Server) source(name string) (Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLink, name)
	}
	return src, nil
}

func (s *Server) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) health() []linkHealth {
	names := s.names()
	out := make([]linkHealth, 0, len(names))
	for _, name := range names {
		src, err := s.source(name)
		if err != nil {
			continue
		}
		h := linkHealth{Name: name, Status: "ok"}
		select {
		case <-src.Done():
			h.Status = "closed"
			if err := src.Err(); err != nil {
				h.Error = err.Error()
			}
		default:
		}
		out = append(out, h)
	}
	return out
}

func (s *Server) stats() []link.Stats {
	names := s.names()
	out := make([]link.Stats, 0, len(names))
	for _, name := range names {
		if src, err := s.source(name); err == nil {
			out = append(out, src.Stats())
		}
	}
	return out
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen (%s): %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("server", s.name).Str("addr", ln.Addr().String()).Msg("admin.serve")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}
