// Package api exposes the hookline REST surface: queue admission and
// lifecycle, profile reads, analysis session management, and aggregate
// stats.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avossen/hookline/internal/analysis"
	"github.com/avossen/hookline/internal/cache"
	"github.com/avossen/hookline/internal/scraper"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultCacheTTL bounds how long a profile response is served from memory
// before re-reading the database.
const DefaultCacheTTL = 5 * time.Minute

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB           *gorm.DB
	Client       scraper.Client         // live similar-account lookups; nil disables
	Orchestrator *analysis.Orchestrator // run execution behind /start; nil disables

	Host string
	Port int

	CacheTTL     time.Duration // profile read-cache TTL
	RecentWindow time.Duration // admission suppression window
	MaxAttempts  int           // dispatch budget stamped on admitted entries
	StuckAfter   time.Duration // processing age counted as stuck in stats

	Log *zap.Logger
	Out io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("api: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(opts)

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://%s\n", addr)
	}
	if opts.Log != nil {
		opts.Log.Info("api started", zap.String("addr", addr))
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every route registered. Split out
// from Start so tests can drive handlers without binding a port.
func NewRouter(opts StartOpts) *gin.Engine {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &server{
		db:           opts.DB,
		client:       opts.Client,
		orch:         opts.Orchestrator,
		profiles:     cache.New(opts.CacheTTL),
		recentWindow: opts.RecentWindow,
		maxAttempts:  opts.MaxAttempts,
		stuckAfter:   opts.StuckAfter,
		log:          opts.Log,
	}
	registerRoutes(router, s)
	return router
}
