// Package web serves the exporter over HTTP.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/sge/internal/fetcher"
	"github.com/zulandar/sge/internal/jobs"
	"github.com/zulandar/sge/internal/logging"
)

// DefaultBasePath is where the routes are mounted when Opts.BasePath is empty.
const DefaultBasePath = "/tools/steam-games-exporter"

// WorkerStatus is the read-only side of the fetch worker shown by /api/stats.
type WorkerStatus interface {
	State() fetcher.State
	RateLimited() bool
}

// Opts holds configuration for the HTTP server.
type Opts struct {
	Coordinator *jobs.Coordinator
	Worker      WorkerStatus
	Port        int
	BasePath    string
	// CookieSecure marks the job cookie Secure; set it behind TLS.
	CookieSecure bool
	// EventInterval is how often /export/events re-checks a job.
	EventInterval time.Duration
	Out           io.Writer
}

func (o *Opts) applyDefaults() {
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.BasePath == "" {
		o.BasePath = DefaultBasePath
	}
	o.BasePath = "/" + strings.Trim(o.BasePath, "/")
	if o.EventInterval <= 0 {
		o.EventInterval = 3 * time.Second
	}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("web: coordinator is required")
	}
	opts.applyDefaults()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	opts.applyDefaults()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Exporter running at http://localhost:%d%s/\n", opts.Port, opts.BasePath)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web: %w", err)
	}
	return nil
}

// requestLogger logs one line per request at debug level, server errors at
// error level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		evt := logging.Debug()
		if status >= http.StatusInternalServerError {
			evt = logging.Error()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
