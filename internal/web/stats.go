package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/sge/internal/db"
	"github.com/zulandar/sge/internal/logging"
)

// Stats summarizes the cache, the queue and the worker.
type Stats struct {
	GamesCached int64  `json:"games_cached"`
	QueueDepth  int64  `json:"queue_depth"`
	Jobs        int64  `json:"jobs"`
	WorkerState string `json:"worker_state,omitempty"`
	RateLimited bool   `json:"rate_limited"`
}

// Summary counts rows in the store.
func Summary(ctx context.Context, store *db.Store) (*Stats, error) {
	var s Stats
	var err error
	if s.GamesCached, err = store.CountGameInfo(ctx); err != nil {
		return nil, fmt.Errorf("web: count games: %w", err)
	}
	if s.QueueDepth, err = store.CountQueue(ctx); err != nil {
		return nil, fmt.Errorf("web: count queue: %w", err)
	}
	if s.Jobs, err = store.CountJobs(ctx); err != nil {
		return nil, fmt.Errorf("web: count jobs: %w", err)
	}
	return &s, nil
}

func (h *handlers) stats(c *gin.Context) {
	s, err := Summary(c.Request.Context(), h.coord.Store)
	if err != nil {
		logging.Error().Err(err).Msg("stats failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	if h.worker != nil {
		s.WorkerState = h.worker.State().String()
		s.RateLimited = h.worker.RateLimited()
	}
	c.JSON(http.StatusOK, s)
}
