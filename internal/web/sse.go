package web

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/zulandar/sge/internal/jobs"
	"github.com/zulandar/sge/internal/logging"
)

const heartbeatInterval = 15 * time.Second

// progressEvent is the data of a "pending" event.
type progressEvent struct {
	Pending         int  `json:"pending"`
	EstimateMinutes int  `json:"estimate_minutes"`
	RateLimited     bool `json:"rate_limited"`
}

// events streams the progress of one job. It sends "pending" whenever the
// count changes and "ready" once the job can be collected from
// /export/status, then closes. An unknown token gets "invalid".
func (h *handlers) events(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token, _ = c.Cookie(jobCookie)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	ctx := c.Request.Context()
	last := -1
	check := func() bool {
		res, err := h.coord.Status(ctx, token)
		if errors.Is(err, jobs.ErrInvalidToken) {
			writeSSE(c.Writer, "invalid", map[string]string{"token": token})
			c.Writer.Flush()
			return false
		}
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn().Err(err).Str("job", token).Msg("job status failed")
			}
			return true
		}
		if res.Pending == 0 {
			writeSSE(c.Writer, "ready", map[string]string{"token": token})
			c.Writer.Flush()
			return false
		}
		if res.Pending != last {
			last = res.Pending
			writeSSE(c.Writer, "pending", progressEvent{
				Pending:         res.Pending,
				EstimateMinutes: res.EstimateMinutes,
				RateLimited:     res.RateLimited,
			})
			c.Writer.Flush()
		}
		return true
	}

	if !check() {
		return
	}

	ticker := time.NewTicker(h.opts.EventInterval)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-ticker.C:
			if !check() {
				return
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}
