package web

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/sge/internal/jobs"
	"github.com/zulandar/sge/internal/logging"
	"github.com/zulandar/sge/internal/sheet"
	"github.com/zulandar/sge/internal/steam"
)

const (
	jobCookie    = "job"
	cookieMaxAge = int(48 * time.Hour / time.Second)
)

// Messages shown alongside pending and failed exports.
const (
	msgRateLimited = "The Steam store API is rate limiting requests; the export will resume automatically."
	msgNoGames     = "No games were found. The profile may be private or the library empty."
)

// registerRoutes sets up all routes under opts.BasePath.
func registerRoutes(router *gin.Engine, opts Opts) {
	h := &handlers{coord: opts.Coordinator, worker: opts.Worker, opts: opts}

	router.GET("/healthz", handleHealth())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	base := router.Group(opts.BasePath)
	base.POST("/export", h.export)
	base.GET("/export/status", h.status)
	base.GET("/export/events", h.events)
	base.GET("/api/stats", h.stats)
}

type handlers struct {
	coord  *jobs.Coordinator
	worker WorkerStatus
	opts   Opts
}

// pendingResponse is the 202 body for an export still waiting on fetches.
type pendingResponse struct {
	Token           string `json:"token"`
	Pending         int    `json:"pending"`
	EstimateMinutes int    `json:"estimate_minutes"`
	RateLimited     bool   `json:"rate_limited"`
	Message         string `json:"message,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// export handles the export form. A simple export is answered with the
// file. An extended one is answered with the file when every app is cached,
// otherwise with 202 and the job cookie.
func (h *handlers) export(c *gin.Context) {
	steamID := strings.TrimSpace(c.PostForm("steamid"))
	if _, err := strconv.ParseUint(steamID, 10, 64); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "steamid must be a numeric Steam ID"})
		return
	}
	format := c.PostForm("format")
	ctx := c.Request.Context()

	if !includeGameInfo(c.PostForm("include_gameinfo")) {
		res, err := h.coord.ExportSimple(ctx, steamID, format)
		if err != nil {
			h.fail(c, err)
			return
		}
		h.sendFile(c, res)
		return
	}

	res, err := h.coord.SubmitSteamID(ctx, steamID, format)
	if err != nil {
		h.fail(c, err)
		return
	}
	if res.Done() {
		h.sendFile(c, res)
		return
	}
	h.setJobCookie(c, res.Token, cookieMaxAge)
	c.JSON(http.StatusAccepted, pending(res))
}

// status polls the job named by the token query parameter or the job cookie.
func (h *handlers) status(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token, _ = c.Cookie(jobCookie)
	}

	res, err := h.coord.Poll(c.Request.Context(), token)
	if errors.Is(err, jobs.ErrInvalidToken) {
		h.setJobCookie(c, "", -1)
		c.JSON(http.StatusNotFound, errorResponse{Error: "unknown or expired export"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if !res.Done() {
		c.JSON(http.StatusAccepted, pending(res))
		return
	}
	h.setJobCookie(c, "", -1)
	h.sendFile(c, res)
}

// fail maps an export error to a status code.
func (h *handlers) fail(c *gin.Context, err error) {
	var apiErr *steam.APIError
	switch {
	case errors.Is(err, jobs.ErrInvalidFormat):
		c.JSON(http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("format must be one of %s", formatList()),
		})
	case errors.Is(err, jobs.ErrNoGames):
		resp := errorResponse{Error: "no games", Message: msgNoGames}
		if h.worker != nil && h.worker.RateLimited() {
			resp.Message += " " + msgRateLimited
		}
		c.JSON(http.StatusNotFound, resp)
	case errors.As(err, &apiErr), steam.IsTransient(err):
		logging.Warn().Err(err).Msg("steam request failed")
		c.JSON(http.StatusBadGateway, errorResponse{Error: "steam api request failed"})
	default:
		logging.Error().Err(err).Msg("export failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// sendFile renders the finished table as an attachment.
func (h *handlers) sendFile(c *gin.Context, res *jobs.Result) {
	var buf bytes.Buffer
	if err := sheet.Write(&buf, res.Format, res.Table); err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, sheet.Filename(res.Format)))
	c.Data(http.StatusOK, sheet.ContentType(res.Format), buf.Bytes())
}

func (h *handlers) setJobCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(jobCookie, token, maxAge, h.opts.BasePath+"/", "", h.opts.CookieSecure, true)
}

func pending(res *jobs.Result) pendingResponse {
	p := pendingResponse{
		Token:           res.Token,
		Pending:         res.Pending,
		EstimateMinutes: res.EstimateMinutes,
		RateLimited:     res.RateLimited,
	}
	if res.RateLimited {
		p.Message = msgRateLimited
	}
	return p
}

func includeGameInfo(v string) bool {
	if strings.EqualFold(v, "on") {
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func formatList() string {
	names := make([]string, len(sheet.Formats))
	for i, f := range sheet.Formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
