// Package steam talks to the Steam Web API (owned games) and the storefront
// appdetails endpoint.
//
// Storefront requests are spaced by a minimum delay; the owned-games endpoint
// is called once per export and is not throttled. Server errors, timeouts and
// connection failures are retried with exponential delays up to MaxRetries.
package steam

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/zulandar/sge/internal/logging"
	"github.com/zulandar/sge/internal/metrics"
	"github.com/zulandar/sge/internal/models"
	"golang.org/x/time/rate"
)

// Version is reported in the User-Agent header.
var Version = "dev"

// Default endpoint settings.
const (
	DefaultStoreURL   = "https://store.steampowered.com/api/appdetails/"
	DefaultProfileURL = "https://api.steampowered.com/IPlayerService/GetOwnedGames/v0001/"
	DefaultStoreDelay = 1500 * time.Millisecond
	DefaultTimeout    = 15 * time.Second
	DefaultMaxRetries = 2
	DefaultRetryBase  = time.Second
)

// Options configures a Client.
type Options struct {
	APIKey     string
	StoreURL   string
	ProfileURL string
	// StoreDelay is the minimum spacing between storefront requests.
	StoreDelay time.Duration
	Timeout    time.Duration
	// MaxRetries bounds retries of a single storefront request.
	MaxRetries int
	// RetryBase is the first retry delay; each further retry doubles it.
	RetryBase  time.Duration
	UserAgent  string
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client is safe for concurrent use.
type Client struct {
	opts         Options
	http         *http.Client
	storeLimiter *rate.Limiter
	log          zerolog.Logger
}

// NewClient builds a Client, filling unset options with defaults.
func NewClient(opts Options) *Client {
	if opts.StoreURL == "" {
		opts.StoreURL = DefaultStoreURL
	}
	if opts.ProfileURL == "" {
		opts.ProfileURL = DefaultProfileURL
	}
	if opts.StoreDelay < 0 {
		opts.StoreDelay = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "SteamGamesExporter/" + Version
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.StoreDelay > 0 {
		limit = rate.Every(opts.StoreDelay)
	}
	return &Client{
		opts:         opts,
		http:         hc,
		storeLimiter: rate.NewLimiter(limit, 1),
		log:          logging.With().Str("component", "steam").Logger(),
	}
}

// StoreDelay reports the minimum spacing between storefront requests.
func (c *Client) StoreDelay() time.Duration { return c.opts.StoreDelay }

// appDetailsEnvelope is the storefront response: {"<appid>": {"success": .., "data": {..}}}.
type appDetailsEnvelope map[string]*struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// AppDetails fetches storefront metadata for appID. An app the store reports
// as missing or unavailable in this region yields a row with Unavailable set
// rather than an error.
func (c *Client) AppDetails(ctx context.Context, appID int64) (*models.GameInfo, error) {
	q := url.Values{}
	q.Set("appids", strconv.FormatInt(appID, 10))
	body, err := c.query(ctx, c.opts.StoreURL, q, c.opts.MaxRetries, c.storeLimiter)
	if err != nil {
		return nil, err
	}

	var env appDetailsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("steam: decode appdetails %d: %w", appID, err)
	}
	entry := env[strconv.FormatInt(appID, 10)]
	if entry == nil || !entry.Success || len(entry.Data) == 0 {
		c.log.Warn().Int64("appid", appID).Msg("invalid appid or app not available from our region")
		return &models.GameInfo{AppID: appID, FetchedAt: c.opts.Now().Unix(), Unavailable: true}, nil
	}
	info, err := ParseAppDetails(appID, entry.Data, c.opts.Now())
	if err != nil {
		return nil, err
	}
	return info, nil
}

// OwnedGame is one row of a user's library as reported by GetOwnedGames.
type OwnedGame struct {
	AppID                  int64  `json:"appid"`
	Name                   string `json:"name"`
	PlaytimeForever        int    `json:"playtime_forever"`
	PlaytimeWindowsForever int    `json:"playtime_windows_forever"`
	PlaytimeMacForever     int    `json:"playtime_mac_forever"`
	PlaytimeLinuxForever   int    `json:"playtime_linux_forever"`
}

type ownedGamesResponse struct {
	Response struct {
		GameCount int         `json:"game_count"`
		Games     []OwnedGame `json:"games"`
	} `json:"response"`
}

// OwnedGames fetches the library of steamID. It returns ErrNoGames when the
// response is empty, which is what Steam sends for private profiles.
func (c *Client) OwnedGames(ctx context.Context, steamID string) ([]OwnedGame, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("include_appinfo", "1")
	q.Set("include_played_free_games", "1")
	q.Set("key", c.opts.APIKey)
	q.Set("steamid", steamID)
	body, err := c.query(ctx, c.opts.ProfileURL, q, 0, nil)
	if err != nil {
		return nil, err
	}

	var resp ownedGamesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("steam: decode owned games: %w", err)
	}
	if len(resp.Response.Games) == 0 {
		return nil, ErrNoGames
	}
	return resp.Response.Games, nil
}

// query performs a GET, waiting on limiter before every attempt, and retries
// transient failures up to maxRetries times.
func (c *Client) query(ctx context.Context, endpoint string, q url.Values, maxRetries int, limiter *rate.Limiter) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("steam: parse url %q: %w", endpoint, err)
	}
	u.RawQuery = q.Encode()
	host := u.Host

	for attempt := 0; ; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("steam: wait for %s: %w", host, err)
			}
		}
		body, err := c.do(ctx, u)
		if err == nil {
			metrics.APIRequests.WithLabelValues(host, "ok").Inc()
			return body, nil
		}
		metrics.APIRequests.WithLabelValues(host, outcomeLabel(err)).Inc()

		if !IsTransient(err) || attempt >= maxRetries {
			return nil, err
		}
		delay := c.opts.RetryBase << attempt
		c.log.Info().Err(err).Int("retry", attempt+1).Int("max_retries", maxRetries).Dur("delay", delay).Msg("retrying request")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) do(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("steam: create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("host", u.Host).Msg("request failed")
		return nil, fmt.Errorf("steam: request %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("steam: read %s: %w", u.Host, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if !knownStatuses[resp.StatusCode] {
			c.log.Error().Int("status", resp.StatusCode).Bytes("body", truncate(body, 512)).Msg("unexpected API response")
		} else {
			c.log.Warn().Int("status", resp.StatusCode).Str("host", u.Host).Msg("received HTTP error")
		}
		return nil, &APIError{StatusCode: resp.StatusCode, URL: u.Host + u.Path}
	}
	return body, nil
}

func outcomeLabel(err error) string {
	switch {
	case IsRateLimited(err):
		return "rate_limited"
	case IsClientError(err):
		return "client_error"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
