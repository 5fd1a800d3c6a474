// Package jobs coordinates export requests with the fetch worker.
//
// Submit answers immediately when every requested app is already cached.
// Otherwise it stores a job with a snapshot of the request, queues the apps
// that are missing, and hands back a token. Poll with that token reports the
// remaining count until the cache is complete, then deletes the job and
// returns the combined table. Only one Poll can finalize a given job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/sge/internal/db"
	"github.com/zulandar/sge/internal/logging"
	"github.com/zulandar/sge/internal/metrics"
	"github.com/zulandar/sge/internal/models"
	"github.com/zulandar/sge/internal/sheet"
	"github.com/zulandar/sge/internal/steam"
)

// Errors returned to callers. Check with errors.Is.
var (
	ErrInvalidFormat = sheet.ErrInvalidFormat
	ErrNoGames       = steam.ErrNoGames
	ErrInvalidToken  = errors.New("jobs: invalid or expired token")
)

// ProfileSource lists the games a Steam account owns.
type ProfileSource interface {
	OwnedGames(ctx context.Context, steamID string) ([]steam.OwnedGame, error)
}

// Notifier is the side of the fetch worker the coordinator needs.
type Notifier interface {
	Notify()
	RateLimited() bool
}

// Coordinator is safe for concurrent use; it keeps no state between calls.
type Coordinator struct {
	Store    *db.Store
	Profiles ProfileSource
	Worker   Notifier
	// StoreDelay is the fetch spacing used for wait estimates.
	StoreDelay time.Duration
	Now        func() time.Time
}

// Result is the outcome of Submit or Poll. Exactly one of Table and Token is
// set: Table when the export is ready, Token while it is pending.
type Result struct {
	Table           *sheet.Table
	Format          sheet.Format
	Token           string
	Pending         int
	EstimateMinutes int
	RateLimited     bool
}

// Done reports whether the export is ready.
func (r *Result) Done() bool { return r.Table != nil }

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) rateLimited() bool {
	return c.Worker != nil && c.Worker.RateLimited()
}

func (c *Coordinator) notify() {
	if c.Worker != nil {
		c.Worker.Notify()
	}
}

func (c *Coordinator) log() *zerolog.Logger {
	l := logging.With().Str("component", "jobs").Logger()
	return &l
}

// SubmitSteamID fetches the library of steamID and submits it.
func (c *Coordinator) SubmitSteamID(ctx context.Context, steamID, format string) (*Result, error) {
	if _, err := sheet.Parse(format); err != nil {
		return nil, err
	}
	games, err := c.ownedGames(ctx, steamID)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, games, format)
}

// ExportSimple returns the profile-only table for steamID without touching
// the cache or queue.
func (c *Coordinator) ExportSimple(ctx context.Context, steamID, format string) (*Result, error) {
	f, err := sheet.Parse(format)
	if err != nil {
		return nil, err
	}
	games, err := c.ownedGames(ctx, steamID)
	if err != nil {
		return nil, err
	}
	table := SimpleTable(games)
	metrics.RecordExport(table.Len())
	return &Result{Table: table, Format: f}, nil
}

func (c *Coordinator) ownedGames(ctx context.Context, steamID string) ([]steam.OwnedGame, error) {
	if c.Profiles == nil {
		return nil, fmt.Errorf("jobs: no profile source configured")
	}
	games, err := c.Profiles.OwnedGames(ctx, steamID)
	if err != nil {
		return nil, fmt.Errorf("jobs: fetch profile %s: %w", steamID, err)
	}
	if len(games) == 0 {
		return nil, ErrNoGames
	}
	return games, nil
}

// Submit starts an enriched export of games. games must be non-empty;
// the output rows follow its order.
func (c *Coordinator) Submit(ctx context.Context, games []steam.OwnedGame, format string) (*Result, error) {
	f, err := sheet.Parse(format)
	if err != nil {
		return nil, err
	}
	if len(games) == 0 {
		return nil, ErrNoGames
	}

	ids := appIDs(games)
	missing, err := c.missing(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("jobs: submit: %w", err)
	}

	if len(missing) == 0 {
		table, err := c.CombinedTable(ctx, games)
		if err != nil {
			return nil, err
		}
		metrics.RecordSubmit(false)
		metrics.RecordExport(table.Len())
		return &Result{Table: table, Format: f}, nil
	}

	// Apps already queued by another job are not queued twice. Two
	// concurrent submits can still both queue an app; the worker drops the
	// second entry once the first is cached.
	queued, err := c.Store.QueuedAppIDs(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("jobs: submit: %w", err)
	}

	snapshot, err := json.Marshal(games)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode snapshot: %w", err)
	}
	now := c.now()
	job := &models.Job{
		Token:     uuid.NewString(),
		CreatedAt: now.Unix(),
		Games:     string(snapshot),
		Format:    string(f),
	}
	entries := make([]models.QueueEntry, 0, len(missing)-len(queued))
	for _, id := range missing {
		if queued[id] {
			continue
		}
		entries = append(entries, models.QueueEntry{AppID: id, JobToken: job.Token, EnqueuedAt: now.UnixNano()})
	}
	if err := c.Store.CreateJob(ctx, job, entries); err != nil {
		return nil, fmt.Errorf("jobs: submit: %w", err)
	}
	c.notify()
	metrics.RecordSubmit(true)

	c.log().Info().
		Str("job", job.Token).
		Int("games", len(ids)).
		Int("missing", len(missing)).
		Int("queued", len(entries)).
		Msg("export queued")

	return &Result{
		Format:          f,
		Token:           job.Token,
		Pending:         len(missing),
		EstimateMinutes: EstimateMinutes(len(missing), c.StoreDelay),
		RateLimited:     c.rateLimited(),
	}, nil
}

// Poll checks the job behind token. While apps are still missing from the
// cache it reports how many. Once none are, it deletes the job and returns
// the table; any later Poll for the token returns ErrInvalidToken.
func (c *Coordinator) Poll(ctx context.Context, token string) (*Result, error) {
	job, games, err := c.loadJob(ctx, token)
	if err != nil {
		return nil, err
	}
	f := sheet.Format(job.Format)

	missing, err := c.missing(ctx, appIDs(games))
	if err != nil {
		return nil, fmt.Errorf("jobs: poll: %w", err)
	}

	if len(missing) > 0 {
		// An app can lose its queue entry when the job that queued it
		// expires. Queue it again under this job.
		requeued, err := c.Store.EnqueueMissing(ctx, token, missing, c.now().UnixNano())
		if err != nil {
			return nil, fmt.Errorf("jobs: poll: %w", err)
		}
		if requeued > 0 {
			c.log().Warn().Str("job", token).Int("apps", requeued).Msg("re-queued apps with no queue entry")
			c.notify()
		}
		return &Result{
			Format:          f,
			Token:           token,
			Pending:         len(missing),
			EstimateMinutes: EstimateMinutes(len(missing), c.StoreDelay),
			RateLimited:     c.rateLimited(),
		}, nil
	}

	deleted, err := c.Store.DeleteJob(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("jobs: poll: %w", err)
	}
	if !deleted {
		// A concurrent Poll finalized it first.
		return nil, ErrInvalidToken
	}

	table, err := c.CombinedTable(ctx, games)
	if err != nil {
		return nil, err
	}
	metrics.JobsFinalized.Inc()
	metrics.RecordExport(table.Len())
	c.log().Info().Str("job", token).Int("rows", table.Len()).Msg("export finalized")
	return &Result{Table: table, Format: f}, nil
}

// Status reports how many apps the job behind token still waits for
// without finalizing it. Returns ErrInvalidToken for an unknown token.
func (c *Coordinator) Status(ctx context.Context, token string) (*Result, error) {
	job, games, err := c.loadJob(ctx, token)
	if err != nil {
		return nil, err
	}
	missing, err := c.missing(ctx, appIDs(games))
	if err != nil {
		return nil, fmt.Errorf("jobs: status: %w", err)
	}
	pending := len(missing)
	return &Result{
		Format:          sheet.Format(job.Format),
		Token:           token,
		Pending:         pending,
		EstimateMinutes: EstimateMinutes(pending, c.StoreDelay),
		RateLimited:     c.rateLimited(),
	}, nil
}

// EstimateMinutes is a lower bound on how long pending fetches take at one
// request per delay.
func EstimateMinutes(pending int, delay time.Duration) int {
	if pending <= 0 {
		return 0
	}
	return int(float64(pending)*delay.Seconds())/60 + 1
}

// loadJob finds the job behind token and decodes its snapshot.
func (c *Coordinator) loadJob(ctx context.Context, token string) (*models.Job, []steam.OwnedGame, error) {
	if token == "" {
		return nil, nil, ErrInvalidToken
	}
	job, err := c.Store.FindJob(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, ErrInvalidToken
	}
	if err != nil {
		return nil, nil, fmt.Errorf("jobs: load %s: %w", token, err)
	}
	var games []steam.OwnedGame
	if err := json.Unmarshal([]byte(job.Games), &games); err != nil {
		return nil, nil, fmt.Errorf("jobs: decode snapshot for %s: %w", token, err)
	}
	return job, games, nil
}

// missing returns the ids without a cache row, keeping their order.
func (c *Coordinator) missing(ctx context.Context, ids []int64) ([]int64, error) {
	known, err := c.Store.KnownAppIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(ids)-len(known))
	for _, id := range ids {
		if !known[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// appIDs returns the distinct app ids of games in first-seen order.
func appIDs(games []steam.OwnedGame) []int64 {
	seen := make(map[int64]bool, len(games))
	ids := make([]int64, 0, len(games))
	for _, g := range games {
		if seen[g.AppID] {
			continue
		}
		seen[g.AppID] = true
		ids = append(ids, g.AppID)
	}
	return ids
}
