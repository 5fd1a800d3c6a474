package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/sge/internal/config"
	"github.com/zulandar/sge/internal/db"
	"github.com/zulandar/sge/internal/fetcher"
	"github.com/zulandar/sge/internal/models"
	"github.com/zulandar/sge/internal/steam"
)

type stubNotifier struct {
	notified    atomic.Int32
	rateLimited atomic.Bool
}

func (n *stubNotifier) Notify()           { n.notified.Add(1) }
func (n *stubNotifier) RateLimited() bool { return n.rateLimited.Load() }

type stubProfiles struct {
	games []steam.OwnedGame
	err   error
	calls atomic.Int32
}

func (p *stubProfiles) OwnedGames(context.Context, string) ([]steam.OwnedGame, error) {
	p.calls.Add(1)
	return p.games, p.err
}

// unavailableSource answers every app with an unavailable row.
type unavailableSource struct{}

func (unavailableSource) AppDetails(_ context.Context, appID int64) (*models.GameInfo, error) {
	return &models.GameInfo{AppID: appID, FetchedAt: 1, Unavailable: true}, nil
}

func openStore(t *testing.T, maxParams int) *db.Store {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := db.New(gdb, maxParams)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func newCoordinator(t *testing.T, s *db.Store) (*Coordinator, *stubNotifier) {
	t.Helper()
	n := &stubNotifier{}
	return &Coordinator{Store: s, Worker: n, StoreDelay: 1500 * time.Millisecond}, n
}

func makeGames(ids ...int64) []steam.OwnedGame {
	games := make([]steam.OwnedGame, len(ids))
	for i, id := range ids {
		games[i] = steam.OwnedGame{AppID: id, Name: fmt.Sprintf("Game %d", id), PlaytimeForever: int(id % 100)}
	}
	return games
}

func idRange(from, n int64) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = from + int64(i)
	}
	return ids
}

func cache(t *testing.T, s *db.Store, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if err := s.SaveGameInfo(context.Background(), &models.GameInfo{AppID: id, Name: "cached", FetchedAt: 1}); err != nil {
			t.Fatalf("cache %d: %v", id, err)
		}
	}
}

// completeAll plays the worker: caches every queued app.
func completeAll(t *testing.T, s *db.Store) {
	t.Helper()
	ctx := context.Background()
	for {
		batch, err := s.NextBatch(ctx, 100)
		if err != nil {
			t.Fatalf("next batch: %v", err)
		}
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			if err := s.CompleteEntry(ctx, &models.GameInfo{AppID: e.AppID, FetchedAt: 1}); err != nil {
				t.Fatalf("complete %d: %v", e.AppID, err)
			}
		}
	}
}

func runWorker(t *testing.T, s *db.Store) *fetcher.Worker {
	t.Helper()
	w, err := fetcher.New(s, unavailableSource{}, fetcher.Options{IdleTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("fetcher.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		w.NotifyForce()
		<-done
	})
	return w
}

func pollUntilDone(t *testing.T, c *Coordinator, token string) *Result {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		res, err := c.Poll(context.Background(), token)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if res.Done() {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish")
	return nil
}

func count(t *testing.T, fn func(context.Context) (int64, error)) int64 {
	t.Helper()
	n, err := fn(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestSubmit_InvalidFormatRejectedBeforeIO(t *testing.T) {
	s := openStore(t, 0)
	c, n := newCoordinator(t, s)
	p := &stubProfiles{games: makeGames(1)}
	c.Profiles = p

	if _, err := c.SubmitSteamID(context.Background(), "1", "ods"); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("SubmitSteamID err = %v, want ErrInvalidFormat", err)
	}
	if _, err := c.Submit(context.Background(), makeGames(1), "pdf"); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Submit err = %v, want ErrInvalidFormat", err)
	}
	if p.calls.Load() != 0 {
		t.Error("profile fetched for an invalid format")
	}
	if n.notified.Load() != 0 || count(t, s.CountJobs) != 0 {
		t.Error("invalid format caused side effects")
	}
}

func TestSubmit_NoGames(t *testing.T) {
	s := openStore(t, 0)
	c, _ := newCoordinator(t, s)

	if _, err := c.Submit(context.Background(), nil, "csv"); !errors.Is(err, ErrNoGames) {
		t.Errorf("Submit err = %v, want ErrNoGames", err)
	}

	c.Profiles = &stubProfiles{err: steam.ErrNoGames}
	if _, err := c.SubmitSteamID(context.Background(), "1", "csv"); !errors.Is(err, ErrNoGames) {
		t.Errorf("SubmitSteamID err = %v, want ErrNoGames", err)
	}
	c.Profiles = &stubProfiles{}
	if _, err := c.ExportSimple(context.Background(), "1", "csv"); !errors.Is(err, ErrNoGames) {
		t.Errorf("ExportSimple err = %v, want ErrNoGames", err)
	}
}

func TestSubmit_AllCachedIsSynchronous(t *testing.T) {
	s := openStore(t, 0)
	c, n := newCoordinator(t, s)
	cache(t, s, 1, 2, 3)

	res, err := c.Submit(context.Background(), makeGames(3, 1, 2), "xlsx")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Done() || res.Token != "" {
		t.Fatalf("result = %+v, want finished table", res)
	}
	if res.Table.Len() != 3 {
		t.Errorf("rows = %d, want 3", res.Table.Len())
	}
	if count(t, s.CountJobs) != 0 || count(t, s.CountQueue) != 0 {
		t.Error("synchronous export created job or queue rows")
	}
	if n.notified.Load() != 0 {
		t.Error("worker notified for a synchronous export")
	}
}

func TestSubmit_PartiallyCachedQueuesOnlyMissing(t *testing.T) {
	s := openStore(t, 0)
	c, n := newCoordinator(t, s)
	ids := idRange(1, 20)
	cache(t, s, ids[:10]...)

	res, err := c.Submit(context.Background(), makeGames(ids...), "csv")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Done() || res.Token == "" {
		t.Fatalf("result = %+v, want pending", res)
	}
	if res.Pending != 10 {
		t.Errorf("Pending = %d, want 10", res.Pending)
	}
	if got := count(t, s.CountQueue); got != 10 {
		t.Errorf("queue entries = %d, want 10", got)
	}
	if got, _ := s.CountJobEntries(context.Background(), res.Token); got != 10 {
		t.Errorf("job entries = %d, want 10", got)
	}
	if n.notified.Load() != 1 {
		t.Errorf("notified = %d, want 1", n.notified.Load())
	}
	if res.EstimateMinutes != 1 {
		t.Errorf("EstimateMinutes = %d, want 1", res.EstimateMinutes)
	}
}

func TestSubmit_SkipsAppsQueuedByOtherJobs(t *testing.T) {
	s := openStore(t, 0)
	c, _ := newCoordinator(t, s)
	ctx := context.Background()

	first, err := c.Submit(ctx, makeGames(1, 2, 3), "csv")
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	second, err := c.Submit(ctx, makeGames(2, 3, 4), "csv")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if second.Pending != 3 {
		t.Errorf("second Pending = %d, want 3", second.Pending)
	}
	if got, _ := s.CountJobEntries(ctx, second.Token); got != 1 {
		t.Errorf("second job entries = %d, want 1", got)
	}
	if got := count(t, s.CountQueue); got != 4 {
		t.Errorf("queue = %d, want 4", got)
	}

	completeAll(t, s)
	for _, token := range []string{first.Token, second.Token} {
		res, err := c.Poll(ctx, token)
		if err != nil || !res.Done() {
			t.Errorf("Poll(%s) = %+v, %v; want done", token, res, err)
		}
	}
}

func TestSubmit_DuplicateIDsInInput(t *testing.T) {
	s := openStore(t, 0)
	c, _ := newCoordinator(t, s)

	res, err := c.Submit(context.Background(), makeGames(5, 6, 5), "json")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Pending != 2 || count(t, s.CountQueue) != 2 {
		t.Errorf("Pending = %d, queue = %d; want 2, 2", res.Pending, count(t, s.CountQueue))
	}
	completeAll(t, s)
	done, err := c.Poll(context.Background(), res.Token)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if done.Table.Len() != 3 {
		t.Errorf("rows = %d, want 3 (one per input row)", done.Table.Len())
	}
}

func TestSubmit_ReportsRateLimit(t *testing.T) {
	s := openStore(t, 0)
	c, n := newCoordinator(t, s)
	n.rateLimited.Store(true)

	res, err := c.Submit(context.Background(), makeGames(1), "csv")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.RateLimited {
		t.Error("RateLimited = false")
	}
}

func TestPoll_FinalizesExactlyOnce(t *testing.T) {
	s := openStore(t, 0)
	c, _ := newCoordinator(t, s)
	ctx := context.Background()

	res, err := c.Submit(ctx, makeGames(1, 2, 3), "csv")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	pending, err := c.Poll(ctx, res.Token)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if pending.Done() || pending.Pending != 3 || pending.Token != res.Token {
		t.Fatalf("pending = %+v, want 3 pending", pending)
	}

	completeAll(t, s)

	done, err := c.Poll(ctx, res.Token)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !done.Done() {
		t.Fatalf("result = %+v, want done", done)
	}
	if _, err := c.Poll(ctx, res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second Poll err = %v, want ErrInvalidToken", err)
	}
	if count(t, s.CountJobs) != 0 {
		t.Error("job row left after finalization")
	}
}

func TestPoll_ConcurrentFinalizeOnce(t *testing.T) {
	s := openStore(t, 0)
	c, _ := newCoordinator(t, s)
	ctx := context.Background()

	res, err := c.Submit(ctx, makeGames(1, 2), "csv")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	completeAll(t, s)

	var finalized, invalid atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Poll(ctx, res.Token)
			switch {
			case errors.Is(err, ErrInvalidToken):
				invalid.Add(1)
			case err != nil:
				t.Errorf("Poll: %v", err)
			case r.Done():
				finalized.Add(1)
			}
		}()
	}
	wg.Wait()

	if finalized.Load() != 1 || invalid.Load() != 7 {
		t.Errorf("finalized = %d, invalid = %d; want 1, 7", finalized.Load(), invalid.Load())
	}
}

func TestPoll_UnknownToken(t *testing.T) {
	c, _ := newCoordinator(t, openStore(t, 0))
	for _, token := range []string{"", "not-a-job"} {
		if _, err := c.Poll(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Poll(%q) err = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestPoll_RequeuesOrphanedApps(t *testing.T) {
	s := openStore(t, 0)
	c, n := newCoordinator(t, s)
	ctx := context.Background()
	now := time.Unix(1_800_000_000, 0)
	c.Now = func() time.Time { return now }

	// Job A queues app 1; job B relies on that entry.
	a, err := c.Submit(ctx, makeGames(1), "csv")
	if err != nil {
		t.Fatalf("Submit A: %v", err)
	}
	now = now.Add(time.Hour)
	b, err := c.Submit(ctx, makeGames(1, 2), "csv")
	if err != nil {
		t.Fatalf("Submit B: %v", err)
	}
	if got, _ := s.CountJobEntries(ctx, b.Token); got != 1 {
		t.Fatalf("B entries = %d, want 1", got)
	}

	// A expires and takes the only entry for app 1 with it.
	if _, err := s.VacuumExpired(ctx, now.Add(-time.Minute)); err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if _, err := c.Poll(ctx, a.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Poll(A) err = %v, want ErrInvalidToken", err)
	}

	before := n.notified.Load()
	res, err := c.Poll(ctx, b.Token)
	if err != nil {
		t.Fatalf("Poll(B): %v", err)
	}
	if res.Pending != 2 {
		t.Errorf("Pending = %d, want 2", res.Pending)
	}
	if got, _ := s.CountJobEntries(ctx, b.Token); got != 2 {
		t.Errorf("B entries after poll = %d, want 2", got)
	}
	if n.notified.Load() != before+1 {
		t.Error("worker not notified about re-queued apps")
	}

	completeAll(t, s)
	if res, err := c.Poll(ctx, b.Token); err != nil || !res.Done() {
		t.Errorf("Poll(B) = %+v, %v; want done", res, err)
	}
}

func TestSubmitAndPoll_RowsMatchInputOrder(t *testing.T) {
	s := openStore(t, 0)
	c, _ := newCoordinator(t, s)
	w := runWorker(t, s)
	c.Worker = w

	ids := []int64{900, 12, 440, 7, 3500, 10, 620, 1}
	cache(t, s, 440, 1)

	res, err := c.Submit(context.Background(), makeGames(ids...), "csv")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Pending != 6 {
		t.Errorf("Pending = %d, want 6", res.Pending)
	}
	done := pollUntilDone(t, c, res.Token)

	if done.Table.Len() != len(ids) {
		t.Fatalf("rows = %d, want %d", done.Table.Len(), len(ids))
	}
	for i, id := range ids {
		want := StoreURLPrefix + fmt.Sprint(id)
		if got := done.Table.Rows[i][0]; got != want {
			t.Errorf("row %d = %v, want %s", i, got, want)
		}
	}
}

func TestConcurrentOverlappingSubmits_NoDuplicateCacheRows(t *testing.T) {
	s := openStore(t, 0)
	c, _ := newCoordinator(t, s)
	w := runWorker(t, s)
	c.Worker = w

	var wg sync.WaitGroup
	tokens := make([]string, 6)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each request overlaps the next by half.
			res, err := c.Submit(context.Background(), makeGames(idRange(int64(i*10)+1, 20)...), "json")
			if err != nil {
				t.Errorf("Submit %d: %v", i, err)
				return
			}
			tokens[i] = res.Token
		}(i)
	}
	wg.Wait()

	for _, token := range tokens {
		if token == "" {
			continue
		}
		pollUntilDone(t, c, token)
	}

	// ids 1..70
	if got := count(t, s.CountGameInfo); got != 70 {
		t.Errorf("cache rows = %d, want 70", got)
	}
	if got := count(t, s.CountQueue); got != 0 {
		t.Errorf("queue = %d, want 0", got)
	}
}

func TestLargeRequest_AllUnavailable(t *testing.T) {
	// A small parameter limit forces chunked lookups.
	s := openStore(t, 150)
	c, _ := newCoordinator(t, s)
	ctx := context.Background()

	ids := idRange(100_000, 2000)
	res, err := c.Submit(ctx, makeGames(ids...), "xlsx")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Token == "" || res.Pending != 2000 {
		t.Fatalf("result = %+v, want 2000 pending with a token", res)
	}
	if got := count(t, s.CountQueue); got != 2000 {
		t.Errorf("queue = %d, want 2000", got)
	}

	c.Worker = runWorker(t, s)
	done := pollUntilDone(t, c, res.Token)

	if done.Table.Len() != 2000 {
		t.Fatalf("rows = %d, want 2000", done.Table.Len())
	}
	unavailableCol := len(done.Table.Header) - 1
	if done.Table.Header[unavailableCol] != "unavailable" {
		t.Fatalf("last column = %q", done.Table.Header[unavailableCol])
	}
	for i, row := range done.Table.Rows {
		if row[unavailableCol] != true {
			t.Fatalf("row %d unavailable = %v", i, row[unavailableCol])
		}
		if row[0] != StoreURLPrefix+fmt.Sprint(ids[i]) {
			t.Fatalf("row %d = %v, want app %d", i, row[0], ids[i])
		}
	}
	if _, err := c.Poll(ctx, res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Poll after finalize err = %v, want ErrInvalidToken", err)
	}
}

func TestExportSimple(t *testing.T) {
	s := openStore(t, 0)
	c, _ := newCoordinator(t, s)
	c.Profiles = &stubProfiles{games: makeGames(20, 10)}

	res, err := c.ExportSimple(context.Background(), "1", "csv")
	if err != nil {
		t.Fatalf("ExportSimple: %v", err)
	}
	if res.Table.Len() != 2 || len(res.Table.Header) != len(ProfileColumns) {
		t.Errorf("table = %+v", res.Table)
	}
	if count(t, s.CountQueue) != 0 {
		t.Error("simple export queued apps")
	}
}

func TestCombinedTable_Columns(t *testing.T) {
	s := openStore(t, 0)
	c, _ := newCoordinator(t, s)
	yes := true
	if err := s.SaveGameInfo(context.Background(), &models.GameInfo{
		AppID: 10, Name: "CS", Type: "game", OnLinux: &yes, AgeGate: 18, ReleaseDate: "2000/11/01", FetchedAt: 1,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	table, err := c.CombinedTable(context.Background(), []steam.OwnedGame{
		{AppID: 10, Name: "Counter-Strike", PlaytimeForever: 5},
		{AppID: 11, Name: "Not cached"},
	})
	if err != nil {
		t.Fatalf("CombinedTable: %v", err)
	}
	if len(table.Header) != len(ProfileColumns)+len(InfoColumns) {
		t.Fatalf("header = %v", table.Header)
	}
	col := func(name string) int {
		for i, h := range table.Header {
			if h == name {
				return i
			}
		}
		t.Fatalf("no column %q", name)
		return -1
	}
	row := table.Rows[0]
	if row[col("name")] != "Counter-Strike" {
		t.Errorf("name = %v, want profile name", row[col("name")])
	}
	if row[col("type")] != "game" || row[col("age_gate")] != 18 || row[col("release_date")] != "2000/11/01" {
		t.Errorf("row = %v", row)
	}
	if p, ok := row[col("on_linux")].(*bool); !ok || p == nil || !*p {
		t.Errorf("on_linux = %v", row[col("on_linux")])
	}
	if got := table.Rows[1][col("type")]; got != nil {
		t.Errorf("uncached type = %v, want nil", got)
	}
}

func TestEstimateMinutes(t *testing.T) {
	tests := []struct {
		pending int
		delay   time.Duration
		want    int
	}{
		{0, 1500 * time.Millisecond, 0},
		{1, 1500 * time.Millisecond, 1},
		{39, 1500 * time.Millisecond, 1},
		{40, 1500 * time.Millisecond, 2},
		{2000, 1500 * time.Millisecond, 51},
		{100, 0, 1},
	}
	for _, tt := range tests {
		if got := EstimateMinutes(tt.pending, tt.delay); got != tt.want {
			t.Errorf("EstimateMinutes(%d, %v) = %d, want %d", tt.pending, tt.delay, got, tt.want)
		}
	}
}

func TestAppIDs_FirstSeenOrder(t *testing.T) {
	got := appIDs(makeGames(3, 1, 3, 2, 1))
	want := []int64{3, 1, 2}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("appIDs = %v, want %v", got, want)
	}
}

func TestStatus_DoesNotFinalize(t *testing.T) {
	s := openStore(t, 0)
	c, _ := newCoordinator(t, s)
	ctx := context.Background()

	res, err := c.Submit(ctx, makeGames(1, 2), "csv")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st, err := c.Status(ctx, res.Token)
	if err != nil || st.Pending != 2 {
		t.Fatalf("Status = %+v, %v; want 2 pending", st, err)
	}

	completeAll(t, s)
	for i := 0; i < 2; i++ {
		st, err = c.Status(ctx, res.Token)
		if err != nil || st.Pending != 0 || st.Done() {
			t.Fatalf("Status = %+v, %v; want 0 pending, not finalized", st, err)
		}
	}
	if done, err := c.Poll(ctx, res.Token); err != nil || !done.Done() {
		t.Errorf("Poll = %+v, %v; want done", done, err)
	}
	if _, err := c.Status(ctx, res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Status after finalize err = %v, want ErrInvalidToken", err)
	}
}
