package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/quantlab/compactor/go/journal"
	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/quality"
	"github.com/quantlab/compactor/go/store/storetest"
	"github.com/quantlab/compactor/go/worker"
	"github.com/stretchr/testify/require"
)

// The rig's clock is fixed: today is 20260811, yesterday 20260810.
var rigNow = time.Date(2026, 8, 11, 12, 0, 0, 0, time.UTC)

type rawRow struct {
	TsEvent int64   `parquet:"ts_event"`
	Px      float64 `parquet:"px"`
}

func parquetBytes(t *testing.T, ts ...int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w = parquet.NewWriter(&buf, parquet.SchemaOf(rawRow{}))
	for _, v := range ts {
		require.NoError(t, w.Write(&rawRow{TsEvent: v, Px: float64(v)}))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type rig struct {
	raw     *storetest.Bucket
	compact *storetest.Bucket
	journal *journal.Journal
	workDir string
}

func newRig(t *testing.T) *rig {
	return &rig{
		raw:     storetest.NewBucket(),
		compact: storetest.NewBucket(),
		journal: journal.New(storetest.NewBucket(), keys.StateKey), // replaced below
		workDir: t.TempDir(),
	}
}

func (g *rig) runner(stateKey string) *Runner {
	g.journal = journal.New(g.compact, stateKey)
	var r = &Runner{
		Raw:      g.raw,
		Compact:  g.compact,
		Journal:  g.journal,
		Parallel: 2,
		Shutdown: NewShutdown(),
		Clock:    func() time.Time { return rigNow },
	}
	r.NewWorker = func() *worker.Worker {
		var j = journal.New(g.compact, stateKey)
		return &worker.Worker{
			Raw:           g.raw,
			Compact:       g.compact,
			Journal:       j,
			Locks:         journal.NewLockManager(g.compact, j),
			Quality:       quality.NewEvaluator(g.raw),
			WorkDir:       g.workDir,
			CheckShutdown: r.Shutdown.Requested,
		}
	}
	return r
}

func (g *rig) seed(t *testing.T, p keys.Partition, ts ...int64) {
	t.Helper()
	require.NoError(t, g.raw.Put(context.Background(),
		p.RawPrefix()+"part-0000.parquet", parquetBytes(t, ts...), "application/octet-stream"))
}

func part(symbol, date string) keys.Partition {
	return keys.Partition{Exchange: "binance", Stream: "bbo", Symbol: symbol, Date: date}
}

func TestRunnerDaily(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	g.seed(t, part("btcusdt", "20260810"), 1, 2, 3)
	g.seed(t, part("ethusdt", "20260810"), 4, 5)

	var r = g.runner(keys.StateKey)
	require.NoError(t, r.Daily(ctx))

	state, err := g.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "20260810", state.LastCompactedDate)
	require.Equal(t, journal.StatusSuccess, state.Days["20260810"].Status)
	require.Equal(t, journal.StatusSuccess, state.Partitions[part("btcusdt", "20260810").String()].Status)

	exists, err := g.compact.Exists(ctx, part("ethusdt", "20260810").QualityKey())
	require.NoError(t, err)
	require.True(t, exists)

	// A second daily run only skips and leaves the watermark alone.
	require.NoError(t, r.Daily(ctx))
	state, err = g.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "20260810", state.LastCompactedDate)
}

func TestRunnerCatchUpFreshStart(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	g.seed(t, part("btcusdt", "20260805"), 1)
	g.seed(t, part("btcusdt", "20260810"), 2)

	// With no watermark, catch-up elects yesterday only.
	var r = g.runner(keys.StateKey)
	require.NoError(t, r.CatchUp(ctx))

	state, err := g.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "20260810", state.LastCompactedDate)
	var _, didOld = state.Partitions[part("btcusdt", "20260805").String()]
	require.False(t, didOld)
}

func TestRunnerCatchUpAdvancesThroughPendingDates(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	for _, d := range []string{"20260808", "20260809", "20260810"} {
		g.seed(t, part("btcusdt", d), 1, 2)
	}

	var r = g.runner(keys.StateKey)
	require.NoError(t, g.journal.UpdateLastCompactedDate(ctx, "20260808"))
	require.NoError(t, r.CatchUp(ctx))

	state, err := g.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "20260810", state.LastCompactedDate)
	require.Equal(t, journal.StatusSuccess, state.Partitions[part("btcusdt", "20260809").String()].Status)
	require.Equal(t, journal.StatusSuccess, state.Partitions[part("btcusdt", "20260810").String()].Status)
}

func TestRunnerBackfillStopsAtWall(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	for _, d := range []string{"20260808", "20260809", "20260810"} {
		g.seed(t, part("btcusdt", d), 1)
	}

	var r = g.runner(keys.StateKey)
	for _, d := range []string{"20260808", "20260809", "20260810"} {
		require.NoError(t, g.journal.LogDay(ctx, d, journal.StatusSuccess))
	}

	require.NoError(t, r.Backfill(ctx, "", ""))

	// Nothing ran: no partition entries, no artifacts.
	state, err := g.journal.Read(ctx)
	require.NoError(t, err)
	require.Empty(t, state.Partitions)
	exists, err := g.compact.Exists(ctx, part("btcusdt", "20260810").DataKey())
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRunnerBackfillExplicitRange(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	for _, d := range []string{"20260807", "20260808", "20260809"} {
		g.seed(t, part("btcusdt", d), 1, 2)
	}

	var r = g.runner(keys.StateKey)
	require.NoError(t, r.Backfill(ctx, "20260808", "20260809"))

	state, err := g.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuccess, state.Partitions[part("btcusdt", "20260808").String()].Status)
	require.Equal(t, journal.StatusSuccess, state.Partitions[part("btcusdt", "20260809").String()].Status)
	var _, ranOutside = state.Partitions[part("btcusdt", "20260807").String()]
	require.False(t, ranOutside)

	// Backfill never advances the catch-up watermark.
	require.Empty(t, state.LastCompactedDate)

	require.Error(t, r.Backfill(ctx, "20260809", "20260808"))
}

func TestRunnerFiltersAndLimits(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	g.seed(t, part("btcusdt", "20260810"), 1)
	g.seed(t, part("ethusdt", "20260810"), 2)
	g.seed(t, keys.Partition{Exchange: "okx", Stream: "bbo", Symbol: "btcusdt", Date: "20260810"}, 3)

	var r = g.runner(keys.StateKey)
	r.Filters = Filters{Exchanges: []string{"binance"}, Symbols: []string{"BTCUSDT"}}
	require.NoError(t, r.Daily(ctx))

	state, err := g.journal.Read(ctx)
	require.NoError(t, err)
	require.Len(t, state.Partitions, 1)
	require.Contains(t, state.Partitions, part("btcusdt", "20260810").String())
}

func TestRunnerShutdownBeforeWork(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	g.seed(t, part("btcusdt", "20260810"), 1)

	var r = g.runner(keys.StateKey)
	r.Shutdown.Trigger()
	require.NoError(t, r.Daily(ctx))

	state, err := g.journal.Read(ctx)
	require.NoError(t, err)
	require.Empty(t, state.Partitions)
	require.Empty(t, state.LastCompactedDate)
}

func TestRunnerCleanupAndWipe(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	g.seed(t, part("btcusdt", "20260810"), 1, 2)

	var r = g.runner(keys.StateKey)
	require.NoError(t, r.Daily(ctx))

	// Dry run leaves everything.
	require.NoError(t, r.Cleanup(ctx, "20260810", "20260810", false))
	exists, err := g.compact.Exists(ctx, part("btcusdt", "20260810").DataKey())
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, r.Cleanup(ctx, "20260810", "20260810", true))
	exists, err = g.compact.Exists(ctx, part("btcusdt", "20260810").DataKey())
	require.NoError(t, err)
	require.False(t, exists)

	state, err := g.journal.Read(ctx)
	require.NoError(t, err)
	var _, hasEntry = state.Partitions[part("btcusdt", "20260810").String()]
	require.False(t, hasEntry)

	// Wipe clears coordination keys too.
	require.NoError(t, r.Wipe(ctx, false))
	require.NotEmpty(t, g.compact.Keys()) // dry run
	require.NoError(t, r.Wipe(ctx, true))
	require.Empty(t, g.compact.Keys())
}

func TestRunnerQuicktest(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	// Candidates on the most recent date before today; btcusdt is not a
	// candidate symbol and must not be picked.
	g.seed(t, part("adausdt", "20260810"), 1, 2, 3)
	g.seed(t, part("xrpusdt", "20260810"), 4, 5)
	g.seed(t, part("btcusdt", "20260810"), 6)

	var r = g.runner(keys.QuicktestStateKey)
	require.NoError(t, r.Quicktest(ctx, QuicktestOptions{}))

	state, err := g.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuccess, state.Partitions[part("adausdt", "20260810").String()].Status)
	require.Equal(t, journal.StatusSuccess, state.Partitions[part("xrpusdt", "20260810").String()].Status)
	var _, ranBTC = state.Partitions[part("btcusdt", "20260810").String()]
	require.False(t, ranBTC)
}

func TestRunnerQuicktestPinnedDate(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	g.seed(t, part("adausdt", "20260809"), 1, 2)
	g.seed(t, part("adausdt", "20260810"), 3)

	// A pinned date overrides the newest-completed-date election.
	var r = g.runner(keys.QuicktestStateKey)
	require.NoError(t, r.Quicktest(ctx, QuicktestOptions{Date: "20260809"}))

	state, err := g.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuccess, state.Partitions[part("adausdt", "20260809").String()].Status)
	var _, ranNewest = state.Partitions[part("adausdt", "20260810").String()]
	require.False(t, ranNewest)

	require.Error(t, r.Quicktest(ctx, QuicktestOptions{Date: "2026-08-09"}))
}

func TestDaySummaryTracksBytes(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	g.seed(t, part("btcusdt", "20260810"), 1, 2, 3)
	g.seed(t, part("ethusdt", "20260810"), 4, 5)

	var r = g.runner(keys.StateKey)
	var summary = r.runPartitions(ctx, "20260810",
		[]keys.Partition{part("btcusdt", "20260810"), part("ethusdt", "20260810")})

	require.Equal(t, int64(5), summary.Rows)
	require.NotZero(t, summary.InputBytes)
	require.NotZero(t, summary.OutputBytes)
}

func TestRunnerVerify(t *testing.T) {
	var ctx = context.Background()
	var g = newRig(t)
	g.seed(t, part("btcusdt", "20260810"), 1, 2, 3)
	g.seed(t, part("ethusdt", "20260810"), 4, 5)

	var r = g.runner(keys.StateKey)
	require.NoError(t, r.Daily(ctx))

	report, err := r.Verify(ctx, "20260810")
	require.NoError(t, err)
	require.Equal(t, 2, report.Valid)
	require.Equal(t, 0, report.Invalid)
	require.Equal(t, int64(5), report.TotalRows)

	// Corrupt one published data file; verification must flag it.
	require.NoError(t, g.compact.Put(ctx, part("btcusdt", "20260810").DataKey(),
		[]byte("not parquet"), "application/octet-stream"))
	report, err = r.Verify(ctx, "20260810")
	require.Error(t, err)
	require.Equal(t, 1, report.Valid)
	require.Equal(t, 1, report.Invalid)
}

func TestFiltersMatch(t *testing.T) {
	var f = Filters{Exchanges: []string{"binance"}, Streams: []string{"bbo", "trade"}}
	require.True(t, f.Match(part("btcusdt", "20260810")))
	require.False(t, f.Match(keys.Partition{Exchange: "okx", Stream: "bbo", Symbol: "x", Date: "20260810"}))
	require.False(t, f.Match(keys.Partition{Exchange: "binance", Stream: "funding", Symbol: "x", Date: "20260810"}))
	require.True(t, Filters{}.Match(part("anything", "20260810")))
}

func TestLoadSymbolsFile(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "symbols.txt")
	require.NoError(t, os.WriteFile(path,
		[]byte("BTCUSDT\n\n# comment\nethusdt\n"), 0o644))

	symbols, err := LoadSymbolsFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"btcusdt", "ethusdt"}, symbols)

	var _, missingErr = LoadSymbolsFile(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, missingErr)
}

func TestDaySummaryCompleted(t *testing.T) {
	var s = &DaySummary{ByStatus: map[string]int{journal.StatusSuccess: 3}}
	require.True(t, s.Completed())
	require.False(t, s.Failed())

	s.ByStatus[journal.StatusQuarantine] = 1
	require.False(t, s.Completed())
	require.True(t, s.Failed())
}
