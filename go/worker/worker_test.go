package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/quantlab/compactor/go/journal"
	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/quality"
	"github.com/quantlab/compactor/go/store"
	"github.com/quantlab/compactor/go/store/storetest"
	"github.com/stretchr/testify/require"
)

var testKey = keys.Partition{Exchange: "binance", Stream: "bbo", Symbol: "btcusdt", Date: "20260810"}

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

type env struct {
	raw     *storetest.Bucket
	compact *storetest.Bucket
	journal *journal.Journal
	locks   *journal.LockManager
}

func newEnv(t *testing.T) *env {
	var raw = storetest.NewBucket()
	var compact = storetest.NewBucket()
	var j = journal.New(compact, keys.StateKey)
	return &env{raw: raw, compact: compact, journal: j, locks: journal.NewLockManager(compact, j)}
}

func (e *env) worker(t *testing.T) *Worker {
	return &Worker{
		Raw:     e.raw,
		Compact: e.compact,
		Journal: e.journal,
		Locks:   e.locks,
		Quality: quality.NewEvaluator(e.raw),
		WorkDir: t.TempDir(),
	}
}

func (e *env) seedRawFiles(t *testing.T, key keys.Partition) {
	var ctx = context.Background()
	require.NoError(t, e.raw.Put(ctx, key.RawPrefix()+"part-0000.parquet",
		parquetBytes(t, 10, 20, 30), "application/octet-stream"))
	require.NoError(t, e.raw.Put(ctx, key.RawPrefix()+"part-0001.parquet",
		parquetBytes(t, 15, 25), "application/octet-stream"))
	// Sidecar objects are never merge inputs.
	require.NoError(t, e.raw.Put(ctx, key.RawPrefix()+"._part-0000.parquet",
		[]byte("checksum"), "application/octet-stream"))
}

// seedBadDay plants three hard-BAD windows, which force the day verdict.
func (e *env) seedBadDay(t *testing.T, date string) {
	var ctx = context.Background()
	for i := 0; i < 3; i++ {
		var body = fmt.Sprintf(
			`{"window_start":"2026-08-10T0%d:00:00Z","quality":"GOOD","is_partial":false,`+
				`"signals":{"dropped_events":5,"queue_pct_peak":10,"reconnects":0,`+
				`"drain_mode_accelerated_seconds":0,"offline_seconds_by_exchange":{},"eps_by_exchange":{}}}`, i)
		require.NoError(t, e.raw.Put(ctx, keys.QualityWindowPrefix(date)+fmt.Sprintf("w%02d.json", i),
			[]byte(body), "application/json"))
	}
}

func TestWorkerSuccess(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)
	e.seedRawFiles(t, testKey)

	outcome, err := e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuccess, outcome.Status)
	require.Equal(t, int64(5), outcome.Rows)
	require.Equal(t, quality.Good, outcome.Quality)

	// All three artifacts landed, and no staging leftovers remain.
	for _, k := range []string{testKey.DataKey(), testKey.MetaKey(), testKey.QualityKey()} {
		exists, err := e.compact.Exists(ctx, k)
		require.NoError(t, err)
		require.True(t, exists, k)
	}
	// The outcome carries the published data file's size.
	published, err := e.compact.Get(ctx, testKey.DataKey())
	require.NoError(t, err)
	require.Equal(t, int64(len(published)), outcome.OutputBytes)
	require.NotZero(t, outcome.Bytes)
	for _, k := range e.compact.Keys() {
		require.False(t, strings.HasSuffix(k, ".tmp"), k)
	}

	var meta Meta
	require.NoError(t, store.GetJSON(ctx, e.compact, testKey.MetaKey(), &meta))
	require.Equal(t, int64(5), meta.Rows)
	require.Equal(t, int64(10), *meta.TsEventMin)
	require.Equal(t, int64(30), *meta.TsEventMax)
	require.Len(t, meta.SHA256, 64)
	require.Equal(t, 2, meta.SourceFiles)
	require.Equal(t, []string{"ts_event", "seq"}, meta.OrderingColumns)
	require.Equal(t, quality.Good, meta.DayQuality)

	state, err := e.journal.Read(ctx)
	require.NoError(t, err)
	var entry = state.Partitions[testKey.String()]
	require.Equal(t, journal.StatusSuccess, entry.Status)
	require.Equal(t, int64(5), entry.Rows)
	require.NotZero(t, entry.TotalSizeBytes)

	held, err := e.locks.Held(ctx, testKey)
	require.NoError(t, err)
	require.False(t, held)

	// A second run is an idempotent skip.
	outcome, err = e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSkipped, outcome.Status)
}

func TestWorkerQualityGateQuarantines(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)
	e.seedRawFiles(t, testKey)
	e.seedBadDay(t, testKey.Date)

	outcome, err := e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusQuarantine, outcome.Status)
	require.Equal(t, quality.Bad, outcome.Quality)

	// No artifacts were published.
	exists, err := e.compact.Exists(ctx, testKey.DataKey())
	require.NoError(t, err)
	require.False(t, exists)

	held, err := e.locks.Held(ctx, testKey)
	require.NoError(t, err)
	require.False(t, held)

	state, err := e.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, quality.Bad, state.Partitions[testKey.String()].DayQualityPost)
}

func TestWorkerNoFiles(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)

	outcome, err := e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusNoFiles, outcome.Status)
}

func TestWorkerLockedPartition(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)
	e.seedRawFiles(t, testKey)

	ok, err := e.locks.Acquire(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, StatusLocked, outcome.Status)

	// The foreign lock is left untouched.
	held, err := e.locks.Held(ctx, testKey)
	require.NoError(t, err)
	require.True(t, held)
}

func TestWorkersRaceOnOnePartition(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)
	e.seedRawFiles(t, testKey)

	// Two workers race the same partition: exactly one compacts it, the
	// other observes locked (or skipped, if it started after the winner
	// finished).
	var wg sync.WaitGroup
	var outcomes = make(chan Outcome, 2)
	var errs = make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := e.worker(t).Run(ctx, testKey)
			outcomes <- outcome
			errs <- err
		}()
	}
	wg.Wait()
	close(outcomes)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Exactly one worker compacts while the lock is held; the loser sees
	// locked, or skipped if it started after the winner journaled, or
	// (rarely) redoes the idempotent publish if it raced past both.
	var successes int
	for outcome := range outcomes {
		switch outcome.Status {
		case journal.StatusSuccess:
			successes++
		case StatusLocked, journal.StatusSkipped:
		default:
			t.Fatalf("unexpected outcome %q", outcome.Status)
		}
	}
	require.GreaterOrEqual(t, successes, 1)

	exists, err := e.compact.Exists(ctx, testKey.QualityKey())
	require.NoError(t, err)
	require.True(t, exists)

	state, err := e.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuccess, state.Partitions[testKey.String()].Status)
}

func TestWorkerCrashMidPublishThenRecovers(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)
	e.seedRawFiles(t, testKey)

	// First run dies while staging the metadata sidecar.
	e.compact.SetFailPut(func(key string) error {
		if strings.HasSuffix(key, "meta.json.tmp") {
			return errors.New("injected: connection reset during upload")
		}
		return nil
	})
	outcome, err := e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusQuarantine, outcome.Status)

	// The final keys never appeared; only staged leftovers may remain.
	for _, k := range []string{testKey.DataKey(), testKey.MetaKey(), testKey.QualityKey()} {
		exists, err := e.compact.Exists(ctx, k)
		require.NoError(t, err)
		require.False(t, exists, k)
	}

	// A retry directive converges the partition and sweeps the staging keys.
	e.compact.SetFailPut(nil)
	var w = e.worker(t)
	w.RetryQuarantine = true
	outcome, err = w.Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuccess, outcome.Status)

	for _, k := range e.compact.Keys() {
		require.False(t, strings.HasSuffix(k, ".tmp"), k)
	}
}

func TestWorkerQuarantineIsSticky(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)
	e.seedRawFiles(t, testKey)
	e.seedBadDay(t, testKey.Date)

	outcome, err := e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusQuarantine, outcome.Status)

	// Remove the bad windows so the day would now evaluate GOOD. Without
	// a retry directive the partition must still be a fast no-op.
	for i := 0; i < 3; i++ {
		require.NoError(t, e.raw.Remove(ctx,
			keys.QualityWindowPrefix(testKey.Date)+fmt.Sprintf("w%02d.json", i)))
	}
	outcome, err = e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusQuarantine, outcome.Status)

	exists, err := e.compact.Exists(ctx, testKey.DataKey())
	require.NoError(t, err)
	require.False(t, exists)

	// retry-quarantine re-runs it.
	var w = e.worker(t)
	w.RetryQuarantine = true
	outcome, err = w.Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuccess, outcome.Status)
}

func TestWorkerHealsFromPublishedArtifacts(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)
	e.seedRawFiles(t, testKey)

	outcome, err := e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuccess, outcome.Status)

	// Simulate a lost journal write: the entry regresses to in_progress
	// with no lock held, but the artifacts are all on the store.
	require.NoError(t, e.journal.LogPartition(ctx, testKey, journal.PartitionEntry{
		Status: journal.StatusInProgress,
	}))

	outcome, err = e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSkipped, outcome.Status)
	require.True(t, outcome.Healed)

	state, err := e.journal.Read(ctx)
	require.NoError(t, err)
	var entry = state.Partitions[testKey.String()]
	require.Equal(t, journal.StatusSuccess, entry.Status)
	require.Equal(t, int64(5), entry.Rows)
}

func TestWorkerShutdownAborts(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)
	e.seedRawFiles(t, testKey)

	var w = e.worker(t)
	w.CheckShutdown = func() bool { return true }

	outcome, err := w.Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusAborted, outcome.Status)

	held, err := e.locks.Held(ctx, testKey)
	require.NoError(t, err)
	require.False(t, held)

	state, err := e.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, journal.StatusAborted, state.Partitions[testKey.String()].Status)
}

func TestWorkerOverwriteRedoesSuccess(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)
	e.seedRawFiles(t, testKey)

	outcome, err := e.worker(t).Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuccess, outcome.Status)

	var w = e.worker(t)
	w.Overwrite = true
	outcome, err = w.Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusSuccess, outcome.Status)
}

func TestWorkerDownloadFailure(t *testing.T) {
	var ctx = context.Background()
	var e = newEnv(t)
	// A listed object that cannot be fetched: plant it, list it, then
	// remove the body so Download fails.
	var key = testKey.RawPrefix() + "part-0000.parquet"
	require.NoError(t, e.raw.Put(ctx, key, parquetBytes(t, 1), "application/octet-stream"))

	var w = e.worker(t)
	var evil = &failingDownloadBucket{Bucket: e.raw}
	w.Raw = evil
	w.Quality = quality.NewEvaluator(evil)

	outcome, err := w.Run(ctx, testKey)
	require.NoError(t, err)
	require.Equal(t, journal.StatusDownloadFailed, outcome.Status)

	state, err := e.journal.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, journal.StatusDownloadFailed, state.Partitions[testKey.String()].Status)
}

type failingDownloadBucket struct {
	*storetest.Bucket
}

func (b *failingDownloadBucket) Download(context.Context, string, string) error {
	return errors.New("injected: read timeout")
}

type blockingDownloadBucket struct {
	*storetest.Bucket
	started chan struct{}
}

func (b *blockingDownloadBucket) Download(ctx context.Context, _, _ string) error {
	b.started <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestDownloadCancelWaitsForInFlight(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var e = newEnv(t)
	var raw = &blockingDownloadBucket{Bucket: e.raw, started: make(chan struct{}, 1)}
	var w = e.worker(t)
	w.Raw = raw
	w.DownloadFanOut = 1

	// The first download blocks holding the only slot; cancelling while
	// the loop waits on the second slot must not strand the goroutine.
	go func() {
		<-raw.started
		cancel()
	}()

	var files = []store.ObjectInfo{
		{Key: testKey.RawPrefix() + "part-0000.parquet"},
		{Key: testKey.RawPrefix() + "part-0001.parquet"},
	}
	var rs = &runState{sources: make(map[string]string)}
	_, err := w.download(ctx, files, t.TempDir(), rs)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClassifyError(t *testing.T) {
	require.Equal(t, ErrorTypeDictConflict,
		classifyError(errors.New("column src carries more than one dictionary")))
	require.Equal(t, ErrorTypeSnappyCorrupt,
		classifyError(errors.New("snappy: corrupt input")))
	require.Equal(t, ErrorTypeOther,
		classifyError(errors.New("unexpected EOF")))
}

func TestFailingKeyMapsBackToSource(t *testing.T) {
	var sources = map[string]string{
		"/scratch/partition-1/0003_part.parquet": "exchange=binance/stream=bbo/symbol=btcusdt/date=20260810/part.parquet",
	}
	var err = errors.New("reading batch from /scratch/partition-1/0003_part.parquet: snappy: corrupt input")
	require.Equal(t,
		"exchange=binance/stream=bbo/symbol=btcusdt/date=20260810/part.parquet",
		failingKey(err, sources))
	require.Empty(t, failingKey(errors.New("unrelated"), sources))
}

func TestReproducerCommand(t *testing.T) {
	var cmd = reproducer(testKey)
	require.Contains(t, cmd, "backfill")
	require.Contains(t, cmd, "--from 20260810 --to 20260810")
	require.Contains(t, cmd, "--symbols btcusdt")
	require.Contains(t, cmd, "--overwrite")
}
