package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 5, 0, time.UTC)

// recordingSink keeps every batch it receives.
type recordingSink struct {
	mu      sync.Mutex
	batches []Batch
	err     error
	block   chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(ctx context.Context, b Batch) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return s.err
}

func (s *recordingSink) totals() (usage, signals, batches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		usage += len(b.Usage)
		signals += len(b.Signals)
	}
	return usage, signals, len(s.batches)
}

func usage(i int) UsageEvent {
	return UsageEvent{Key: "client", Allowed: i%2 == 0, Algorithm: "token_bucket", Timestamp: t0}
}

func TestDispatcher_BatchesBySize(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{BatchSize: 10, FlushInterval: time.Hour}, []Sink{sink})
	d.Start(context.Background())

	for i := 0; i < 25; i++ {
		require.True(t, d.PublishUsage(usage(i)))
	}

	assert.Eventually(t, func() bool {
		u, _, b := sink.totals()
		return u == 20 && b == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Close())
	u, _, b := sink.totals()
	assert.Equal(t, 25, u, "close flushes the rest")
	assert.Equal(t, 3, b)

	stats := d.Stats()
	assert.Equal(t, uint64(25), stats.Published)
	assert.Equal(t, uint64(25), stats.Written)
	assert.Zero(t, stats.Dropped)
}

func TestDispatcher_FlushesOnInterval(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{BatchSize: 1000, FlushInterval: 10 * time.Millisecond}, []Sink{sink})
	d.Start(context.Background())
	defer d.Close()

	d.PublishUsage(usage(0))
	d.PublishAbuse(AbuseSignal{Key: "client", AbuseScore: 0.85, ViolationCount: 4, Timestamp: t0})

	assert.Eventually(t, func() bool {
		u, s, _ := sink.totals()
		return u == 1 && s == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics("test")
	sink := &recordingSink{}
	d := NewDispatcher(Config{BufferSize: 3, BatchSize: 100, FlushInterval: time.Hour}, []Sink{sink},
		WithMetrics(metrics))

	// Not started: nothing drains the buffer.
	for i := 0; i < 3; i++ {
		assert.True(t, d.PublishUsage(usage(i)))
	}
	assert.False(t, d.PublishUsage(usage(3)))
	assert.False(t, d.PublishAbuse(AbuseSignal{Key: "client"}))

	stats := d.Stats()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, uint64(2), stats.Dropped)

	require.NoError(t, d.Close())
	u, _, _ := sink.totals()
	assert.Equal(t, 3, u, "buffered events are flushed on close")

	assert.False(t, d.PublishUsage(usage(4)), "closed dispatcher drops")
	assert.Equal(t, uint64(3), d.Stats().Dropped)
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(Config{BufferSize: 10, BatchSize: 1, FlushInterval: time.Hour, WriteTimeout: time.Second},
		[]Sink{sink})
	d.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			d.PublishUsage(usage(i))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled sink")
	}
	assert.Positive(t, d.Stats().Dropped)

	close(sink.block)
	require.NoError(t, d.Close())
}

func TestDispatcher_SinkErrorsAreIsolated(t *testing.T) {
	failing := &recordingSink{err: errors.New("disk full")}
	healthy := &recordingSink{}
	core, logs := observer.New(zap.WarnLevel)

	d := NewDispatcher(Config{BatchSize: 2, FlushInterval: time.Hour}, []Sink{failing, healthy},
		WithLogger(observability.NewZapLogger(zap.New(core))))
	d.Start(context.Background())

	d.PublishUsage(usage(0))
	d.PublishUsage(usage(1))
	require.NoError(t, d.Close())

	u, _, _ := healthy.totals()
	assert.Equal(t, 2, u)
	stats := d.Stats()
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(2), stats.Written)
	assert.Equal(t, 1, logs.FilterMessage("failed to write events").Len())
}

func TestDispatcher_StopsWithContext(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{BatchSize: 100, FlushInterval: time.Hour}, []Sink{sink})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	d.PublishUsage(usage(0))
	cancel()

	assert.Eventually(t, func() bool {
		u, _, _ := sink.totals()
		return u == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Published after the loop stopped: still flushed by Close.
	d.PublishUsage(usage(1))
	require.NoError(t, d.Close())
	u, _, _ := sink.totals()
	assert.Equal(t, 2, u)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(observability.NewZapLogger(zap.New(core)))

	err := sink.Write(context.Background(), Batch{
		Usage: []UsageEvent{
			{Key: "a", Allowed: true},
			{Key: "a", Allowed: false},
			{Key: "b", Allowed: true, FailOpen: true},
		},
		Signals: []AbuseSignal{{Key: "a", AbuseScore: 0.93, ViolationCount: 6, Blocked: true}},
	})
	require.NoError(t, err)

	signals := logs.FilterMessage("abuse signal").All()
	require.Len(t, signals, 1)
	assert.Equal(t, zap.WarnLevel, signals[0].Level)
	assert.Equal(t, true, signals[0].ContextMap()["blocked"])

	summary := logs.FilterMessage("usage events").All()
	require.Len(t, summary, 1)
	assert.Equal(t, int64(3), summary[0].ContextMap()["events"])
	assert.Equal(t, int64(1), summary[0].ContextMap()["denied"])
	assert.Equal(t, int64(1), summary[0].ContextMap()["fail_open"])

	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, NewLogSink(nil).Write(context.Background(), Batch{}))
}

// fakeDB records statements instead of talking to Postgres.
type fakeDB struct {
	execSQL []string
	execErr error

	queued  []*pgx.QueuedQuery
	failAt  int
	closed  int
	closeEr error
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.execErr
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.queued = append(f.queued, b.QueuedQueries...)
	return &fakeResults{db: f}
}

type fakeResults struct {
	db   *fakeDB
	read int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	r.read++
	if r.db.failAt > 0 && r.read == r.db.failAt {
		return pgconn.CommandTag{}, errors.New("relation does not exist")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }

func (r *fakeResults) QueryRow() pgx.Row { return nil }

func (r *fakeResults) Close() error {
	r.db.closed++
	return r.db.closeEr
}

func TestPostgresSink_Write(t *testing.T) {
	db := &fakeDB{}
	sink := NewPostgresSink(db)

	err := sink.Write(context.Background(), Batch{
		Usage: []UsageEvent{
			{Key: "a", Scope: "/v1/orders", Tier: "gold", Allowed: true, Algorithm: "sliding_window", Timestamp: t0},
			{Key: "b", Allowed: false, Reason: "rate_limit_exceeded", Algorithm: "fixed_window", Timestamp: t0},
		},
		Signals: []AbuseSignal{{Key: "b", AbuseScore: 0.91, ViolationCount: 6, Blocked: true, Timestamp: t0}},
	})
	require.NoError(t, err)

	require.Len(t, db.queued, 3)
	assert.Equal(t, insertUsageSQL, db.queued[0].SQL)
	assert.Equal(t, []any{"a", "/v1/orders", "gold", true, "", "sliding_window", false, false, t0}, db.queued[0].Arguments)
	assert.Equal(t, insertSignalSQL, db.queued[2].SQL)
	assert.Equal(t, []any{"b", 0.91, 6, true, t0}, db.queued[2].Arguments)
	assert.Equal(t, 1, db.closed)
}

func TestPostgresSink_WriteErrors(t *testing.T) {
	db := &fakeDB{failAt: 2}
	sink := NewPostgresSink(db)

	err := sink.Write(context.Background(), Batch{Usage: []UsageEvent{usage(0), usage(1), usage(2)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event 2 of 3")
	assert.Equal(t, 1, db.closed, "batch is closed on error")

	db = &fakeDB{closeEr: errors.New("conn busy")}
	err = NewPostgresSink(db).Write(context.Background(), Batch{Usage: []UsageEvent{usage(0)}})
	assert.ErrorContains(t, err, "conn busy")

	db = &fakeDB{}
	require.NoError(t, NewPostgresSink(db).Write(context.Background(), Batch{}))
	assert.Empty(t, db.queued, "empty batches skip the round trip")
}

func TestPostgresSink_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	sink := NewPostgresSink(db)

	require.NoError(t, sink.EnsureSchema(context.Background()))
	require.Len(t, db.execSQL, 1)
	assert.Contains(t, db.execSQL[0], "CREATE TABLE IF NOT EXISTS usage_events")
	assert.Contains(t, db.execSQL[0], "CREATE TABLE IF NOT EXISTS abuse_signals")

	db.execErr = errors.New("permission denied")
	assert.ErrorContains(t, sink.EnsureSchema(context.Background()), "permission denied")
	assert.Equal(t, "postgres", sink.Name())
}

func TestOpenPostgres_InvalidDSN(t *testing.T) {
	_, err := OpenPostgres(context.Background(), PostgresConfig{DSN: "postgres://%zz"})
	assert.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.True(t, p.PublishUsage(UsageEvent{}))
	assert.True(t, p.PublishAbuse(AbuseSignal{}))
}
