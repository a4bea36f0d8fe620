package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"optionflow/internal/analytics"
	"optionflow/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 23, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	chains  []*models.OptionChain
	err     error
	dates   *models.ExpiryDates
	asked   []string
	block   chan struct{}
	started chan struct{}
}

func (f *fakeSource) FetchOptionChain(ctx context.Context, expiry string) (*models.OptionChain, error) {
	f.mu.Lock()
	f.asked = append(f.asked, expiry)
	block, started := f.block, f.started
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.chains) == 0 {
		return nil, errors.New("no more chains")
	}
	c := f.chains[0]
	f.chains = f.chains[1:]
	return c, nil
}

func (f *fakeSource) FetchExpiryDates(ctx context.Context) (*models.ExpiryDates, error) {
	if f.dates == nil {
		return nil, errors.New("no dates")
	}
	return f.dates, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []analytics.Snapshot
}

func (p *recordingPublisher) Publish(s analytics.Snapshot) int {
	p.mu.Lock()
	p.snaps = append(p.snaps, s)
	p.mu.Unlock()
	return 1
}

func chainOf(expiry string, call, put int64) *models.OptionChain {
	return &models.OptionChain{
		Expiry:      expiry,
		ExpiryDates: []string{"26-Jun-2025", "03-Jul-2025"},
		Strikes:     []models.StrikeVolume{{Strike: 24650, Expiry: expiry, Call: call, Put: put}},
		Spot:        decimal.NewNullDecimal(decimal.RequireFromString("24650")),
	}
}

func newEngine(src Source, pub Publisher, expiry string) *Engine {
	return NewEngine(EngineConfig{Expiry: expiry, Timeout: time.Second}, src, pub)
}

func TestEngineOneMinuteCallSignal(t *testing.T) {
	pub := &recordingPublisher{}
	e := newEngine(&fakeSource{}, pub, "26-Jun-2025")

	require.True(t, e.Apply(e.Epoch(), chainOf("26-Jun-2025", 1000, 800), t0))
	require.True(t, e.Apply(e.Epoch(), chainOf("26-Jun-2025", 1500, 800), t0.Add(time.Minute)))

	snap := e.Snapshot()
	require.Len(t, snap.Rows, 1)
	row := snap.Rows[0]
	require.Equal(t, analytics.RoleATM, row.Role)
	require.Equal(t, analytics.SignalNone, row.Intervals[0].Signal)
	require.Equal(t, int64(500), row.Intervals[0].Call)
	require.Equal(t, "26-Jun-2025", snap.Expiry)
	require.Equal(t, []string{"26-Jun-2025", "03-Jul-2025"}, snap.ExpiryDates)
	require.Len(t, pub.snaps, 2)
}

func TestEngineWindowSignalOffATM(t *testing.T) {
	e := newEngine(&fakeSource{}, nil, "26-Jun-2025")
	chain := func(call int64) *models.OptionChain {
		c := chainOf("26-Jun-2025", call, 800)
		c.Spot = decimal.NullDecimal{}
		return c
	}
	e.Apply(e.Epoch(), chain(1000), t0)
	e.Apply(e.Epoch(), chain(1500), t0.Add(time.Minute))

	row := e.Snapshot().Rows[0]
	require.Equal(t, 1, row.Intervals[0].Minutes)
	require.Equal(t, int64(500), row.Intervals[0].Call)
	require.Equal(t, int64(0), row.Intervals[0].Put)
	require.Equal(t, analytics.SignalCall, row.Intervals[0].Signal)
}

func TestEngineFailKeepsRows(t *testing.T) {
	e := newEngine(&fakeSource{}, nil, "26-Jun-2025")
	e.Apply(e.Epoch(), chainOf("26-Jun-2025", 10, 5), t0)

	require.True(t, e.Fail(e.Epoch(), errors.New("boom")))
	snap := e.Snapshot()
	require.Equal(t, FailedToLoad, snap.Error)
	require.Len(t, snap.Rows, 1)

	e.Apply(e.Epoch(), chainOf("26-Jun-2025", 20, 5), t0.Add(time.Second))
	require.Empty(t, e.Snapshot().Error)
}

// bodySource decodes raw payloads the way the readers do.
type bodySource struct {
	body string
}

func (b bodySource) FetchOptionChain(ctx context.Context, expiry string) (*models.OptionChain, error) {
	resp, err := models.DecodeOptionChain([]byte(b.body))
	if err != nil {
		return nil, err
	}
	chain := resp.Normalize(expiry)
	return &chain, nil
}

func (b bodySource) FetchExpiryDates(ctx context.Context) (*models.ExpiryDates, error) {
	return nil, errors.New("no dates")
}

func TestEngineKeepsRowsWhenPayloadHasNoData(t *testing.T) {
	for _, body := range []string{
		`{"records":{"expiryDates":["26-Jun-2025"]}}`,
		`{"records":{"data":null}}`,
	} {
		e := newEngine(bodySource{body: body}, nil, "26-Jun-2025")
		require.True(t, e.Apply(e.Epoch(), chainOf("26-Jun-2025", 10, 5), t0))

		e.Cycle(context.Background())
		snap := e.Snapshot()
		require.Equal(t, FailedToLoad, snap.Error, "body %s", body)
		require.Len(t, snap.Rows, 1, "body %s", body)
	}
}

func TestEngineExpirySwitchDiscardsLateResponse(t *testing.T) {
	src := &fakeSource{
		chains:  []*models.OptionChain{chainOf("26-Jun-2025", 1000, 800)},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	e := newEngine(src, nil, "26-Jun-2025")
	e.Apply(e.Epoch(), chainOf("26-Jun-2025", 900, 700), t0)

	var hooked string
	e.OnExpiryChange(func(expiry string) { hooked = expiry })

	done := make(chan struct{})
	go func() {
		e.Cycle(context.Background())
		close(done)
	}()

	<-src.started
	e.SelectExpiry("03-Jul-2025")
	close(src.block)
	<-done

	snap := e.Snapshot()
	require.Equal(t, "03-Jul-2025", snap.Expiry)
	require.Empty(t, snap.Rows)
	require.Empty(t, e.builder.Store().Get(24650))
	require.Zero(t, e.builder.Store().Len())
	require.Equal(t, "03-Jul-2025", hooked)
}

func TestEngineSelectSameExpiryIsNoop(t *testing.T) {
	e := newEngine(&fakeSource{}, nil, "26-Jun-2025")
	e.Apply(e.Epoch(), chainOf("26-Jun-2025", 10, 5), t0)
	epoch := e.Epoch()

	require.Equal(t, epoch, e.SelectExpiry("26-Jun-2025"))
	require.Len(t, e.Snapshot().Rows, 1)
}

func TestEngineStaleFailIsDiscarded(t *testing.T) {
	e := newEngine(&fakeSource{}, nil, "26-Jun-2025")
	old := e.Epoch()
	e.SelectExpiry("03-Jul-2025")
	require.False(t, e.Fail(old, errors.New("late")))
	require.Empty(t, e.Snapshot().Error)
	require.False(t, e.Apply(old, chainOf("26-Jun-2025", 1, 1), t0))
}

func TestEngineCycleResolvesDefaultExpiry(t *testing.T) {
	src := &fakeSource{
		chains: []*models.OptionChain{chainOf("26-Jun-2025", 10, 5)},
		dates:  &models.ExpiryDates{ExpiryDates: []string{"26-Jun-2025", "03-Jul-2025"}, DefaultExpiry: "26-Jun-2025"},
	}
	e := newEngine(src, nil, "")
	e.now = func() time.Time { return t0 }

	e.Cycle(context.Background())

	require.Equal(t, "26-Jun-2025", e.Expiry())
	require.Equal(t, []string{"26-Jun-2025"}, src.asked)
	require.Len(t, e.Snapshot().Rows, 1)
	require.Equal(t, []string{"26-Jun-2025", "03-Jul-2025"}, e.ExpiryDates())
}

func TestEngineCycleFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("upstream down")}
	e := newEngine(src, nil, "26-Jun-2025")
	e.Cycle(context.Background())
	require.Equal(t, FailedToLoad, e.Snapshot().Error)

	e2 := newEngine(&fakeSource{}, nil, "")
	e2.Cycle(context.Background())
	require.Equal(t, FailedToLoad, e2.Snapshot().Error)
	require.Empty(t, e2.Expiry())
}
