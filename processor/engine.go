package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optionflow/internal/analytics"
	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
)

// FailedToLoad is shown in place of fresh data when a fetch fails. The last
// good rows stay on screen underneath it.
const FailedToLoad = "Failed to load data"

// Source supplies option chains for the engine.
type Source interface {
	FetchOptionChain(ctx context.Context, expiry string) (*models.OptionChain, error)
	FetchExpiryDates(ctx context.Context) (*models.ExpiryDates, error)
}

// Publisher receives every snapshot the engine produces.
type Publisher interface {
	Publish(snap analytics.Snapshot) int
}

type EngineConfig struct {
	Expiry    string
	Windows   []int
	Retention time.Duration
	Offsets   analytics.Offsets
	// Timeout bounds one upstream fetch.
	Timeout time.Duration
}

// Engine owns the volume history and the current snapshot for the selected
// expiry. Each expiry change bumps the epoch; results fetched under an older
// epoch are discarded.
type Engine struct {
	source    Source
	publisher Publisher
	builder   *analytics.Builder
	timeout   time.Duration
	log       *logger.Log
	now       func() time.Time

	mu             sync.RWMutex
	expiry         string
	expiryDates    []string
	epoch          uint64
	current        analytics.Snapshot
	onExpiryChange func(expiry string)
}

func NewEngine(cfg EngineConfig, source Source, publisher Publisher) *Engine {
	builder := analytics.NewBuilder(analytics.NewStore(cfg.Retention), cfg.Windows, cfg.Offsets)
	e := &Engine{
		source:    source,
		publisher: publisher,
		builder:   builder,
		timeout:   cfg.Timeout,
		log:       logger.GetLogger(),
		now:       time.Now,
		expiry:    cfg.Expiry,
		epoch:     1,
	}
	e.current = analytics.Snapshot{Expiry: cfg.Expiry, Epoch: e.epoch, Windows: builder.Windows()}

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"expiry":    cfg.Expiry,
		"windows":   builder.Windows(),
		"retention": builder.Store().Retention().String(),
	}).Info("engine initialized")
	return e
}

// OnExpiryChange registers a hook run after every expiry switch, typically
// to restart the scheduler period.
func (e *Engine) OnExpiryChange(fn func(expiry string)) {
	e.mu.Lock()
	e.onExpiryChange = fn
	e.mu.Unlock()
}

// Snapshot returns the current table. Rows are replaced wholesale, never
// mutated, so the returned value may be shared.
func (e *Engine) Snapshot() analytics.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

func (e *Engine) Expiry() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.expiry
}

func (e *Engine) Epoch() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.epoch
}

func (e *Engine) ExpiryDates() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.expiryDates...)
}

// SelectExpiry switches the tracked expiry. History and rows are cleared
// before it returns, so nothing computed for the old expiry can leak into
// the new one. Selecting the current expiry is a no-op.
func (e *Engine) SelectExpiry(expiry string) uint64 {
	e.mu.Lock()
	if expiry == e.expiry {
		epoch := e.epoch
		e.mu.Unlock()
		return epoch
	}
	previous := e.expiry
	e.builder.Store().Clear()
	e.epoch++
	e.expiry = expiry
	e.current = analytics.Snapshot{
		Expiry:      expiry,
		ExpiryDates: append([]string(nil), e.expiryDates...),
		Epoch:       e.epoch,
		Windows:     e.builder.Windows(),
	}
	snap := e.current
	hook := e.onExpiryChange
	epoch := e.epoch
	e.mu.Unlock()

	metrics.SetTrackedStrikes(0)
	e.log.WithComponent("engine").WithFields(logger.Fields{
		"from":  previous,
		"to":    expiry,
		"epoch": epoch,
	}).Info("expiry switched, history cleared")

	if hook != nil {
		hook(expiry)
	}
	e.publish(snap)
	return epoch
}

// Apply records a fetched chain and rebuilds the table. It returns false
// when the chain belongs to an older epoch and was discarded.
func (e *Engine) Apply(epoch uint64, chain *models.OptionChain, now time.Time) bool {
	e.mu.Lock()
	if epoch != e.epoch {
		current := e.epoch
		e.mu.Unlock()
		e.discard(epoch, current)
		return false
	}

	quotes := make([]analytics.Quote, 0, len(chain.Strikes))
	for _, sv := range chain.Strikes {
		quotes = append(quotes, analytics.Quote{
			Strike: sv.Strike,
			Volume: analytics.SideVolume{Call: sv.Call, Put: sv.Put},
		})
	}
	snap, anomalies := e.builder.Build(now, quotes, chain.Spot)

	if len(chain.ExpiryDates) > 0 {
		e.expiryDates = append([]string(nil), chain.ExpiryDates...)
	}
	snap.Expiry = e.expiry
	snap.ExpiryDates = append([]string(nil), e.expiryDates...)
	snap.Epoch = e.epoch
	e.current = snap
	tracked := e.builder.Store().Len()
	expiry := e.expiry
	e.mu.Unlock()

	e.reportAnomalies(expiry, anomalies)
	metrics.IncrementFetchSuccess(expiry)
	metrics.SetTrackedStrikes(tracked)

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"expiry":  expiry,
		"strikes": len(snap.Rows),
		"atm":     snap.ATM,
		"epoch":   epoch,
	}).Debug("snapshot rebuilt")

	e.publish(snap)
	return true
}

// Fail marks the current table as failed without touching rows or history.
func (e *Engine) Fail(epoch uint64, err error) bool {
	e.mu.Lock()
	if epoch != e.epoch {
		current := e.epoch
		e.mu.Unlock()
		e.discard(epoch, current)
		return false
	}
	e.current.Error = FailedToLoad
	snap := e.current
	expiry := e.expiry
	e.mu.Unlock()

	metrics.IncrementFetchError(expiry)
	e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
		"expiry": expiry,
		"epoch":  epoch,
	}).Warn("option chain fetch failed, keeping last rows")

	e.publish(snap)
	return true
}

// Cycle runs one fetch: it resolves the default expiry when none is
// selected, fetches the chain, then applies or fails under the epoch that
// was current when the fetch started.
func (e *Engine) Cycle(ctx context.Context) {
	e.mu.RLock()
	expiry, epoch := e.expiry, e.epoch
	e.mu.RUnlock()

	fetchCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if expiry == "" {
		resolved, err := e.resolveDefaultExpiry(fetchCtx, epoch)
		if err != nil {
			if ctx.Err() == nil {
				e.Fail(epoch, err)
			}
			return
		}
		expiry = resolved
	}

	chain, err := e.source.FetchOptionChain(fetchCtx, expiry)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.Fail(epoch, fmt.Errorf("fetch %s: %w", expiry, err))
		return
	}
	e.Apply(epoch, chain, e.now())
}

func (e *Engine) resolveDefaultExpiry(ctx context.Context, epoch uint64) (string, error) {
	dates, err := e.source.FetchExpiryDates(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve default expiry: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.expiryDates = append([]string(nil), dates.ExpiryDates...)
	if epoch != e.epoch || e.expiry != "" {
		return e.expiry, nil
	}
	e.expiry = dates.DefaultExpiry
	e.current.Expiry = e.expiry
	e.current.ExpiryDates = append([]string(nil), dates.ExpiryDates...)

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"expiry": e.expiry,
		"listed": len(dates.ExpiryDates),
	}).Info("default expiry selected")
	return e.expiry, nil
}

func (e *Engine) discard(epoch, current uint64) {
	metrics.IncrementStaleResponse()
	e.log.WithComponent("engine").WithFields(logger.Fields{
		"epoch":         epoch,
		"current_epoch": current,
	}).Debug("discarding response for previous expiry")
}

func (e *Engine) reportAnomalies(expiry string, anomalies []analytics.Anomaly) {
	for _, a := range anomalies {
		entry := e.log.WithComponent("engine").WithFields(logger.Fields{
			"expiry": expiry,
			"strike": a.Strike,
			"kind":   a.Kind,
		})
		if a.Kind == analytics.AnomalyRegression {
			metrics.IncrementVolumeRegression()
			entry.WithFields(logger.Fields{
				"window_minutes": a.Detail.Minutes,
				"side":           a.Detail.Side,
				"anchor":         a.Detail.Anchor,
				"current":        a.Detail.Current,
			}).Warn("cumulative volume went backwards, interval clamped to zero")
			continue
		}
		entry.Warn("out of order sample rejected")
	}
}

func (e *Engine) publish(snap analytics.Snapshot) {
	if e.publisher != nil {
		e.publisher.Publish(snap)
	}
}
