package analytics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one strike's cumulative volumes as read in a fetch cycle.
type Quote struct {
	Strike float64
	Volume SideVolume
}

// Row is the presentation unit for one strike. Signal classifies the session
// totals; each interval carries its own windowed signal.
type Row struct {
	Strike     float64          `json:"strike"`
	CallVolume int64            `json:"call_volume"`
	PutVolume  int64            `json:"put_volume"`
	Signal     Signal           `json:"signal"`
	Intervals  []IntervalVolume `json:"intervals"`
	Key        bool             `json:"key"`
	Role       string           `json:"role,omitempty"`
}

// Snapshot is the full table produced by one fetch cycle.
type Snapshot struct {
	Expiry      string              `json:"expiry"`
	ExpiryDates []string            `json:"expiry_dates"`
	FetchedAt   time.Time           `json:"fetched_at"`
	Spot        decimal.NullDecimal `json:"spot"`
	ATM         int64               `json:"atm"`
	Ranges      *Ranges             `json:"ranges,omitempty"`
	Windows     []int               `json:"windows"`
	Ratios      []Ratio             `json:"ratios,omitempty"`
	Rows        []Row               `json:"rows"`
	Error       string              `json:"error,omitempty"`
	Epoch       uint64              `json:"epoch"`
}

// Anomaly is a data problem seen while building a snapshot. It is reported
// to the caller for logging and never shown in the table.
type Anomaly struct {
	Strike float64
	Kind   string
	Detail Regression
}

const (
	AnomalyRegression = "volume_regression"
	AnomalyOutOfOrder = "out_of_order"
)

// Builder records quotes into a Store and turns them into snapshots.
type Builder struct {
	store   *Store
	windows []int
	offsets Offsets
}

func NewBuilder(store *Store, windows []int, offsets Offsets) *Builder {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	if offsets.Large == 0 && offsets.Small == 0 {
		offsets = DefaultOffsets
	}
	return &Builder{
		store:   store,
		windows: append([]int(nil), windows...),
		offsets: offsets,
	}
}

func (b *Builder) Store() *Store { return b.store }

func (b *Builder) Windows() []int { return append([]int(nil), b.windows...) }

// Build records every quote at now, then derives the rows. A spot that is
// absent or not positive leaves ATM, ranges and ratios unset.
func (b *Builder) Build(now time.Time, quotes []Quote, spot decimal.NullDecimal) (Snapshot, []Anomaly) {
	var anomalies []Anomaly

	rows := make([]Row, 0, len(quotes))
	intervals := make(map[float64][]IntervalVolume, len(quotes))
	for _, q := range quotes {
		if !b.store.Record(q.Strike, now, q.Volume.Call, q.Volume.Put) {
			anomalies = append(anomalies, Anomaly{Strike: q.Strike, Kind: AnomalyOutOfOrder})
		}
		iv, regressions := IntervalVolumes(b.store.Get(q.Strike), now, q.Volume, b.windows)
		for _, r := range regressions {
			anomalies = append(anomalies, Anomaly{Strike: q.Strike, Kind: AnomalyRegression, Detail: r})
		}
		intervals[q.Strike] = iv
		rows = append(rows, Row{
			Strike:     q.Strike,
			CallVolume: q.Volume.Call,
			PutVolume:  q.Volume.Put,
			Signal:     Classify(q.Volume.Call, q.Volume.Put),
			Intervals:  iv,
		})
	}

	snap := Snapshot{
		FetchedAt: now,
		Spot:      spot,
		Windows:   b.Windows(),
		Rows:      rows,
	}

	if !spot.Valid || !spot.Decimal.IsPositive() {
		return snap, anomalies
	}
	atm := ComputeATM(spot.Decimal)
	if atm <= 0 {
		return snap, anomalies
	}
	ranges := ComputeRanges(atm, b.offsets)
	ratios := ComputeRatios(ranges, intervals, b.windows)
	snap.ATM = atm
	snap.Ranges = &ranges
	snap.Ratios = ratios

	for i := range rows {
		row := &rows[i]
		if row.Strike == float64(atm) {
			row.Key = true
			row.Role = RoleATM
			for j := range row.Intervals {
				row.Intervals[j].Signal = SignalNone
			}
			continue
		}
		role := ranges.Role(row.Strike)
		if role == "" {
			continue
		}
		row.Key = true
		row.Role = role
		for j := range row.Intervals {
			if j < len(ratios) {
				row.Intervals[j].Signal = ratios[j].Signal
			}
		}
	}
	return snap, anomalies
}
