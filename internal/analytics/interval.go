package analytics

import (
	"sort"
	"time"
)

// DefaultWindows are the lookback windows, in minutes, shown per strike.
var DefaultWindows = []int{1, 3, 6, 12, 18, 24, 30}

// SideVolume is a call/put volume pair. Missing sides are zero.
type SideVolume struct {
	Call int64 `json:"call"`
	Put  int64 `json:"put"`
}

// IntervalVolume is the volume traded within one lookback window.
type IntervalVolume struct {
	Minutes int    `json:"minutes"`
	Call    int64  `json:"call"`
	Put     int64  `json:"put"`
	Signal  Signal `json:"signal"`
}

// Regression records a cumulative volume that went backwards relative to its
// anchor. The delta for that side is reported as zero.
type Regression struct {
	Minutes int
	Side    string
	Anchor  int64
	Current int64
}

// IntervalVolumes computes, for every window, the volume traded since the
// anchor sample: the latest sample at or before now-window, or the earliest
// sample when the history does not reach that far back.
func IntervalVolumes(samples []Sample, now time.Time, current SideVolume, windows []int) ([]IntervalVolume, []Regression) {
	out := make([]IntervalVolume, 0, len(windows))
	var regressions []Regression

	for _, w := range windows {
		anchor, ok := anchorAt(samples, now.Add(-time.Duration(w)*time.Minute))
		if !ok {
			anchor = Sample{Call: current.Call, Put: current.Put}
		}

		call, callOK := clampDelta(current.Call, anchor.Call)
		if !callOK {
			regressions = append(regressions, Regression{Minutes: w, Side: "call", Anchor: anchor.Call, Current: current.Call})
		}
		put, putOK := clampDelta(current.Put, anchor.Put)
		if !putOK {
			regressions = append(regressions, Regression{Minutes: w, Side: "put", Anchor: anchor.Put, Current: current.Put})
		}

		out = append(out, IntervalVolume{
			Minutes: w,
			Call:    call,
			Put:     put,
			Signal:  Classify(call, put),
		})
	}
	return out, regressions
}

func anchorAt(samples []Sample, target time.Time) (Sample, bool) {
	if len(samples) == 0 {
		return Sample{}, false
	}
	// first sample strictly after target
	idx := sort.Search(len(samples), func(i int) bool {
		return samples[i].Timestamp.After(target)
	})
	if idx == 0 {
		return samples[0], true
	}
	return samples[idx-1], true
}

func clampDelta(current, anchor int64) (int64, bool) {
	if d := current - anchor; d >= 0 {
		return d, true
	}
	return 0, false
}
