package analytics

// Ratio is the key-strike call/put ratio set for one window.
type Ratio struct {
	Minutes int     `json:"minutes"`
	CPRL    float64 `json:"cprl"`
	CPRH    float64 `json:"cprh"`
	PCRL    float64 `json:"pcrl"`
	PCRH    float64 `json:"pcrh"`
	Signal  Signal  `json:"signal"`
}

// ComputeRatios builds one Ratio per window from the interval volumes of the
// four range strikes. intervals is keyed by strike and each slice follows the
// order of windows; strikes missing from intervals count as zero volume.
func ComputeRatios(r Ranges, intervals map[float64][]IntervalVolume, windows []int) []Ratio {
	out := make([]Ratio, 0, len(windows))
	for i, w := range windows {
		cLow := volumeAt(intervals[float64(r.CLow)], i)
		cHigh := volumeAt(intervals[float64(r.CHigh)], i)
		pLow := volumeAt(intervals[float64(r.PLow)], i)
		pHigh := volumeAt(intervals[float64(r.PHigh)], i)

		ratio := Ratio{
			Minutes: w,
			CPRL:    divide(cLow.Call, pLow.Put),
			CPRH:    divide(cHigh.Call, pHigh.Put),
			PCRL:    divide(pLow.Put, cLow.Call),
			PCRH:    divide(pHigh.Put, cHigh.Call),
		}
		ratio.Signal = ClassifyRatio(ratio)
		out = append(out, ratio)
	}
	return out
}

// ClassifyRatio applies the key-strike rule. The Call test runs first, so a
// set satisfying both the Call and Put conditions reads as Call.
func ClassifyRatio(r Ratio) Signal {
	switch {
	case r.CPRL == 0 && r.CPRH == 0 && r.PCRL == 0 && r.PCRH == 0:
		return SignalNone
	case (r.CPRL > 1 && r.CPRH > 1) || r.CPRH > r.PCRL:
		return SignalCall
	case (r.PCRL > 1 && r.PCRH > 1) || r.PCRL > r.CPRH:
		return SignalPut
	default:
		return SignalEqual
	}
}

func volumeAt(vols []IntervalVolume, i int) IntervalVolume {
	if i < len(vols) {
		return vols[i]
	}
	return IntervalVolume{}
}

func divide(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}
