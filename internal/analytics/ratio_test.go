package analytics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyRatio(t *testing.T) {
	cases := []struct {
		name string
		r    Ratio
		want Signal
	}{
		{"all zero", Ratio{}, SignalNone},
		{"both call ratios above one", Ratio{CPRL: 1.5, CPRH: 1.2, PCRL: 0.6, PCRH: 0.8}, SignalCall},
		{"cross ratio favours call", Ratio{CPRL: 0.5, CPRH: 0.9, PCRL: 0.8, PCRH: 1.1}, SignalCall},
		{"both put ratios above one", Ratio{CPRL: 0.5, CPRH: 0.5, PCRL: 2, PCRH: 2}, SignalPut},
		{"cross ratio favours put", Ratio{CPRL: 0.2, CPRH: 0.4, PCRL: 0.5, PCRH: 0.9}, SignalPut},
		{"balanced", Ratio{CPRL: 1, CPRH: 1, PCRL: 1, PCRH: 1}, SignalEqual},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ClassifyRatio(tc.r))
		})
	}
}

func TestComputeRatios(t *testing.T) {
	r := ComputeRanges(24650, DefaultOffsets)
	intervals := map[float64][]IntervalVolume{
		24400: {{Minutes: 1, Call: 300, Put: 10}},
		24500: {{Minutes: 1, Call: 200, Put: 10}},
		24800: {{Minutes: 1, Call: 10, Put: 100}},
		24900: {{Minutes: 1, Call: 10, Put: 100}},
	}
	got := ComputeRatios(r, intervals, []int{1})
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].Minutes)
	require.InDelta(t, 3.0, got[0].CPRL, 1e-9)
	require.InDelta(t, 2.0, got[0].CPRH, 1e-9)
	require.InDelta(t, 1.0/3.0, got[0].PCRL, 1e-9)
	require.InDelta(t, 0.5, got[0].PCRH, 1e-9)
	require.Equal(t, SignalCall, got[0].Signal)
}

func TestComputeRatiosZeroDenominators(t *testing.T) {
	r := ComputeRanges(24650, DefaultOffsets)
	got := ComputeRatios(r, map[float64][]IntervalVolume{
		24400: {{Minutes: 3, Call: 50}},
	}, []int{3})
	require.Equal(t, Ratio{Minutes: 3, Signal: SignalNone}, got[0])
}
