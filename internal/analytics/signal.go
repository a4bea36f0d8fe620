package analytics

// Signal is the directional read derived from a call/put volume pair.
type Signal string

const (
	SignalNone  Signal = "-"
	SignalCall  Signal = "Call"
	SignalPut   Signal = "Put"
	SignalEqual Signal = "Equal"
)

// Classify maps a call/put volume pair to a Signal. Division is only reached
// when both volumes are positive.
func Classify(call, put int64) Signal {
	switch {
	case call == 0 && put == 0:
		return SignalNone
	case call == put:
		return SignalEqual
	case put == 0 && call > 0:
		return SignalCall
	case call == 0 && put > 0:
		return SignalPut
	}
	if float64(call)/float64(put) > 1 {
		return SignalCall
	}
	return SignalPut
}
