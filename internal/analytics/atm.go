package analytics

import "github.com/shopspring/decimal"

// Offsets are the distances from ATM to the outer (Large) and inner (Small)
// key strikes.
type Offsets struct {
	Large int64 `json:"large"`
	Small int64 `json:"small"`
}

var DefaultOffsets = Offsets{Large: 250, Small: 150}

// Ranges are the four key strikes around ATM. Call ratios read CLow/CHigh,
// put ratios read PLow/PHigh.
type Ranges struct {
	CLow  int64 `json:"c_low"`
	CHigh int64 `json:"c_high"`
	PLow  int64 `json:"p_low"`
	PHigh int64 `json:"p_high"`
}

// ComputeATM rounds a spot price onto the 50 point strike grid using the last
// two digits of its integer part: up to 30 rounds down to the hundred, 31-69
// lands on the fifty, 70 and above rounds up. Non-positive spots yield 0.
func ComputeATM(spot decimal.Decimal) int64 {
	n := spot.IntPart()
	if n <= 0 {
		return 0
	}
	base := n - n%100
	switch d := n % 100; {
	case d == 0, d <= 30:
		return base
	case d < 70:
		return base + 50
	default:
		return base + 100
	}
}

// ComputeRanges derives the key strikes from atm. An atm whose last two digits
// fall in (30,40) pulls CHigh and PHigh down by 50, one in (60,70) pushes CLow
// and PLow up by 50, keeping all four on listed strikes.
func ComputeRanges(atm int64, off Offsets) Ranges {
	r := Ranges{
		CLow:  atm - off.Large,
		CHigh: atm - off.Small,
		PLow:  atm + off.Small,
		PHigh: atm + off.Large,
	}
	switch m := atm % 100; {
	case m > 30 && m < 40:
		r.CHigh -= 50
		r.PHigh -= 50
	case m > 60 && m < 70:
		r.CLow += 50
		r.PLow += 50
	}
	return r
}

// Role returns the key-strike role of strike, or "" when it is not one of the
// four range strikes.
func (r Ranges) Role(strike float64) string {
	switch strike {
	case float64(r.CLow):
		return RoleCLow
	case float64(r.CHigh):
		return RoleCHigh
	case float64(r.PLow):
		return RolePLow
	case float64(r.PHigh):
		return RolePHigh
	}
	return ""
}

const (
	RoleATM   = "atm"
	RoleCLow  = "c_low"
	RoleCHigh = "c_high"
	RolePLow  = "p_low"
	RolePHigh = "p_high"
)
