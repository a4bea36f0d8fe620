package scheduler

import (
	"fmt"
	"sync"
	"time"
)

const (
	ReasonSession = "outside_session"
	ReasonIdle    = "no_viewers"
)

// Clock is a time of day in minutes after midnight.
type Clock int

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// SessionWindow allows ticks between Start and End inclusive, at minute
// resolution, in the exchange's time zone.
type SessionWindow struct {
	Location     *time.Location
	Start        Clock
	End          Clock
	WeekdaysOnly bool
}

// NewSessionWindow builds a window from config strings. An empty timezone
// falls back to Asia/Kolkata.
func NewSessionWindow(tz, start, end string, weekdaysOnly bool) (*SessionWindow, error) {
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	s, err := ParseClock(start)
	if err != nil {
		return nil, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return nil, err
	}
	if e < s {
		return nil, fmt.Errorf("session end %s before start %s", end, start)
	}
	return &SessionWindow{Location: loc, Start: s, End: e, WeekdaysOnly: weekdaysOnly}, nil
}

func (w *SessionWindow) Allow(now time.Time) bool {
	local := now.In(w.Location)
	if w.WeekdaysOnly {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	c := Clock(local.Hour()*60 + local.Minute())
	return c >= w.Start && c <= w.End
}

func (w *SessionWindow) Reason() string { return ReasonSession }

// Activity suppresses ticks when no dashboard viewer has been seen within
// the grace period. Open websocket connections keep it active.
type Activity struct {
	mu       sync.Mutex
	grace    time.Duration
	lastSeen time.Time
	viewers  int
}

// NewActivity starts as active at now. A non-positive grace disables the gate.
func NewActivity(grace time.Duration, now time.Time) *Activity {
	return &Activity{grace: grace, lastSeen: now}
}

// Touch records a dashboard or API hit.
func (a *Activity) Touch(now time.Time) {
	a.mu.Lock()
	if now.After(a.lastSeen) {
		a.lastSeen = now
	}
	a.mu.Unlock()
}

func (a *Activity) Connect(now time.Time) {
	a.mu.Lock()
	a.viewers++
	if now.After(a.lastSeen) {
		a.lastSeen = now
	}
	a.mu.Unlock()
}

func (a *Activity) Disconnect(now time.Time) {
	a.mu.Lock()
	if a.viewers > 0 {
		a.viewers--
	}
	if now.After(a.lastSeen) {
		a.lastSeen = now
	}
	a.mu.Unlock()
}

func (a *Activity) Viewers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewers
}

func (a *Activity) Allow(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grace <= 0 || a.viewers > 0 {
		return true
	}
	return now.Sub(a.lastSeen) <= a.grace
}

func (a *Activity) Reason() string { return ReasonIdle }
