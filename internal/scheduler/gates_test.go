package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	c, err := ParseClock("09:15")
	require.NoError(t, err)
	require.Equal(t, Clock(555), c)
	require.Equal(t, "09:15", c.String())

	_, err = ParseClock("25:00")
	require.Error(t, err)
	_, err = ParseClock("noon")
	require.Error(t, err)
}

func TestSessionWindow(t *testing.T) {
	w, err := NewSessionWindow("Asia/Kolkata", "09:15", "15:29", true)
	require.NoError(t, err)
	ist := w.Location

	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2025, 6, 23, 9, 14, 59, 0, ist), false},
		{time.Date(2025, 6, 23, 9, 15, 0, 0, ist), true},
		{time.Date(2025, 6, 23, 12, 0, 0, 0, ist), true},
		{time.Date(2025, 6, 23, 15, 29, 59, 0, ist), true},
		{time.Date(2025, 6, 23, 15, 30, 0, 0, ist), false},
		{time.Date(2025, 6, 21, 11, 0, 0, 0, ist), false}, // Saturday
		// 04:00 UTC is 09:30 IST
		{time.Date(2025, 6, 23, 4, 0, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, w.Allow(tc.at), "at %s", tc.at)
	}
}

func TestSessionWindowRejectsInvertedBounds(t *testing.T) {
	_, err := NewSessionWindow("", "15:00", "09:00", false)
	require.Error(t, err)
}

func TestActivity(t *testing.T) {
	start := time.Date(2025, 6, 23, 10, 0, 0, 0, time.UTC)
	a := NewActivity(time.Minute, start)

	require.True(t, a.Allow(start.Add(30*time.Second)))
	require.False(t, a.Allow(start.Add(2*time.Minute)))

	a.Connect(start.Add(2 * time.Minute))
	require.True(t, a.Allow(start.Add(time.Hour)))
	require.Equal(t, 1, a.Viewers())

	a.Disconnect(start.Add(time.Hour))
	require.True(t, a.Allow(start.Add(time.Hour+30*time.Second)))
	require.False(t, a.Allow(start.Add(time.Hour+2*time.Minute)))

	a.Touch(start.Add(3 * time.Hour))
	require.True(t, a.Allow(start.Add(3*time.Hour+time.Second)))
}

func TestActivityDisabled(t *testing.T) {
	a := NewActivity(0, time.Time{})
	require.True(t, a.Allow(time.Now()))
}
