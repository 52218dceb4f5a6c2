package models

import (
	"fmt"
	"time"
)

// Timeframe is a candlestick granularity.
type Timeframe int

const (
	OneMinute Timeframe = iota
	ThreeMinutes
	FiveMinutes
	FifteenMinutes
	ThirtyMinutes
	OneHour
	TwoHours
	ThreeHours
	FourHours
	SixHours
	EightHours
	TwelveHours
	OneDay
)

var timeframeCodes = [...]string{
	OneMinute:      "1m",
	ThreeMinutes:   "3m",
	FiveMinutes:    "5m",
	FifteenMinutes: "15m",
	ThirtyMinutes:  "30m",
	OneHour:        "1h",
	TwoHours:       "2h",
	ThreeHours:     "3h",
	FourHours:      "4h",
	SixHours:       "6h",
	EightHours:     "8h",
	TwelveHours:    "12h",
	OneDay:         "1d",
}

var timeframeDurations = [...]time.Duration{
	OneMinute:      time.Minute,
	ThreeMinutes:   3 * time.Minute,
	FiveMinutes:    5 * time.Minute,
	FifteenMinutes: 15 * time.Minute,
	ThirtyMinutes:  30 * time.Minute,
	OneHour:        time.Hour,
	TwoHours:       2 * time.Hour,
	ThreeHours:     3 * time.Hour,
	FourHours:      4 * time.Hour,
	SixHours:       6 * time.Hour,
	EightHours:     8 * time.Hour,
	TwelveHours:    12 * time.Hour,
	OneDay:         24 * time.Hour,
}

// AllTimeframes lists every supported granularity, shortest first.
func AllTimeframes() []Timeframe {
	out := make([]Timeframe, len(timeframeCodes))
	for i := range timeframeCodes {
		out[i] = Timeframe(i)
	}
	return out
}

func (t Timeframe) valid() bool {
	return t >= OneMinute && t <= OneDay
}

// String returns the exchange/storage code, e.g. "3m".
func (t Timeframe) String() string {
	if !t.valid() {
		return fmt.Sprintf("Timeframe(%d)", int(t))
	}
	return timeframeCodes[t]
}

// Duration is the length of one bar.
func (t Timeframe) Duration() time.Duration {
	if !t.valid() {
		return 0
	}
	return timeframeDurations[t]
}

// ParseTimeframe is the inverse of String.
func ParseTimeframe(code string) (Timeframe, error) {
	for i, c := range timeframeCodes {
		if c == code {
			return Timeframe(i), nil
		}
	}
	return 0, fmt.Errorf("unknown timeframe %q", code)
}

// ParseTimeframes parses a list of codes, failing on the first unknown one.
func ParseTimeframes(codes []string) ([]Timeframe, error) {
	out := make([]Timeframe, 0, len(codes))
	for _, c := range codes {
		tf, err := ParseTimeframe(c)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

func (t Timeframe) MarshalText() ([]byte, error) {
	if !t.valid() {
		return nil, fmt.Errorf("invalid timeframe %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Timeframe) UnmarshalText(text []byte) error {
	tf, err := ParseTimeframe(string(text))
	if err != nil {
		return err
	}
	*t = tf
	return nil
}
