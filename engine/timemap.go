package engine

import (
	"math"
	"time"

	"github.com/hako/durafmt"
)

// Default chain timing of the messaging ledger.
const (
	DefaultGenesisUnixMilli    int64 = 1749488148000
	DefaultBlockIntervalMillis int64 = 6000
)

// maxInstant is the latest wall-clock instant the mapper produces.
var maxInstant = time.UnixMilli(math.MaxInt64).UTC()

// TimeMapper converts ledger block heights to wall-clock instants.
type TimeMapper struct {
	Origin   time.Time
	Interval time.Duration
}

// NewTimeMapper returns a mapper for a chain whose block zero was sealed at
// origin and that seals one block per interval.
func NewTimeMapper(origin time.Time, interval time.Duration) TimeMapper {
	return TimeMapper{Origin: origin, Interval: interval}
}

// DefaultTimeMapper uses the messaging ledger's published genesis and block time.
func DefaultTimeMapper() TimeMapper {
	return NewTimeMapper(
		time.UnixMilli(DefaultGenesisUnixMilli),
		time.Duration(DefaultBlockIntervalMillis)*time.Millisecond,
	)
}

// ToWallClock returns origin + height*interval at millisecond precision.
// Heights past the representable range saturate; a non-positive interval
// maps every height to origin.
func (m TimeMapper) ToWallClock(height uint64) time.Time {
	origin := m.Origin.UnixMilli()
	interval := m.Interval.Milliseconds()
	if interval <= 0 {
		return time.UnixMilli(origin).UTC()
	}

	headroom := int64(math.MaxInt64)
	if origin > 0 {
		headroom -= origin
	}
	if height > uint64(headroom/interval) {
		return maxInstant
	}
	return time.UnixMilli(origin + int64(height)*interval).UTC()
}

// HeightAt returns the last block height sealed at or before t.
func (m TimeMapper) HeightAt(t time.Time) uint64 {
	interval := m.Interval.Milliseconds()
	elapsed := t.UnixMilli() - m.Origin.UnixMilli()
	if interval <= 0 || elapsed <= 0 {
		return 0
	}
	return uint64(elapsed / interval)
}

// Format renders the instant of height and how long before now it was.
func (m TimeMapper) Format(height uint64, now time.Time) string {
	at := m.ToWallClock(height)
	return at.Local().Format("2006-01-02 15:04:05") + " (" + relative(at, now) + ")"
}

func relative(at, now time.Time) string {
	d := now.Sub(at)
	switch {
	case d < 0:
		return "in " + durafmt.Parse(-d.Round(time.Second)).LimitFirstN(1).String()
	case d < time.Second:
		return "just now"
	default:
		return durafmt.Parse(d.Round(time.Second)).LimitFirstN(1).String() + " ago"
	}
}
