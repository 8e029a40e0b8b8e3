package rtp

import (
	"sync"
	"time"
)

// NTPTime is a 64-bit NTP-era timestamp split into whole seconds and a
// 32-bit fixed-point fraction of a second.
type NTPTime struct {
	Sec  uint32
	Frac uint32
}

// ntpEpochOffsetMS is the 1900->1970 offset in milliseconds.
const ntpEpochOffsetMS = 2208988800000

var (
	clockOnce sync.Once
	t0ms      int64

	// nowMS is overridable in tests.
	nowMS = func() int64 { return time.Now().UnixMilli() }
)

// NowMS returns the current wall clock in milliseconds. It is the unit
// burst_time_ref and the pacing tick are measured in.
func NowMS() int64 {
	return nowMS()
}

// Now returns the current time as an NTP timestamp. The reference point
// T0 = now_ms - 2208988800000 is captured once per process on first use;
// every subsequent call derives (sec, frac) from now_ms - T0. now_ms is
// read from the wall clock on each call, so a wall-clock jump shows up in
// the returned timestamps.
func Now() NTPTime {
	clockOnce.Do(func() {
		t0ms = nowMS() - ntpEpochOffsetMS
	})
	delta := nowMS() - t0ms
	sec := delta / 1000
	frac := delta % 1000
	return NTPTime{
		Sec:  uint32(sec),
		Frac: uint32(float64(frac) * 4294967.296),
	}
}
