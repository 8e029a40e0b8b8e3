// Package rtp provides the wire-level building blocks of the RAOP audio
// plane: the monotonic/NTP clock, sequence-number <-> timestamp <-> wall
// clock arithmetic, and the packet codecs for audio, sync, timing and
// resend-request packets.
package rtp

import "time"

// Wire-significant constants, fixed by the AirTunes v2 protocol.
const (
	FramesPerPacket = 352
	SamplingRate    = 44100

	// SyncPeriod is the number of audio packets between sync packets.
	SyncPeriod = 126

	// StreamLatency is the burst-pacing tick period.
	StreamLatency = 50 * time.Millisecond

	DefaultRTSPTimeout = 5 * time.Second

	RAOPFrameLatency = 2 * SamplingRate
	RAOPLatencyMin   = 11025

	// DefaultTimingPortBase and DefaultControlPortBase are the starting
	// points for the linear free-port scan performed by the UDP plane.
	DefaultTimingPortBase  = 6002
	DefaultControlPortBase = 6001
)

// SequenceLatency is the count of audio packets equivalent to the
// protocol's ~2.25s buffering target, used to rewind next_seq on pause.
func SequenceLatency() uint32 {
	return (RAOPFrameLatency + RAOPLatencyMin) / FramesPerPacket
}
