package rtp

import (
	"encoding/binary"
	"fmt"
)

// Sync packets and timing packets reuse the first four bytes of a
// standard RTP header (version/padding/extension/CSRC-count, marker/
// payload-type, 16-bit sequence), but sync packets overload the
// extension bit (0x10 of the first byte) as an app-specific "first
// packet" flag, and neither packet kind carries a timestamp/SSRC header
// — the bytes after the sequence field are the sync/timing payload
// itself. That's incompatible with pion/rtp's Header.Marshal (which
// always writes timestamp and SSRC words, plus a header-extension block
// when the extension bit is set), so these two packet kinds are encoded
// by hand with encoding/binary.

const (
	syncFlagsBFirst    = 0x90
	syncFlagsBSubseq   = 0x80
	syncPayloadType    = 0xD4
	syncSequenceField  = 0x0007
	syncPacketSize     = 20
	syncPayloadTypeLoc = 1
)

// SyncPacket is the RTP control packet carrying the current playback RTP
// timestamp and NTP clock, sent on every SyncPeriod-th audio packet.
type SyncPacket struct {
	IsFirst         bool
	NowMinusLatency uint32
	NTP             NTPTime
	Now             uint32
}

// NewSyncPacket builds the sync packet for sequence number seq.
func NewSyncPacket(seq int64, isFirst bool, ntp NTPTime) SyncPacket {
	return SyncPacket{
		IsFirst:         isFirst,
		NowMinusLatency: TimestampForSeqNoLatency(seq),
		NTP:             ntp,
		Now:             TimestampForSeq(seq),
	}
}

// Marshal encodes the packet to its 20-byte wire form.
func (p SyncPacket) Marshal() []byte {
	flagsA := byte(syncFlagsBFirst)
	if !p.IsFirst {
		flagsA = syncFlagsBSubseq
	}
	buf := make([]byte, syncPacketSize)
	buf[0] = flagsA
	buf[1] = syncPayloadType
	binary.BigEndian.PutUint16(buf[2:4], syncSequenceField)
	binary.BigEndian.PutUint32(buf[4:8], p.NowMinusLatency)
	binary.BigEndian.PutUint32(buf[8:12], p.NTP.Sec)
	binary.BigEndian.PutUint32(buf[12:16], p.NTP.Frac)
	binary.BigEndian.PutUint32(buf[16:20], p.Now)
	return buf
}

// ParseSyncPacket parses a received sync packet, validating the payload
// type byte. Mostly useful for tests and for receivers-side tooling; the
// sender side only ever constructs sync packets.
func ParseSyncPacket(data []byte) (SyncPacket, error) {
	if len(data) < syncPacketSize {
		return SyncPacket{}, fmt.Errorf("rtp: sync packet too short: %d bytes", len(data))
	}
	if data[syncPayloadTypeLoc] != syncPayloadType {
		return SyncPacket{}, fmt.Errorf("rtp: unexpected sync payload type 0x%02x", data[syncPayloadTypeLoc])
	}
	return SyncPacket{
		IsFirst:         data[0] == syncFlagsBFirst,
		NowMinusLatency: binary.BigEndian.Uint32(data[4:8]),
		NTP:             NTPTime{Sec: binary.BigEndian.Uint32(data[8:12]), Frac: binary.BigEndian.Uint32(data[12:16])},
		Now:             binary.BigEndian.Uint32(data[16:20]),
	}, nil
}
