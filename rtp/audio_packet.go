package rtp

import (
	"github.com/pion/rtp"
)

// AppleLosslessPayloadType is the dynamic RTP payload type AirTunes
// negotiates for ALAC in the ANNOUNCE SDP ("a=rtpmap:96 AppleLossless").
const AppleLosslessPayloadType = 96

// AudioPacket is one RTP-over-UDP audio packet: flags_a(0x80), flags_b
// (0xE0 if first, else 0x60), seq, rtp timestamp, ssrc, payload. The V2
// version bit and marker/payload-type bits of a standard RTP header
// happen to line up exactly with the wire layout AirTunes uses for audio
// packets, so we build it with pion/rtp rather than hand-rolling it.
type AudioPacket struct {
	Seq     uint16
	RTPTime uint32
	SSRC    uint32
	IsFirst bool
	Payload []byte
}

// Marshal encodes the packet to wire bytes.
func (p AudioPacket) Marshal() ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         p.IsFirst,
			PayloadType:    AppleLosslessPayloadType,
			SequenceNumber: p.Seq,
			Timestamp:      p.RTPTime,
			SSRC:           p.SSRC,
		},
		Payload: p.Payload,
	}
	return pkt.Marshal()
}

// NewAudioPacket builds the audio packet for a given logical sequence
// number, computing its RTP timestamp per the timestamp law.
func NewAudioPacket(seq int64, ssrc uint32, isFirst bool, payload []byte) AudioPacket {
	return AudioPacket{
		Seq:     Seq16(seq),
		RTPTime: TimestampForSeq(seq),
		SSRC:    ssrc,
		IsFirst: isFirst,
		Payload: payload,
	}
}
