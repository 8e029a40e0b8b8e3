package rtp

import (
	"encoding/binary"
	"fmt"
)

const (
	timingRequestPayloadType  = 0x52
	timingResponseFlagsB      = 0xD3 // marker bit set + response payload type 0x53
	timingResponseFlagsA      = 0x80
	timingPacketSize          = 32
	timingPayloadTypeLocation = 1
)

// TimingPacket is the 32-byte RTP timing packet exchanged so receivers
// can measure one-way delay to the sender.
type TimingPacket struct {
	ReferenceTime NTPTime
	ReceivedTime  NTPTime
	SendTime      NTPTime
}

// Marshal encodes a timing response (the sender only ever sends
// responses; requests arrive from receivers and are only parsed).
func (p TimingPacket) Marshal() []byte {
	buf := make([]byte, timingPacketSize)
	buf[0] = timingResponseFlagsA
	buf[1] = timingResponseFlagsB
	binary.BigEndian.PutUint16(buf[2:4], syncSequenceField)
	// buf[4:8] zero padding
	binary.BigEndian.PutUint32(buf[8:12], p.ReferenceTime.Sec)
	binary.BigEndian.PutUint32(buf[12:16], p.ReferenceTime.Frac)
	binary.BigEndian.PutUint32(buf[16:20], p.ReceivedTime.Sec)
	binary.BigEndian.PutUint32(buf[20:24], p.ReceivedTime.Frac)
	binary.BigEndian.PutUint32(buf[24:28], p.SendTime.Sec)
	binary.BigEndian.PutUint32(buf[28:32], p.SendTime.Frac)
	return buf
}

// ParseTimingPacket parses a timing request (or response) received over
// the timing UDP socket, validating the payload type byte.
func ParseTimingPacket(data []byte) (TimingPacket, error) {
	if len(data) < timingPacketSize {
		return TimingPacket{}, fmt.Errorf("rtp: timing packet too short: %d bytes", len(data))
	}
	if data[timingPayloadTypeLocation] != timingRequestPayloadType {
		return TimingPacket{}, fmt.Errorf("rtp: unexpected timing payload type 0x%02x", data[timingPayloadTypeLocation])
	}
	return TimingPacket{
		ReferenceTime: NTPTime{Sec: binary.BigEndian.Uint32(data[8:12]), Frac: binary.BigEndian.Uint32(data[12:16])},
		ReceivedTime:  NTPTime{Sec: binary.BigEndian.Uint32(data[16:20]), Frac: binary.BigEndian.Uint32(data[20:24])},
		SendTime:      NTPTime{Sec: binary.BigEndian.Uint32(data[24:28]), Frac: binary.BigEndian.Uint32(data[28:32])},
	}, nil
}

// Respond builds the response to a received timing request req, per the
// policy in spec: reference_time = req.SendTime; received_time and
// send_time are each captured once (so received_time <= send_time holds).
func Respond(req TimingPacket, receivedTime, sendTime NTPTime) TimingPacket {
	return TimingPacket{
		ReferenceTime: req.SendTime,
		ReceivedTime:  receivedTime,
		SendTime:      sendTime,
	}
}
