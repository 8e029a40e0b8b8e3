package rtp

import (
	"encoding/binary"
	"fmt"
)

const resendPayloadType = 0x55

// ResendRequest is a receiver-initiated request for a missing audio
// sequence number.
type ResendRequest struct {
	MissedSeq uint16
	Count     uint16
}

// ParseResendRequest parses a resend request. Packets whose payload type
// byte does not match are rejected so the caller can log and drop them.
func ParseResendRequest(data []byte) (ResendRequest, error) {
	if len(data) < 8 {
		return ResendRequest{}, fmt.Errorf("rtp: resend request too short: %d bytes", len(data))
	}
	if data[1] != resendPayloadType {
		return ResendRequest{}, fmt.Errorf("rtp: unexpected resend payload type 0x%02x", data[1])
	}
	return ResendRequest{
		MissedSeq: binary.BigEndian.Uint16(data[4:6]),
		Count:     binary.BigEndian.Uint16(data[6:8]),
	}, nil
}
