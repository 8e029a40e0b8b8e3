package rtsp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTransportResponseAllFields(t *testing.T) {
	header := "RTP/AVP/UDP;unicast;server_port=6000;control_port=6001;timing_port=6002"
	serverPort, controlPort, timingPort := parseTransportResponse(header)
	require.Equal(t, 6000, serverPort)
	require.Equal(t, 6001, controlPort)
	require.Equal(t, 6002, timingPort)
}

func TestParseTransportResponseMissingFields(t *testing.T) {
	serverPort, controlPort, timingPort := parseTransportResponse("RTP/AVP/UDP;unicast;server_port=6000")
	require.Equal(t, 6000, serverPort)
	require.Equal(t, 0, controlPort)
	require.Equal(t, 0, timingPort)
}

func TestParseTransportResponseIgnoresGarbage(t *testing.T) {
	serverPort, _, _ := parseTransportResponse("garbage;;server_port=notanumber;server_port=42")
	require.Equal(t, 42, serverPort)
}
