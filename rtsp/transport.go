package rtsp

import (
	"strconv"
	"strings"
)

// parseTransportResponse pulls server_port, control_port and timing_port
// out of a SETUP response's Transport header
// ("RTP/AVP/UDP;unicast;server_port=123;control_port=456;timing_port=789").
func parseTransportResponse(header string) (serverPort, controlPort, timingPort int) {
	for _, field := range strings.Split(header, ";") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "server_port":
			serverPort = v
		case "control_port":
			controlPort = v
		case "timing_port":
			timingPort = v
		}
	}
	return
}
