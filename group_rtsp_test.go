package raop

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/airtunesgo/raop/pcmsource"
	"github.com/airtunesgo/raop/rtsp"
)

// fakeRTSPServer answers every RAOP handshake/control request with a
// canned 200 OK, counting SET_PARAMETER requests whose body carries a
// "progress:" line so tests can observe whether set_progress actually
// reached the wire.
type fakeRTSPServer struct {
	ln            net.Listener
	progressCalls atomic.Int32
}

func newFakeRTSPServer(t *testing.T) *fakeRTSPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeRTSPServer{ln: ln}
	go s.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeRTSPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeRTSPServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *fakeRTSPServer) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		requestLine, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(requestLine)
		if len(fields) < 2 {
			return
		}
		method := fields[0]

		tp := textproto.NewReader(r)
		header, err := tp.ReadMIMEHeader()
		if err != nil {
			return
		}
		if cl := header.Get("Content-Length"); cl != "" {
			if n, _ := strconv.Atoi(cl); n > 0 {
				body := make([]byte, n)
				if _, err := io.ReadFull(r, body); err != nil {
					return
				}
				if method == "SET_PARAMETER" && strings.Contains(header.Get("Content-Type"), "text/parameters") &&
					strings.Contains(string(body), "progress:") {
					s.progressCalls.Add(1)
				}
			}
		}

		respHeader := map[string]string{"CSeq": header.Get("Cseq")}
		if method == "SETUP" {
			respHeader["Session"] = "DEADBEEF"
			respHeader["Transport"] = "RTP/AVP/UDP;unicast;server_port=7000;control_port=7001;timing_port=7002"
		}

		if err := writeRTSPResponse(conn, respHeader); err != nil {
			return
		}
	}
}

func writeRTSPResponse(conn net.Conn, header map[string]string) error {
	var b strings.Builder
	b.WriteString("RTSP/1.0 200 OK\r\n")
	for k, v := range header {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	_, err := conn.Write([]byte(b.String()))
	return err
}

func silentProvider(t *testing.T, frames int64) pcmsource.Provider {
	t.Helper()
	const frameBytes = 352 * 2 * 2
	p, err := pcmsource.NewBufferedReaderProvider(bytes.NewReader(make([]byte, frameBytes*frames)), frameBytes)
	require.NoError(t, err)
	return p
}

// TestPlayAndResumeSendProgressToAnAlreadyConnectedReceiver guards
// against repair_connection's Closed-only precondition silently
// swallowing set_progress for every receiver that connect() just
// handshook (status Playing, not Closed): Play and, after a Pause,
// Resume must still push a progress update to the wire.
func TestPlayAndResumeSendProgressToAnAlreadyConnectedReceiver(t *testing.T) {
	srv := newFakeRTSPServer(t)

	g := New(WithClientIP("127.0.0.1"))
	defer g.Close()

	r, err := g.AddReceiver("fake", "fake.local.", "127.0.0.1", srv.port(), "", nil)
	require.NoError(t, err)
	require.Equal(t, rtsp.Playing, r.Status(), "a freshly connected receiver is Playing, not Closed")

	// Long enough (~8s) that the stream does not run out and stop the
	// group before Pause and Resume are called.
	provider := silentProvider(t, 1000)
	require.NoError(t, g.Play(provider, nil))
	time.Sleep(50 * time.Millisecond)
	require.GreaterOrEqual(t, srv.progressCalls.Load(), int32(1), "set_progress must reach the wire on play")

	require.NoError(t, g.Pause())
	require.NoError(t, g.Resume())
	time.Sleep(50 * time.Millisecond)
	require.GreaterOrEqual(t, srv.progressCalls.Load(), int32(2), "set_progress must reach the wire on resume too")
}
