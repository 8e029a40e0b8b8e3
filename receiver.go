package raop

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airtunesgo/raop/rtsp"
)

// Receiver is one AirTunes endpoint bound into a Group: its discovered
// identity, negotiated capabilities, and the per-receiver RTSP client
// that drives its handshake. Owned by the RTSP client layer for state,
// referenced by Group for orchestration (spec §4.1 "Receiver").
type Receiver struct {
	ServiceName string
	Hostname    string
	IP          string
	Port        int

	mu     sync.Mutex
	client *rtsp.Client

	clientControlPort int
	clientTimingPort  int

	serverPort  int
	controlPort int
	timingPort  int

	encryptionBitmap uint32
	audioLatency     *time.Duration

	lastPassword    string
	lastCredentials *rtsp.Credentials
}

// EncryptionRequiresAES reports whether this receiver's negotiated
// bitmap includes the RSA bit, requiring AES-encrypted audio payloads.
func (r *Receiver) EncryptionRequiresAES() bool {
	return r.encryptionBitmap&1 != 0
}

// AudioLatency exposes the RECORD response's Audio-Latency header. It
// is parsed but, per spec, never used to adjust pacing.
func (r *Receiver) AudioLatency() (time.Duration, bool) {
	if r.audioLatency == nil {
		return 0, false
	}
	return *r.audioLatency, true
}

// Status returns the receiver's current RTSP state.
func (r *Receiver) Status() rtsp.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return rtsp.Closed
	}
	return r.client.Status()
}

// newReceiver wires a fresh RTSP client for a discovered endpoint.
func newReceiver(serviceName, hostname, ip string, port int, clientIP string, log zerolog.Logger) *Receiver {
	addr := fmt.Sprintf("%s:%d", ip, port)
	client := rtsp.NewClient(addr, clientIP, log)
	return &Receiver{
		ServiceName: serviceName,
		Hostname:    hostname,
		IP:          ip,
		Port:        port,
		client:      client,
	}
}

// connect runs the full handshake: OPTIONS/pairing, ANNOUNCE, SETUP,
// RECORD (spec §4.9 "add_receiver").
func (r *Receiver) connect(startSeq int64, clientControlPort, clientTimingPort int, password string, creds *rtsp.Credentials, rsaAESKey, iv []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clientControlPort = clientControlPort
	r.clientTimingPort = clientTimingPort
	r.lastPassword = password
	r.lastCredentials = creds

	if password != "" {
		r.client.SetPassword(password)
	}
	if creds != nil {
		r.client.SetCredentials(creds)
	}

	result, err := r.client.Handshake(startSeq, clientControlPort, clientTimingPort, rsaAESKey, iv)
	if err != nil {
		return err
	}

	r.serverPort = result.ServerPort
	r.controlPort = result.ControlPort
	r.timingPort = result.TimingPort
	r.audioLatency = result.AudioLatency
	return nil
}

// pairWithPin runs pin-pairing and caches the resulting credentials for
// future repair_connection calls.
func (r *Receiver) pairWithPin(pin string) (*rtsp.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	creds, err := r.client.PairWithPin(pin)
	if err != nil {
		return nil, err
	}
	r.lastCredentials = creds
	return creds, nil
}

// repairConnection replays the handshake using cached auth state (spec
// §4.6 "Repair").
func (r *Receiver) repairConnection(nextSeq int64, rsaAESKey, iv []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.client.RepairConnection(nextSeq, rsaAESKey, iv)
	if err != nil {
		return err
	}
	r.serverPort = result.ServerPort
	r.controlPort = result.ControlPort
	r.timingPort = result.TimingPort
	r.audioLatency = result.AudioLatency
	return nil
}

func (r *Receiver) disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client.Status() == rtsp.Closed {
		return nil
	}
	return r.client.Teardown()
}

func (r *Receiver) flush(seq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.Flush(seq)
}

func (r *Receiver) setVolume(v float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.SetVolume(v)
}

func (r *Receiver) setProgress(startSeq, curSeq, endSeq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.SetProgress(startSeq, curSeq, endSeq)
}

func (r *Receiver) setDaap(body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.SetDaap(body)
}

func (r *Receiver) setArt(mimeType string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.SetArt(mimeType, data)
}
