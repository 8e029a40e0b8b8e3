package rtsp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand/v2"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airtunesgo/raop/raoperr"
	airtunesrtp "github.com/airtunesgo/raop/rtp"
)

// Status is the per-receiver RTSP state (spec §4.6).
type Status int

const (
	Closed Status = iota
	Options
	Announce
	SetupState
	Record
	Playing
	Flush
	SetVolume
	SetProgress
	SetDaap
	SetArt
	Teardown
)

func (s Status) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Options:
		return "Options"
	case Announce:
		return "Announce"
	case SetupState:
		return "Setup"
	case Record:
		return "Record"
	case Playing:
		return "Playing"
	case Flush:
		return "Flush"
	case SetVolume:
		return "SetVolume"
	case SetProgress:
		return "SetProgress"
	case SetDaap:
		return "SetDaap"
	case SetArt:
		return "SetArt"
	case Teardown:
		return "Teardown"
	default:
		return "Unknown"
	}
}

// Credentials is the long-lived pin-pairing identity a client persists
// across sessions once pairing succeeds.
type Credentials struct {
	Identifier string
	Seed       []byte
}

// HandshakeResult carries the server-assigned transport parameters
// parsed out of the SETUP response.
type HandshakeResult struct {
	Session      string
	ServerPort   int
	ControlPort  int
	TimingPort   int
	AudioLatency *time.Duration
}

// Client is the per-receiver RTSP state machine (C7). Only one request
// may be in flight at a time; callers serialize through the Client's
// own mutex rather than handing it concurrent calls directly.
type Client struct {
	conn *Conn
	log  zerolog.Logger

	clientIP       string
	announceID     string
	dacpID         string
	clientInstance string
	activeRemote   string

	mu     sync.Mutex
	cseq   int
	status Status
	digest *DigestInfo

	password       string
	credentials    *Credentials
	pairVerifier   *PairVerifier
	rsaCapability  bool
	encryptionIV   []byte
	encryptionKey  []byte
	session        string
	serverPort     int
	controlPort    int
	timingPort     int
	clientControl  int
	clientTiming   int
	audioLatency   *time.Duration

	onConnectionClosed func(raoperr.CleanupReason)
}

// NewClient builds an RTSP client for the receiver at addr ("ip:port").
// clientIP is this host's own address, used in the ANNOUNCE request URI.
func NewClient(addr, clientIP string, log zerolog.Logger) *Client {
	return &Client{
		conn:           NewConn(addr, log),
		log:            log.With().Str("category", "RTSPClient").Logger(),
		clientIP:       clientIP,
		announceID:     randomDigits(8),
		dacpID:         strings.ToUpper(randomHex(4)),
		clientInstance: strings.ToUpper(randomHex(8)),
		activeRemote:   randomDigits(9),
		status:         Closed,
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func randomDigits(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte(byte('0' + mathrand.IntN(10)))
	}
	return sb.String()
}

// Status reports the client's current state. Unlike every other public
// method it does not take the client mutex, matching spec §4.9's
// "all public operations except status-read acquire it".
func (c *Client) Status() Status { return c.status }

// OnConnectionClosed registers the callback fired whenever cleanup runs.
func (c *Client) OnConnectionClosed(fn func(raoperr.CleanupReason)) {
	c.onConnectionClosed = fn
}

// SetCredentials attaches previously-registered pin-pairing credentials,
// enabling pair-verify instead of a fresh pairing attempt.
func (c *Client) SetCredentials(creds *Credentials) { c.credentials = creds }

// SetPassword attaches a plain password for digest authentication.
func (c *Client) SetPassword(password string) { c.password = password }

func (c *Client) announceURI() string {
	return fmt.Sprintf("rtsp://%s/%s", c.clientIP, c.announceID)
}

func (c *Client) nextCSeq() int {
	c.cseq++
	return c.cseq
}

// doRequest sends one RTSP request and waits for its response, attaching
// the standard AirTunes headers and, when present, digest authorization.
func (c *Client) doRequest(method, uri string, extra map[string]string, body []byte) (*Response, error) {
	if !c.conn.IsOpen() {
		if err := c.conn.Open(); err != nil {
			return nil, err
		}
	}

	header := textproto.MIMEHeader{}
	header.Set("CSeq", strconv.Itoa(c.nextCSeq()))
	header.Set("User-Agent", "Raopy/1.0")
	header.Set("DACP-ID", c.dacpID)
	header.Set("Client-Instance", c.clientInstance)
	header.Set("Active-Remote", c.activeRemote)
	if c.session != "" {
		header.Set("Session", c.session)
	}
	for k, v := range extra {
		header.Set(k, v)
	}
	if c.digest != nil {
		auth, err := c.digest.authorizationHeader(method, uri)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", auth)
	}
	if len(body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, uri)
	for k := range header {
		for _, v := range header[k] {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")

	data := append([]byte(b.String()), body...)
	if err := c.conn.SendRequest(data); err != nil {
		c.cleanup(raoperr.CleanupUnknown)
		return nil, err
	}

	resp, err := c.conn.GetResponse(DefaultTimeout)
	if err != nil {
		c.cleanup(raoperr.CleanupTimeout)
		return nil, err
	}

	switch {
	case resp.StatusCode == 200:
		return resp, nil
	case resp.StatusCode == 401 && method == "OPTIONS":
		return resp, nil
	case resp.StatusCode == 403 && method == "OPTIONS":
		return resp, nil
	case resp.StatusCode == 401 && method == "ANNOUNCE":
		return resp, nil
	default:
		sentinel, reason := classifyStatus(method, resp.StatusCode)
		c.cleanup(reason)
		return nil, sentinel
	}
}

// cleanup runs the best-effort TEARDOWN / socket close / status reset
// policy shared by every terminal error path (spec §4.6 "Error mapping").
func (c *Client) cleanup(reason raoperr.CleanupReason) {
	if c.status != Closed && c.conn.IsOpen() {
		_ = c.conn.SendRequest([]byte(fmt.Sprintf(
			"TEARDOWN %s RTSP/1.0\r\nCSeq: %d\r\n\r\n", c.announceURI(), c.nextCSeq())))
	}
	_ = c.conn.Close()
	c.status = Closed
	if c.onConnectionClosed != nil {
		c.onConnectionClosed(reason)
	}
}

// Handshake runs OPTIONS→ANNOUNCE→SETUP→RECORD in sequence, the shape
// both the initial connect and repair_connection share.
func (c *Client) Handshake(startSeq int64, clientControlPort, clientTimingPort int, rsaAESKey, iv []byte) (*HandshakeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clientControl = clientControlPort
	c.clientTiming = clientTimingPort

	if err := c.doOptions(); err != nil {
		return nil, err
	}
	if err := c.doAnnounce(rsaAESKey, iv); err != nil {
		return nil, err
	}
	if err := c.doSetup(clientControlPort, clientTimingPort); err != nil {
		return nil, err
	}
	if err := c.doRecord(startSeq); err != nil {
		return nil, err
	}

	return &HandshakeResult{
		Session:      c.session,
		ServerPort:   c.serverPort,
		ControlPort:  c.controlPort,
		TimingPort:   c.timingPort,
		AudioLatency: c.audioLatency,
	}, nil
}

func (c *Client) doOptions() error {
	c.status = Options
	challenge := randomHex(8)
	resp, err := c.doRequest("OPTIONS", "*", map[string]string{
		"Apple-Challenge": challenge,
	}, nil)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case 401:
		return raoperr.ErrRequiresPassword
	case 403:
		if c.credentials == nil {
			return raoperr.ErrRequiresPinCode
		}
		return c.verifySession()
	}

	c.rsaCapability = resp.HeaderValue("Apple-Response") != ""
	return nil
}

// verifySession runs the pair-verify dance using cached credentials
// (spec §4.6 "Session verification").
func (c *Client) verifySession() error {
	c.pairVerifier = NewPairVerifier(c.credentials.Seed)
	step1, err := c.pairVerifier.Step1()
	if err != nil {
		return err
	}
	resp, err := c.doRequest("POST", "/pair-verify", map[string]string{
		"Content-Type": "application/octet-stream",
	}, step1)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return raoperr.ErrAuthenticationFailed
	}

	step2, err := c.pairVerifier.Step2(resp.Body)
	if err != nil {
		return err
	}
	resp2, err := c.doRequest("POST", "/pair-verify", map[string]string{
		"Content-Type": "application/octet-stream",
	}, step2)
	if err != nil {
		return err
	}
	if resp2.StatusCode != 200 {
		return raoperr.ErrAuthenticationFailed
	}
	return nil
}

// PairWithPin runs the full pin-pairing SRP exchange (spec §4.6
// "Pin-pairing"). Called by the caller after Options returns
// ErrRequiresPinCode. On success the returned Credentials should be
// persisted and fed back in via SetCredentials for future sessions.
func (c *Client) PairWithPin(pin string) (*Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.doRequest("POST", "/pair-pin-start", nil, nil); err != nil {
		return nil, err
	}

	identifier := randomHex(8)
	seed := make([]byte, 32)
	_, _ = rand.Read(seed)
	pairer := NewPinPairer(identifier, seed)

	startBody, err := marshalPairSetupPinStart(identifier)
	if err != nil {
		return nil, err
	}
	resp, err := c.doRequest("POST", "/pair-setup-pin", map[string]string{
		"Content-Type": "application/x-apple-binary-plist",
	}, startBody)
	if err != nil {
		return nil, err
	}
	serverPub, salt, err := parsePairSetupPinChallenge(resp.Body)
	if err != nil {
		return nil, err
	}

	clientPub, proof, err := pairer.Step2(pin, serverPub, salt)
	if err != nil {
		return nil, err
	}
	proofBody, err := marshalPairSetupPinProof(clientPub, proof)
	if err != nil {
		return nil, err
	}
	resp2, err := c.doRequest("POST", "/pair-setup-pin", map[string]string{
		"Content-Type": "application/x-apple-binary-plist",
	}, proofBody)
	if err != nil {
		return nil, err
	}
	serverProof, err := parsePairSetupPinProofResponse(resp2.Body)
	if err != nil {
		return nil, err
	}
	if err := pairer.VerifyServerProof(clientPub, proof, serverProof); err != nil {
		return nil, err
	}

	epk, tag, err := pairer.Step3()
	if err != nil {
		return nil, err
	}
	finalBody, err := marshalPairSetupPinFinal(epk, tag)
	if err != nil {
		return nil, err
	}
	if _, err := c.doRequest("POST", "/pair-setup-pin", map[string]string{
		"Content-Type": "application/x-apple-binary-plist",
	}, finalBody); err != nil {
		return nil, err
	}

	creds := &Credentials{Identifier: identifier, Seed: seed}
	c.credentials = creds
	return creds, nil
}

func (c *Client) doAnnounce(rsaAESKey, iv []byte) error {
	c.status = Announce

	sdp := buildSDP(c.clientIP, c.rsaCapability, rsaAESKey, iv)
	header := map[string]string{"Content-Type": "application/sdp"}

	resp, err := c.doRequest("ANNOUNCE", c.announceURI(), header, sdp)
	if err != nil {
		return err
	}
	if resp.StatusCode == 401 {
		if c.password == "" {
			return raoperr.ErrRequiresPassword
		}
		wwwAuth := resp.HeaderValue("WWW-Authenticate")
		realm, nonce, err := parseWWWAuthenticate(wwwAuth)
		if err != nil {
			return err
		}
		c.digest = &DigestInfo{Username: "raopy", Realm: realm, Password: c.password, Nonce: nonce}

		resp2, err := c.doRequest("ANNOUNCE", c.announceURI(), header, sdp)
		if err != nil {
			return err
		}
		if resp2.StatusCode == 401 {
			return raoperr.ErrWrongPassword
		}
	}

	c.encryptionKey = rsaAESKey
	c.encryptionIV = iv
	return nil
}

func (c *Client) doSetup(clientControlPort, clientTimingPort int) error {
	c.status = SetupState
	transport := fmt.Sprintf(
		"RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d",
		clientControlPort, clientTimingPort,
	)
	resp, err := c.doRequest("SETUP", c.announceURI(), map[string]string{"Transport": transport}, nil)
	if err != nil {
		return err
	}
	c.session = resp.HeaderValue("Session")

	serverPort, controlPort, timingPort := parseTransportResponse(resp.HeaderValue("Transport"))
	c.serverPort = serverPort
	c.controlPort = controlPort
	c.timingPort = timingPort
	return nil
}

func (c *Client) doRecord(startSeq int64) error {
	c.status = Record
	rtpInfo := fmt.Sprintf("seq=%d;rtptime=%d", uint16(startSeq&0xFFFF), airtunesrtp.TimestampForSeq(startSeq))
	resp, err := c.doRequest("RECORD", c.announceURI(), map[string]string{
		"Range":    "npt=0-",
		"RTP-Info": rtpInfo,
	}, nil)
	if err != nil {
		return err
	}
	if lat := resp.HeaderValue("Audio-Latency"); lat != "" {
		if frames, err := strconv.Atoi(lat); err == nil {
			d := time.Duration(frames) * time.Second / airtunesrtp.SamplingRate
			c.audioLatency = &d
		}
	}
	c.status = Playing
	return nil
}

// Flush tells the receiver to discard buffered audio up to the given
// sequence, used on pause.
func (c *Client) Flush(seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = Flush

	rtpInfo := fmt.Sprintf("seq=%d;rtptime=%d", uint16(seq&0xFFFF), airtunesrtp.TimestampForSeq(seq))
	_, err := c.doRequest("FLUSH", c.announceURI(), map[string]string{"RTP-Info": rtpInfo}, nil)
	if err != nil {
		return err
	}
	c.status = Playing
	return nil
}

// SetVolume applies the volume curve from spec §4.6: 0 dB at >=100,
// -144 dB (mute) at <=0, otherwise a linear dB ramp.
func (c *Client) SetVolume(v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = SetVolume

	var db float64
	switch {
	case v >= 100:
		db = 0.0
	case v <= 0:
		db = -144.0
	default:
		db = -30 * (100 - v) / 100
	}

	body := []byte(fmt.Sprintf("volume: %.6f\r\n", db))
	_, err := c.doRequest("SET_PARAMETER", c.announceURI(), map[string]string{"Content-Type": "text/parameters"}, body)
	if err != nil {
		return err
	}
	c.status = Playing
	return nil
}

// SetProgress reports start/current/end position as RTP timestamps
// including latency.
func (c *Client) SetProgress(startSeq, curSeq, endSeq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = SetProgress

	body := []byte(fmt.Sprintf("progress: %d/%d/%d\r\n",
		airtunesrtp.TimestampForSeq(startSeq),
		airtunesrtp.TimestampForSeq(curSeq),
		airtunesrtp.TimestampForSeq(endSeq),
	))
	_, err := c.doRequest("SET_PARAMETER", c.announceURI(), map[string]string{"Content-Type": "text/parameters"}, body)
	if err != nil {
		return err
	}
	c.status = Playing
	return nil
}

// SetDaap pushes DMAP-tagged track metadata.
func (c *Client) SetDaap(dmapBody []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = SetDaap

	_, err := c.doRequest("SET_PARAMETER", c.announceURI(), map[string]string{
		"Content-Type": "application/x-dmap-tagged",
	}, dmapBody)
	if err != nil {
		return err
	}
	c.status = Playing
	return nil
}

// SetArt pushes cover art bytes with the given MIME type.
func (c *Client) SetArt(mimeType string, artBytes []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = SetArt

	_, err := c.doRequest("SET_PARAMETER", c.announceURI(), map[string]string{
		"Content-Type": mimeType,
	}, artBytes)
	if err != nil {
		return err
	}
	c.status = Playing
	return nil
}

// Teardown closes the session cleanly.
func (c *Client) Teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = Teardown
	_, err := c.doRequest("TEARDOWN", c.announceURI(), nil, nil)
	_ = c.conn.Close()
	c.status = Closed
	return err
}

// RepairConnection replays the full handshake using cached password,
// credentials and client ports, per spec §4.6 "Repair".
func (c *Client) RepairConnection(nextSeq int64, rsaAESKey, iv []byte) (*HandshakeResult, error) {
	if c.Status() != Closed {
		return nil, fmt.Errorf("rtsp: repair_connection called while not closed")
	}
	return c.Handshake(nextSeq, c.clientControl, c.clientTiming, rsaAESKey, iv)
}

func buildSDP(clientIP string, rsaCapability bool, rsaAESKey, iv []byte) []byte {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=iTunes 0 0 IN IP4 %s\r\n", clientIP)
	b.WriteString("s=iTunes\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", clientIP)
	b.WriteString("t=0 0\r\n")
	b.WriteString("m=audio 0 RTP/AVP 96\r\n")
	b.WriteString("a=rtpmap:96 AppleLossless\r\n")
	b.WriteString("a=fmtp:96 352 0 16 40 10 14 2 255 0 0 44100\r\n")
	if rsaCapability && len(rsaAESKey) > 0 {
		fmt.Fprintf(&b, "a=rsaaeskey:%s\r\n", encodeB64(rsaAESKey))
		fmt.Fprintf(&b, "a=aesiv:%s\r\n", encodeB64(iv))
	}
	return []byte(b.String())
}
