// Package raop implements a sender for Apple's AirTunes v2 (RAOP)
// protocol: it streams one audio track, synchronously and
// continuously, to one or more discovered receivers.
package raop

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	airtunesrtp "github.com/airtunesgo/raop/rtp"

	"github.com/airtunesgo/raop/pcmsource"
	"github.com/airtunesgo/raop/raoperr"
	"github.com/airtunesgo/raop/rtsp"
	"github.com/airtunesgo/raop/scheduler"
	"github.com/airtunesgo/raop/udpplane"
)

// GroupStatus is the playback lifecycle of a Group.
type GroupStatus int

const (
	Stopped GroupStatus = iota
	GroupPlaying
	Paused
	GroupClosed
)

func (s GroupStatus) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case GroupPlaying:
		return "Playing"
	case Paused:
		return "Paused"
	case GroupClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// GroupOption configures a Group at construction, in the teacher's
// functional-options style (see DiagoOption in the reference repo).
type GroupOption func(*Group)

// WithLogger overrides the zerolog.Logger a Group and everything it
// owns will log through.
func WithLogger(log zerolog.Logger) GroupOption {
	return func(g *Group) { g.log = log }
}

// WithClientIP sets the address advertised in ANNOUNCE request URIs
// and SDP bodies. Required in practice; defaults to "127.0.0.1" only
// so a Group can be constructed before the local IP is known.
func WithClientIP(ip string) GroupOption {
	return func(g *Group) { g.clientIP = ip }
}

// WithEncryption installs the session-wide RSA/AES key and IV used for
// receivers whose negotiated capability requires encrypted audio.
func WithEncryption(rsaAESKey, iv []byte) GroupOption {
	return func(g *Group) {
		g.rsaAESKey = rsaAESKey
		g.iv = iv
	}
}

// Lifecycle callbacks, mirroring the observable events spec §4.9 names.
type GroupCallbacks struct {
	OnPlay              func(currentMS int64)
	OnPause             func(currentMS int64)
	OnStop              func(currentMS int64)
	OnConnectionClosed  func(r *Receiver, reason raoperr.CleanupReason)
}

// WithCallbacks registers the group's lifecycle callbacks.
func WithCallbacks(cb GroupCallbacks) GroupOption {
	return func(g *Group) { g.callbacks = cb }
}

// Group binds one audio scheduler and UDP plane to a set of RTSP
// receivers, presenting the single public API a player UI drives
// (spec §4.9, C10).
type Group struct {
	log       zerolog.Logger
	sessionID string
	clientIP  string
	rsaAESKey []byte
	iv        []byte
	ssrc      uint32

	callbacks GroupCallbacks

	mu        sync.Mutex
	status    GroupStatus

	// receiversMu guards receivers independently of mu: the scheduler's
	// pacing goroutine and the UDP plane's listener goroutines read it
	// through the Targets/NeedSync/need_resend callbacks, and must never
	// block on mu (which Play/Pause/Resume/Stop hold while also waiting
	// on the scheduler's own mutex) or the two can deadlock on each other.
	receiversMu sync.RWMutex
	receivers   map[string]*Receiver

	plane     *udpplane.Plane
	scheduler *scheduler.Scheduler

	provider    pcmsource.Provider
	startSeq    int64
	totalSeq    int64
	currentMS   func() int64
}

// New builds a stopped, receiver-less Group. Call AddReceiver to start
// bringing receivers in; the UDP plane and audio socket open lazily when
// a receiver is added to an empty group, and close again if that add
// fails.
func New(opts ...GroupOption) *Group {
	sessionID := uuid.NewString()
	g := &Group{
		log:       zerolog.Nop(),
		sessionID: sessionID,
		clientIP:  "127.0.0.1",
		status:    Stopped,
		receivers: make(map[string]*Receiver),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With().Str("category", "Group").Str("session_id", sessionID).Logger()

	g.ssrc = deriveSSRC(sessionID)
	g.scheduler = scheduler.New(g.log, g.ssrc, scheduler.Callbacks{
		Targets:     g.audioTargets,
		NeedSync:    g.onNeedSync,
		StreamEnded: g.onStreamEnded,
	})
	g.scheduler.SetEncryption(g.rsaAESKey, g.iv)
	return g
}

func deriveSSRC(sessionID string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(sessionID); i++ {
		h ^= uint32(sessionID[i])
		h *= 16777619
	}
	return h
}

func (g *Group) guardClosed() error {
	if g.status == GroupClosed {
		return raoperr.ErrGroupClosed
	}
	return nil
}

func (g *Group) putReceiver(ip string, r *Receiver) {
	g.receiversMu.Lock()
	defer g.receiversMu.Unlock()
	g.receivers[ip] = r
}

func (g *Group) deleteReceiver(ip string) {
	g.receiversMu.Lock()
	defer g.receiversMu.Unlock()
	delete(g.receivers, ip)
}

func (g *Group) hasReceiver(ip string) bool {
	g.receiversMu.RLock()
	defer g.receiversMu.RUnlock()
	_, ok := g.receivers[ip]
	return ok
}

func (g *Group) receiverCount() int {
	g.receiversMu.RLock()
	defer g.receiversMu.RUnlock()
	return len(g.receivers)
}

// setPlane and getPlane share receiversMu with the receiver set: the
// same callback goroutines that read the receiver set also read the
// plane pointer (onNeedSync), so both must be safe under one lock that
// never nests with mu.
func (g *Group) setPlane(p *udpplane.Plane) {
	g.receiversMu.Lock()
	defer g.receiversMu.Unlock()
	g.plane = p
}

func (g *Group) getPlane() *udpplane.Plane {
	g.receiversMu.RLock()
	defer g.receiversMu.RUnlock()
	return g.plane
}

// AddReceiver brings a discovered endpoint into the group and drives it
// through its RTSP handshake (spec §4.9 "add_receiver").
func (g *Group) AddReceiver(serviceName, hostname, ip string, port int, password string, creds *rtsp.Credentials) (*Receiver, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.guardClosed(); err != nil {
		return nil, err
	}

	if g.receiverCount() == 0 {
		if err := g.openTransport(); err != nil {
			return nil, err
		}
	}

	r := newReceiver(serviceName, hostname, ip, port, g.clientIP, g.log)
	r.client.OnConnectionClosed(func(reason raoperr.CleanupReason) {
		if g.callbacks.OnConnectionClosed != nil {
			g.callbacks.OnConnectionClosed(r, reason)
		}
	})

	g.putReceiver(ip, r)
	plane := g.getPlane()
	plane.RegisterReceiver(ip)

	startSeq := g.scheduler.CurrentSeq()
	err := r.connect(startSeq, plane.ControlPort, plane.TimingPort, password, creds, g.rsaAESKey, g.iv)
	if err != nil {
		switch err {
		case raoperr.ErrRequiresPassword, raoperr.ErrRequiresPinCode:
			g.deleteReceiver(ip)
			plane.UnregisterReceiver(ip)
			if g.receiverCount() == 0 {
				g.closeTransport()
			}
			return r, err
		default:
			g.deleteReceiver(ip)
			plane.UnregisterReceiver(ip)
			if g.receiverCount() == 0 {
				g.closeTransport()
			}
			return nil, err
		}
	}

	return r, nil
}

// RemoveReceiver tears the receiver's RTSP session down and drops it
// from the set (spec §4.9 "remove_receiver").
func (g *Group) RemoveReceiver(r *Receiver) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.hasReceiver(r.IP) {
		return nil
	}
	g.deleteReceiver(r.IP)
	if plane := g.getPlane(); plane != nil {
		plane.UnregisterReceiver(r.IP)
	}
	err := r.disconnect()

	if g.receiverCount() == 0 {
		if g.status == GroupPlaying || g.status == Paused {
			g.scheduler.StopStreaming()
			g.status = Stopped
		}
		g.closeTransport()
	}
	return err
}

// RequestPincodeForDevice starts the pin-pairing flow; the receiver's
// RTSP state now waits for a call to RequestLoginCredentialsForDevice.
func (g *Group) RequestPincodeForDevice(r *Receiver) error {
	_, err := g.AddReceiver(r.ServiceName, r.Hostname, r.IP, r.Port, "", nil)
	if err != raoperr.ErrRequiresPinCode {
		return err
	}
	return nil
}

// RequestLoginCredentialsForDevice completes pin-pairing with a
// user-supplied pin and retries the handshake.
func (g *Group) RequestLoginCredentialsForDevice(r *Receiver, pin string) (*rtsp.Credentials, error) {
	creds, err := r.pairWithPin(pin)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	startSeq := g.scheduler.CurrentSeq()
	plane := g.getPlane()
	err = r.connect(startSeq, plane.ControlPort, plane.TimingPort, "", creds, g.rsaAESKey, g.iv)
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (g *Group) openTransport() error {
	plane, err := udpplane.New(g.log, g.onNeedResend)
	if err != nil {
		return fmt.Errorf("raop: opening udp plane: %w", err)
	}
	if err := g.scheduler.OpenAudioSocket(); err != nil {
		plane.Close()
		return err
	}
	g.setPlane(plane)
	return nil
}

func (g *Group) closeTransport() {
	if plane := g.getPlane(); plane != nil {
		plane.Close()
		g.setPlane(nil)
	}
	g.scheduler.CloseAudioSocket()
}

// Play loads file into the scheduler and starts streaming to every
// current receiver (spec §4.9 "play(file)").
func (g *Group) Play(provider pcmsource.Provider, currentMS func() int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.guardClosed(); err != nil {
		return err
	}
	if g.status != Stopped {
		return fmt.Errorf("raop: play requires status Stopped, got %s", g.status)
	}

	g.provider = provider
	g.currentMS = currentMS
	g.startSeq = 0
	g.totalSeq = provider.TotalFrames()
	g.scheduler.Load(provider, g.startSeq)

	cur := g.scheduler.CurrentSeq()
	for _, r := range g.snapshot() {
		if r.Status() == rtsp.Closed {
			if err := r.repairConnection(cur, g.rsaAESKey, g.iv); err != nil {
				g.log.Warn().Err(err).Str("receiver", r.IP).Msg("repair_connection failed during play")
				continue
			}
		}
		if err := r.setProgress(g.startSeq, cur, g.startSeq+g.totalSeq); err != nil {
			g.log.Warn().Err(err).Str("receiver", r.IP).Msg("set_progress failed during play")
		}
	}

	if err := g.scheduler.StartStreaming(nil); err != nil {
		return err
	}
	g.status = GroupPlaying
	if g.callbacks.OnPlay != nil {
		g.callbacks.OnPlay(g.nowMS())
	}
	return nil
}

// Pause stops the burst and flushes every receiver (spec §4.9 "pause").
func (g *Group) Pause() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.guardClosed(); err != nil {
		return err
	}
	if g.status != GroupPlaying {
		return fmt.Errorf("raop: pause requires status Playing, got %s", g.status)
	}

	g.scheduler.PauseStreaming()
	seq := g.scheduler.CurrentSeq()
	for _, r := range g.snapshot() {
		if err := r.flush(seq); err != nil {
			g.log.Warn().Err(err).Str("receiver", r.IP).Msg("flush failed during pause")
		}
	}

	g.status = Paused
	if g.callbacks.OnPause != nil {
		g.callbacks.OnPause(g.nowMS())
	}
	return nil
}

// Resume repairs every receiver's connection and resumes the scheduler
// (spec §4.9 "resume").
func (g *Group) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.guardClosed(); err != nil {
		return err
	}
	if g.status != Paused {
		return fmt.Errorf("raop: resume requires status Paused, got %s", g.status)
	}

	cur := g.scheduler.CurrentSeq()
	for _, r := range g.snapshot() {
		if r.Status() == rtsp.Closed {
			if err := r.repairConnection(cur, g.rsaAESKey, g.iv); err != nil {
				g.log.Warn().Err(err).Str("receiver", r.IP).Msg("repair_connection failed during resume")
				continue
			}
		}
		if err := r.setProgress(g.startSeq, cur, g.startSeq+g.totalSeq); err != nil {
			g.log.Warn().Err(err).Str("receiver", r.IP).Msg("set_progress failed during resume")
		}
	}

	if err := g.scheduler.ResumeStreaming(); err != nil {
		return err
	}
	g.status = GroupPlaying
	if g.callbacks.OnPlay != nil {
		g.callbacks.OnPlay(g.nowMS())
	}
	return nil
}

// Stop halts the scheduler and tears every receiver's RTSP session
// down (spec §4.9 "stop").
func (g *Group) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.guardClosed(); err != nil {
		return err
	}
	if g.status == Stopped {
		return fmt.Errorf("raop: stop requires status != Stopped")
	}

	g.scheduler.StopStreaming()
	for _, r := range g.snapshot() {
		if err := r.disconnect(); err != nil {
			g.log.Warn().Err(err).Str("receiver", r.IP).Msg("disconnect failed during stop")
		}
	}

	g.status = Stopped
	if g.callbacks.OnStop != nil {
		g.callbacks.OnStop(g.nowMS())
	}
	return nil
}

// SetProgress is allowed only while Paused; it translates ms to a
// sequence number and pushes it to the scheduler and every receiver.
func (g *Group) SetProgress(ms int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.guardClosed(); err != nil {
		return err
	}
	if g.status != Paused {
		return fmt.Errorf("raop: set_progress allowed only while Paused")
	}

	seq := g.startSeq + airtunesrtp.MSToSeq(ms)
	if err := g.scheduler.SetProgress(seq); err != nil {
		return err
	}
	for _, r := range g.snapshot() {
		if err := r.setProgress(g.startSeq, seq, g.startSeq+g.totalSeq); err != nil {
			g.log.Warn().Err(err).Str("receiver", r.IP).Msg("set_progress failed")
		}
	}
	return nil
}

// SetVolume pushes a volume level (0-100) to every receiver.
func (g *Group) SetVolume(v float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.guardClosed(); err != nil {
		return err
	}
	for _, r := range g.snapshot() {
		if err := r.setVolume(v); err != nil {
			g.log.Warn().Err(err).Str("receiver", r.IP).Msg("set_volume failed")
		}
	}
	return nil
}

// SetArtwork pushes cover art to every receiver.
func (g *Group) SetArtwork(mimeType string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.guardClosed(); err != nil {
		return err
	}
	for _, r := range g.snapshot() {
		if err := r.setArt(mimeType, data); err != nil {
			g.log.Warn().Err(err).Str("receiver", r.IP).Msg("set_art failed")
		}
	}
	return nil
}

// SetTrackInfo pushes DMAP-tagged track metadata to every receiver.
func (g *Group) SetTrackInfo(dmapBody []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.guardClosed(); err != nil {
		return err
	}
	for _, r := range g.snapshot() {
		if err := r.setDaap(dmapBody); err != nil {
			g.log.Warn().Err(err).Str("receiver", r.IP).Msg("set_daap failed")
		}
	}
	return nil
}

// Close permanently shuts the group down: stops playback, disconnects
// every receiver, and closes the transport sockets.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == GroupClosed {
		return nil
	}

	if g.status == GroupPlaying || g.status == Paused {
		g.scheduler.StopStreaming()
	}
	for _, r := range g.snapshot() {
		_ = r.disconnect()
	}
	g.closeTransport()
	g.status = GroupClosed
	return nil
}

func (g *Group) snapshot() []*Receiver {
	g.receiversMu.RLock()
	defer g.receiversMu.RUnlock()
	out := make([]*Receiver, 0, len(g.receivers))
	for _, r := range g.receivers {
		out = append(out, r)
	}
	return out
}

func (g *Group) nowMS() int64 {
	if g.currentMS != nil {
		return g.currentMS()
	}
	return time.Now().UnixMilli()
}

// audioTargets is the scheduler's Targets callback: the current
// receiver set's audio transport endpoints.
func (g *Group) audioTargets() []scheduler.AudioTarget {
	g.receiversMu.RLock()
	defer g.receiversMu.RUnlock()

	targets := make([]scheduler.AudioTarget, 0, len(g.receivers))
	for _, r := range g.receivers {
		targets = append(targets, scheduler.AudioTarget{
			IP:          r.IP,
			Port:        r.serverPort,
			RequiresAES: r.EncryptionRequiresAES(),
		})
	}
	return targets
}

// onNeedSync is the scheduler's NeedSync callback, forwarded to the UDP
// plane's send_control_sync.
func (g *Group) onNeedSync(seq int64, targets []scheduler.AudioTarget, isFirst bool) {
	g.receiversMu.RLock()
	plane := g.plane
	controlTargets := make([]udpplane.ControlTarget, 0, len(g.receivers))
	for _, r := range g.receivers {
		if r.controlPort != 0 {
			controlTargets = append(controlTargets, udpplane.ControlTarget{IP: r.IP, Port: r.controlPort})
		}
	}
	g.receiversMu.RUnlock()

	if plane != nil {
		plane.SendControlSync(seq, isFirst, controlTargets)
	}
}

// onNeedResend is the UDP plane's callback, forwarded to the
// scheduler's retransmit path for every receiver registered at that
// source IP (spec's "{receivers with that IP}").
func (g *Group) onNeedResend(missedSeq, count uint16, sourceIP string) {
	g.receiversMu.RLock()
	var targets []scheduler.AudioTarget
	for ip, r := range g.receivers {
		if ip == sourceIP {
			targets = append(targets, scheduler.AudioTarget{
				IP:          r.IP,
				Port:        r.serverPort,
				RequiresAES: r.EncryptionRequiresAES(),
			})
		}
	}
	g.receiversMu.RUnlock()

	base := unwrapSeq16(missedSeq, g.scheduler.CurrentSeq())
	for i := 0; i < int(count); i++ {
		seq := base + int64(i)
		if err := g.scheduler.SendPacket(seq, targets); err != nil {
			g.log.Debug().Err(err).Int64("seq", seq).Msg("resend failed")
		}
	}
}

// unwrapSeq16 reconstructs the full logical sequence number nearest to
// current that reduces to wire mod 2^16 (spec's 16-bit packet identity).
// Past the first 2^16 packets (~9 minutes at 44.1kHz), wire alone is
// ambiguous; picking the candidate closest to current resolves it the
// same way RTP sequence-number extension always does.
func unwrapSeq16(wire uint16, current int64) int64 {
	const span = int64(1) << 16
	candidate := (current &^ (span - 1)) | int64(wire)

	switch diff := candidate - current; {
	case diff > span/2:
		candidate -= span
	case diff < -span/2:
		candidate += span
	}
	return candidate
}

// onStreamEnded is the scheduler's StreamEnded callback: stop the group
// the way a natural end-of-file does.
func (g *Group) onStreamEnded(seq int64) {
	_ = g.Stop()
}
