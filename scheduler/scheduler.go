// Package scheduler paces and emits the audio packet stream: it reads
// PCM frames from a provider, ALAC-encodes them, optionally encrypts
// them per receiver, and sends them on a fixed burst schedule derived
// from sequence/timestamp arithmetic. This is C9 in the component
// design.
package scheduler

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airtunesgo/raop/alac"
	"github.com/airtunesgo/raop/pcmsource"
	airtunesrtp "github.com/airtunesgo/raop/rtp"
)

// AudioTarget is one receiver's audio transport endpoint, as known to
// the scheduler at send time.
type AudioTarget struct {
	IP          string
	Port        int
	RequiresAES bool
}

// Callbacks are the group controller's hooks into the scheduler's
// pacing loop (spec §4.9 "Callbacks wired at construction").
type Callbacks struct {
	// Targets returns the current receiver set; called once per tick.
	Targets func() []AudioTarget
	// NeedSync fires before the first packet of a SYNC_PERIOD window.
	NeedSync func(seq int64, targets []AudioTarget, isFirst bool)
	// StreamEnded fires once, when the provider runs out of frames or a
	// frame read fails.
	StreamEnded func(seq int64)
}

// passthroughEncoder is used when no ALAC encoder is wired in; it
// forwards PCM bytes unchanged. Real ALAC encoding is an external
// collaborator (spec's Non-goals), so this is the default.
type passthroughEncoder struct{}

func (passthroughEncoder) Encode(pcmFrame []byte, sampleRate int) ([]byte, error) {
	return pcmFrame, nil
}

// Scheduler owns next_seq/ref_seq/start_seq and the pacing goroutine
// that drives the audio burst.
type Scheduler struct {
	log zerolog.Logger

	provider pcmsource.Provider
	encoder  alac.Encoder
	ssrc     uint32

	aesKey, aesIV []byte

	cb Callbacks

	mu           sync.Mutex
	startSeq     int64
	refSeq       int64
	nextSeq      int64
	totalSeq     int64
	burstTimeRef int64
	isStreaming  bool

	audioConn *net.UDPConn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a scheduler bound to the session's SSRC (the "device magic"
// tagging every packet). It has no provider until Load is called.
func New(log zerolog.Logger, ssrc uint32, cb Callbacks) *Scheduler {
	return &Scheduler{
		log:      log.With().Str("category", "Scheduler").Logger(),
		encoder:  passthroughEncoder{},
		ssrc:     ssrc,
		cb:       cb,
	}
}

// SetEncoder overrides the default passthrough ALAC encoder.
func (s *Scheduler) SetEncoder(enc alac.Encoder) { s.encoder = enc }

// SetEncryption installs the session's shared AES key/IV, applied to
// packets sent to receivers whose encryption bitmap requires it.
func (s *Scheduler) SetEncryption(key, iv []byte) {
	s.aesKey = key
	s.aesIV = iv
}

// Load attaches a new PCM provider and resets sequence state to
// startSeq, matching the group controller's play(file) precondition.
func (s *Scheduler) Load(provider pcmsource.Provider, startSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = provider
	s.startSeq = startSeq
	s.refSeq = startSeq
	s.nextSeq = startSeq
	s.totalSeq = startSeq + provider.TotalFrames()
}

// OpenAudioSocket opens the scheduler's outbound UDP socket used to
// send audio packets to each receiver's server_port.
func (s *Scheduler) OpenAudioSocket() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("scheduler: opening audio socket: %w", err)
	}
	s.audioConn = conn
	return nil
}

// CloseAudioSocket tears the outbound audio socket down.
func (s *Scheduler) CloseAudioSocket() error {
	if s.audioConn == nil {
		return nil
	}
	return s.audioConn.Close()
}

// CurrentSeq returns next_seq under the scheduler's lock.
func (s *Scheduler) CurrentSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// IsStreaming reports whether the pacing loop is currently running.
func (s *Scheduler) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStreaming
}

// StartStreaming requires a loaded provider and !is_streaming. seq, if
// non-nil, overrides the resume point; otherwise start_seq is used.
func (s *Scheduler) StartStreaming(seq *int64) error {
	s.mu.Lock()
	if s.provider == nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: start_streaming without a loaded provider")
	}
	if s.isStreaming {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already streaming")
	}
	at := s.startSeq
	if seq != nil {
		at = *seq
	}
	s.refSeq = at
	s.nextSeq = at
	s.burstTimeRef = nowMS()
	s.isStreaming = true
	s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.pacingLoop()
	return nil
}

// ResumeStreaming is start_streaming(next_seq).
func (s *Scheduler) ResumeStreaming() error {
	seq := s.CurrentSeq()
	return s.StartStreaming(&seq)
}

// PauseStreaming stops the pacing loop and rewinds next_seq by
// sequence_latency so the receiver's jitter buffer refills with "past"
// packets on resume (silent wherever they fall before the track start).
func (s *Scheduler) PauseStreaming() {
	s.mu.Lock()
	if !s.isStreaming {
		s.mu.Unlock()
		return
	}
	s.isStreaming = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	s.nextSeq -= int64(airtunesrtp.SequenceLatency())
	s.mu.Unlock()
}

// StopStreaming pauses if streaming, drops the provider, and resets
// sequence state to start_seq.
func (s *Scheduler) StopStreaming() {
	if s.IsStreaming() {
		s.PauseStreaming()
	}
	s.mu.Lock()
	s.provider = nil
	s.nextSeq = s.startSeq
	s.refSeq = s.startSeq
	s.mu.Unlock()
}

// SetProgress is allowed only while paused; new_seq must lie within
// [start_seq, total_seq].
func (s *Scheduler) SetProgress(newSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isStreaming {
		return fmt.Errorf("scheduler: set_progress while streaming")
	}
	if newSeq < s.startSeq || newSeq > s.totalSeq {
		return fmt.Errorf("scheduler: set_progress seq %d out of [%d,%d]", newSeq, s.startSeq, s.totalSeq)
	}
	s.nextSeq = newSeq
	return nil
}

var nowMS = func() int64 { return time.Now().UnixMilli() }

func (s *Scheduler) pacingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(airtunesrtp.StreamLatency)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ended, endSeq := s.tick()
			if ended {
				// Run outside tick's lock: StreamEnded commonly calls back
				// into the scheduler (e.g. via Stop), which would deadlock
				// against tick's own mutex if invoked while still held.
				if s.cb.StreamEnded != nil {
					s.cb.StreamEnded(endSeq)
				}
				return
			}
		}
	}
}

// tick runs one pacing iteration; it reports whether streaming has
// ended (and, if so, the sequence to report to StreamEnded).
func (s *Scheduler) tick() (ended bool, endSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isStreaming {
		// Paused or stopped between ticks: not the end of the stream.
		// pacingLoop exits on stopCh.
		return false, 0
	}

	elapsed := nowMS() - s.burstTimeRef
	targetSeq := s.refSeq + airtunesrtp.MSToSeq(elapsed)

	targets := s.cb.Targets()

	for seq := s.nextSeq; seq < targetSeq; seq++ {
		if (seq-s.refSeq)%airtunesrtp.SyncPeriod == 0 {
			if s.cb.NeedSync != nil {
				s.cb.NeedSync(seq, targets, seq == s.refSeq)
			}
		}

		relative := seq - s.startSeq
		frame, err := s.provider.Frame(relative)
		if err == pcmsource.ErrEndOfStream {
			end := seq
			if s.totalSeq < end {
				end = s.totalSeq
			}
			s.isStreaming = false
			return true, end
		}
		if err != nil {
			s.log.Error().Err(err).Int64("seq", seq).Msg("pcm read failed")
			s.isStreaming = false
			return true, s.nextSeq
		}

		if err := s.sendToAll(seq, frame, targets, seq == s.refSeq); err != nil {
			s.log.Debug().Err(err).Msg("audio send failed")
		}
		s.nextSeq = seq + 1
	}
	return false, 0
}

// SendPacket retransmits a single sequence number to the given targets
// without invoking need_sync (spec §4.8 "Retransmit").
func (s *Scheduler) SendPacket(seq int64, targets []AudioTarget) error {
	s.mu.Lock()
	provider := s.provider
	startSeq := s.startSeq
	refSeq := s.refSeq
	s.mu.Unlock()

	if provider == nil {
		return fmt.Errorf("scheduler: retransmit without a loaded provider")
	}
	frame, err := provider.Frame(seq - startSeq)
	if err != nil {
		return fmt.Errorf("scheduler: retransmit pcm read: %w", err)
	}
	return s.sendToAll(seq, frame, targets, seq == refSeq)
}

// sendToAll is the shared encode/encrypt/send path for both the pacing
// loop and retransmission (spec §4.8 "Retransmit" reuses this path but
// never calls need_sync around it).
func (s *Scheduler) sendToAll(seq int64, pcmFrame []byte, targets []AudioTarget, isFirst bool) error {
	encoded, err := s.encoder.Encode(pcmFrame, airtunesrtp.SamplingRate)
	if err != nil {
		return fmt.Errorf("scheduler: alac encode: %w", err)
	}

	var encrypted []byte
	if s.aesKey != nil {
		enc, err := alac.NewCBCEncryptor(s.aesKey, s.aesIV)
		if err != nil {
			return fmt.Errorf("scheduler: aes setup: %w", err)
		}
		encrypted = enc.Encrypt(encoded)
	}

	var lastErr error
	for _, t := range targets {
		payload := encoded
		if t.RequiresAES && encrypted != nil {
			payload = encrypted
		}
		pkt := airtunesrtp.NewAudioPacket(seq, s.ssrc, isFirst, payload)
		data, err := pkt.Marshal()
		if err != nil {
			lastErr = err
			continue
		}
		if s.audioConn == nil {
			lastErr = fmt.Errorf("scheduler: audio socket not open")
			continue
		}
		addr := &net.UDPAddr{IP: net.ParseIP(t.IP), Port: t.Port}
		if _, err := s.audioConn.WriteToUDP(data, addr); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
