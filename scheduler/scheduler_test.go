package scheduler

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/airtunesgo/raop/pcmsource"
	airtunesrtp "github.com/airtunesgo/raop/rtp"
)

// fakeProvider serves an endless run of frameSize-byte frames up to
// totalFrames.
type fakeProvider struct {
	frameSize   int
	totalFrames int64
}

func newFakeProvider(total int64) *fakeProvider {
	return &fakeProvider{frameSize: 8, totalFrames: total}
}

func (p *fakeProvider) TotalFrames() int64 { return p.totalFrames }
func (p *fakeProvider) FrameByteSize() int { return p.frameSize }
func (p *fakeProvider) Frame(index int64) ([]byte, error) {
	if index < 0 {
		return make([]byte, p.frameSize), nil
	}
	if index >= p.totalFrames {
		return nil, pcmsource.ErrEndOfStream
	}
	return make([]byte, p.frameSize), nil
}

func TestStartStreamingRequiresLoadedProvider(t *testing.T) {
	s := New(zerolog.Nop(), 1, Callbacks{Targets: func() []AudioTarget { return nil }})
	err := s.StartStreaming(nil)
	require.Error(t, err)
}

func TestStartStreamingRejectsDoubleStart(t *testing.T) {
	s := New(zerolog.Nop(), 1, Callbacks{Targets: func() []AudioTarget { return nil }})
	require.NoError(t, s.OpenAudioSocket())
	defer s.CloseAudioSocket()

	s.Load(newFakeProvider(1_000_000), 0)
	require.NoError(t, s.StartStreaming(nil))
	defer s.StopStreaming()

	err := s.StartStreaming(nil)
	require.Error(t, err)
}

func TestPauseRewindsBySequenceLatency(t *testing.T) {
	s := New(zerolog.Nop(), 1, Callbacks{Targets: func() []AudioTarget { return nil }})
	require.NoError(t, s.OpenAudioSocket())
	defer s.CloseAudioSocket()

	s.Load(newFakeProvider(1_000_000), 100)

	var clock atomic.Int64
	restore := setNowMS(func() int64 { return clock.Load() })
	defer restore()

	require.NoError(t, s.StartStreaming(nil))
	clock.Add(500)
	time.Sleep(10 * time.Millisecond)

	s.PauseStreaming()
	after := s.CurrentSeq()
	// With the clock frozen at 500ms, next_seq can have reached at most
	// 100+MSToSeq(500) before the pause; the rewind takes it back by
	// sequence_latency from there.
	require.LessOrEqual(t, after, int64(100)+airtunesrtp.MSToSeq(500)-int64(airtunesrtp.SequenceLatency()))
}

func TestSetProgressRejectedWhileStreaming(t *testing.T) {
	s := New(zerolog.Nop(), 1, Callbacks{Targets: func() []AudioTarget { return nil }})
	require.NoError(t, s.OpenAudioSocket())
	defer s.CloseAudioSocket()
	s.Load(newFakeProvider(1_000_000), 0)
	require.NoError(t, s.StartStreaming(nil))
	defer s.StopStreaming()

	err := s.SetProgress(10)
	require.Error(t, err)
}

func TestSetProgressRejectsOutOfRange(t *testing.T) {
	s := New(zerolog.Nop(), 1, Callbacks{Targets: func() []AudioTarget { return nil }})
	s.Load(newFakeProvider(10), 0)

	require.Error(t, s.SetProgress(-1))
	require.Error(t, s.SetProgress(1000))
	require.NoError(t, s.SetProgress(5))
}

func TestStreamEndedFiresAfterProviderExhausted(t *testing.T) {
	var mu sync.Mutex
	var endedSeq int64 = -1
	ended := make(chan struct{})

	provider := newFakeProvider(2)
	s := New(zerolog.Nop(), 7, Callbacks{
		Targets: func() []AudioTarget { return nil },
		StreamEnded: func(seq int64) {
			mu.Lock()
			endedSeq = seq
			mu.Unlock()
			close(ended)
		},
	})
	require.NoError(t, s.OpenAudioSocket())
	defer s.CloseAudioSocket()
	s.Load(provider, 0)

	var clock atomic.Int64
	restore := setNowMS(func() int64 { return clock.Load() })
	defer restore()

	require.NoError(t, s.StartStreaming(nil))
	clock.Store(60_000) // 60s of elapsed time is far more than enough to exhaust 2 frames

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("stream_ended never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, endedSeq, int64(0))
}

func TestSendToAllSkipsAESWhenNoKeyInstalled(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer conn.Close()

	s := New(zerolog.Nop(), 9, Callbacks{})
	s.audioConn = conn

	target := AudioTarget{IP: "127.0.0.1", Port: conn.LocalAddr().(*net.UDPAddr).Port, RequiresAES: true}
	err = s.sendToAll(0, make([]byte, 16), []AudioTarget{target}, true)
	require.NoError(t, err)
}

// setNowMS overrides the package-level clock for deterministic tests and
// returns a restorer.
func setNowMS(fn func() int64) func() {
	old := nowMS
	nowMS = fn
	return func() { nowMS = old }
}
