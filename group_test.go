package raop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airtunesgo/raop/raoperr"
)

func TestPauseRequiresPlayingStatus(t *testing.T) {
	g := New()
	defer g.Close()

	err := g.Pause()
	require.Error(t, err)
}

func TestResumeRequiresPausedStatus(t *testing.T) {
	g := New()
	defer g.Close()

	err := g.Resume()
	require.Error(t, err)
}

func TestStopRequiresNonStoppedStatus(t *testing.T) {
	g := New()
	defer g.Close()

	err := g.Stop()
	require.Error(t, err)
}

func TestSetProgressRequiresPausedStatus(t *testing.T) {
	g := New()
	defer g.Close()

	err := g.SetProgress(1000)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	g := New()
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
}

func TestOperationsRejectedAfterClose(t *testing.T) {
	g := New()
	require.NoError(t, g.Close())

	_, err := g.AddReceiver("svc", "host", "127.0.0.1", 5000, "", nil)
	require.ErrorIs(t, err, raoperr.ErrGroupClosed)

	err = g.Play(nil, nil)
	require.ErrorIs(t, err, raoperr.ErrGroupClosed)

	err = g.SetVolume(50)
	require.ErrorIs(t, err, raoperr.ErrGroupClosed)
}

func TestMetadataSettersWithNoReceiversAreNoops(t *testing.T) {
	g := New()
	defer g.Close()

	require.NoError(t, g.SetVolume(50))
	require.NoError(t, g.SetArtwork("image/jpeg", []byte{0x01}))
	require.NoError(t, g.SetTrackInfo([]byte{0x01}))
}

func TestDeriveSSRCIsDeterministicPerSessionID(t *testing.T) {
	a := deriveSSRC("session-one")
	b := deriveSSRC("session-one")
	c := deriveSSRC("session-two")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestRemoveReceiverUnknownIsANoop(t *testing.T) {
	g := New()
	defer g.Close()

	err := g.RemoveReceiver(&Receiver{IP: "10.0.0.9"})
	require.NoError(t, err)
}

func TestUnwrapSeq16RecoversSameWindow(t *testing.T) {
	// current=70000, actual missed seq=69900, wire = 69900 mod 2^16.
	require.Equal(t, int64(69900), unwrapSeq16(uint16(4364), 70000))
}

func TestUnwrapSeq16RecoversAcrossBackwardWrap(t *testing.T) {
	// current just past a wrap; missed packet's wire value lands in the
	// previous 64k window.
	require.Equal(t, int64(65500), unwrapSeq16(uint16(65500), 65600))
}

func TestUnwrapSeq16RecoversAcrossForwardWrap(t *testing.T) {
	// current is pre-wrap but the wire value encodes a seq just over the
	// boundary (e.g. a resend request racing the wrap itself).
	require.Equal(t, int64(65600), unwrapSeq16(uint16(64), 65500))
}
