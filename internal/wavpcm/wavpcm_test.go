package wavpcm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airtunesgo/raop/pcmsource"
)

// buildWAV assembles a minimal canonical PCM WAV file in memory: RIFF
// header, fmt chunk (16-bit stereo at sampleRate), and a data chunk of
// the given raw PCM bytes.
func buildWAV(t *testing.T, sampleRate int, pcm []byte) []byte {
	t.Helper()
	var buf bytes.Buffer

	buf.WriteString("RIFF")
	dataLen := len(pcm)
	riffLen := uint32(4 + (8 + 16) + (8 + dataLen))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, riffLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(16)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(1))) // PCM
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(2))) // channels
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(sampleRate)))
	byteRate := uint32(sampleRate * 2 * 2)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, byteRate))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(4)))  // block align
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(16))) // bits per sample

	buf.WriteString("data")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(dataLen)))
	buf.Write(pcm)

	return buf.Bytes()
}

func TestOpenValidFileYieldsMatchingFrames(t *testing.T) {
	pcm := make([]byte, frameBytes*2)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	wavBytes := buildWAV(t, 44100, pcm)

	provider, err := Open(bytes.NewReader(wavBytes))
	require.NoError(t, err)
	require.Equal(t, int64(2), provider.TotalFrames())

	f0, err := provider.Frame(0)
	require.NoError(t, err)
	require.Equal(t, pcm[:frameBytes], f0)

	_, err = provider.Frame(2)
	require.ErrorIs(t, err, pcmsource.ErrEndOfStream)
}

func TestOpenRejectsWrongSampleRate(t *testing.T) {
	wavBytes := buildWAV(t, 8000, make([]byte, frameBytes))
	_, err := Open(bytes.NewReader(wavBytes))
	require.Error(t, err)
}

func TestOpenRejectsNonWAVInput(t *testing.T) {
	_, err := Open(bytes.NewReader([]byte("not a wav file")))
	require.Error(t, err)
}
