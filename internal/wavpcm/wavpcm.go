// Package wavpcm adapts a 16-bit stereo 44.1kHz WAV file to a
// pcmsource.Provider. It is example wiring, not part of the core
// sender: the spec treats container decoding as an external
// collaborator (spec §1), so this package exists only as a reference
// provider for callers that want to play a WAV file. No example binary
// in this module uses it.
package wavpcm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/wav"

	"github.com/airtunesgo/raop/pcmsource"
	airtunesrtp "github.com/airtunesgo/raop/rtp"
)

const (
	bytesPerSample = 2
	channels       = 2
	frameBytes     = airtunesrtp.FramesPerPacket * channels * bytesPerSample
)

// Open decodes a WAV file's header, validates it is 44.1kHz/16-bit/
// stereo (the only format AirTunes v2's ALAC framing here supports),
// and returns a Provider over its PCM payload.
func Open(r io.Reader) (pcmsource.Provider, error) {
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wavpcm: not a valid wav file")
	}
	if dec.SampleRate != airtunesrtp.SamplingRate {
		return nil, fmt.Errorf("wavpcm: sample rate %d, want %d", dec.SampleRate, airtunesrtp.SamplingRate)
	}
	if dec.NumChans != channels {
		return nil, fmt.Errorf("wavpcm: %d channels, want %d", dec.NumChans, channels)
	}
	if dec.BitDepth != 16 {
		return nil, fmt.Errorf("wavpcm: bit depth %d, want 16", dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavpcm: decoding pcm data: %w", err)
	}

	pcm := make([]byte, len(buf.Data)*bytesPerSample)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(int16(sample)))
	}

	totalFrames := int64(len(pcm)) / int64(frameBytes)
	if int64(len(pcm))%int64(frameBytes) != 0 {
		totalFrames++
	}

	return pcmsource.NewReaderProvider(bytes.NewReader(pcm), frameBytes, totalFrames), nil
}
