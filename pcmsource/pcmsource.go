// Package pcmsource defines the PCM frame provider interface the
// scheduler reads from (spec §4.2, component C3) and a couple of small,
// generic implementations over it.
package pcmsource

import "errors"

// ErrEndOfStream is returned by Frame once index >= TotalFrames.
var ErrEndOfStream = errors.New("pcmsource: end of stream")

// Provider is a seekable, cached source of fixed-size PCM frames indexed
// by frame number. It is consumed only by the scheduler, single-reader,
// so implementations need not be safe for concurrent use unless they
// document otherwise.
type Provider interface {
	// TotalFrames returns the total number of FramesPerPacket-sized
	// frames in the track.
	TotalFrames() int64

	// Frame returns the PCM bytes for the given frame index. For index
	// < 0 it returns silence of the correct byte size. For index >=
	// TotalFrames it returns ErrEndOfStream. Otherwise it returns
	// exactly FramesPerPacket*Channels*BytesPerSample bytes.
	Frame(index int64) ([]byte, error)

	// FrameByteSize is FramesPerPacket*Channels*BytesPerSample, the
	// fixed size of every non-EOS frame this provider returns.
	FrameByteSize() int
}

// silence returns n bytes of zeroed PCM, used for negative indices (the
// "past" packets a pause-rewind asks for).
func silence(n int) []byte {
	return make([]byte, n)
}
