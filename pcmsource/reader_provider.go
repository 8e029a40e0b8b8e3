package pcmsource

import (
	"errors"
	"fmt"
	"io"

	"github.com/mattetti/filebuffer"
)

// ReaderProvider turns a raw, interleaved-PCM io.ReaderAt (or any
// io.Reader buffered into one) into a Provider. It does not understand
// any container format — callers hand it the PCM payload already
// extracted from whatever file type they're playing, matching the
// Non-goal that container decoding lives outside the core. This mirrors
// how the teacher buffers a non-seekable HTTP body into something
// seekable in playback_url.go, using the same filebuffer package.
type ReaderProvider struct {
	src         io.ReaderAt
	frameSize   int
	totalFrames int64
}

// NewReaderProvider wraps a seekable PCM source. frameBytes is
// FramesPerPacket*channels*bytesPerSample; totalFrames is the track's
// total frame count (not byte count).
func NewReaderProvider(src io.ReaderAt, frameBytes int, totalFrames int64) *ReaderProvider {
	return &ReaderProvider{src: src, frameSize: frameBytes, totalFrames: totalFrames}
}

// NewBufferedReaderProvider buffers a plain (possibly non-seekable)
// io.Reader fully into memory and exposes it as a Provider. Useful for
// streams that arrive over the wire rather than from a seekable file.
func NewBufferedReaderProvider(r io.Reader, frameBytes int) (*ReaderProvider, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("pcmsource: buffering reader: %w", err)
	}
	buf := filebuffer.New(data)
	total := int64(len(data)) / int64(frameBytes)
	return NewReaderProvider(buf, frameBytes, total), nil
}

func (p *ReaderProvider) TotalFrames() int64 { return p.totalFrames }

func (p *ReaderProvider) FrameByteSize() int { return p.frameSize }

func (p *ReaderProvider) Frame(index int64) ([]byte, error) {
	if index < 0 {
		return silence(p.frameSize), nil
	}
	if index >= p.totalFrames {
		return nil, ErrEndOfStream
	}

	buf := make([]byte, p.frameSize)
	n, err := p.src.ReadAt(buf, index*int64(p.frameSize))
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		if errors.Is(err, io.EOF) {
			// Trailing short frame: pad with silence.
			for i := n; i < p.frameSize; i++ {
				buf[i] = 0
			}
			return buf, nil
		}
		return nil, fmt.Errorf("pcmsource: reading frame %d: %w", index, err)
	}
	return buf, nil
}
