// Package framebuf accumulates arbitrary-length chunks of interleaved
// PCM bytes into fixed-size codec frames. Opus encoders consume exact
// frame multiples while container tracks deliver samples in whatever
// chunking the source file used, so a byte-level cursor has to sit
// between the two.
package framebuf

import (
	"errors"
	"fmt"
)

var ErrFrameBytes = errors.New("framebuf: frame size must be positive")

// EmitFunc receives one completed frame. frame is exactly the
// configured frame size; padding is the count of trailing zero bytes
// appended by Flush (0 for all frames emitted by Push). The slice is
// reused between emissions and must not be retained.
type EmitFunc func(frame []byte, padding int) error

// Accumulator buffers pushed bytes and emits full frames in order.
type Accumulator struct {
	buf []byte
	pos int
}

func New(frameBytes int) (*Accumulator, error) {
	if frameBytes <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrFrameBytes, frameBytes)
	}
	return &Accumulator{buf: make([]byte, frameBytes)}, nil
}

// Buffered reports the bytes held for the next frame.
func (a *Accumulator) Buffered() int {
	return a.pos
}

// Push consumes p, emitting every frame it completes. A single push
// may complete several frames; bytes left over stay buffered for the
// next push or for Flush.
func (a *Accumulator) Push(p []byte, emit EmitFunc) error {
	for len(p) > 0 {
		n := copy(a.buf[a.pos:], p)
		a.pos += n
		p = p[n:]
		if a.pos == len(a.buf) {
			a.pos = 0
			if err := emit(a.buf, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush zero-fills the remaining capacity and emits the final frame,
// reporting the number of padding bytes appended. A stream that ended
// on a frame boundary still gets one all-padding tail frame
// (padding == frame size): the encoder's lookahead delays real samples
// into it, and the caller recognizes the full-padding case to leave
// the timeline untouched.
func (a *Accumulator) Flush(emit EmitFunc) error {
	padding := len(a.buf) - a.pos
	for i := a.pos; i < len(a.buf); i++ {
		a.buf[i] = 0
	}
	a.pos = 0
	return emit(a.buf, padding)
}
