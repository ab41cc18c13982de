// Package priming derives the codec delay metadata an Opus track has
// to carry: the pre-skip sample count, the pre-roll distance for seek
// recovery, and the per-frame media duration, all on the 48 kHz media
// clock.
package priming

// Info is computed once after encoder setup and written into the dOps
// box (PrimingSamples as PreSkip), the roll sample group
// (-PrerollDistance) and the edit list (PrimingSamples as the media
// start time).
type Info struct {
	// PrimingSamples is the encoder lookahead scaled to the 48 kHz
	// media timescale. Decoders discard this many samples from the
	// start of the stream.
	PrimingSamples uint32

	// PrerollDistance is the number of frames a decoder must process
	// before a seek target so its state covers at least 80 ms.
	PrerollDistance uint32

	// SampleDuration is the media-timescale duration of one frame.
	SampleDuration uint32
}

// Compute derives the track metadata from the encoder lookahead at its
// native rate and the frame duration in milliseconds. Supported rates
// all divide 48000 evenly; the integer scale factor mirrors that
// assumption.
func Compute(lookahead, rate int, frameMS float64) Info {
	return Info{
		PrimingSamples:  uint32(lookahead * (48000 / rate)),
		PrerollDistance: uint32((80-1)/frameMS) + 1,
		SampleDuration:  uint32(48000 * frameMS / 1000),
	}
}

// EditDuration converts a source sample count at the source rate into
// the whole-track presentation duration on the 48 kHz movie timescale.
func EditDuration(numSamples uint32, rate int) uint64 {
	return uint64(float64(numSamples) * 48000 / float64(rate))
}
