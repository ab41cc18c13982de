// Package edit reconstructs presentation windows from an Opus track's
// edit list. An edit names a media start time and a duration, but an
// Opus decoder cannot start cold at an arbitrary packet: it has to
// chew through pre-roll packets first, and the decoded stream then
// needs sample-accurate trimming at both ends so the output spans
// exactly the requested window.
package edit

import (
	"fmt"
	"io"
)

// Edit is one entry of a track's edit list. SegmentDuration is
// expressed on the movie timescale, MediaTime on the 48 kHz media
// timescale. MediaTime of -1 marks an empty (gap) edit.
type Edit struct {
	SegmentDuration uint64
	MediaTime       int64
	MediaRate       int32
}

// Empty reports whether the edit is a gap with no media mapped to it.
func (e Edit) Empty() bool {
	return e.MediaTime == -1
}

// ResolveDuration expands a zero SegmentDuration, which means "play to
// the end of the media", into the concrete movie-timescale duration.
func ResolveDuration(e Edit, mediaDuration uint64, timescale uint32) uint64 {
	if e.SegmentDuration != 0 {
		return e.SegmentDuration
	}
	return uint64(float64(mediaDuration) / 48000 * float64(timescale))
}

// Timeline is the demuxer-side view of one track's samples. Sample
// numbers are 1-based, following the container convention.
type Timeline interface {
	NumSamples() uint32
	SampleCTS(num uint32) (uint64, error)
	SampleData(num uint32) ([]byte, error)
	MediaDuration() uint64
}

// Packet is one coded sample handed to the decoder.
type Packet struct {
	Num  uint32
	CTS  uint64
	Data []byte
}

type resolverState int

const (
	recoveryRequired resolverState = iota
	recoveryStarted
)

// Resolver walks a timeline for one edit. It starts in a recovery
// scan: packets before the edit start are skipped by metadata only,
// and once the first in-window packet is found the cursor steps BACK
// by the pre-roll distance (plus one more when the edit start falls
// inside a packet rather than on its boundary) so the decoder warms up
// on real data. From there every packet is delivered in order until
// the media ends; the caller stops earlier once its output window is
// filled.
type Resolver struct {
	tl      Timeline
	preroll uint32

	state resolverState
	start uint64
	num   uint32
}

func NewResolver(tl Timeline, prerollDistance uint32) *Resolver {
	return &Resolver{tl: tl, preroll: prerollDistance}
}

// Begin positions the resolver at the head of the given edit.
func (r *Resolver) Begin(e Edit) error {
	if e.Empty() {
		return fmt.Errorf("edit: cannot resolve an empty edit")
	}
	r.state = recoveryRequired
	r.start = uint64(e.MediaTime)
	r.num = 1
	return nil
}

// Next returns the next packet to decode. io.EOF signals the normal
// end of the media; any other error is a timeline fault and fatal for
// the whole conversion.
func (r *Resolver) Next() (Packet, error) {
	for {
		if r.num == 0 || r.num > r.tl.NumSamples() {
			return Packet{}, io.EOF
		}
		cts, err := r.tl.SampleCTS(r.num)
		if err != nil {
			return Packet{}, fmt.Errorf("edit: sample %d info: %w", r.num, err)
		}
		if r.state == recoveryRequired {
			if cts < r.start {
				r.num++
				continue
			}
			r.state = recoveryStarted
			var fromPrev uint32
			if cts > r.start {
				fromPrev = 1
			}
			if r.num <= r.preroll+fromPrev {
				r.num = 1
			} else {
				r.num -= r.preroll + fromPrev
			}
			continue
		}
		data, err := r.tl.SampleData(r.num)
		if err != nil {
			return Packet{}, fmt.Errorf("edit: sample %d data: %w", r.num, err)
		}
		p := Packet{Num: r.num, CTS: cts, Data: data}
		r.num++
		return p, nil
	}
}

// Trimmer accumulates the output position for one edit and computes,
// per decoded packet, how many leading samples to drop and how many to
// keep so the emitted audio covers exactly
// [MediaTime, MediaTime+SegmentDuration) and nothing more.
//
// The running position is kept on the output timescale, advanced in
// float so fractional ticks carry forward; the tail trim converts the
// tick overshoot back to samples exactly, rounding toward a shorter
// output.
type Trimmer struct {
	timescale uint32
	start     uint64
	duration  uint64
	timestamp uint64
}

// NewTrimmer creates the per-edit trimming state. duration must
// already be resolved (see ResolveDuration).
func NewTrimmer(e Edit, duration uint64, timescale uint32) *Trimmer {
	return &Trimmer{
		timescale: timescale,
		start:     uint64(e.MediaTime),
		duration:  duration,
	}
}

// Apply takes the decoded packet's media CTS and sample count and
// returns the leading samples to skip and the count to emit. A take of
// zero or less means the packet produces no output; the position still
// advances for its in-window portion.
func (t *Trimmer) Apply(cts uint64, numSamples int) (skip, take int) {
	if numSamples <= 0 {
		return 0, numSamples
	}
	if cts < t.start {
		if cts+uint64(numSamples) <= t.start {
			skip = numSamples
		} else {
			skip = int(t.start - cts)
		}
		numSamples -= skip
	}
	t.timestamp = uint64(float64(t.timestamp) + float64(numSamples)/48000*float64(t.timescale))
	if t.timestamp > t.duration {
		// Overshoot is converted back to samples with an exact integer
		// ceiling so the emitted audio never extends past the window. A
		// float round trip here can land one ulp high or low and either
		// leak a sample past the edit or starve one from it.
		over := t.timestamp - t.duration
		numSamples -= int((over*48000 + uint64(t.timescale) - 1) / uint64(t.timescale))
	}
	return skip, numSamples
}

// Done reports whether the edit's output window is filled.
func (t *Trimmer) Done() bool {
	return t.timestamp >= t.duration
}

// Position returns the accumulated output timestamp.
func (t *Trimmer) Position() uint64 {
	return t.timestamp
}
