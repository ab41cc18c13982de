package edit

import (
	"errors"
	"io"
	"testing"
)

// fakeTimeline serves numbered packets of a fixed duration on the
// 48 kHz media clock. Sample n (1-based) has CTS (n-1)*dur.
type fakeTimeline struct {
	num uint32
	dur uint64
}

func (f *fakeTimeline) NumSamples() uint32 { return f.num }

func (f *fakeTimeline) SampleCTS(n uint32) (uint64, error) {
	if n < 1 || n > f.num {
		return 0, errors.New("no such sample")
	}
	return uint64(n-1) * f.dur, nil
}

func (f *fakeTimeline) SampleData(n uint32) ([]byte, error) {
	if n < 1 || n > f.num {
		return nil, errors.New("no such sample")
	}
	return []byte{byte(n)}, nil
}

func (f *fakeTimeline) MediaDuration() uint64 { return uint64(f.num) * f.dur }

func collect(t *testing.T, r *Resolver, max int) []uint32 {
	t.Helper()
	var nums []uint32
	for len(nums) < max {
		p, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		nums = append(nums, p.Num)
	}
	return nums
}

func TestResolverRewindExact(t *testing.T) {
	// Edit starts exactly on sample 10's boundary; distance 4 rewinds
	// to sample 6 with no extra step.
	tl := &fakeTimeline{num: 20, dur: 960}
	r := NewResolver(tl, 4)
	if err := r.Begin(Edit{SegmentDuration: 1, MediaTime: 9 * 960, MediaRate: 1}); err != nil {
		t.Fatal(err)
	}
	nums := collect(t, r, 3)
	want := []uint32{6, 7, 8}
	for i := range want {
		if nums[i] != want[i] {
			t.Fatalf("packet sequence = %v, want start at %v", nums, want)
		}
	}
}

func TestResolverRewindMidPacket(t *testing.T) {
	// Edit starts inside sample 10; the scan finds sample 11 (first
	// CTS >= start, strictly greater) and rewinds one packet further.
	tl := &fakeTimeline{num: 20, dur: 960}
	r := NewResolver(tl, 4)
	if err := r.Begin(Edit{SegmentDuration: 1, MediaTime: 9*960 + 100, MediaRate: 1}); err != nil {
		t.Fatal(err)
	}
	nums := collect(t, r, 1)
	if len(nums) != 1 || nums[0] != 6 {
		t.Fatalf("first packet = %v, want 6", nums)
	}
}

func TestResolverClampsAtFirstSample(t *testing.T) {
	tl := &fakeTimeline{num: 20, dur: 960}
	r := NewResolver(tl, 8)
	if err := r.Begin(Edit{SegmentDuration: 1, MediaTime: 2 * 960, MediaRate: 1}); err != nil {
		t.Fatal(err)
	}
	nums := collect(t, r, 1)
	if len(nums) != 1 || nums[0] != 1 {
		t.Fatalf("first packet = %v, want clamp to 1", nums)
	}
}

func TestResolverEOF(t *testing.T) {
	// Start beyond the media: the scan runs off the end, no packets.
	tl := &fakeTimeline{num: 5, dur: 960}
	r := NewResolver(tl, 4)
	if err := r.Begin(Edit{SegmentDuration: 1, MediaTime: 100 * 960, MediaRate: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("Next past media: got %v, want io.EOF", err)
	}

	// And after delivering the tail.
	r = NewResolver(tl, 2)
	if err := r.Begin(Edit{SegmentDuration: 1, MediaTime: 0, MediaRate: 1}); err != nil {
		t.Fatal(err)
	}
	nums := collect(t, r, 100)
	if len(nums) != 5 {
		t.Fatalf("delivered %d packets, want all 5", len(nums))
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("Next after tail: got %v, want io.EOF", err)
	}
}

func TestResolverRejectsEmptyEdit(t *testing.T) {
	r := NewResolver(&fakeTimeline{num: 1, dur: 960}, 4)
	if err := r.Begin(Edit{SegmentDuration: 1, MediaTime: -1}); err == nil {
		t.Fatal("Begin(empty edit): expected error")
	}
}

func TestTrimmerFrontTrim(t *testing.T) {
	e := Edit{MediaTime: 9*960 + 100, MediaRate: 1}
	tr := NewTrimmer(e, 10000, 48000)

	// Wholly before the start: everything skipped, nothing taken.
	skip, take := tr.Apply(8*960, 960)
	if skip != 960 || take != 0 {
		t.Errorf("pre-start packet: skip=%d take=%d, want 960, 0", skip, take)
	}
	if tr.Position() != 0 {
		t.Errorf("position after skipped packet = %d, want 0", tr.Position())
	}

	// Straddling the start: 100 samples dropped, the rest kept.
	skip, take = tr.Apply(9*960, 960)
	if skip != 100 || take != 860 {
		t.Errorf("straddling packet: skip=%d take=%d, want 100, 860", skip, take)
	}
	if tr.Position() != 860 {
		t.Errorf("position = %d, want 860", tr.Position())
	}
}

func TestTrimmerBackTrim(t *testing.T) {
	e := Edit{MediaTime: 0, MediaRate: 1}
	tr := NewTrimmer(e, 1000, 48000)

	_, take := tr.Apply(0, 960)
	if take != 960 {
		t.Fatalf("first packet take = %d, want 960", take)
	}
	if tr.Done() {
		t.Fatal("Done() before window filled")
	}

	// Second packet overshoots by 920 ticks; only 40 samples survive.
	_, take = tr.Apply(960, 960)
	if take != 40 {
		t.Errorf("final packet take = %d, want 40", take)
	}
	if !tr.Done() {
		t.Error("Done() = false after window filled")
	}
}

// At 44100 the window boundary falls between samples; the tail trim
// must round down to the last whole sample inside the window, never
// spill past it.
func TestTrimmerBackTrimFractionalTimescale(t *testing.T) {
	e := Edit{MediaTime: 0, MediaRate: 1}
	tr := NewTrimmer(e, 1000, 44100)

	_, take := tr.Apply(0, 960)
	if take != 960 {
		t.Fatalf("first packet take = %d, want 960", take)
	}

	// 764 ticks over the window is 831.56 samples; trimming 832 keeps
	// the output inside it, trimming 831 would leak half a sample out.
	_, take = tr.Apply(960, 960)
	if take != 128 {
		t.Errorf("final packet take = %d, want 128", take)
	}
	if !tr.Done() {
		t.Error("Done() = false after window filled")
	}
	total := uint64(960 + 128)
	if total*44100 > 1000*48000 {
		t.Errorf("emitted %d samples spill past the 1000-tick window", total)
	}
}

// Across a whole edit the emitted samples must sum to exactly the
// duration when the output timescale matches the media clock.
func TestTrimmerConservation(t *testing.T) {
	for _, duration := range []uint64{1, 100, 960, 997, 5000, 48000} {
		for _, frame := range []int{120, 480, 960, 2880} {
			tr := NewTrimmer(Edit{MediaTime: 100, MediaRate: 1}, duration, 48000)
			total := 0
			cts := uint64(0)
			for !tr.Done() {
				_, take := tr.Apply(cts, frame)
				if take > 0 {
					total += take
				}
				cts += uint64(frame)
			}
			if uint64(total) != duration {
				t.Errorf("duration %d frame %d: emitted %d samples", duration, frame, total)
			}
		}
	}
}

// The running position is accumulated in float and truncated once per
// packet, so fractional ticks carry forward instead of compounding.
func TestTrimmerFractionalTimescale(t *testing.T) {
	tr := NewTrimmer(Edit{MediaTime: 0, MediaRate: 1}, 1<<40, 44100)
	want := []uint64{110, 220, 330, 440}
	for i, w := range want {
		tr.Apply(uint64(i*120), 120)
		if tr.Position() != w {
			t.Errorf("after %d frames of 120: position = %d, want %d", i+1, tr.Position(), w)
		}
	}
}

func TestResolveDuration(t *testing.T) {
	e := Edit{SegmentDuration: 555, MediaTime: 0}
	if got := ResolveDuration(e, 480000, 48000); got != 555 {
		t.Errorf("explicit duration: got %d, want 555", got)
	}
	e.SegmentDuration = 0
	if got := ResolveDuration(e, 480000, 48000); got != 480000 {
		t.Errorf("to-end at 48000: got %d, want 480000", got)
	}
	if got := ResolveDuration(e, 480000, 600); got != 6000 {
		t.Errorf("to-end at 600: got %d, want 6000", got)
	}
}

func TestEmptyEdit(t *testing.T) {
	if !(Edit{MediaTime: -1}).Empty() {
		t.Error("MediaTime -1 not reported empty")
	}
	if (Edit{MediaTime: 0}).Empty() {
		t.Error("MediaTime 0 reported empty")
	}
}
