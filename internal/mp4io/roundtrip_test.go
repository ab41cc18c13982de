package mp4io

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/drgolem/mp4opus/pkg/edit"
)

func TestOpusRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")

	w, err := CreateOpusFile(path)
	if err != nil {
		t.Fatalf("CreateOpusFile: %v", err)
	}
	packets := [][]byte{
		{0x01, 0x02, 0x03},
		{0x04, 0x05},
		{0x06, 0x07, 0x08, 0x09},
	}
	for _, p := range packets {
		if err := w.AppendSample(p, 960); err != nil {
			t.Fatalf("AppendSample: %v", err)
		}
	}
	track := OpusTrack{
		ChannelCount:    6,
		PreSkip:         312,
		InputSampleRate: 44100,
		OutputGain:      -256,
		MappingFamily:   1,
		StreamCount:     4,
		CoupledCount:    2,
		ChannelMapping:  []byte{0, 4, 1, 2, 3, 5},
		SampleDuration:  960,
		PrerollDistance: 4,
		EditDuration:    2500,
		EditStartTime:   312,
	}
	if err := w.FinalizeOpus(track); err != nil {
		t.Fatalf("FinalizeOpus: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenOpus(path)
	if err != nil {
		t.Fatalf("OpenOpus: %v", err)
	}
	defer r.Close()

	cfg := r.Config
	if cfg.ChannelCount != 6 || cfg.PreSkip != 312 || cfg.SampleRate != 44100 ||
		cfg.OutputGain != -256 || cfg.MappingFamily != 1 ||
		cfg.StreamCount != 4 || cfg.CoupledCount != 2 {
		t.Errorf("config: got %+v", cfg)
	}
	if !bytes.Equal(cfg.Mapping, track.ChannelMapping) {
		t.Errorf("mapping: got %v, want %v", cfg.Mapping, track.ChannelMapping)
	}
	if r.PrerollDistance != 4 {
		t.Errorf("preroll distance: got %d, want 4", r.PrerollDistance)
	}
	if r.MovieTimescale != 48000 {
		t.Errorf("movie timescale: got %d, want 48000", r.MovieTimescale)
	}
	if r.NumSamples() != 3 {
		t.Fatalf("samples: got %d, want 3", r.NumSamples())
	}
	if r.MediaDuration() != 3*960 {
		t.Errorf("media duration: got %d, want %d", r.MediaDuration(), 3*960)
	}
	for i, want := range packets {
		cts, err := r.SampleCTS(uint32(i + 1))
		if err != nil {
			t.Fatalf("SampleCTS(%d): %v", i+1, err)
		}
		if cts != uint64(i)*960 {
			t.Errorf("sample %d cts: got %d, want %d", i+1, cts, i*960)
		}
		got, err := r.SampleData(uint32(i + 1))
		if err != nil {
			t.Fatalf("SampleData(%d): %v", i+1, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("sample %d data: got %x, want %x", i+1, got, want)
		}
	}
	if len(r.Edits) != 1 {
		t.Fatalf("edits: got %d, want 1", len(r.Edits))
	}
	e := r.Edits[0]
	if e.SegmentDuration != 2500 || e.MediaTime != 312 || e.MediaRate != 1<<16 {
		t.Errorf("edit: got %+v", e)
	}
}

// An edit longer than 2^32-1 ticks does not fit a version 0 elst entry;
// the writer must switch to version 1 instead of truncating.
func TestOpusRoundTripLongEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")

	w, err := CreateOpusFile(path)
	if err != nil {
		t.Fatalf("CreateOpusFile: %v", err)
	}
	if err := w.AppendSample([]byte{0x01, 0x02, 0x03}, 960); err != nil {
		t.Fatalf("AppendSample: %v", err)
	}
	const longDur = uint64(5_000_000_000) // ~29 hours at 48 kHz
	track := OpusTrack{
		ChannelCount:    2,
		PreSkip:         312,
		InputSampleRate: 48000,
		MappingFamily:   0,
		SampleDuration:  960,
		PrerollDistance: 4,
		EditDuration:    longDur,
		EditStartTime:   312,
	}
	if err := w.FinalizeOpus(track); err != nil {
		t.Fatalf("FinalizeOpus: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenOpus(path)
	if err != nil {
		t.Fatalf("OpenOpus: %v", err)
	}
	defer r.Close()

	if len(r.Edits) != 1 {
		t.Fatalf("edits: got %d, want 1", len(r.Edits))
	}
	e := r.Edits[0]
	if e.SegmentDuration != longDur {
		t.Errorf("segment duration: got %d, want %d", e.SegmentDuration, longDur)
	}
	if e.MediaTime != 312 || e.MediaRate != 1<<16 {
		t.Errorf("edit: got %+v", e)
	}
}

func TestPCMRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")

	w, err := CreateQuickTimeFile(path)
	if err != nil {
		t.Fatalf("CreateQuickTimeFile: %v", err)
	}
	chunks := [][]byte{
		bytes.Repeat([]byte{0x11, 0x22}, 2*100), // 100 stereo frames
		bytes.Repeat([]byte{0x33, 0x44}, 2*60),
	}
	durations := []uint32{100, 60}
	for i, c := range chunks {
		if err := w.AppendSample(c, durations[i]); err != nil {
			t.Fatalf("AppendSample: %v", err)
		}
	}
	layout := ChannelLayout{Tag: 1 << 16, Bitmap: 0x3}
	err = w.FinalizePCM(PCMTrack{
		ChannelCount: 2,
		Layout:       layout,
		Edits: []edit.Edit{
			{SegmentDuration: 160, MediaTime: 0, MediaRate: 1 << 16},
		},
	})
	if err != nil {
		t.Fatalf("FinalizePCM: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenPCM(path)
	if err != nil {
		t.Fatalf("OpenPCM: %v", err)
	}
	defer r.Close()

	if r.Channels != 2 {
		t.Errorf("channels: got %d, want 2", r.Channels)
	}
	if r.SampleRate != 48000 {
		t.Errorf("sample rate: got %d, want 48000", r.SampleRate)
	}
	if !r.HasLayout {
		t.Fatalf("channel layout missing")
	}
	if r.Layout != layout {
		t.Errorf("layout: got %+v, want %+v", r.Layout, layout)
	}
	for i, want := range chunks {
		got, err := r.NextChunk()
		if err != nil {
			t.Fatalf("NextChunk(%d): %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("chunk %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := r.NextChunk(); err == nil {
		t.Errorf("NextChunk past end: expected EOF")
	}
}
