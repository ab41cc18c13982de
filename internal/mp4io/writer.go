package mp4io

import (
	"fmt"
	"io"
	"math"
	"os"

	mp4 "github.com/abema/go-mp4"

	"github.com/drgolem/mp4opus/pkg/edit"
)

// Writer produces a single-track audio file progressively: samples
// stream straight into an open mdat while the index is accumulated in
// memory, and the moov is emitted on finalize. Layout is
// ftyp | mdat | moov | free, so chunk offsets are known before the
// moov is written and never need patching.
type Writer struct {
	f  *os.File
	mw *mp4.Writer

	ftyp *mp4.Ftyp

	mdatStart   uint64
	mdatOpen    bool
	sampleSizes []uint32
	durations   []uint32
	totalDur    uint64
}

// CreateOpusFile opens an output file branded for Opus in ISOBMFF.
func CreateOpusFile(path string) (*Writer, error) {
	return create(path, &mp4.Ftyp{
		MajorBrand:   [4]byte{'m', 'p', '4', '2'},
		MinorVersion: 0,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'m', 'p', '4', '2'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '2'}},
		},
	})
}

// CreateQuickTimeFile opens an output file branded as a QuickTime
// movie, the shape the PCM track writer targets.
func CreateQuickTimeFile(path string) (*Writer, error) {
	return create(path, &mp4.Ftyp{
		MajorBrand:   [4]byte{'q', 't', ' ', ' '},
		MinorVersion: 0,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'q', 't', ' ', ' '}},
		},
	})
}

func create(path string, ftyp *mp4.Ftyp) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("mp4io: create output: %w", err)
	}
	w := &Writer{
		f:    f,
		mw:   mp4.NewWriter(f),
		ftyp: ftyp,
	}
	if err := w.writeBox(ftyp); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := w.mw.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdat()}); err != nil {
		f.Close()
		return nil, err
	}
	pos, err := w.mw.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.mdatStart = uint64(pos)
	w.mdatOpen = true
	return w, nil
}

// AppendSample writes one sample payload into the mdat and records its
// size and duration in media timescale units.
func (w *Writer) AppendSample(data []byte, duration uint32) error {
	if !w.mdatOpen {
		return fmt.Errorf("mp4io: sample appended after finalize")
	}
	if _, err := w.mw.Write(data); err != nil {
		return fmt.Errorf("mp4io: write sample: %w", err)
	}
	w.sampleSizes = append(w.sampleSizes, uint32(len(data)))
	w.durations = append(w.durations, duration)
	w.totalDur += uint64(duration)
	return nil
}

func (w *Writer) NumSamples() uint32 { return uint32(len(w.sampleSizes)) }

// MediaDuration is the sum of appended sample durations.
func (w *Writer) MediaDuration() uint64 { return w.totalDur }

func (w *Writer) closeMdat() error {
	if !w.mdatOpen {
		return nil
	}
	if _, err := w.mw.EndBox(); err != nil {
		return fmt.Errorf("mp4io: close mdat: %w", err)
	}
	w.mdatOpen = false
	return nil
}

func (w *Writer) Close() error {
	return w.f.Close()
}

// OpusTrack carries everything the moov of an Opus file needs beyond
// the sample index itself.
type OpusTrack struct {
	ChannelCount    uint8
	PreSkip         uint16
	InputSampleRate uint32
	OutputGain      int16
	MappingFamily   uint8
	StreamCount     uint8
	CoupledCount    uint8
	ChannelMapping  []byte

	SampleDuration  uint32 // uniform, in 48 kHz ticks
	PrerollDistance uint32
	EditDuration    uint64
	EditStartTime   int64
}

// FinalizeOpus completes the mdat and writes the moov for an Opus
// track: timescale 48000, a single edit skipping the priming samples,
// and a 'roll' sample group advertising the pre-roll distance.
func (w *Writer) FinalizeOpus(t OpusTrack) error {
	if err := w.closeMdat(); err != nil {
		return err
	}
	mediaDur := uint64(w.NumSamples()) * uint64(t.SampleDuration)

	if err := w.writeBoxStart(&mp4.Moov{}); err != nil {
		return err
	}
	if err := w.writeBox(w.mvhd(t.EditDuration)); err != nil {
		return err
	}
	if err := w.writeBoxStart(&mp4.Trak{}); err != nil {
		return err
	}
	if err := w.writeBox(w.tkhd(t.EditDuration)); err != nil {
		return err
	}
	edits := []edit.Edit{{
		SegmentDuration: t.EditDuration,
		MediaTime:       t.EditStartTime,
		MediaRate:       1 << 16,
	}}
	if err := w.writeEdts(edits); err != nil {
		return err
	}
	if err := w.writeBoxStart(&mp4.Mdia{}); err != nil {
		return err
	}
	if err := w.writeBox(w.mdhd(mediaDur)); err != nil {
		return err
	}
	if err := w.writeBox(soundHandler()); err != nil {
		return err
	}
	if err := w.writeBoxStart(&mp4.Minf{}); err != nil {
		return err
	}
	if err := w.writeBox(&mp4.Smhd{}); err != nil {
		return err
	}
	if err := w.writeDinf(); err != nil {
		return err
	}
	if err := w.writeBoxStart(&mp4.Stbl{}); err != nil {
		return err
	}
	if err := w.writeBoxStart(&mp4.Stsd{EntryCount: 1}); err != nil {
		return err
	}
	err := w.writeBoxStart(&mp4.AudioSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeOpus()},
			DataReferenceIndex: 1,
		},
		ChannelCount: uint16(t.ChannelCount),
		SampleSize:   16,
		SampleRate:   48000 * 65536,
	})
	if err != nil {
		return err
	}
	if err := w.writeBox(&mp4.DOps{
		OutputChannelCount:   t.ChannelCount,
		PreSkip:              t.PreSkip,
		InputSampleRate:      t.InputSampleRate,
		OutputGain:           t.OutputGain,
		ChannelMappingFamily: t.MappingFamily,
		StreamCount:          t.StreamCount,
		CoupledCount:         t.CoupledCount,
		ChannelMapping:       t.ChannelMapping,
	}); err != nil {
		return err
	}
	if err := w.writeBoxEnd(); err != nil { // sample entry
		return err
	}
	if err := w.writeBoxEnd(); err != nil { // stsd
		return err
	}
	if err := w.writeSampleIndex(uniformDurations(w.NumSamples(), t.SampleDuration)); err != nil {
		return err
	}
	if err := w.writeRawBox(mp4.BoxTypeSgpd(), marshalSgpdRoll(t.PrerollDistance)); err != nil {
		return err
	}
	if err := w.writeRawBox(mp4.BoxTypeSbgp(), marshalSbgpRoll(w.NumSamples())); err != nil {
		return err
	}
	for i := 0; i < 4; i++ { // stbl, minf, mdia, trak
		if err := w.writeBoxEnd(); err != nil {
			return err
		}
	}
	if err := w.writeBoxEnd(); err != nil { // moov
		return err
	}
	return w.writeRawBox(mp4.BoxTypeFree(), []byte(toolMarker))
}

// PCMTrack describes the moov of a decoded PCM file: 16-bit
// little-endian integer samples at 48 kHz with a QuickTime channel
// layout and the presentation's edit list.
type PCMTrack struct {
	ChannelCount uint16
	Layout       ChannelLayout
	Edits        []edit.Edit
}

func (w *Writer) FinalizePCM(t PCMTrack) error {
	if err := w.closeMdat(); err != nil {
		return err
	}
	var presDur uint64
	for _, e := range t.Edits {
		presDur += e.SegmentDuration
	}

	if err := w.writeBoxStart(&mp4.Moov{}); err != nil {
		return err
	}
	if err := w.writeBox(w.mvhd(presDur)); err != nil {
		return err
	}
	if err := w.writeBoxStart(&mp4.Trak{}); err != nil {
		return err
	}
	if err := w.writeBox(w.tkhd(presDur)); err != nil {
		return err
	}
	if err := w.writeEdts(t.Edits); err != nil {
		return err
	}
	if err := w.writeBoxStart(&mp4.Mdia{}); err != nil {
		return err
	}
	if err := w.writeBox(w.mdhd(w.totalDur)); err != nil {
		return err
	}
	if err := w.writeBox(soundHandler()); err != nil {
		return err
	}
	if err := w.writeBoxStart(&mp4.Minf{}); err != nil {
		return err
	}
	if err := w.writeBox(&mp4.Smhd{}); err != nil {
		return err
	}
	if err := w.writeDinf(); err != nil {
		return err
	}
	if err := w.writeBoxStart(&mp4.Stbl{}); err != nil {
		return err
	}
	if err := w.writeBoxStart(&mp4.Stsd{EntryCount: 1}); err != nil {
		return err
	}
	err := w.writeBoxStart(&mp4.AudioSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeIpcm()},
			DataReferenceIndex: 1,
		},
		ChannelCount: t.ChannelCount,
		SampleSize:   16,
		SampleRate:   48000 * 65536,
	})
	if err != nil {
		return err
	}
	if err := w.writeBox(&mp4.PcmC{
		FormatFlags:   pcmLittleEndian,
		PCMSampleSize: 16,
	}); err != nil {
		return err
	}
	if err := w.writeRawBox(boxTypeChan(), marshalChan(t.Layout)); err != nil {
		return err
	}
	if err := w.writeBoxEnd(); err != nil { // sample entry
		return err
	}
	if err := w.writeBoxEnd(); err != nil { // stsd
		return err
	}
	if err := w.writeSampleIndex(w.durations); err != nil {
		return err
	}
	for i := 0; i < 4; i++ { // stbl, minf, mdia, trak
		if err := w.writeBoxEnd(); err != nil {
			return err
		}
	}
	if err := w.writeBoxEnd(); err != nil { // moov
		return err
	}
	return w.writeRawBox(mp4.BoxTypeFree(), []byte(toolMarker))
}

const pcmLittleEndian = 1

func (w *Writer) mvhd(duration uint64) *mp4.Mvhd {
	m := &mp4.Mvhd{
		Timescale:   48000,
		Rate:        1 << 16,
		Volume:      256,
		Matrix:      unityMatrix(),
		NextTrackID: 2,
	}
	if duration > math.MaxUint32 {
		m.Version = 1
		m.DurationV1 = duration
	} else {
		m.DurationV0 = uint32(duration)
	}
	return m
}

func (w *Writer) tkhd(duration uint64) *mp4.Tkhd {
	t := &mp4.Tkhd{
		FullBox: mp4.FullBox{
			Flags: [3]byte{0, 0, 3}, // enabled, in movie
		},
		TrackID:        1,
		AlternateGroup: 1,
		Volume:         256,
		Matrix:         unityMatrix(),
	}
	if duration > math.MaxUint32 {
		t.Version = 1
		t.DurationV1 = duration
	} else {
		t.DurationV0 = uint32(duration)
	}
	return t
}

func (w *Writer) mdhd(duration uint64) *mp4.Mdhd {
	m := &mp4.Mdhd{
		Timescale: 48000,
		Language:  [3]byte{'u' - 0x60, 'n' - 0x60, 'd' - 0x60},
	}
	if duration > math.MaxUint32 {
		m.Version = 1
		m.DurationV1 = duration
	} else {
		m.DurationV0 = uint32(duration)
	}
	return m
}

func soundHandler() *mp4.Hdlr {
	return &mp4.Hdlr{
		HandlerType: [4]byte{'s', 'o', 'u', 'n'},
		Name:        "SoundHandler",
	}
}

func unityMatrix() [9]int32 {
	return [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000}
}

func (w *Writer) writeEdts(edits []edit.Edit) error {
	if len(edits) == 0 {
		return nil
	}
	if err := w.writeBoxStart(&mp4.Edts{}); err != nil {
		return err
	}
	// Version 1 only when an entry does not fit the 32-bit fields.
	var version uint8
	for _, e := range edits {
		if e.SegmentDuration > math.MaxUint32 ||
			e.MediaTime > math.MaxInt32 || e.MediaTime < math.MinInt32 {
			version = 1
			break
		}
	}
	elst := &mp4.Elst{
		FullBox:    mp4.FullBox{Version: version},
		EntryCount: uint32(len(edits)),
	}
	for _, e := range edits {
		entry := mp4.ElstEntry{
			MediaRateInteger:  int16(e.MediaRate >> 16),
			MediaRateFraction: int16(e.MediaRate & 0xffff),
		}
		if version == 1 {
			entry.SegmentDurationV1 = e.SegmentDuration
			entry.MediaTimeV1 = e.MediaTime
		} else {
			entry.SegmentDurationV0 = uint32(e.SegmentDuration)
			entry.MediaTimeV0 = int32(e.MediaTime)
		}
		elst.Entries = append(elst.Entries, entry)
	}
	if err := w.writeBox(elst); err != nil {
		return err
	}
	return w.writeBoxEnd()
}

func (w *Writer) writeDinf() error {
	if err := w.writeBoxStart(&mp4.Dinf{}); err != nil {
		return err
	}
	if err := w.writeBox(&mp4.Dref{EntryCount: 1}); err != nil {
		return err
	}
	if err := w.writeBox(&mp4.Url{
		FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}, // self-contained
	}); err != nil {
		return err
	}
	return w.writeBoxEnd()
}

// writeSampleIndex emits stts, stsc, stsz and stco for a single chunk
// holding every sample back to back at the start of the mdat.
func (w *Writer) writeSampleIndex(durations []uint32) error {
	stts := &mp4.Stts{}
	for _, d := range durations {
		n := len(stts.Entries)
		if n > 0 && stts.Entries[n-1].SampleDelta == d {
			stts.Entries[n-1].SampleCount++
			continue
		}
		stts.Entries = append(stts.Entries, mp4.SttsEntry{
			SampleCount: 1,
			SampleDelta: d,
		})
	}
	stts.EntryCount = uint32(len(stts.Entries))
	if err := w.writeBox(stts); err != nil {
		return err
	}
	if err := w.writeBox(&mp4.Stsc{
		EntryCount: 1,
		Entries: []mp4.StscEntry{{
			FirstChunk:             1,
			SamplesPerChunk:        w.NumSamples(),
			SampleDescriptionIndex: 1,
		}},
	}); err != nil {
		return err
	}
	if err := w.writeBox(&mp4.Stsz{
		SampleCount: w.NumSamples(),
		EntrySize:   w.sampleSizes,
	}); err != nil {
		return err
	}
	return w.writeBox(&mp4.Stco{
		EntryCount:  1,
		ChunkOffset: []uint32{uint32(w.mdatStart)},
	})
}

func uniformDurations(n, delta uint32) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = delta
	}
	return out
}

func (w *Writer) writeBoxStart(box mp4.IImmutableBox) error {
	if _, err := w.mw.StartBox(&mp4.BoxInfo{Type: box.GetType()}); err != nil {
		return fmt.Errorf("mp4io: start %s: %w", box.GetType(), err)
	}
	if _, err := mp4.Marshal(w.mw, box, mp4.Context{}); err != nil {
		return fmt.Errorf("mp4io: marshal %s: %w", box.GetType(), err)
	}
	return nil
}

func (w *Writer) writeBoxEnd() error {
	if _, err := w.mw.EndBox(); err != nil {
		return fmt.Errorf("mp4io: end box: %w", err)
	}
	return nil
}

func (w *Writer) writeBox(box mp4.IImmutableBox) error {
	if err := w.writeBoxStart(box); err != nil {
		return err
	}
	return w.writeBoxEnd()
}

func (w *Writer) writeRawBox(typ mp4.BoxType, payload []byte) error {
	if _, err := w.mw.StartBox(&mp4.BoxInfo{Type: typ}); err != nil {
		return fmt.Errorf("mp4io: start %s: %w", typ, err)
	}
	if _, err := w.mw.Write(payload); err != nil {
		return fmt.Errorf("mp4io: write %s: %w", typ, err)
	}
	return w.writeBoxEnd()
}
