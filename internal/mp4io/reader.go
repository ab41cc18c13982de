package mp4io

import (
	"fmt"
	"io"
	"os"

	mp4 "github.com/abema/go-mp4"

	"github.com/drgolem/mp4opus/pkg/edit"
	"github.com/drgolem/mp4opus/pkg/priming"
)

type sampleInfo struct {
	offset uint64
	size   uint32
	cts    uint64
}

// OpusConfig is the decoder setup read from the dOps box.
type OpusConfig struct {
	ChannelCount  uint8
	PreSkip       uint16
	SampleRate    uint32
	OutputGain    int16
	MappingFamily uint8
	StreamCount   uint8
	CoupledCount  uint8
	Mapping       []byte
}

// OpusFile is a parsed Opus-in-MP4 input. It satisfies edit.Timeline,
// so the edit resolver and trimmer can drive sample access directly.
type OpusFile struct {
	f *os.File

	Config          OpusConfig
	PrerollDistance uint32
	MovieTimescale  uint32
	Edits           []edit.Edit

	samples  []sampleInfo
	mediaDur uint64
}

// OpenOpus parses an Opus file and validates the constraints the
// decode path relies on: an Opus sample entry, 48 kHz media timescale
// and at most eight channels.
func OpenOpus(path string) (*OpusFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mp4io: open input: %w", err)
	}
	of := &OpusFile{f: f}
	if err := of.parse(); err != nil {
		f.Close()
		return nil, err
	}
	return of, nil
}

func (of *OpusFile) parse() error {
	trak, movieTimescale, err := findSoundTrack(of.f)
	if err != nil {
		return err
	}
	of.MovieTimescale = movieTimescale

	mdhd, err := extractOne[*mp4.Mdhd](of.f, trak, mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMdhd()})
	if err != nil {
		return fmt.Errorf("mp4io: no mdhd in sound track")
	}
	if mdhd.Timescale != 48000 {
		return fmt.Errorf("mp4io: unsupported media timescale %d, want 48000", mdhd.Timescale)
	}

	stblPath := mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl()}
	entry, err := extractOne[*mp4.AudioSampleEntry](of.f, trak,
		append(stblPath, mp4.BoxTypeStsd(), mp4.BoxTypeOpus()))
	if err != nil {
		return fmt.Errorf("mp4io: sound track does not carry Opus")
	}
	if entry.SampleRate>>16 != 48000 {
		return fmt.Errorf("mp4io: unsupported sample rate %d, want 48000", entry.SampleRate>>16)
	}
	dops, err := extractOne[*mp4.DOps](of.f, trak,
		append(stblPath, mp4.BoxTypeStsd(), mp4.BoxTypeOpus(), mp4.BoxTypeDOps()))
	if err != nil {
		return fmt.Errorf("mp4io: Opus sample entry has no dOps box")
	}
	if dops.OutputChannelCount < 1 || dops.OutputChannelCount > 8 {
		return fmt.Errorf("mp4io: unsupported channel count %d", dops.OutputChannelCount)
	}
	of.Config = OpusConfig{
		ChannelCount:  dops.OutputChannelCount,
		PreSkip:       dops.PreSkip,
		SampleRate:    dops.InputSampleRate,
		OutputGain:    dops.OutputGain,
		MappingFamily: dops.ChannelMappingFamily,
		StreamCount:   dops.StreamCount,
		CoupledCount:  dops.CoupledCount,
		Mapping:       dops.ChannelMapping,
	}
	if dops.ChannelMappingFamily == 0 {
		of.Config.StreamCount = 1
		if dops.OutputChannelCount == 2 {
			of.Config.CoupledCount = 1
		}
		of.Config.Mapping = nil
	}

	stts, err := extractOne[*mp4.Stts](of.f, trak, append(stblPath, mp4.BoxTypeStts()))
	if err != nil {
		return fmt.Errorf("mp4io: missing stts")
	}
	of.samples, of.mediaDur, err = buildSampleIndex(of.f, trak, stblPath, stts)
	if err != nil {
		return err
	}

	of.Edits, err = readEdits(of.f, trak)
	if err != nil {
		return err
	}
	of.PrerollDistance = of.readPrerollDistance(trak, stblPath, stts)
	return nil
}

// readPrerollDistance takes the roll distance from the 'roll' sample
// group when present, otherwise derives it from the frame duration.
func (of *OpusFile) readPrerollDistance(trak *mp4.BoxInfo, stblPath mp4.BoxPath, stts *mp4.Stts) uint32 {
	bis, err := mp4.ExtractBox(of.f, trak, append(stblPath, mp4.BoxTypeSgpd()))
	if err == nil {
		for _, bi := range bis {
			payload, err := readBoxPayload(of.f, bi)
			if err != nil {
				continue
			}
			if dist, ok := unmarshalSgpdRoll(payload); ok {
				return dist
			}
		}
	}
	if len(stts.Entries) == 0 || stts.Entries[0].SampleDelta == 0 {
		return 0
	}
	frameMS := float64(stts.Entries[0].SampleDelta) / 48
	return priming.Compute(0, 48000, frameMS).PrerollDistance
}

// NumSamples, SampleCTS, SampleData and MediaDuration implement
// edit.Timeline with 1-based sample numbers.

func (of *OpusFile) NumSamples() uint32 { return uint32(len(of.samples)) }

func (of *OpusFile) SampleCTS(num uint32) (uint64, error) {
	if num < 1 || num > of.NumSamples() {
		return 0, fmt.Errorf("mp4io: sample %d out of range", num)
	}
	return of.samples[num-1].cts, nil
}

func (of *OpusFile) SampleData(num uint32) ([]byte, error) {
	if num < 1 || num > of.NumSamples() {
		return nil, fmt.Errorf("mp4io: sample %d out of range", num)
	}
	s := of.samples[num-1]
	buf := make([]byte, s.size)
	if _, err := of.f.ReadAt(buf, int64(s.offset)); err != nil {
		return nil, fmt.Errorf("mp4io: read sample %d: %w", num, err)
	}
	return buf, nil
}

func (of *OpusFile) MediaDuration() uint64 { return of.mediaDur }

func (of *OpusFile) Close() error { return of.f.Close() }

// PCMFile is a parsed PCM input for the encode path: 16-bit
// little-endian integer samples in an ipcm sample entry.
type PCMFile struct {
	f *os.File

	Channels   uint16
	SampleRate uint32
	Layout     ChannelLayout
	HasLayout  bool

	samples []sampleInfo
	next    int
}

// OpenPCM parses a PCM file and validates the sample format.
func OpenPCM(path string) (*PCMFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mp4io: open input: %w", err)
	}
	pf := &PCMFile{f: f}
	if err := pf.parse(); err != nil {
		f.Close()
		return nil, err
	}
	return pf, nil
}

func (pf *PCMFile) parse() error {
	trak, _, err := findSoundTrack(pf.f)
	if err != nil {
		return err
	}
	stblPath := mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl()}
	entry, err := extractOne[*mp4.AudioSampleEntry](pf.f, trak,
		append(stblPath, mp4.BoxTypeStsd(), mp4.BoxTypeIpcm()))
	if err != nil {
		return fmt.Errorf("mp4io: sound track does not carry integer PCM")
	}
	pcmc, err := extractOne[*mp4.PcmC](pf.f, trak,
		append(stblPath, mp4.BoxTypeStsd(), mp4.BoxTypeIpcm(), mp4.BoxTypePcmC()))
	if err != nil {
		return fmt.Errorf("mp4io: PCM sample entry has no pcmC box")
	}
	if pcmc.PCMSampleSize != 16 || pcmc.FormatFlags&pcmLittleEndian == 0 {
		return fmt.Errorf("mp4io: unsupported PCM format: %d-bit, flags %#x (want 16-bit little-endian)",
			pcmc.PCMSampleSize, pcmc.FormatFlags)
	}
	pf.Channels = entry.ChannelCount
	pf.SampleRate = entry.SampleRate >> 16
	if pf.Channels < 1 {
		return fmt.Errorf("mp4io: PCM track has no channels")
	}
	if pf.SampleRate < 1 {
		return fmt.Errorf("mp4io: PCM track has no sample rate")
	}

	chanBoxes, err := mp4.ExtractBox(pf.f, trak,
		append(stblPath, mp4.BoxTypeStsd(), mp4.BoxTypeIpcm(), boxTypeChan()))
	if err == nil && len(chanBoxes) > 0 {
		payload, err := readBoxPayload(pf.f, chanBoxes[0])
		if err == nil {
			if layout, err := unmarshalChan(payload); err == nil {
				pf.Layout = layout
				pf.HasLayout = true
			}
		}
	}

	stts, err := extractOne[*mp4.Stts](pf.f, trak, append(stblPath, mp4.BoxTypeStts()))
	if err != nil {
		return fmt.Errorf("mp4io: missing stts")
	}
	pf.samples, _, err = buildSampleIndex(pf.f, trak, stblPath, stts)
	return err
}

// NextChunk returns the payload of the next sample in decode order, or
// io.EOF when the track is exhausted.
func (pf *PCMFile) NextChunk() ([]byte, error) {
	if pf.next >= len(pf.samples) {
		return nil, io.EOF
	}
	s := pf.samples[pf.next]
	pf.next++
	buf := make([]byte, s.size)
	if _, err := pf.f.ReadAt(buf, int64(s.offset)); err != nil {
		return nil, fmt.Errorf("mp4io: read sample %d: %w", pf.next, err)
	}
	return buf, nil
}

func (pf *PCMFile) Close() error { return pf.f.Close() }

// findSoundTrack returns the first trak with a 'soun' handler and the
// movie timescale from mvhd.
func findSoundTrack(r io.ReadSeeker) (*mp4.BoxInfo, uint32, error) {
	mvhd, err := extractOne[*mp4.Mvhd](r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeMvhd()})
	if err != nil {
		return nil, 0, fmt.Errorf("mp4io: no movie header, not an MP4 file?")
	}
	traks, err := mp4.ExtractBox(r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil || len(traks) == 0 {
		return nil, 0, fmt.Errorf("mp4io: no tracks found")
	}
	for _, trak := range traks {
		hdlr, err := extractOne[*mp4.Hdlr](r, trak, mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeHdlr()})
		if err != nil {
			continue
		}
		if hdlr.HandlerType == [4]byte{'s', 'o', 'u', 'n'} {
			return trak, mvhd.Timescale, nil
		}
	}
	return nil, 0, fmt.Errorf("mp4io: no sound track found")
}

// readEdits converts the elst entries of a track, handling both box
// versions. An empty edit keeps its -1 media time.
func readEdits(r io.ReadSeeker, trak *mp4.BoxInfo) ([]edit.Edit, error) {
	boxes, err := mp4.ExtractBoxWithPayload(r, trak, mp4.BoxPath{mp4.BoxTypeEdts(), mp4.BoxTypeElst()})
	if err != nil || len(boxes) == 0 {
		return nil, nil
	}
	elst, ok := boxes[0].Payload.(*mp4.Elst)
	if !ok {
		return nil, nil
	}
	edits := make([]edit.Edit, 0, len(elst.Entries))
	for _, e := range elst.Entries {
		out := edit.Edit{
			MediaRate: int32(e.MediaRateInteger)<<16 | int32(uint16(e.MediaRateFraction)),
		}
		if elst.Version == 1 {
			out.SegmentDuration = e.SegmentDurationV1
			out.MediaTime = e.MediaTimeV1
		} else {
			out.SegmentDuration = uint64(e.SegmentDurationV0)
			out.MediaTime = int64(e.MediaTimeV0)
		}
		edits = append(edits, out)
	}
	return edits, nil
}

// buildSampleIndex walks stsc/stsz/stco (or co64) and flattens the
// chunk structure into per-sample file offsets with stts timestamps.
func buildSampleIndex(r io.ReadSeeker, trak *mp4.BoxInfo, stblPath mp4.BoxPath, stts *mp4.Stts) ([]sampleInfo, uint64, error) {
	stsc, err := extractOne[*mp4.Stsc](r, trak, append(stblPath, mp4.BoxTypeStsc()))
	if err != nil {
		return nil, 0, fmt.Errorf("mp4io: missing stsc")
	}
	stsz, err := extractOne[*mp4.Stsz](r, trak, append(stblPath, mp4.BoxTypeStsz()))
	if err != nil {
		return nil, 0, fmt.Errorf("mp4io: missing stsz")
	}
	var chunkOffsets []uint64
	if stco, err := extractOne[*mp4.Stco](r, trak, append(stblPath, mp4.BoxTypeStco())); err == nil {
		for _, off := range stco.ChunkOffset {
			chunkOffsets = append(chunkOffsets, uint64(off))
		}
	} else if co64, err := extractOne[*mp4.Co64](r, trak, append(stblPath, mp4.BoxTypeCo64())); err == nil {
		chunkOffsets = co64.ChunkOffset
	} else {
		return nil, 0, fmt.Errorf("mp4io: missing chunk offsets")
	}

	sampleSize := func(i uint32) uint32 {
		if stsz.SampleSize != 0 {
			return stsz.SampleSize
		}
		return stsz.EntrySize[i]
	}
	numSamples := stsz.SampleCount

	samples := make([]sampleInfo, 0, numSamples)
	var sample uint32
	for chunk := 0; chunk < len(chunkOffsets) && sample < numSamples; chunk++ {
		perChunk := samplesPerChunk(stsc, uint32(chunk+1))
		offset := chunkOffsets[chunk]
		for i := uint32(0); i < perChunk && sample < numSamples; i++ {
			size := sampleSize(sample)
			samples = append(samples, sampleInfo{offset: offset, size: size})
			offset += uint64(size)
			sample++
		}
	}
	if uint32(len(samples)) != numSamples {
		return nil, 0, fmt.Errorf("mp4io: chunk structure covers %d of %d samples", len(samples), numSamples)
	}

	var cts uint64
	i := uint32(0)
	for _, e := range stts.Entries {
		for n := uint32(0); n < e.SampleCount && i < numSamples; n++ {
			samples[i].cts = cts
			cts += uint64(e.SampleDelta)
			i++
		}
	}
	return samples, cts, nil
}

func samplesPerChunk(stsc *mp4.Stsc, chunk uint32) uint32 {
	per := uint32(0)
	for _, e := range stsc.Entries {
		if e.FirstChunk > chunk {
			break
		}
		per = e.SamplesPerChunk
	}
	return per
}

func extractOne[T mp4.IBox](r io.ReadSeeker, parent *mp4.BoxInfo, path mp4.BoxPath) (T, error) {
	var zero T
	boxes, err := mp4.ExtractBoxWithPayload(r, parent, path)
	if err != nil {
		return zero, err
	}
	for _, b := range boxes {
		if payload, ok := b.Payload.(T); ok {
			return payload, nil
		}
	}
	return zero, fmt.Errorf("mp4io: box not found")
}

func readBoxPayload(r io.ReadSeeker, bi *mp4.BoxInfo) ([]byte, error) {
	if _, err := bi.SeekToPayload(r); err != nil {
		return nil, err
	}
	buf := make([]byte, bi.Size-bi.HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
