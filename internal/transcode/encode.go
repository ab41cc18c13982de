// Package transcode drives the two conversion pipelines: PCM-in-MP4
// to Opus-in-MP4 and back. The container layer (internal/mp4io), the
// codec wrapper (pkg/opuscodec) and the timing helpers (pkg/priming,
// pkg/edit, pkg/framebuf) are composed here.
package transcode

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/thesyncim/gopus"
	soxr "github.com/zaf/resample"

	"github.com/drgolem/mp4opus/internal/mp4io"
	"github.com/drgolem/mp4opus/pkg/chanmap"
	"github.com/drgolem/mp4opus/pkg/framebuf"
	"github.com/drgolem/mp4opus/pkg/opuscodec"
	"github.com/drgolem/mp4opus/pkg/priming"
)

// EncodeOptions are the codec knobs exposed on the command line.
type EncodeOptions struct {
	FrameMS      float64
	Bitrate      int
	Complexity   int
	Application  gopus.Application
	BitrateMode  gopus.BitrateMode
	MaxBandwidth gopus.Bandwidth

	// OutputGain is written verbatim to the dOps box: a Q7.8 dB scale
	// decoders apply to the whole stream.
	OutputGain int16
}

// EncodeResult reports what the encode pipeline produced.
type EncodeResult struct {
	InputSampleRate uint32
	InputSamples    uint64
	Channels        int
	Packets         uint32
	PrimingSamples  uint32
	PrerollDistance uint32
}

// Encode converts a PCM MP4 file into an Opus MP4 file. Input at any
// sample rate is resampled to the 48 kHz the codec runs at; the
// original rate is recorded in the dOps box and the output edit keeps
// the original duration.
func Encode(ctx context.Context, inPath, outPath string, opts EncodeOptions) (*EncodeResult, error) {
	in, err := mp4io.OpenPCM(inPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	var tag, bitmap uint32
	if in.HasLayout {
		tag, bitmap = in.Layout.Tag, in.Layout.Bitmap
	}
	layout, err := chanmap.Resolve(tag, bitmap, int(in.Channels))
	if err != nil {
		return nil, err
	}
	channels := layout.Channels

	enc, err := opuscodec.NewEncoder(opuscodec.EncoderConfig{
		SampleRate:   48000,
		Channels:     channels,
		Streams:      layout.StreamCount(),
		Coupled:      layout.CoupledCount(),
		Mapping:      layout.EncodeOrder(),
		FrameMS:      opts.FrameMS,
		Bitrate:      opts.Bitrate,
		Complexity:   opts.Complexity,
		BitrateMode:  opts.BitrateMode,
		MaxBandwidth: opts.MaxBandwidth,
		Application:  opts.Application,
	})
	if err != nil {
		return nil, err
	}
	pr := priming.Compute(enc.Lookahead(), 48000, opts.FrameMS)

	out, err := mp4io.CreateOpusFile(outPath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	frameBytes := enc.FrameSize() * channels * 2
	acc, err := framebuf.New(frameBytes)
	if err != nil {
		return nil, err
	}

	pcm := make([]int16, enc.FrameSize()*channels)
	emit := func(frame []byte, padding int) error {
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(frame[2*i:]))
		}
		pkt, err := enc.Encode(pcm)
		if err != nil {
			return err
		}
		if len(pkt) == 0 {
			return nil
		}
		return out.AppendSample(pkt, pr.SampleDuration)
	}

	res := &EncodeResult{
		InputSampleRate: in.SampleRate,
		Channels:        channels,
		PrimingSamples:  pr.PrimingSamples,
		PrerollDistance: pr.PrerollDistance,
	}

	feed := func(chunk []byte) error { return acc.Push(chunk, emit) }
	finish := func() error { return acc.Flush(emit) }
	if in.SampleRate != 48000 {
		fw := &funcWriter{fn: feed}
		rs, err := soxr.New(fw, float64(in.SampleRate), 48000, channels, soxr.I16, soxr.HighQ)
		if err != nil {
			return nil, fmt.Errorf("transcode: create resampler: %w", err)
		}
		feed = func(chunk []byte) error {
			_, err := rs.Write(chunk)
			return err
		}
		finish = func() error {
			if err := rs.Close(); err != nil {
				return fmt.Errorf("transcode: drain resampler: %w", err)
			}
			return acc.Flush(emit)
		}
	}

	bytesPerFrame := uint64(channels) * 2
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := in.NextChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		res.InputSamples += uint64(len(chunk)) / bytesPerFrame
		if err := feed(chunk); err != nil {
			return nil, err
		}
	}
	if err := finish(); err != nil {
		return nil, err
	}
	res.Packets = out.NumSamples()

	track := mp4io.OpusTrack{
		ChannelCount:    uint8(channels),
		PreSkip:         uint16(pr.PrimingSamples),
		InputSampleRate: in.SampleRate,
		OutputGain:      opts.OutputGain,
		MappingFamily:   layout.MappingFamily(),
		SampleDuration:  pr.SampleDuration,
		PrerollDistance: pr.PrerollDistance,
		EditDuration:    priming.EditDuration(uint32(res.InputSamples), int(in.SampleRate)),
		EditStartTime:   int64(pr.PrimingSamples),
	}
	if layout.MappingFamily() != 0 {
		track.StreamCount = uint8(layout.StreamCount())
		track.CoupledCount = uint8(layout.CoupledCount())
		track.ChannelMapping = layout.Mapping()
	}
	if err := out.FinalizeOpus(track); err != nil {
		return nil, err
	}
	return res, nil
}

// funcWriter adapts a chunk callback to io.Writer so the resampler
// can stream straight into the frame accumulator.
type funcWriter struct {
	fn func([]byte) error
}

func (w *funcWriter) Write(p []byte) (int, error) {
	if err := w.fn(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
