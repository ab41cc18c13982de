package transcode

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/drgolem/mp4opus/internal/mp4io"
	"github.com/drgolem/mp4opus/pkg/chanmap"
	"github.com/drgolem/mp4opus/pkg/edit"
	"github.com/drgolem/mp4opus/pkg/opuscodec"
)

// DecodeResult reports what the decode pipeline produced.
type DecodeResult struct {
	Channels        int
	Edits           int
	OutputSamples   uint64
	PrerollDistance uint32
}

// pcmSink receives decoded audio. pcm holds samples*channels int16
// values interleaved in container order; gap deliveries carry nil pcm
// with the gap length in samples.
type pcmSink func(pcm []int16, samples uint32, gap bool) error

// Decode converts an Opus MP4 file into a PCM QuickTime file. Every
// edit of the input is reproduced sample exactly: pre-roll packets are
// decoded and discarded ahead of each window, priming is cut by the
// front trim, and the tail is trimmed so each segment spans its edit
// duration and nothing more.
func Decode(ctx context.Context, inPath, outPath string) (*DecodeResult, error) {
	in, err := mp4io.OpenOpus(inPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	out, err := mp4io.CreateQuickTimeFile(outPath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	channels := int(in.Config.ChannelCount)
	layout, err := chanmap.ByChannels(channels)
	if err != nil {
		return nil, err
	}

	res := &DecodeResult{
		Channels:        channels,
		PrerollDistance: in.PrerollDistance,
	}

	buf := make([]byte, 0, 4096)
	sink := func(pcm []int16, samples uint32, gap bool) error {
		if gap {
			return nil
		}
		need := len(pcm) * 2
		if cap(buf) < need {
			buf = make([]byte, need)
		}
		buf = buf[:need]
		for i, v := range pcm {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
		}
		res.OutputSamples += uint64(samples)
		return out.AppendSample(buf, samples)
	}

	outEdits, err := decodePresentation(ctx, in, layout, sink)
	if err != nil {
		return nil, err
	}
	res.Edits = len(outEdits)

	if err := out.FinalizePCM(mp4io.PCMTrack{
		ChannelCount: uint16(channels),
		Layout: mp4io.ChannelLayout{
			Tag:    chanmap.TagUseChannelBitmap,
			Bitmap: layout.Bitmap,
		},
		Edits: outEdits,
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// decodePresentation runs the decoder across every edit of the input
// and returns the output edit list. Audio goes to sink in presentation
// order; empty edits are forwarded as gaps and stay empty in the
// returned list.
func decodePresentation(ctx context.Context, in *mp4io.OpusFile, layout chanmap.Layout, sink pcmSink) ([]edit.Edit, error) {
	dec, err := opuscodec.NewDecoder(opuscodec.DecoderConfig{
		Channels:   layout.Channels,
		Streams:    int(in.Config.StreamCount),
		Coupled:    int(in.Config.CoupledCount),
		Mapping:    layout.DecodeOrder(in.Config.Mapping),
		OutputGain: in.Config.OutputGain,
	})
	if err != nil {
		return nil, err
	}

	edits := in.Edits
	if len(edits) == 0 {
		// No edit list: the whole media minus the priming samples.
		edits = []edit.Edit{{
			SegmentDuration: 0,
			MediaTime:       int64(in.Config.PreSkip),
			MediaRate:       1 << 16,
		}}
	}

	resolver := edit.NewResolver(in, in.PrerollDistance)
	outEdits := make([]edit.Edit, 0, len(edits))
	var mediaPos uint64 // output media samples written so far

	for _, e := range edits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dur := edit.ResolveDuration(e, in.MediaDuration(), in.MovieTimescale)
		if e.Empty() {
			// Gap durations move to the output's 48 kHz movie timescale.
			gap := uint64(float64(dur) / float64(in.MovieTimescale) * 48000)
			if err := sink(nil, uint32(gap), true); err != nil {
				return nil, err
			}
			outEdits = append(outEdits, edit.Edit{
				SegmentDuration: gap,
				MediaTime:       -1,
				MediaRate:       e.MediaRate,
			})
			continue
		}
		if err := resolver.Begin(e); err != nil {
			return nil, err
		}
		tr := edit.NewTrimmer(e, dur, in.MovieTimescale)
		var written uint64
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			pkt, err := resolver.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			pcm, err := dec.Decode(pkt.Data)
			if err != nil {
				return nil, err
			}
			samples := len(pcm) / layout.Channels
			skip, take := tr.Apply(pkt.CTS, samples)
			if take > 0 {
				slice := pcm[skip*layout.Channels : (skip+take)*layout.Channels]
				if err := sink(slice, uint32(take), false); err != nil {
					return nil, err
				}
				written += uint64(take)
			}
			if tr.Done() {
				break
			}
		}
		// The trimmer already walked the window on the output clock, so
		// the written count is the exact 48 kHz segment duration.
		outEdits = append(outEdits, edit.Edit{
			SegmentDuration: written,
			MediaTime:       int64(mediaPos),
			MediaRate:       e.MediaRate,
		})
		mediaPos += written
	}
	return outEdits, nil
}
