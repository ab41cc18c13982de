package transcode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	wav "github.com/youpy/go-wav"
	soxr "github.com/zaf/resample"

	"github.com/drgolem/mp4opus/internal/mp4io"
	"github.com/drgolem/mp4opus/pkg/chanmap"
)

// ExportResult reports what the export pipeline produced.
type ExportResult struct {
	Channels      int
	SampleRate    int
	OutputSamples int
}

// Export renders an Opus MP4 file to a WAV file. The presentation is
// decoded edit by edit exactly like Decode; empty edits become
// silence, since WAV has no edit lists to carry gaps. Output defaults
// to the codec's 48 kHz and is resampled when another rate is asked
// for.
func Export(ctx context.Context, inPath, outPath string, sampleRate int) (*ExportResult, error) {
	in, err := mp4io.OpenOpus(inPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	channels := int(in.Config.ChannelCount)
	layout, err := chanmap.ByChannels(channels)
	if err != nil {
		return nil, err
	}

	var audio []byte
	sink := func(pcm []int16, samples uint32, gap bool) error {
		if gap {
			audio = append(audio, make([]byte, int(samples)*channels*2)...)
			return nil
		}
		off := len(audio)
		audio = append(audio, make([]byte, len(pcm)*2)...)
		for i, v := range pcm {
			binary.LittleEndian.PutUint16(audio[off+2*i:], uint16(v))
		}
		return nil
	}
	if _, err := decodePresentation(ctx, in, layout, sink); err != nil {
		return nil, err
	}

	if sampleRate != 48000 {
		audio, err = resampleAudio(audio, 48000, sampleRate, channels)
		if err != nil {
			return nil, err
		}
	}

	numSamples := len(audio) / (channels * 2)
	if err := writeWAVFile(outPath, audio, uint32(numSamples), uint16(channels), uint32(sampleRate)); err != nil {
		return nil, err
	}
	return &ExportResult{
		Channels:      channels,
		SampleRate:    sampleRate,
		OutputSamples: numSamples,
	}, nil
}

func resampleAudio(audio []byte, fromRate, toRate, channels int) ([]byte, error) {
	var resampled bytes.Buffer
	bufWriter := bufio.NewWriter(&resampled)

	resampler, err := soxr.New(bufWriter, float64(fromRate), float64(toRate),
		channels, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("transcode: create resampler: %w", err)
	}
	if _, err := resampler.Write(audio); err != nil {
		resampler.Close()
		return nil, fmt.Errorf("transcode: resample: %w", err)
	}
	if err := resampler.Close(); err != nil {
		return nil, fmt.Errorf("transcode: close resampler: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return nil, err
	}
	return resampled.Bytes(), nil
}

func writeWAVFile(fileName string, audio []byte, numSamples uint32, numChannels uint16, sampleRate uint32) error {
	fOut, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("transcode: create output file: %w", err)
	}
	defer fOut.Close()

	wavWriter := wav.NewWriter(fOut, numSamples, numChannels, sampleRate, 16)
	if _, err := wavWriter.Write(audio); err != nil {
		return fmt.Errorf("transcode: write WAV data: %w", err)
	}
	return nil
}
