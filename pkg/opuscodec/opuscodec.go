// Package opuscodec adapts the pure-Go Opus implementation to the
// transcoding pipeline: mono/stereo streams run through the
// single-stream codec, surround through the multistream codec, behind
// one interface either way.
package opuscodec

import (
	"errors"
	"fmt"
	"math"

	"github.com/thesyncim/gopus"
)

const (
	// MaxPacketDuration is the largest decodable packet in samples per
	// channel (120 ms at 48 kHz).
	MaxPacketDuration = 5760

	// maxPacketBytes bounds one encoded elementary stream packet.
	maxPacketBytes = 1275*3 + 7
)

var (
	ErrSampleRate = errors.New("opuscodec: encoding requires 48000 Hz input")

	// ErrFrameSize rejects durations outside the Opus frame grid.
	ErrFrameSize = errors.New("opuscodec: frame size must be 2.5, 5, 10, 20, 40 or 60 ms")

	// ErrMultistreamFrameSize rejects non-20ms frames for surround
	// streams, which the multistream encoder pins to 20 ms.
	ErrMultistreamFrameSize = errors.New("opuscodec: surround encoding supports 20 ms frames only")
)

// ParseApplication maps the CLI spelling to the codec's application hint.
func ParseApplication(s string) (gopus.Application, error) {
	switch s {
	case "audio":
		return gopus.ApplicationAudio, nil
	case "voip":
		return gopus.ApplicationVoIP, nil
	case "lowdelay":
		return gopus.ApplicationLowDelay, nil
	}
	return 0, fmt.Errorf("opuscodec: unknown application %q", s)
}

// ParseBitrateMode maps the CLI spelling to the bitrate control mode.
func ParseBitrateMode(s string) (gopus.BitrateMode, error) {
	switch s {
	case "vbr":
		return gopus.BitrateModeVBR, nil
	case "cvbr":
		return gopus.BitrateModeCVBR, nil
	case "cbr":
		return gopus.BitrateModeCBR, nil
	}
	return 0, fmt.Errorf("opuscodec: unknown bitrate mode %q", s)
}

// ParseBandwidth maps the CLI cutoff spelling to a bandwidth cap.
func ParseBandwidth(s string) (gopus.Bandwidth, error) {
	switch s {
	case "narrowband":
		return gopus.BandwidthNarrowband, nil
	case "mediumband":
		return gopus.BandwidthMediumband, nil
	case "wideband":
		return gopus.BandwidthWideband, nil
	case "superwideband":
		return gopus.BandwidthSuperwideband, nil
	case "fullband":
		return gopus.BandwidthFullband, nil
	}
	return 0, fmt.Errorf("opuscodec: unknown bandwidth %q", s)
}

// EncoderConfig carries everything needed to build one encoding
// session. Mapping is the container-order to coding-order table for
// surround layouts (ignored for 1-2 channels).
type EncoderConfig struct {
	SampleRate   int
	Channels     int
	Streams      int
	Coupled      int
	Mapping      []byte
	FrameMS      float64
	Bitrate      int
	Complexity   int
	BitrateMode  gopus.BitrateMode
	MaxBandwidth gopus.Bandwidth
	Application  gopus.Application
}

// Encoder encodes fixed frames of interleaved int16 PCM into Opus
// packets.
type Encoder struct {
	single *gopus.Encoder
	multi  *gopus.MultistreamEncoder

	rate      int
	channels  int
	frameSize int
	app       gopus.Application
	buf       []byte
}

func validFrameMS(ms float64) bool {
	switch ms {
	case 2.5, 5, 10, 20, 40, 60:
		return true
	}
	return false
}

// NewEncoder builds the encoder for the configured layout. Frames
// shorter than 10 ms only exist in the MDCT modes, so such configs are
// silently moved to the low-delay application, matching what the codec
// would do internally anyway.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.SampleRate != 48000 {
		return nil, fmt.Errorf("%w: got %d", ErrSampleRate, cfg.SampleRate)
	}
	if !validFrameMS(cfg.FrameMS) {
		return nil, fmt.Errorf("%w: got %v", ErrFrameSize, cfg.FrameMS)
	}
	app := cfg.Application
	if cfg.FrameMS < 10 {
		app = gopus.ApplicationLowDelay
	}
	e := &Encoder{
		rate:      cfg.SampleRate,
		channels:  cfg.Channels,
		frameSize: int(float64(cfg.SampleRate) * cfg.FrameMS / 1000),
		app:       app,
	}
	if cfg.Channels <= 2 {
		enc, err := gopus.NewEncoder(gopus.EncoderConfig{
			SampleRate:  cfg.SampleRate,
			Channels:    cfg.Channels,
			Application: app,
		})
		if err != nil {
			return nil, fmt.Errorf("opuscodec: create encoder: %w", err)
		}
		if err := enc.SetFrameSize(e.frameSize); err != nil {
			return nil, fmt.Errorf("opuscodec: frame size %d: %w", e.frameSize, err)
		}
		if err := enc.SetBitrate(cfg.Bitrate); err != nil {
			return nil, fmt.Errorf("opuscodec: bitrate %d: %w", cfg.Bitrate, err)
		}
		if err := enc.SetComplexity(cfg.Complexity); err != nil {
			return nil, fmt.Errorf("opuscodec: complexity %d: %w", cfg.Complexity, err)
		}
		e.single = enc
		e.buf = make([]byte, maxPacketBytes)
		return e, nil
	}

	if cfg.FrameMS != 20 {
		return nil, fmt.Errorf("%w: got %v ms for %d channels",
			ErrMultistreamFrameSize, cfg.FrameMS, cfg.Channels)
	}
	enc, err := gopus.NewMultistreamEncoder(cfg.SampleRate, cfg.Channels,
		cfg.Streams, cfg.Coupled, cfg.Mapping, app)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: create multistream encoder: %w", err)
	}
	if err := enc.SetBitrate(cfg.Bitrate); err != nil {
		return nil, fmt.Errorf("opuscodec: bitrate %d: %w", cfg.Bitrate, err)
	}
	if err := enc.SetComplexity(cfg.Complexity); err != nil {
		return nil, fmt.Errorf("opuscodec: complexity %d: %w", cfg.Complexity, err)
	}
	if err := enc.SetBitrateMode(cfg.BitrateMode); err != nil {
		return nil, fmt.Errorf("opuscodec: bitrate mode: %w", err)
	}
	if err := enc.SetMaxBandwidth(cfg.MaxBandwidth); err != nil {
		return nil, fmt.Errorf("opuscodec: max bandwidth: %w", err)
	}
	e.multi = enc
	e.buf = make([]byte, maxPacketBytes*cfg.Streams)
	return e, nil
}

// FrameSize returns the frame length in samples per channel.
func (e *Encoder) FrameSize() int {
	return e.frameSize
}

// Application returns the effective application hint after any
// short-frame adjustment.
func (e *Encoder) Application() gopus.Application {
	return e.app
}

// Lookahead returns the encoder delay in samples at the encoder's
// rate: one 2.5 ms resampler delay plus 4 ms of MDCT overlap unless
// running low-delay.
func (e *Encoder) Lookahead() int {
	if e.multi != nil {
		return e.multi.Lookahead()
	}
	return e.single.Lookahead()
}

// Encode compresses one frame of interleaved PCM. len(pcm) must be
// FrameSize()*channels. The returned slice aliases an internal buffer
// valid until the next call; an empty result means the codec produced
// no packet for this frame.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	var (
		n   int
		err error
	)
	if e.multi != nil {
		n, err = e.multi.EncodeInt16(pcm, e.buf)
	} else {
		n, err = e.single.EncodeInt16(pcm, e.buf)
	}
	if err != nil {
		return nil, fmt.Errorf("opuscodec: encode: %w", err)
	}
	return e.buf[:n], nil
}

// DecoderConfig mirrors the dOps box fields the decoder needs. Mapping
// is the container-presentation mapping table (see chanmap.DecodeOrder);
// OutputGain is the Q7.8 dB gain from the dOps box.
type DecoderConfig struct {
	Channels   int
	Streams    int
	Coupled    int
	Mapping    []byte
	OutputGain int16
}

// Decoder decodes Opus packets into interleaved int16 PCM at 48 kHz,
// with the stream's output gain applied.
type Decoder struct {
	single *gopus.Decoder
	multi  *gopus.MultistreamDecoder

	channels int
	gain     float64
	pcm      []int16
}

func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	d := &Decoder{
		channels: cfg.Channels,
		gain:     math.Pow(10, float64(cfg.OutputGain)/(20*256)),
		pcm:      make([]int16, MaxPacketDuration*cfg.Channels),
	}
	if cfg.Channels <= 2 {
		dec, err := gopus.NewDecoder(gopus.DecoderConfig{
			SampleRate: 48000,
			Channels:   cfg.Channels,
		})
		if err != nil {
			return nil, fmt.Errorf("opuscodec: create decoder: %w", err)
		}
		d.single = dec
		return d, nil
	}
	dec, err := gopus.NewMultistreamDecoder(48000, cfg.Channels,
		cfg.Streams, cfg.Coupled, cfg.Mapping)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: create multistream decoder: %w", err)
	}
	d.multi = dec
	return d, nil
}

// Decode returns the decoded interleaved samples for one packet. The
// slice aliases an internal buffer valid until the next call.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	var (
		n   int
		err error
	)
	if d.multi != nil {
		n, err = d.multi.DecodeInt16(packet, d.pcm)
	} else {
		n, err = d.single.DecodeInt16(packet, d.pcm)
	}
	if err != nil {
		return nil, fmt.Errorf("opuscodec: decode: %w", err)
	}
	out := d.pcm[:n*d.channels]
	if d.gain != 1 {
		for i, v := range out {
			s := float64(v) * d.gain
			switch {
			case s > math.MaxInt16:
				out[i] = math.MaxInt16
			case s < math.MinInt16:
				out[i] = math.MinInt16
			default:
				out[i] = int16(s)
			}
		}
	}
	return out, nil
}
