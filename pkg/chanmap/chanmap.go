package chanmap

import (
	"errors"
	"fmt"
)

// QuickTime audio channel layout tags used in the 'chan' box.
const (
	TagUseChannelBitmap uint32 = 1 << 16
	TagMono             uint32 = (100 << 16) | 1
	TagStereo           uint32 = (101 << 16) | 2
	TagMPEG3_0A         uint32 = (113 << 16) | 3
	TagQuadraphonic     uint32 = (108 << 16) | 4
	TagMPEG5_0A         uint32 = (117 << 16) | 5
	TagMPEG5_1A         uint32 = (121 << 16) | 6

	// TagUnknown marks layouts carried only by channel count. The low
	// 16 bits hold the count.
	TagUnknown uint32 = 0xFFFF0000
)

// QuickTime channel bitmap bits.
const (
	BitLeft                uint32 = 1 << 0
	BitRight               uint32 = 1 << 1
	BitCenter              uint32 = 1 << 2
	BitLFEScreen           uint32 = 1 << 3
	BitLeftSurround        uint32 = 1 << 4
	BitRightSurround       uint32 = 1 << 5
	BitCenterSurround      uint32 = 1 << 8
	BitLeftSurroundDirect  uint32 = 1 << 9
	BitRightSurroundDirect uint32 = 1 << 10
)

var (
	ErrChannelCount = errors.New("chanmap: channel count must be 1-8")

	// ErrLayoutUndetermined is returned when a surround stream carries
	// no recognizable channel layout. Mono and stereo default safely;
	// guessing a surround order would scramble speakers.
	ErrLayoutUndetermined = errors.New("chanmap: channel layout undetermined")
)

// Layout describes one supported channel configuration and the
// permutations between the three channel orders involved in Opus
// transport:
//
//   - container order: how PCM samples are interleaved in the source
//     file (SMPTE/USB order, identified by Tag or Bitmap),
//   - coding order: how channels are fed to the stream encoders
//     (coupled stereo pairs first, then mono streams),
//   - Vorbis order: the presentation order RFC 7845 mandates for the
//     ChannelMapping table in the dOps box.
type Layout struct {
	Channels int
	Tag      uint32
	Bitmap   uint32

	// Encoder[i] is the coding-order slot of container channel i.
	Encoder [8]byte
	// Vorbis[i] is the coding-order slot of Vorbis-order channel i.
	// This is the mapping table written to dOps for family 1.
	Vorbis [8]byte
	// Decoder[i] is the Vorbis-order index of container channel i.
	// Vorbis composed after Decoder yields Encoder for every entry.
	Decoder [8]byte
}

var layouts = [8]Layout{
	// C
	{
		Channels: 1,
		Tag:      TagMono,
		Bitmap:   BitCenter,
		Encoder:  [8]byte{0},
		Vorbis:   [8]byte{0},
		Decoder:  [8]byte{0},
	},
	// L R
	{
		Channels: 2,
		Tag:      TagStereo,
		Bitmap:   BitLeft | BitRight,
		Encoder:  [8]byte{0, 1},
		Vorbis:   [8]byte{0, 1},
		Decoder:  [8]byte{0, 1},
	},
	// L R C -> Vorbis L C R
	{
		Channels: 3,
		Tag:      TagMPEG3_0A,
		Bitmap:   BitLeft | BitRight | BitCenter,
		Encoder:  [8]byte{0, 1, 2},
		Vorbis:   [8]byte{0, 2, 1},
		Decoder:  [8]byte{0, 2, 1},
	},
	// L R Ls Rs
	{
		Channels: 4,
		Tag:      TagQuadraphonic,
		Bitmap:   BitLeft | BitRight | BitLeftSurround | BitRightSurround,
		Encoder:  [8]byte{0, 1, 2, 3},
		Vorbis:   [8]byte{0, 1, 2, 3},
		Decoder:  [8]byte{0, 1, 2, 3},
	},
	// L R C Ls Rs -> Vorbis L C R Ls Rs
	{
		Channels: 5,
		Tag:      TagMPEG5_0A,
		Bitmap: BitLeft | BitRight | BitCenter |
			BitLeftSurround | BitRightSurround,
		Encoder: [8]byte{0, 1, 4, 2, 3},
		Vorbis:  [8]byte{0, 4, 1, 2, 3},
		Decoder: [8]byte{0, 2, 1, 3, 4},
	},
	// L R C LFE Ls Rs -> Vorbis L C R Ls Rs LFE
	{
		Channels: 6,
		Tag:      TagMPEG5_1A,
		Bitmap: BitLeft | BitRight | BitCenter | BitLFEScreen |
			BitLeftSurround | BitRightSurround,
		Encoder: [8]byte{0, 1, 4, 5, 2, 3},
		Vorbis:  [8]byte{0, 4, 1, 2, 3, 5},
		Decoder: [8]byte{0, 2, 1, 5, 3, 4},
	},
	// L R C LFE Cs Lsd Rsd -> Vorbis L C R Sl Sr Cs LFE
	{
		Channels: 7,
		Tag:      TagUnknown | 7,
		Bitmap: BitLeft | BitRight | BitCenter | BitLFEScreen |
			BitCenterSurround |
			BitLeftSurroundDirect | BitRightSurroundDirect,
		Encoder: [8]byte{0, 1, 4, 6, 5, 2, 3},
		Vorbis:  [8]byte{0, 4, 1, 2, 3, 5, 6},
		Decoder: [8]byte{0, 2, 1, 6, 5, 3, 4},
	},
	// L R C LFE Ls Rs Lsd Rsd -> Vorbis L C R Sl Sr Rl Rr LFE
	{
		Channels: 8,
		Tag:      TagUnknown | 8,
		Bitmap: BitLeft | BitRight | BitCenter | BitLFEScreen |
			BitLeftSurround | BitRightSurround |
			BitLeftSurroundDirect | BitRightSurroundDirect,
		Encoder: [8]byte{0, 1, 6, 7, 4, 5, 2, 3},
		Vorbis:  [8]byte{0, 6, 1, 2, 3, 4, 5, 7},
		Decoder: [8]byte{0, 2, 1, 7, 5, 6, 3, 4},
	},
}

// coupled[ch-1] is the number of coupled stereo streams per RFC 7845.
var coupled = [8]int{0, 1, 1, 2, 2, 2, 2, 3}

// ByChannels returns the default layout for n channels.
func ByChannels(n int) (Layout, error) {
	if n < 1 || n > 8 {
		return Layout{}, fmt.Errorf("%w: got %d", ErrChannelCount, n)
	}
	return layouts[n-1], nil
}

// ByTag looks up a layout by its QuickTime layout tag. Tags in the
// Unknown family and the UseChannelBitmap tag never match; resolve
// those through ByChannels or ByBitmap.
func ByTag(tag uint32) (Layout, bool) {
	if tag&TagUnknown == TagUnknown || tag == TagUseChannelBitmap {
		return Layout{}, false
	}
	for _, l := range layouts {
		if l.Tag == tag {
			return l, true
		}
	}
	return Layout{}, false
}

// ByBitmap looks up a layout by its QuickTime channel bitmap.
func ByBitmap(bm uint32) (Layout, bool) {
	for _, l := range layouts {
		if l.Bitmap == bm {
			return l, true
		}
	}
	return Layout{}, false
}

// Resolve picks the layout for a source track: the tag first, the
// bitmap when the tag defers to it. Mono and stereo fall back to the
// default layout when nothing matches; surround counts must carry a
// recognizable layout.
func Resolve(tag, bitmap uint32, channels int) (Layout, error) {
	if channels < 1 || channels > 8 {
		return Layout{}, fmt.Errorf("%w: got %d", ErrChannelCount, channels)
	}
	if tag == TagUseChannelBitmap {
		if l, ok := ByBitmap(bitmap); ok && l.Channels == channels {
			return l, nil
		}
	} else if l, ok := ByTag(tag); ok && l.Channels == channels {
		return l, nil
	}
	if channels <= 2 {
		return ByChannels(channels)
	}
	return Layout{}, fmt.Errorf("%w: %d channels, tag 0x%08X, bitmap 0x%X",
		ErrLayoutUndetermined, channels, tag, bitmap)
}

// StreamCount returns N, the number of elementary Opus streams.
func (l Layout) StreamCount() int {
	return l.Channels - coupled[l.Channels-1]
}

// CoupledCount returns M, the number of coupled stereo streams.
func (l Layout) CoupledCount() int {
	return coupled[l.Channels-1]
}

// MappingFamily returns the dOps ChannelMappingFamily: 0 for mono and
// stereo, 1 for surround.
func (l Layout) MappingFamily() uint8 {
	if l.Channels > 2 {
		return 1
	}
	return 0
}

// Mapping returns the ChannelMapping table written to the dOps box.
// Family 0 layouts use the implicit identity table.
func (l Layout) Mapping() []byte {
	m := make([]byte, l.Channels)
	if l.MappingFamily() == 0 {
		for i := range m {
			m[i] = byte(i)
		}
		return m
	}
	copy(m, l.Vorbis[:l.Channels])
	return m
}

// EncodeOrder returns the container-order -> coding-order permutation
// handed to the multistream encoder.
func (l Layout) EncodeOrder() []byte {
	m := make([]byte, l.Channels)
	copy(m, l.Encoder[:l.Channels])
	return m
}

// DecodeOrder returns the mapping table handed to the multistream
// decoder: for each container-order output channel, the coding-order
// slot that feeds it. mapping is the ChannelMapping table read from
// the stream's dOps box; pass nil for family 0 streams (implicit
// identity).
func (l Layout) DecodeOrder(mapping []byte) []byte {
	out := make([]byte, l.Channels)
	for i := 0; i < l.Channels; i++ {
		v := l.Decoder[i]
		if mapping != nil && int(v) < len(mapping) {
			out[i] = mapping[v]
		} else {
			out[i] = v
		}
	}
	return out
}

// Permute reorders one frame's worth of interleaved samples in place
// of a copy: dst channel i receives src channel order[i]. The sample
// width is bytesPerSample; len(src) must be a multiple of
// len(order)*bytesPerSample.
func Permute(dst, src []byte, order []byte, bytesPerSample int) {
	channels := len(order)
	stride := channels * bytesPerSample
	for off := 0; off+stride <= len(src); off += stride {
		for i, from := range order {
			copy(dst[off+i*bytesPerSample:off+(i+1)*bytesPerSample],
				src[off+int(from)*bytesPerSample:off+int(from)*bytesPerSample+bytesPerSample])
		}
	}
}
