package mp4io

import (
	"bytes"
	"encoding/binary"
	"fmt"

	mp4 "github.com/abema/go-mp4"
)

// Box payloads the container library has no typed support for: the
// QuickTime 'chan' channel layout carried by PCM sample entries, the
// 'roll' sample group pair signaling Opus pre-roll, and the 'free'
// tool marker. All are fixed big-endian layouts, read and written
// manually.

const rollGroupingType = "roll"

func boxTypeChan() mp4.BoxType { return mp4.StrToBoxType("chan") }

// ChannelLayout mirrors the QuickTime AudioChannelLayout payload.
type ChannelLayout struct {
	Tag    uint32
	Bitmap uint32
}

func marshalChan(l ChannelLayout) []byte {
	var b bytes.Buffer
	b.Write([]byte{0, 0, 0, 0}) // version and flags
	binary.Write(&b, binary.BigEndian, l.Tag)
	binary.Write(&b, binary.BigEndian, l.Bitmap)
	binary.Write(&b, binary.BigEndian, uint32(0)) // no channel descriptions
	return b.Bytes()
}

func unmarshalChan(p []byte) (ChannelLayout, error) {
	if len(p) < 12 {
		return ChannelLayout{}, fmt.Errorf("mp4io: chan box too short: %d bytes", len(p))
	}
	return ChannelLayout{
		Tag:    binary.BigEndian.Uint32(p[4:8]),
		Bitmap: binary.BigEndian.Uint32(p[8:12]),
	}, nil
}

// marshalSgpdRoll builds an sgpd box (version 1) holding a single
// AudioPreRollEntry with roll_distance = -distance: the decoder must
// start that many samples early for full fidelity at a sync point.
func marshalSgpdRoll(distance uint32) []byte {
	var b bytes.Buffer
	b.Write([]byte{1, 0, 0, 0}) // version 1, flags 0
	b.WriteString(rollGroupingType)
	binary.Write(&b, binary.BigEndian, uint32(2)) // default_length
	binary.Write(&b, binary.BigEndian, uint32(1)) // entry_count
	binary.Write(&b, binary.BigEndian, int16(-int32(distance)))
	return b.Bytes()
}

// marshalSbgpRoll maps every sample of the track to the single roll
// group description.
func marshalSbgpRoll(sampleCount uint32) []byte {
	var b bytes.Buffer
	b.Write([]byte{0, 0, 0, 0})
	b.WriteString(rollGroupingType)
	binary.Write(&b, binary.BigEndian, uint32(1)) // entry_count
	binary.Write(&b, binary.BigEndian, sampleCount)
	binary.Write(&b, binary.BigEndian, uint32(1)) // group_description_index
	return b.Bytes()
}

// unmarshalSgpdRoll returns the pre-roll distance from an sgpd box, or
// ok=false when the box describes some other grouping.
func unmarshalSgpdRoll(p []byte) (distance uint32, ok bool) {
	if len(p) < 8 || string(p[4:8]) != rollGroupingType {
		return 0, false
	}
	version := p[0]
	off := 8
	if version >= 1 {
		off += 4 // default_length
	}
	off += 4 // entry_count
	if len(p) < off+2 {
		return 0, false
	}
	roll := int16(binary.BigEndian.Uint16(p[off : off+2]))
	if roll >= 0 {
		return 0, false
	}
	return uint32(-int32(roll)), true
}

// toolMarker is the payload of the 'free' box appended after moov,
// the same breadcrumb convention the reference muxers leave behind.
const toolMarker = "mp4opus"
