package framebuf

import (
	"bytes"
	"errors"
	"testing"
)

type capture struct {
	frames   [][]byte
	paddings []int
}

func (c *capture) emit(frame []byte, padding int) error {
	c.frames = append(c.frames, append([]byte(nil), frame...))
	c.paddings = append(c.paddings, padding)
	return nil
}

func TestNewRejectsInvalidSize(t *testing.T) {
	for _, n := range []int{0, -4} {
		if _, err := New(n); !errors.Is(err, ErrFrameBytes) {
			t.Errorf("New(%d): got %v, want ErrFrameBytes", n, err)
		}
	}
}

func TestPushEmitsFullFramesOnly(t *testing.T) {
	a, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	var c capture

	// 3 + 4 bytes: no frame yet.
	if err := a.Push([]byte{1, 2, 3}, c.emit); err != nil {
		t.Fatal(err)
	}
	if err := a.Push([]byte{4, 5, 6, 7}, c.emit); err != nil {
		t.Fatal(err)
	}
	if len(c.frames) != 0 {
		t.Fatalf("emitted %d frames before fill, want 0", len(c.frames))
	}
	if a.Buffered() != 7 {
		t.Errorf("Buffered() = %d, want 7", a.Buffered())
	}

	// One more byte completes the frame.
	if err := a.Push([]byte{8}, c.emit); err != nil {
		t.Fatal(err)
	}
	if len(c.frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(c.frames))
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(c.frames[0], want) {
		t.Errorf("frame = %v, want %v", c.frames[0], want)
	}
	if c.paddings[0] != 0 {
		t.Errorf("padding = %d, want 0", c.paddings[0])
	}
}

func TestPushSpanningMultipleFrames(t *testing.T) {
	a, _ := New(4)
	var c capture

	// 10 bytes through a 4-byte frame: two frames out, two buffered.
	if err := a.Push([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, c.emit); err != nil {
		t.Fatal(err)
	}
	if len(c.frames) != 2 {
		t.Fatalf("emitted %d frames, want 2", len(c.frames))
	}
	if !bytes.Equal(c.frames[0], []byte{0, 1, 2, 3}) || !bytes.Equal(c.frames[1], []byte{4, 5, 6, 7}) {
		t.Errorf("frames = %v", c.frames)
	}
	if a.Buffered() != 2 {
		t.Errorf("Buffered() = %d, want 2", a.Buffered())
	}
}

func TestFlushPadsPartialFrame(t *testing.T) {
	a, _ := New(6)
	var c capture

	if err := a.Push([]byte{9, 9}, c.emit); err != nil {
		t.Fatal(err)
	}
	if err := a.Flush(c.emit); err != nil {
		t.Fatal(err)
	}
	if len(c.frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(c.frames))
	}
	if !bytes.Equal(c.frames[0], []byte{9, 9, 0, 0, 0, 0}) {
		t.Errorf("frame = %v, want [9 9 0 0 0 0]", c.frames[0])
	}
	if c.paddings[0] != 4 {
		t.Errorf("padding = %d, want 4", c.paddings[0])
	}
	if a.Buffered() != 0 {
		t.Errorf("Buffered() after flush = %d, want 0", a.Buffered())
	}
}

func TestFlushEmptyBufferEmitsAllPadding(t *testing.T) {
	a, _ := New(4)
	var c capture

	if err := a.Push([]byte{1, 2, 3, 4}, c.emit); err != nil {
		t.Fatal(err)
	}
	if err := a.Flush(c.emit); err != nil {
		t.Fatal(err)
	}
	if len(c.frames) != 2 {
		t.Fatalf("emitted %d frames, want 2", len(c.frames))
	}
	if !bytes.Equal(c.frames[1], []byte{0, 0, 0, 0}) {
		t.Errorf("tail frame = %v, want all zero", c.frames[1])
	}
	if c.paddings[1] != 4 {
		t.Errorf("tail padding = %d, want frame size 4", c.paddings[1])
	}
}

// Frame boundaries must not depend on how pushes were sliced.
func TestChunkingIndependence(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	run := func(chunks []int) *capture {
		a, _ := New(16)
		var c capture
		off := 0
		for _, n := range chunks {
			if err := a.Push(data[off:off+n], c.emit); err != nil {
				t.Fatal(err)
			}
			off += n
		}
		if err := a.Flush(c.emit); err != nil {
			t.Fatal(err)
		}
		return &c
	}

	one := run([]int{100})
	many := run([]int{1, 2, 3, 10, 30, 7, 47})

	if len(one.frames) != len(many.frames) {
		t.Fatalf("frame counts differ: %d vs %d", len(one.frames), len(many.frames))
	}
	for i := range one.frames {
		if !bytes.Equal(one.frames[i], many.frames[i]) {
			t.Errorf("frame %d differs between chunkings", i)
		}
	}
	// ceil(100/16) = 7 frames, last padded by 7*16-100 = 12.
	if len(one.frames) != 7 {
		t.Errorf("frames = %d, want 7", len(one.frames))
	}
	if one.paddings[6] != 12 {
		t.Errorf("final padding = %d, want 12", one.paddings[6])
	}
}

func TestEmitErrorStopsPush(t *testing.T) {
	a, _ := New(2)
	boom := errors.New("boom")
	calls := 0
	err := a.Push([]byte{1, 2, 3, 4, 5, 6}, func(frame []byte, padding int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Push: got %v, want emit error", err)
	}
	if calls != 1 {
		t.Errorf("emit called %d times after error, want 1", calls)
	}
}
