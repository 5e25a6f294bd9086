package fr32

import (
	"bytes"
	"math/rand"
	"testing"
)

func writeTest(t *testing.T, source, extra []byte) (int, []byte) {
	t.Helper()

	var data bytes.Buffer
	w := NewWriter(&data)

	count, err := w.Write(source)
	if err != nil {
		t.Fatal(err)
	}
	n, err := w.Write(extra)
	if err != nil {
		t.Fatal(err)
	}
	count += n

	if _, err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	return count, data.Bytes()
}

func concreteVectorSource() ([]byte, []byte) {
	source := []byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24,
		25, 26, 27, 28, 29, 30, 31, 0xff, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
		16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 0xff, 9, 9,
	}
	extra := []byte{9, 0xff}
	return source, extra
}

// TestWriterConcreteVector checks the codec against the documented test
// vector: 66 bytes written, then 2 more via a second Write call, exercising
// restartability across the mid-chunk boundary.
func TestWriterConcreteVector(t *testing.T) {
	source, extra := concreteVectorSource()

	count, buf := writeTest(t, source, extra)
	if count != 68 {
		t.Fatalf("write count = %d, want 68", count)
	}
	if len(buf) != 69 {
		t.Fatalf("output length = %d, want 69", len(buf))
	}

	for i := 0; i < 31; i++ {
		if buf[i] != byte(i+1) {
			t.Fatalf("buf[%d] = %#x, want %#x", i, buf[i], i+1)
		}
	}
	if buf[31] != 0b0011_1111 {
		t.Fatalf("buf[31] = %#b, want 0b00111111", buf[31])
	}
	if buf[32] != (1<<2)|0b11 {
		t.Fatalf("buf[32] = %#x, want %#x", buf[32], byte((1<<2)|0b11))
	}
	for i := 33; i < 63; i++ {
		want := byte(i-31) << 2
		if buf[i] != want {
			t.Fatalf("buf[%d] = %#x, want %#x", i, buf[i], want)
		}
	}
	if buf[63] != 0x3c {
		t.Fatalf("buf[63] = %#x, want 0x3c", buf[63])
	}
	if buf[64] != 0x0f|(9<<4) {
		t.Fatalf("buf[64] = %#x, want %#x", buf[64], byte(0x0f|(9<<4)))
	}
	if buf[65] != 0x90 {
		t.Fatalf("buf[65] = %#x, want 0x90", buf[65])
	}
	if buf[66] != 0x90 {
		t.Fatalf("buf[66] = %#x, want 0x90", buf[66])
	}
	if buf[67] != 0xf0 {
		t.Fatalf("buf[67] = %#x, want 0xf0", buf[67])
	}
	if buf[68] != 0x0f {
		t.Fatalf("buf[68] = %#x, want 0x0f", buf[68])
	}
}

// TestWritePaddedConcreteVector checks that the one-shot WritePadded,
// applied to the same combined payload in a single call, agrees with the
// streaming writer on every byte the streaming writer emits: WritePadded
// additionally right-pads the final word, so its output is three full
// 32-byte words where the streaming writer stops after one trailing byte.
func TestWritePaddedConcreteVector(t *testing.T) {
	source, extra := concreteVectorSource()
	combined := append(append([]byte{}, source...), extra...)

	var buf bytes.Buffer
	written, err := WritePadded(combined, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if written != uint64(buf.Len()) {
		t.Fatalf("reported %d bytes written, buffer has %d", written, buf.Len())
	}
	if buf.Len() != 96 {
		t.Fatalf("output length = %d, want 96 (3 full words)", buf.Len())
	}

	out := buf.Bytes()
	_, streamed := writeTest(t, source, extra)
	if !bytes.Equal(out[:len(streamed)], streamed) {
		t.Fatalf("one-shot output diverges from the streaming writer:\ngot  %x\nwant %x", out[:len(streamed)], streamed)
	}
	if out[64] != 0x0f|(9<<4) {
		t.Fatalf("out[64] = %#x", out[64])
	}
	if out[68] != 0x0f {
		t.Fatalf("out[68] = %#x", out[68])
	}
}

// TestWritePaddedSingleByte pins a single padded word's length and content
// for the smallest possible input: one data byte should produce exactly one
// 32-byte word, not one stray byte plus a spurious extra word.
func TestWritePaddedSingleByte(t *testing.T) {
	var buf bytes.Buffer
	written, err := WritePadded([]byte{0x07}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if written != 32 {
		t.Fatalf("written = %d, want 32", written)
	}
	if buf.Len() != 32 {
		t.Fatalf("buf.Len() = %d, want 32", buf.Len())
	}
	want := make([]byte, 32)
	want[0] = 0x07
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got %x, want %x", buf.Bytes(), want)
	}
}

// TestWritePaddedManySmallWrites checks that a word spanning many small
// Write calls before it completes produces the same output as delivering the
// same bytes in one shot: each call must append only its own new bytes, not
// re-emit bytes an earlier call already flushed.
func TestWritePaddedManySmallWrites(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	data := make([]byte, 70)
	rng.Read(data)

	var oneShot bytes.Buffer
	if _, err := WritePadded(data, &oneShot); err != nil {
		t.Fatal(err)
	}

	var streamed bytes.Buffer
	w := NewWriter(&streamed)
	for _, b := range data {
		if _, err := w.Write([]byte{b}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.finishPadded(); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(streamed.Bytes(), oneShot.Bytes()) {
		t.Fatalf("byte-at-a-time output diverges from one-shot:\ngot  %x\nwant %x", streamed.Bytes(), oneShot.Bytes())
	}
}

func TestWritePadded32Bytes(t *testing.T) {
	data := bytes.Repeat([]byte{0xff}, 32)

	var buf bytes.Buffer
	written, err := WritePadded(data, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if written != 64 {
		t.Fatalf("written = %d, want 64", written)
	}
	if buf.Len() != 64 {
		t.Fatalf("buf.Len() = %d, want 64", buf.Len())
	}

	out := buf.Bytes()
	if !bytes.Equal(out[0:31], data[0:31]) {
		t.Fatal("first 31 bytes should be unchanged")
	}
	if out[31] != 0b0011_1111 {
		t.Fatalf("out[31] = %#b, want 0b00111111", out[31])
	}
	if out[32] != 0b0000_0011 {
		t.Fatalf("out[32] = %#b, want 0b00000011", out[32])
	}
	for i := 33; i < 64; i++ {
		if out[i] != 0 {
			t.Fatalf("out[%d] = %#x, want 0", i, out[i])
		}
	}
}

// TestAlignment checks that the high two bits of every 32nd output byte are
// zero, for a variety of input sizes.
func TestAlignment(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, size := range []int{1, 31, 32, 33, 127, 128, 254, 1000, 4096} {
		data := make([]byte, size)
		rng.Read(data)

		var buf bytes.Buffer
		if _, err := WritePadded(data, &buf); err != nil {
			t.Fatal(err)
		}
		out := buf.Bytes()
		if len(out)%PaddedWordSize != 0 {
			t.Fatalf("size %d: output length %d not a multiple of %d", size, len(out), PaddedWordSize)
		}
		for i := PaddedWordSize - 1; i < len(out); i += PaddedWordSize {
			if out[i]&0xC0 != 0 {
				t.Fatalf("size %d: out[%d] = %#x has nonzero high bits", size, i, out[i])
			}
		}
	}
}

// TestRoundTrip is the codec's core correctness property: for every (off,
// len) within bounds, WriteUnpadded(WritePadded(bytes), off, len) returns
// bytes[off:off+len].
func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1337))

	for _, size := range []int{0, 1, 44, 127, 128, 254, 1000, 4096} {
		size := size
		t.Run("", func(t *testing.T) {
			data := make([]byte, size)
			rng.Read(data)

			var padded bytes.Buffer
			if _, err := WritePadded(data, &padded); err != nil {
				t.Fatal(err)
			}

			for _, tc := range []struct{ off, length int }{
				{0, size},
				{0, size / 2},
				{size / 4, size / 4},
				{size - size/3, size / 3},
			} {
				if tc.length <= 0 || tc.off+tc.length > size {
					continue
				}

				var out bytes.Buffer
				n, err := WriteUnpadded(padded.Bytes(), &out, uint64(tc.off), uint64(tc.length))
				if err != nil {
					t.Fatalf("off=%d len=%d: %v", tc.off, tc.length, err)
				}
				if n != uint64(tc.length) {
					t.Fatalf("off=%d len=%d: wrote %d bytes, want %d", tc.off, tc.length, n, tc.length)
				}
				want := data[tc.off : tc.off+tc.length]
				if !bytes.Equal(out.Bytes(), want) {
					t.Fatalf("off=%d len=%d: got %x, want %x", tc.off, tc.length, out.Bytes(), want)
				}
			}
		})
	}
}

func TestWriteUnpaddedShortInput(t *testing.T) {
	var out bytes.Buffer
	_, err := WriteUnpadded(make([]byte, 16), &out, 0, 100)
	if err == nil {
		t.Fatal("expected a short-input error")
	}
}

func TestRestartabilityMatchesOneShot(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 5000)
	rng.Read(data)

	var oneShot bytes.Buffer
	if _, err := WritePadded(data, &oneShot); err != nil {
		t.Fatal(err)
	}

	for _, split := range []int{0, 1, 31, 32, 33, 254, 1000, 4999, 5000} {
		var streamed bytes.Buffer
		w := NewWriter(&streamed)
		if _, err := w.Write(data[:split]); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data[split:]); err != nil {
			t.Fatal(err)
		}
		if err := w.finishPadded(); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(streamed.Bytes(), oneShot.Bytes()) {
			t.Fatalf("split at %d: streamed output diverges from one-shot", split)
		}
	}
}
