package commp

import (
	"bytes"
	"io"
	"testing"
)

const benchSize = 31 << 20 // MiB

func BenchmarkCommP(b *testing.B) {
	// reuse both the calculator and reader in every loop
	// the source is rewound explicitly
	// the calc is reset implicitly on Digest()
	src := bytes.NewReader(make([]byte, benchSize))
	cp := &Calc{}

	b.ReportAllocs()
	b.ResetTimer()
	b.SetBytes(benchSize)
	for i := 0; i < b.N; i++ {
		if _, err := src.Seek(0, 0); err != nil {
			b.Fatal(err)
		}
		if _, err := io.Copy(cp, src); err != nil {
			b.Fatal(err)
		}
		if _, _, err := cp.Digest(); err != nil {
			b.Fatal(err)
		}
	}
}

type repeatedReader struct {
	b byte
}

func (rr *repeatedReader) Read(p []byte) (n int, err error) {
	for i := range p {
		p[i] = rr.b
	}
	return len(p), nil
}

// TestDeterministic checks that the same payload, fed through the accumulator
// in different Write() chunk sizes, always yields the same CommP and padded
// size. This is the property the sector builder relies on: a piece written by
// the sector store in arbitrary FFI-sized chunks must commit to the same
// value as one written in a single call.
func TestDeterministic(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0xCC}, 4*1024)

	oneShot := &Calc{}
	if _, err := oneShot.Write(payload); err != nil {
		t.Fatal(err)
	}
	wantCommP, wantSize, err := oneShot.Digest()
	if err != nil {
		t.Fatal(err)
	}

	for _, chunkSize := range []int{1, 7, 127, 128, 4096} {
		chunkSize := chunkSize
		t.Run("", func(t *testing.T) {
			t.Parallel()

			chunked := &Calc{}
			for off := 0; off < len(payload); off += chunkSize {
				end := off + chunkSize
				if end > len(payload) {
					end = len(payload)
				}
				if _, err := chunked.Write(payload[off:end]); err != nil {
					t.Fatal(err)
				}
			}
			gotCommP, gotSize, err := chunked.Digest()
			if err != nil {
				t.Fatal(err)
			}
			if gotSize != wantSize {
				t.Fatalf("chunk size %d: padded size %d != one-shot %d", chunkSize, gotSize, wantSize)
			}
			if !bytes.Equal(gotCommP, wantCommP) {
				t.Fatalf("chunk size %d: commP %x != one-shot %x", chunkSize, gotCommP, wantCommP)
			}
		})
	}
}

// TestZeroAndRepeated sanity-checks that two distinct constant-byte payloads
// of the same length produce different commitments, and that a Calc can be
// reused directly after a successful Digest(), which resets its state.
func TestZeroAndRepeated(t *testing.T) {
	t.Parallel()

	cp := &Calc{}
	zeroR := io.LimitReader(&repeatedReader{b: 0x00}, 1<<17)
	if _, err := io.Copy(cp, zeroR); err != nil {
		t.Fatal(err)
	}
	zeroCommP, _, err := cp.Digest()
	if err != nil {
		t.Fatal(err)
	}

	// cp.Digest() resets internal state on success; reuse it directly.
	ccR := io.LimitReader(&repeatedReader{b: 0xCC}, 1<<17)
	if _, err := io.Copy(cp, ccR); err != nil {
		t.Fatal(err)
	}
	ccCommP, _, err := cp.Digest()
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(zeroCommP, ccCommP) {
		t.Fatal("expected different commitments for different constant payloads")
	}
}

func TestDigestTooShort(t *testing.T) {
	t.Parallel()

	cp := &Calc{}
	if _, err := cp.Write([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := cp.Digest(); err == nil {
		t.Fatal("expected error digesting fewer than 65 bytes")
	}
}

func TestResetMidWrite(t *testing.T) {
	t.Parallel()

	cp := &Calc{}
	if _, err := cp.Write(bytes.Repeat([]byte{0x42}, 1000)); err != nil {
		t.Fatal(err)
	}
	cp.Reset()

	if _, err := cp.Write(bytes.Repeat([]byte{0x43}, 1000)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := cp.Digest(); err != nil {
		t.Fatal(err)
	}
}

func TestPieceCID(t *testing.T) {
	t.Parallel()

	cp := &Calc{}
	if _, err := io.Copy(cp, bytes.NewReader(bytes.Repeat([]byte{0xAB}, 1<<17))); err != nil {
		t.Fatal(err)
	}
	rawCommP, _, err := cp.Digest()
	if err != nil {
		t.Fatal(err)
	}

	c, err := PieceCID(rawCommP)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Defined() {
		t.Fatal("expected a defined CID")
	}

	if _, err := PieceCID(rawCommP[:31]); err == nil {
		t.Fatal("expected error for a non-32-byte commitment")
	}
}
