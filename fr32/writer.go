package fr32

import (
	"io"
)

// Writer is a restartable streaming Fr32 encoder: bytes delivered across
// arbitrary-sized Write calls accumulate into 32-byte padded words without
// requiring the caller to buffer a whole piece up front. This is what lets
// the sector store accept piece bytes from an FFI caller in whatever chunk
// sizes it is handed.
type Writer struct {
	inner io.Writer

	// prefix holds bits carried from the previous call, valid in its low
	// prefixSize bits.
	prefix     byte
	prefixSize int

	// bitsNeeded is the number of source bits required to complete the
	// 254-bit group currently being assembled.
	bitsNeeded int
}

// NewWriter returns a Writer that emits padded words to inner.
func NewWriter(inner io.Writer) *Writer {
	return &Writer{inner: inner, bitsNeeded: UnpaddedBits}
}

// Write accepts an arbitrary number of source bytes and returns the number of
// source bytes accepted (not the number of padded bytes emitted downstream,
// which may be zero if not enough bits have accumulated to complete a word).
func (w *Writer) Write(buf []byte) (int, error) {
	bytesRemaining := len(buf)
	sourceBytesWritten := 0

	for sourceBytesWritten < bytesRemaining {
		carry, carrySize, consumed, word, complete := w.processBytes(buf)
		sourceBytesWritten += consumed

		if complete {
			// consumed, not 32: part of this word may already have been
			// flushed to inner by an earlier incomplete call, and word is
			// only ever the newly assembled continuation, not the whole
			// word re-synthesized from byte 0. A group that ends on a byte
			// boundary (carrySize 0) takes no split byte, so its last output
			// byte, holding the prefix's carried bits, is one past consumed.
			flush := consumed
			if carrySize == 0 {
				flush++
			}
			if err := w.ensureWrite(word[:flush]); err != nil {
				return sourceBytesWritten, err
			}
		} else {
			// Incomplete chunk: buf must have been consumed in full.
			realLength := len(buf)
			if err := w.ensureWrite(word[:realLength]); err != nil {
				return sourceBytesWritten, err
			}
			if w.prefixSize > 0 {
				w.prefix = word[realLength]
			}
			break
		}

		w.prefix = carry
		w.prefixSize = carrySize
		buf = buf[consumed:]
	}

	return sourceBytesWritten, nil
}

// Finish flushes any residual prefix bits as a single trailing byte, with no
// further padding. It returns the number of bytes flushed (0 or 1). Unlike
// the one-shot WritePadded, Finish does not right-pad the in-progress word to
// a full 256 bits: the output ends with the residual prefix byte, so its
// length need not be a multiple of 32.
func (w *Writer) Finish() (int, error) {
	if w.prefixSize == 0 {
		return 0, nil
	}
	if err := w.ensureWrite([]byte{w.prefix}); err != nil {
		return 0, err
	}
	w.prefix = 0
	w.prefixSize = 0
	return 1, nil
}

// finishPadded is used only by the one-shot WritePadded: it feeds enough zero
// bits to complete the in-progress 254-bit group, so the final word is always
// emitted in full (right-padded with zeros, then the two-bit pad).
func (w *Writer) finishPadded() error {
	if w.bitsNeeded == UnpaddedBits {
		return nil
	}
	zeros := make([]byte, ceilDiv(uint64(w.bitsNeeded), 8))
	_, err := w.Write(zeros)
	return err
}

// processBytes consumes as much of data as needed to complete the current
// 254-bit group. It returns the carry bits (and their count) to seed the next
// group's prefix, the number of source bytes consumed, the assembled 32-byte
// word, and whether the group was completed (false means data ran out first
// and was buffered via the prefix carried in *word*).
func (w *Writer) processBytes(data []byte) (carry byte, carrySize, consumed int, word [32]byte, complete bool) {
	bitsNeeded := w.bitsNeeded
	fullBytesNeeded := bitsNeeded / 8
	suffixSize := bitsNeeded % 8
	// A group that straddles a byte boundary needs one more byte to split
	// into suffix and carry; a group that ends on a byte boundary needs none.
	splitBytes := 1
	carrySize = 8 - suffixSize
	if suffixSize == 0 {
		splitBytes, carrySize = 0, 0
	}

	bytesToConsume := fullBytesNeeded
	if bytesToConsume > len(data) {
		bytesToConsume = len(data)
	}

	incomplete := fullBytesNeeded+splitBytes > len(data)

	var finalByte byte
	if !incomplete {
		w.bitsNeeded = UnpaddedBits - carrySize
		if splitBytes == 1 {
			finalByte = data[bytesToConsume]
		}
		consumed = bytesToConsume + splitBytes
	} else {
		w.bitsNeeded = bitsNeeded - len(data)*8
		consumed = len(data)
		carrySize = w.prefixSize
	}

	suffix, carryOut := splitSuffix(finalByte, suffixSize)
	word = assembleWord(w.prefix, w.prefixSize, data[:bytesToConsume], suffix)
	return carryOut, carrySize, consumed, word, !incomplete
}

// assembleWord lays prefix into the low prefixSize bits of word[0], then
// shifts every byte of data left by prefixSize (carrying its high bits into
// the next output byte), and finally places suffix (already shifted) into
// the byte following the last data byte.
func assembleWord(prefix byte, prefixSize int, data []byte, suffix byte) [32]byte {
	var out [32]byte
	leftShift := uint(prefixSize)
	rightShift := uint(8 - prefixSize)

	carry := prefix
	for i, b := range data {
		out[i] = carry | (b << leftShift)
		carry = b >> rightShift
	}
	out[len(data)] = carry | (suffix << leftShift)
	return out
}

// splitSuffix splits b into its low suffixSize bits (the suffix, to be
// embedded in the current word) and its high (8-suffixSize) bits (the carry,
// shifted down to seed the next word's prefix).
func splitSuffix(b byte, suffixSize int) (suffix, carry byte) {
	if suffixSize == 0 {
		return 0, b
	}
	mask := byte(1<<uint(suffixSize) - 1)
	return b & mask, b >> uint(suffixSize)
}

func (w *Writer) ensureWrite(buf []byte) error {
	for len(buf) > 0 {
		n, err := w.inner.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
