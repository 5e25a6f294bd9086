package fr32

import "io"

// Reader would be the streaming inverse of Writer. Implementing it is out of
// scope for this module (see Non-goals): random-access extraction is served
// by WriteUnpadded instead. Reader is kept as a typed stub so the package
// shape mirrors Writer and a future streaming implementation has an obvious
// home.
type Reader struct {
	inner io.Reader
}

// NewReader returns a stub Reader wrapping inner. Read is unimplemented.
func NewReader(inner io.Reader) *Reader {
	return &Reader{inner: inner}
}

// Read always panics: streaming unpad is not implemented by this module.
func (r *Reader) Read(_ []byte) (int, error) {
	panic("fr32: streaming Reader is not implemented; use WriteUnpadded for random-access extraction")
}
