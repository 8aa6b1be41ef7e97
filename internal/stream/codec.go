// Package stream implements the Stream Reassembler component: fragmenting
// oversize payloads on send and reassembling them, out of order, on
// receive (spec §4.3).
package stream

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressIfSmaller lz4-compresses data and returns the compressed form
// only if it is actually smaller; otherwise it returns data unmodified and
// reports compressed=false. Stream fragmentation operates on whichever form
// this returns, so a payload that doesn't compress well still fragments at
// its original size rather than paying lz4 framing overhead for nothing.
func CompressIfSmaller(data []byte) (out []byte, compressed bool, err error) {
	if len(data) == 0 {
		return data, false, nil
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false, err
	}
	if err := zw.Close(); err != nil {
		return nil, false, err
	}

	if buf.Len() >= len(data) {
		return data, false, nil
	}
	return buf.Bytes(), true, nil
}

// Decompress reverses CompressIfSmaller's compressed branch.
func Decompress(compressed []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(compressed))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
