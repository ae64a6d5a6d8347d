// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
)

// Numeric vectors are encoded as little-endian 64-bit words: they are
// exchanged on every iteration and must round-trip bit-for-bit.

func encodeFloat64s(x []float64) []byte {
	p := make([]byte, 8*len(x))
	for i, v := range x {
		binary.LittleEndian.PutUint64(p[8*i:], math.Float64bits(v))
	}
	return p
}

func decodeFloat64s(p []byte) ([]float64, error) {
	if len(p)%8 != 0 {
		return nil, fmt.Errorf("collective: float64 payload of %d bytes", len(p))
	}
	x := make([]float64, len(p)/8)
	for i := range x {
		x[i] = math.Float64frombits(binary.LittleEndian.Uint64(p[8*i:]))
	}
	return x, nil
}

func encodeInts(x []int) []byte {
	p := make([]byte, 8*len(x))
	for i, v := range x {
		binary.LittleEndian.PutUint64(p[8*i:], uint64(int64(v)))
	}
	return p
}

func decodeInts(p []byte) ([]int, error) {
	if len(p)%8 != 0 {
		return nil, fmt.Errorf("collective: int payload of %d bytes", len(p))
	}
	x := make([]int, len(p)/8)
	for i := range x {
		x[i] = int(int64(binary.LittleEndian.Uint64(p[8*i:])))
	}
	return x, nil
}

// encodeFrames concatenates frames, each prefixed by its uvarint
// length.
func encodeFrames(frames [][]byte) []byte {
	var (
		b   bytes.Buffer
		tmp [binary.MaxVarintLen64]byte
	)
	for _, f := range frames {
		n := binary.PutUvarint(tmp[:], uint64(len(f)))
		b.Write(tmp[:n])
		b.Write(f)
	}
	return b.Bytes()
}

func decodeFrames(p []byte) ([][]byte, error) {
	var frames [][]byte
	for len(p) > 0 {
		n, k := binary.Uvarint(p)
		if k <= 0 || uint64(len(p)-k) < n {
			return nil, fmt.Errorf("collective: corrupt frame at offset %d", len(p))
		}
		p = p[k:]
		frames = append(frames, p[:n:n])
		p = p[n:]
	}
	return frames, nil
}

func gobEncode(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func gobDecoder(p []byte) *gob.Decoder {
	return gob.NewDecoder(bytes.NewReader(p))
}
