// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// Op is an elementwise reduction operator. All operators are
// associative and commutative; reductions fold contributions in rank
// order so that every rank computes a bit-identical result.
type Op int

const (
	// Sum adds contributions.
	Sum Op = iota
	// Min takes the minimum of contributions.
	Min
	// Max takes the maximum of contributions.
	Max
)

func (o Op) String() string {
	switch o {
	case Sum:
		return "sum"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Identity returns the identity element of the operator, the value
// contributed by a rank that holds no rows.
func (o Op) Identity() float64 {
	switch o {
	case Min:
		return math.Inf(1)
	case Max:
		return math.Inf(-1)
	default:
		return 0
	}
}

func (o Op) float64(a, b float64) float64 {
	switch o {
	case Min:
		return math.Min(a, b)
	case Max:
		return math.Max(a, b)
	default:
		return a + b
	}
}

func (o Op) int(a, b int) int {
	switch o {
	case Min:
		if b < a {
			return b
		}
		return a
	case Max:
		if b > a {
			return b
		}
		return a
	default:
		return a + b
	}
}

// Barrier blocks until every rank has called Barrier.
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, "barrier", PatternAll, 0, nil)
	return err
}

// Allgather contributes the gob-encodable value v and calls fn with a
// decoder for every rank's contribution, in rank order.
func (c *Comm) Allgather(ctx context.Context, v interface{}, fn func(rank int, dec *gob.Decoder) error) error {
	p, err := gobEncode(v)
	if err != nil {
		return c.fail(ctx, "allgather", PatternAll, 0, errors.E(errors.Invalid, "collective.Allgather: encode", err))
	}
	payloads, err := c.exchange(ctx, "allgather", PatternAll, 0, p)
	if err != nil {
		return err
	}
	for rank, p := range payloads {
		if err := fn(rank, gobDecoder(p)); err != nil {
			return err
		}
	}
	return nil
}

// Gather contributes the gob-encodable value v to the root. On the
// root, fn is called with a decoder for every rank's contribution in
// rank order; fn is not called on other ranks.
func (c *Comm) Gather(ctx context.Context, root int, v interface{}, fn func(rank int, dec *gob.Decoder) error) error {
	p, err := gobEncode(v)
	if err != nil {
		return c.fail(ctx, "gather", PatternGather, root, errors.E(errors.Invalid, "collective.Gather: encode", err))
	}
	payloads, err := c.exchange(ctx, "gather", PatternGather, root, p)
	if err != nil || c.rank != root {
		return err
	}
	for rank, p := range payloads {
		if err := fn(rank, gobDecoder(p)); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast propagates the value pointed to by ptr on the root rank
// to every other rank, decoding it into ptr. Broadcast blocks every
// rank until the root has contributed.
func (c *Comm) Broadcast(ctx context.Context, root int, ptr interface{}) error {
	var p []byte
	if c.rank == root {
		var err error
		if p, err = gobEncode(ptr); err != nil {
			return c.fail(ctx, "broadcast", PatternBcast, root, errors.E(errors.Invalid, "collective.Broadcast: encode", err))
		}
	}
	payloads, err := c.exchange(ctx, "broadcast", PatternBcast, root, p)
	if err != nil || c.rank == root {
		return err
	}
	if err := gobDecoder(payloads[0]).Decode(ptr); err != nil {
		return errors.E(errors.Invalid, "collective.Broadcast: decode", err)
	}
	return nil
}

// AllgatherFloat64s returns every rank's vector, indexed by rank.
func (c *Comm) AllgatherFloat64s(ctx context.Context, x []float64) ([][]float64, error) {
	payloads, err := c.exchange(ctx, "allgatherf", PatternAll, 0, encodeFloat64s(x))
	if err != nil {
		return nil, err
	}
	return decodeAllFloat64s(payloads)
}

// GatherFloat64s returns every rank's vector, indexed by rank, on the
// root. Other ranks receive nil.
func (c *Comm) GatherFloat64s(ctx context.Context, root int, x []float64) ([][]float64, error) {
	payloads, err := c.exchange(ctx, "gatherf", PatternGather, root, encodeFloat64s(x))
	if err != nil || c.rank != root {
		return nil, err
	}
	return decodeAllFloat64s(payloads)
}

// ScatterFloat64s distributes parts[r], supplied by the root, to rank
// r. The root must supply exactly one part per rank; parts is ignored
// on other ranks.
func (c *Comm) ScatterFloat64s(ctx context.Context, root int, parts [][]float64) ([]float64, error) {
	var p []byte
	if c.rank == root {
		if len(parts) != c.size {
			return nil, c.fail(ctx, "scatterf", PatternScatter, root, errors.E(errors.Invalid,
				fmt.Sprintf("collective.ScatterFloat64s: %d parts for %d ranks", len(parts), c.size)))
		}
		frames := make([][]byte, len(parts))
		for i, part := range parts {
			frames[i] = encodeFloat64s(part)
		}
		p = encodeFrames(frames)
	}
	payloads, err := c.exchange(ctx, "scatterf", PatternScatter, root, p)
	if err != nil {
		return nil, err
	}
	return decodeFloat64s(payloads[0])
}

// AllreduceFloat64s combines the vectors contributed by every rank
// elementwise with op. All ranks must contribute vectors of the same
// length; otherwise every rank returns an errors.Invalid error.
func (c *Comm) AllreduceFloat64s(ctx context.Context, op Op, x []float64) ([]float64, error) {
	payloads, err := c.exchange(ctx, "allreduce."+op.String(), PatternAll, 0, encodeFloat64s(x))
	if err != nil {
		return nil, err
	}
	vecs, err := decodeAllFloat64s(payloads)
	if err != nil {
		return nil, err
	}
	if err := checkLengths(len(vecs[0]), func(rank int) int { return len(vecs[rank]) }, len(vecs)); err != nil {
		return nil, err
	}
	y := make([]float64, len(x))
	for i := range y {
		y[i] = op.Identity()
	}
	for _, v := range vecs {
		for i := range y {
			y[i] = op.float64(y[i], v[i])
		}
	}
	return y, nil
}

// AllreduceFloat64 is the scalar version of AllreduceFloat64s.
func (c *Comm) AllreduceFloat64(ctx context.Context, op Op, x float64) (float64, error) {
	y, err := c.AllreduceFloat64s(ctx, op, []float64{x})
	if err != nil {
		return 0, err
	}
	return y[0], nil
}

// AllreduceInts combines integer vectors elementwise with op. As with
// AllreduceFloat64s, all vectors must have the same length.
func (c *Comm) AllreduceInts(ctx context.Context, op Op, x []int) ([]int, error) {
	payloads, err := c.exchange(ctx, "allreducei."+op.String(), PatternAll, 0, encodeInts(x))
	if err != nil {
		return nil, err
	}
	vecs := make([][]int, len(payloads))
	for rank, p := range payloads {
		if vecs[rank], err = decodeInts(p); err != nil {
			return nil, err
		}
	}
	if err := checkLengths(len(vecs[0]), func(rank int) int { return len(vecs[rank]) }, len(vecs)); err != nil {
		return nil, err
	}
	y := make([]int, len(x))
	for rank, v := range vecs {
		for i := range y {
			if rank == 0 {
				y[i] = v[i]
			} else {
				y[i] = op.int(y[i], v[i])
			}
		}
	}
	return y, nil
}

// AllreduceInt is the scalar version of AllreduceInts.
func (c *Comm) AllreduceInt(ctx context.Context, op Op, x int) (int, error) {
	y, err := c.AllreduceInts(ctx, op, []int{x})
	if err != nil {
		return 0, err
	}
	return y[0], nil
}

// MaxLoc returns the maximum of the values contributed by every rank,
// together with the lowest rank that contributed it. Ranks with
// nothing to contribute should pass math.Inf(-1).
func (c *Comm) MaxLoc(ctx context.Context, v float64) (max float64, rank int, err error) {
	vals, err := c.AllgatherFloat64s(ctx, []float64{v})
	if err != nil {
		return 0, -1, err
	}
	max, rank = math.Inf(-1), -1
	for r, x := range vals {
		if len(x) != 1 {
			return 0, -1, errors.E(errors.Invalid, fmt.Sprintf("collective.MaxLoc: rank %d contributed %d values", r, len(x)))
		}
		if rank < 0 || x[0] > max {
			max, rank = x[0], r
		}
	}
	return max, rank, nil
}

func decodeAllFloat64s(payloads [][]byte) ([][]float64, error) {
	vecs := make([][]float64, len(payloads))
	for rank, p := range payloads {
		var err error
		if vecs[rank], err = decodeFloat64s(p); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func checkLengths(want int, length func(rank int) int, n int) error {
	for rank := 0; rank < n; rank++ {
		if got := length(rank); got != want {
			return errors.E(errors.Invalid,
				fmt.Sprintf("collective: rank %d contributed %d elements, rank 0 contributed %d", rank, got, want))
		}
	}
	return nil
}
