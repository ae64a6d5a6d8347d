// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dstat

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/partition"
)

// Quantiles returns the qs-quantiles of the values x held across the
// group. Each quantile interpolates linearly between the two nearest
// order statistics at position q*(N-1). Each q must lie in [0, 1].
//
// The order statistics are selected exactly without gathering the
// values: every rank sorts its own values once, and the group then
// bisects the ordered float64 key space, counting the values at or
// below each pivot with one reduction per step. A call therefore
// takes at most 64 reductions of 2*len(qs) counts, and no rank holds
// more than its own values.
func Quantiles(ctx context.Context, c *collective.Comm, x []float64, qs []float64) ([]float64, error) {
	result, err := quantiles(ctx, c, [][]float64{x}, qs)
	if err != nil {
		return nil, err
	}
	return result[0], nil
}

// ColumnQuantiles returns, for each column j of the dataset, the
// qs-quantiles of that column. All columns are selected together, so
// the number of reductions does not depend on the number of columns.
func ColumnQuantiles(ctx context.Context, c *collective.Comm, m *partition.Matrix, qs []float64) ([][]float64, error) {
	cols, err := c.AllreduceInt(ctx, collective.Max, m.Cols)
	if err != nil {
		return nil, err
	}
	if err := c.Agree(ctx, checkCols(m, cols)); err != nil {
		return nil, err
	}
	xs := make([][]float64, cols)
	for j := range xs {
		xs[j] = m.Col(j)
	}
	return quantiles(ctx, c, xs, qs)
}

func quantiles(ctx context.Context, c *collective.Comm, xs [][]float64, qs []float64) ([][]float64, error) {
	var err error
	for _, x := range xs {
		if err = checkQuantiles(x, qs); err != nil {
			break
		}
	}
	if err = c.Agree(ctx, err); err != nil {
		return nil, err
	}
	if len(xs) == 0 {
		return nil, nil
	}
	n, err := c.AllreduceInt(ctx, collective.Sum, len(xs[0]))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.E(errors.Invalid, "dstat.Quantiles: no values")
	}
	// Each quantile needs the order statistics on either side of its
	// position; targets holds them for every column, quantile by
	// quantile.
	var (
		targets = make([]target, 0, 2*len(xs)*len(qs))
		fracs   = make([]float64, len(qs))
	)
	for j := range xs {
		for i, q := range qs {
			lo, frac := position(q, n)
			fracs[i] = frac
			hi := lo
			if frac > 0 {
				hi++
			}
			targets = append(targets, target{col: j, k: lo}, target{col: j, k: hi})
		}
	}
	keys := make([][]uint64, len(xs))
	for j, x := range xs {
		keys[j] = make([]uint64, len(x))
		for i, v := range x {
			keys[j][i] = orderedKey(v)
		}
		sort.Slice(keys[j], func(a, b int) bool { return keys[j][a] < keys[j][b] })
	}
	values, err := selectKeys(ctx, c, keys, targets)
	if err != nil {
		return nil, err
	}
	result := make([][]float64, len(xs))
	for j := range result {
		result[j] = make([]float64, len(qs))
		for i := range qs {
			t := 2 * (j*len(qs) + i)
			result[j][i] = interpolate(values[t], values[t+1], fracs[i])
		}
	}
	return result, nil
}

// A target is the k-th smallest value (from 0) of a column.
type target struct {
	col, k int
}

// selectKeys returns the value of each target, given the sorted local
// keys of every column. For each target, it maintains the range
// [lo, hi] of keys that contains the target's key, and narrows it by
// counting, across the group, the keys at or below its midpoint. The
// bounds are computed from reduced counts only, so they are identical
// on every rank, as is the number of rounds.
func selectKeys(ctx context.Context, c *collective.Comm, keys [][]uint64, targets []target) ([]float64, error) {
	var (
		lo     = make([]uint64, len(targets))
		hi     = make([]uint64, len(targets))
		counts = make([]int, len(targets))
	)
	for i := range hi {
		hi[i] = math.MaxUint64
	}
	for {
		var open bool
		for i, t := range targets {
			counts[i] = 0
			if lo[i] == hi[i] {
				continue
			}
			open = true
			mid := lo[i] + (hi[i]-lo[i])/2
			col := keys[t.col]
			counts[i] = sort.Search(len(col), func(a int) bool { return col[a] > mid })
		}
		if !open {
			break
		}
		total, err := c.AllreduceInts(ctx, collective.Sum, counts)
		if err != nil {
			return nil, err
		}
		for i, t := range targets {
			if lo[i] == hi[i] {
				continue
			}
			mid := lo[i] + (hi[i]-lo[i])/2
			if total[i] > t.k {
				hi[i] = mid
			} else {
				lo[i] = mid + 1
			}
		}
	}
	values := make([]float64, len(targets))
	for i := range values {
		values[i] = fromOrderedKey(lo[i])
	}
	return values, nil
}

// orderedKey maps a non-NaN float64 to a uint64 whose unsigned order
// matches the numeric order of the floats.
func orderedKey(v float64) uint64 {
	b := math.Float64bits(v)
	if b>>63 == 1 {
		return ^b
	}
	return b | 1<<63
}

func fromOrderedKey(k uint64) float64 {
	if k>>63 == 1 {
		return math.Float64frombits(k &^ (1 << 63))
	}
	return math.Float64frombits(^k)
}

func checkQuantiles(x, qs []float64) error {
	for _, q := range qs {
		if !(q >= 0 && q <= 1) {
			return errors.E(errors.Invalid, fmt.Sprintf("dstat.Quantiles: quantile %v out of range [0, 1]", q))
		}
	}
	for i, v := range x {
		if math.IsNaN(v) {
			return errors.E(errors.Invalid, fmt.Sprintf("dstat.Quantiles: NaN at row %d", i))
		}
	}
	return nil
}

// position returns the order statistic below the q-quantile of n
// values and the interpolation fraction toward the next one.
func position(q float64, n int) (lo int, frac float64) {
	pos := q * float64(n-1)
	lo = int(math.Floor(pos))
	if lo >= n-1 {
		return n - 1, 0
	}
	return lo, pos - float64(lo)
}

func interpolate(lo, hi, frac float64) float64 {
	if frac == 0 || lo == hi {
		return lo
	}
	return lo + frac*(hi-lo)
}

// Unique returns the sorted set of distinct values in x across the
// group. Each rank deduplicates its values before they are gathered to
// rank 0, which merges them and broadcasts the result.
func Unique(ctx context.Context, c *collective.Comm, x []float64) ([]float64, error) {
	if err := c.Agree(ctx, checkQuantiles(x, nil)); err != nil {
		return nil, err
	}
	all, err := c.GatherFloat64s(ctx, 0, dedupe(append([]float64(nil), x...)))
	if err != nil {
		return nil, err
	}
	var set []float64
	err = c.RunOnce(ctx, &set, func() error {
		for _, v := range all {
			set = append(set, v...)
		}
		set = dedupe(set)
		if set == nil {
			// Gob cannot distinguish nil from empty; keep the
			// result consistent on every rank.
			set = []float64{}
		}
		return nil
	})
	if err == nil && len(set) == 0 {
		set = nil
	}
	return set, err
}

// OneHotSets computes the distinct values of each column of the
// dataset, for use with partition.OneHot. Columns with more than
// maxDims distinct values are not suitable for one-hot encoding; their
// set is nil.
func OneHotSets(ctx context.Context, c *collective.Comm, m *partition.Matrix, maxDims int) ([][]float64, error) {
	cols, err := c.AllreduceInt(ctx, collective.Max, m.Cols)
	if err != nil {
		return nil, err
	}
	if err := c.Agree(ctx, checkCols(m, cols)); err != nil {
		return nil, err
	}
	sets := make([][]float64, cols)
	for j := range sets {
		set, err := Unique(ctx, c, m.Col(j))
		if err != nil {
			return nil, err
		}
		if len(set) <= maxDims {
			sets[j] = set
		}
	}
	return sets, nil
}

func checkCols(m *partition.Matrix, cols int) error {
	if m.Cols != cols {
		return errors.E(errors.Invalid, fmt.Sprintf("partition has %d columns, group has %d", m.Cols, cols))
	}
	return nil
}

// dedupe sorts x in place and removes duplicate values.
func dedupe(x []float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	sort.Float64s(x)
	out := x[:1]
	for _, v := range x[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
