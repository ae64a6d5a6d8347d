// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dstat computes global statistics over a dataset that is
// row-partitioned across the ranks of a collective process group.
//
// Every function in this package is a collective: it must be called by
// every rank of the group, in the same order, with that rank's local
// partition. Results are identical on every rank, and depend only on
// the rows of the logical dataset, not on how the rows are
// partitioned. Ranks that hold no rows are tolerated everywhere; they
// contribute identities to reductions.
//
// Errors detected on a single rank (for example, non-finite input) are
// agreed upon by the group, so that every rank returns the same error.
package dstat

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/partition"
)

// Count returns the total number of rows held by the group.
func Count(ctx context.Context, c *collective.Comm, m *partition.Matrix) (int, error) {
	return c.AllreduceInt(ctx, collective.Sum, m.Rows)
}

// Offset returns the global index of the first of n local rows, that
// is the number of rows held by lower ranks, together with the total
// row count.
func Offset(ctx context.Context, c *collective.Comm, n int) (offset, total int, err error) {
	counts := make([]int, c.Size())
	counts[c.Rank()] = n
	if counts, err = c.AllreduceInts(ctx, collective.Sum, counts); err != nil {
		return 0, 0, err
	}
	for rank, k := range counts {
		if rank < c.Rank() {
			offset += k
		}
		total += k
	}
	return offset, total, nil
}

// CheckFinite verifies that no rank's partition holds NaN or infinite
// values. The returned error names the offending rank, row, and column.
func CheckFinite(ctx context.Context, c *collective.Comm, m *partition.Matrix) error {
	return c.Agree(ctx, partition.CheckFinite(m))
}

// Sum returns the column sums of the dataset.
func Sum(ctx context.Context, c *collective.Comm, m *partition.Matrix) ([]float64, error) {
	return c.AllreduceFloat64s(ctx, collective.Sum, colSums(m))
}

// Mean returns the column means of the dataset, computed as the global
// column sums divided by the global row count. Mean fails with
// errors.Invalid if the dataset is empty or holds non-finite values.
func Mean(ctx context.Context, c *collective.Comm, m *partition.Matrix) ([]float64, error) {
	if err := CheckFinite(ctx, c, m); err != nil {
		return nil, err
	}
	// Sums and count travel together in a single reduction.
	x := append(colSums(m), float64(m.Rows))
	y, err := c.AllreduceFloat64s(ctx, collective.Sum, x)
	if err != nil {
		return nil, err
	}
	n := y[len(y)-1]
	if n == 0 {
		return nil, errors.E(errors.Invalid, "dstat.Mean: empty dataset")
	}
	mean := y[:len(y)-1]
	for j := range mean {
		mean[j] /= n
	}
	return mean, nil
}

// Min returns the column minima of the dataset. Columns of an empty
// dataset have minimum +Inf.
func Min(ctx context.Context, c *collective.Comm, m *partition.Matrix) ([]float64, error) {
	return c.AllreduceFloat64s(ctx, collective.Min, colFold(m, collective.Min, math.Min))
}

// Max returns the column maxima of the dataset. Columns of an empty
// dataset have maximum -Inf.
func Max(ctx context.Context, c *collective.Comm, m *partition.Matrix) ([]float64, error) {
	return c.AllreduceFloat64s(ctx, collective.Max, colFold(m, collective.Max, math.Max))
}

// Std returns the column standard deviations of the dataset, with the
// sum of squared deviations divided by N-ddof.
func Std(ctx context.Context, c *collective.Comm, m *partition.Matrix, ddof int) ([]float64, error) {
	mean, err := Mean(ctx, c, m)
	if err != nil {
		return nil, err
	}
	x := make([]float64, m.Cols+1)
	for i := 0; i < m.Rows; i++ {
		for j, v := range m.Row(i) {
			d := v - mean[j]
			x[j] += d * d
		}
	}
	x[m.Cols] = float64(m.Rows)
	y, err := c.AllreduceFloat64s(ctx, collective.Sum, x)
	if err != nil {
		return nil, err
	}
	denom := y[m.Cols] - float64(ddof)
	if denom <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("dstat.Std: %v rows insufficient for ddof %d", y[m.Cols], ddof))
	}
	std := y[:m.Cols]
	for j := range std {
		std[j] = math.Sqrt(std[j] / denom)
	}
	return std, nil
}

// TotalMemory returns the memory obtained from the operating system
// by all the ranks of the group. It is logged by rank 0.
func TotalMemory(ctx context.Context, c *collective.Comm) (data.Size, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	total, err := c.AllreduceInts(ctx, collective.Sum, []int{int(ms.Sys)})
	if err != nil {
		return 0, err
	}
	size := data.Size(total[0])
	if c.IsRoot() {
		log.Printf("dstat: group of %d ranks is using %s", c.Size(), size)
	}
	return size, nil
}

func colSums(m *partition.Matrix) []float64 {
	sums := make([]float64, m.Cols)
	for i := 0; i < m.Rows; i++ {
		for j, v := range m.Row(i) {
			sums[j] += v
		}
	}
	return sums
}

func colFold(m *partition.Matrix, op collective.Op, fold func(a, b float64) float64) []float64 {
	x := make([]float64, m.Cols)
	for j := range x {
		x[j] = op.Identity()
	}
	for i := 0; i < m.Rows; i++ {
		for j, v := range m.Row(i) {
			x[j] = fold(x[j], v)
		}
	}
	return x
}
