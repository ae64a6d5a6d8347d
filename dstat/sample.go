// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dstat

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/partition"
	"github.com/spaolacci/murmur3"
)

// Sample selects approximately n rows uniformly at random from the
// dataset and returns them, in global row order, on every rank.
//
// A row is selected when the hash of its global index (see Offset)
// under the given seed falls below n/N. The selection therefore
// depends only on the dataset and the seed, never on how the rows are
// partitioned. If n >= N, every row is returned.
func Sample(ctx context.Context, c *collective.Comm, m *partition.Matrix, n int, seed uint32) (*partition.Matrix, error) {
	var err error
	if n <= 0 {
		err = errors.E(errors.Invalid, fmt.Sprintf("dstat.Sample: invalid sample size %d", n))
	}
	if err = c.Agree(ctx, err); err != nil {
		return nil, err
	}
	cols, err := c.AllreduceInt(ctx, collective.Max, m.Cols)
	if err != nil {
		return nil, err
	}
	if err = c.Agree(ctx, checkCols(m, cols)); err != nil {
		return nil, err
	}
	offset, total, err := Offset(ctx, c, m.Rows)
	if err != nil {
		return nil, err
	}
	var selected []int
	for i := 0; i < m.Rows; i++ {
		if Selected(uint64(offset+i), n, total, seed) {
			selected = append(selected, i)
		}
	}
	rows, err := c.AllgatherFloat64s(ctx, m.Select(selected).Data)
	if err != nil {
		return nil, err
	}
	sample := partition.New(0, cols)
	for _, data := range rows {
		sample.Data = append(sample.Data, data...)
	}
	if cols > 0 {
		sample.Rows = len(sample.Data) / cols
	}
	return sample, nil
}

// Selected tells whether the row with the given global index is
// included in a sample of approximately n out of total rows.
func Selected(index uint64, n, total int, seed uint32) bool {
	if n >= total {
		return true
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], index)
	h := murmur3.Sum64WithSeed(b[:], seed)
	return float64(h) < float64(n)/float64(total)*math.MaxUint64
}
