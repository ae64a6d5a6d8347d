// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"fmt"
	"sort"
)

// OneHot returns a copy of m in which every column j with a non-nil
// sets[j] is replaced by len(sets[j]) indicator columns, one per
// (sorted) value in the set. Values absent from the set encode as all
// zeros. Columns with a nil set are copied unchanged.
func OneHot(m *Matrix, sets [][]float64) *Matrix {
	if len(sets) != m.Cols {
		panic(fmt.Sprintf("partition.OneHot: got %d sets for %d columns", len(sets), m.Cols))
	}
	var cols int
	for _, set := range sets {
		if set == nil {
			cols++
		} else {
			cols += len(set)
		}
	}
	enc := New(m.Rows, cols)
	for i := 0; i < m.Rows; i++ {
		var (
			in  = m.Row(i)
			out = enc.Row(i)
			k   int
		)
		for j, v := range in {
			set := sets[j]
			if set == nil {
				out[k] = v
				k++
				continue
			}
			if idx := sort.SearchFloat64s(set, v); idx < len(set) && set[idx] == v {
				out[k+idx] = 1
			}
			k += len(set)
		}
	}
	return enc
}

// Clip returns a copy of m with every value in column j clamped to
// [lo[j], hi[j]].
func Clip(m *Matrix, lo, hi []float64) *Matrix {
	if len(lo) != m.Cols || len(hi) != m.Cols {
		panic("partition.Clip: bounds do not match column count")
	}
	c := m.Clone()
	for i := 0; i < c.Rows; i++ {
		row := c.Row(i)
		for j := range row {
			switch {
			case row[j] < lo[j]:
				row[j] = lo[j]
			case row[j] > hi[j]:
				row[j] = hi[j]
			}
		}
	}
	return c
}
