// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import "fmt"

// Range is a half-open range of row indices [Start, End).
type Range struct {
	Start, End int
}

// Len returns the number of rows in the range.
func (r Range) Len() int { return r.End - r.Start }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// Split divides n rows into k contiguous ranges whose sizes differ by
// at most one; the first n%k ranges receive the extra row. Each range
// is then widened by overlap rows on either side, clamped to [0, n).
// When k > n, the trailing ranges are empty.
func Split(n, k, overlap int) []Range {
	if k <= 0 {
		panic(fmt.Sprintf("partition.Split: invalid number of chunks %d", k))
	}
	ranges := make([]Range, k)
	var (
		size  = n / k
		extra = n % k
		start int
	)
	for i := range ranges {
		end := start + size
		if i < extra {
			end++
		}
		r := Range{start, end}
		if r.Len() > 0 && overlap > 0 {
			r.Start -= overlap
			if r.Start < 0 {
				r.Start = 0
			}
			r.End += overlap
			if r.End > n {
				r.End = n
			}
		}
		ranges[i] = r
		start = end
	}
	return ranges
}

// Deal returns the items assigned to rank in a round-robin deal of
// items across size ranks: rank r receives items r, r+size, r+2*size,
// and so on.
func Deal(items []string, rank, size int) []string {
	var dealt []string
	for i := rank; i < len(items); i += size {
		dealt = append(dealt, items[i])
	}
	return dealt
}

// SplitMatrix divides the rows of m into k contiguous partitions, as
// by Split without overlap. The partitions share m's storage.
func SplitMatrix(m *Matrix, k int) []*Matrix {
	ranges := Split(m.Rows, k, 0)
	parts := make([]*Matrix, k)
	for i, r := range ranges {
		parts[i] = m.Slice(r.Start, r.End)
	}
	return parts
}
