// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmeans

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans/partition"
)

// A candidate is a row that may be moved to an empty cluster.
type candidate struct {
	dist  float64
	rank  int
	index int
	label int
	row   []float64
}

// reseed fills the empty clusters in counts. Each empty cluster, in
// index order, receives the row farthest from its centroid among the
// rows whose cluster can spare it (that is, holds more than one row).
// The sums and counts are adjusted to reflect the moved rows, and the
// owning ranks relabel them. Reseed returns the number of clusters
// reseeded.
//
// Candidates are exchanged in rounds: every rank contributes its
// farthest movable rows, enough to guarantee that each round fills at
// least one empty cluster.
func (r *run) reseed(sums *partition.Matrix, counts []int) (int, error) {
	var reseeds int
	for {
		var empty []int
		for k, n := range counts {
			if n == 0 {
				empty = append(empty, k)
			}
		}
		if len(empty) == 0 {
			return reseeds, nil
		}
		cands, err := r.candidates(len(empty) + r.config.K)
		if err != nil {
			return reseeds, err
		}
		var moved int
		for _, cand := range cands {
			if len(empty) == 0 {
				break
			}
			if counts[cand.label] <= 1 {
				continue
			}
			k := empty[0]
			empty = empty[1:]
			donor := sums.Row(cand.label)
			for j, v := range cand.row {
				donor[j] -= v
			}
			copy(sums.Row(k), cand.row)
			counts[cand.label]--
			counts[k] = 1
			if cand.rank == r.c.Rank() {
				r.labels[cand.index] = k
				r.dists[cand.index] = 0
			}
			if r.c.IsRoot() {
				log.Debug.Printf("kmeans: reseeded cluster %d with row %d of rank %d from cluster %d (distance %g)",
					k, cand.index, cand.rank, cand.label, cand.dist)
			}
			moved++
		}
		if moved == 0 {
			return reseeds, errors.E(errors.Invalid,
				fmt.Sprintf("kmeans: no movable row can reseed %d empty clusters", len(empty)))
		}
		reseeds += moved
	}
}

// candidates returns the group's reseeding candidates in descending
// order of distance; ties are broken by rank, then index. Each rank
// contributes at most limit of its movable rows.
func (r *run) candidates(limit int) ([]candidate, error) {
	var local []int
	for i := range r.labels {
		if !r.fixed(i) {
			local = append(local, i)
		}
	}
	sort.SliceStable(local, func(a, b int) bool {
		return r.dists[local[a]] > r.dists[local[b]]
	})
	if len(local) > limit {
		local = local[:limit]
	}
	d := r.m.Cols
	width := 3 + d
	x := make([]float64, 0, len(local)*width)
	for _, i := range local {
		x = append(x, r.dists[i], float64(i), float64(r.labels[i]))
		x = append(x, r.m.Row(i)...)
	}
	all, err := r.c.AllgatherFloat64s(r.ctx, x)
	if err != nil {
		return nil, err
	}
	var cands []candidate
	for rank, x := range all {
		if len(x)%width != 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("kmeans: rank %d sent malformed candidates", rank))
		}
		for ; len(x) > 0; x = x[width:] {
			cands = append(cands, candidate{
				dist:  x[0],
				rank:  rank,
				index: int(x[1]),
				label: int(x[2]),
				row:   x[3:width],
			})
		}
	}
	// Candidates arrive in rank order, and in index order within a
	// rank for equal distances, so a stable sort completes the order.
	sort.SliceStable(cands, func(a, b int) bool {
		return cands[a].dist > cands[b].dist
	})
	return cands, nil
}
