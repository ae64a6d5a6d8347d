// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmeans

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/partition"
	"github.com/spaolacci/murmur3"
)

// newStream returns the random stream with the given name, derived
// from seed. Every rank derives identical streams, and so draws the
// same numbers in the same order.
func newStream(seed int64, name string) *rand.Rand {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(seed))
	h := murmur3.New64WithSeed(uint32(seed >> 32))
	h.Write(b[:])
	h.Write([]byte(name))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// initialize returns the initial centroids.
func (r *run) initialize() (*partition.Matrix, error) {
	if r.config.Init == Given {
		return partition.FromRows(r.m.Cols, r.config.Centroids), nil
	}
	centroids, err := r.classMeans()
	if err != nil {
		return nil, err
	}
	return r.plusPlus(centroids)
}

// classMeans returns the means of the labelled rows of classes
// 0..C-1, where C-1 is the largest class id in the dataset. Every
// class must have at least one labelled row.
func (r *run) classMeans() (*partition.Matrix, error) {
	d := r.m.Cols
	if !r.config.SemiSupervised {
		return partition.New(0, d), nil
	}
	max := partition.Unlabelled
	for _, class := range r.classes {
		if class > max {
			max = class
		}
	}
	max, err := r.c.AllreduceInt(r.ctx, collective.Max, max)
	if err != nil {
		return nil, err
	}
	nclass := max + 1
	if nclass > r.config.K {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kmeans: %d classes exceed k=%d", nclass, r.config.K))
	}
	if nclass == 0 {
		if r.c.IsRoot() {
			log.Printf("kmeans: semi-supervised run without labelled rows")
		}
		return partition.New(0, d), nil
	}
	x := make([]float64, nclass*d+nclass)
	for i, class := range r.classes {
		if class < 0 {
			continue
		}
		for j, v := range r.m.Row(i) {
			x[class*d+j] += v
		}
		x[nclass*d+class]++
	}
	if x, err = r.c.AllreduceFloat64s(r.ctx, collective.Sum, x); err != nil {
		return nil, err
	}
	means := partition.New(nclass, d)
	for k := 0; k < nclass; k++ {
		n := x[nclass*d+k]
		if n == 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("kmeans: class %d has no labelled rows", k))
		}
		for j := range means.Row(k) {
			means.Row(k)[j] = x[k*d+j] / n
		}
	}
	if r.c.IsRoot() {
		log.Printf("kmeans: seeded %d centroids from class means", nclass)
	}
	return means, nil
}

// plusPlus completes the provided centroids to K with k-means++
// draws. If no centroids are provided, the first is drawn uniformly
// from the dataset. Each subsequent centroid is chosen from a number of
// candidates, each drawn with probability proportional to its squared
// distance to the nearest centroid; the candidate that minimizes the
// resulting potential is kept.
//
// A draw is performed identically by every rank with the shared
// random stream: the draw selects a rank by the rank's total weight,
// and the selected rank resolves the draw to one of its rows. This
// is equivalent to a draw over the concatenated dataset.
func (r *run) plusPlus(centroids *partition.Matrix) (*partition.Matrix, error) {
	rng := newStream(r.config.Seed, "kmeans++")
	d2 := make([]float64, r.m.Rows)
	if centroids.Rows == 0 {
		var (
			g         = rng.Intn(r.n)
			rank, idx = r.locate(g)
		)
		cand, err := r.share([]draw{{rank: rank, index: idx}}, nil)
		if err != nil {
			return nil, err
		}
		centroids.Append(cand.Row(0))
	}
	for i := range d2 {
		_, d2[i] = r.metric.nearest(centroids, r.m.Row(i))
	}
	trials := r.config.trials()
	for centroids.Rows < r.config.K {
		var local float64
		for _, w := range d2 {
			local += w
		}
		weights, err := r.c.AllgatherFloat64s(r.ctx, []float64{local})
		if err != nil {
			return nil, err
		}
		var total float64
		for _, w := range weights {
			total += w[0]
		}
		draws := make([]draw, trials)
		for t := range draws {
			if total > 0 {
				draws[t] = weighted(weights, rng.Float64()*total)
			} else {
				// Every row coincides with a centroid.
				rank, idx := r.locate(rng.Intn(r.n))
				draws[t] = draw{rank: rank, index: idx}
			}
		}
		cands, err := r.share(draws, d2)
		if err != nil {
			return nil, err
		}
		best := 0
		if trials > 1 {
			pot := make([]float64, trials)
			for i := 0; i < r.m.Rows; i++ {
				row := r.m.Row(i)
				for t := range pot {
					pot[t] += math.Min(d2[i], r.metric.dist(row, cands.Row(t)))
				}
			}
			if pot, err = r.c.AllreduceFloat64s(r.ctx, collective.Sum, pot); err != nil {
				return nil, err
			}
			for t := range pot {
				if pot[t] < pot[best] {
					best = t
				}
			}
		}
		chosen := cands.Row(best)
		centroids.Append(chosen)
		for i := range d2 {
			d2[i] = math.Min(d2[i], r.metric.dist(r.m.Row(i), chosen))
		}
	}
	return centroids, nil
}

// A draw identifies a row drawn from the dataset. The index is
// resolved by the owning rank when the draw is weighted.
type draw struct {
	rank  int
	index int
	// u is the residual weight within the rank, for weighted draws.
	u        float64
	weighted bool
}

// locate returns the rank and local index of global row g.
func (r *run) locate(g int) (rank, index int) {
	for rank, n := range r.counts {
		if g < n {
			return rank, g
		}
		g -= n
	}
	panic(fmt.Sprintf("kmeans: row %d out of range", g))
}

// weighted maps u in [0, total) to a rank by cumulative rank weight.
func weighted(weights [][]float64, u float64) draw {
	last := -1
	for rank, w := range weights {
		if w[0] <= 0 {
			continue
		}
		if u < w[0] {
			return draw{rank: rank, u: u, weighted: true}
		}
		u -= w[0]
		last = rank
	}
	// Rounding: u landed past the total.
	return draw{rank: last, u: math.Inf(1), weighted: true}
}

// resolve returns the local row selected by residual weight u: the
// first row whose cumulative weight exceeds u.
func resolve(d2 []float64, u float64) int {
	var (
		cum  float64
		last = -1
	)
	for i, w := range d2 {
		if w <= 0 {
			continue
		}
		cum += w
		last = i
		if u < cum {
			return i
		}
	}
	return last
}

// share resolves the draws owned by this rank, weighted draws by the
// local weights d2, and shares the drawn rows with the group. Since
// each row has exactly one owner, a sum reduction delivers every drawn
// row intact.
func (r *run) share(draws []draw, d2 []float64) (*partition.Matrix, error) {
	d := r.m.Cols
	x := make([]float64, len(draws)*d)
	for t, dr := range draws {
		if dr.rank != r.c.Rank() {
			continue
		}
		idx := dr.index
		if dr.weighted {
			idx = resolve(d2, dr.u)
		}
		copy(x[t*d:(t+1)*d], r.m.Row(idx))
	}
	y, err := r.c.AllreduceFloat64s(r.ctx, collective.Sum, x)
	if err != nil {
		return nil, err
	}
	return &partition.Matrix{Rows: len(draws), Cols: d, Data: y}, nil
}
