// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmeans implements K-means clustering over a dataset that is
// row-partitioned across the ranks of a collective process group.
//
// Run is a collective: every rank calls it with its own partition
// and the same configuration. Ranks compute their assignments locally
// and combine per-cluster sums and counts with a single reduction per
// iteration, so that every rank holds an identical copy of the
// centroids throughout. The result depends on the dataset, the
// configuration, and the seed; it does not depend on how the rows are
// partitioned beyond floating point rounding.
//
// Clusters that become empty are reseeded before the next assignment
// with the rows farthest from their centroids, so a run never
// terminates with an empty cluster.
package kmeans

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/partition"
)

// Result is the outcome of a clustering run. All fields except Labels
// and Distances are identical on every rank.
type Result struct {
	// Centroids holds the K final centroids as rows.
	Centroids *partition.Matrix
	// Labels holds the cluster of each local row.
	Labels []int
	// Distances holds the squared distance of each local row to
	// its cluster's centroid.
	Distances []float64
	// Counts holds the global number of rows in each cluster.
	Counts []int
	// Weights holds the class weight of each cluster, N/(K*count),
	// for correcting cluster size imbalance downstream.
	Weights []float64
	// Iterations is the number of iterations performed.
	Iterations int
	// Converged tells whether the run met its tolerance before
	// reaching the maximum number of iterations.
	Converged bool
	// Inertia is the global sum of squared distances.
	Inertia float64
	// Reseeds is the number of times an empty cluster was reseeded.
	Reseeds int

	metric metric
}

// run is the state of a clustering run on one rank.
type run struct {
	ctx     context.Context
	c       *collective.Comm
	m       *partition.Matrix
	classes []int
	config  Config
	metric  metric

	// counts holds the number of rows held by each rank, and n
	// their total.
	counts []int
	n      int

	labels []int
	dists  []float64
}

// Run clusters the dataset whose local partition is m. Classes is
// consulted only in semi-supervised runs: it holds, for each local
// row, its class id or partition.Unlabelled.
//
// Configuration errors on any rank are returned on every rank.
// Reaching the maximum number of iterations is not an error; it is
// reported by Result.Converged.
func Run(ctx context.Context, c *collective.Comm, m *partition.Matrix, classes []int, config Config) (*Result, error) {
	err := config.Validate(m.Cols)
	if err == nil {
		err = partition.CheckFinite(m)
	}
	if err == nil && config.SemiSupervised {
		err = checkClasses(classes, m.Rows, config.K)
	}
	if err := c.Agree(ctx, err); err != nil {
		return nil, err
	}
	dims, err := c.AllreduceInts(ctx, collective.Max, []int{m.Cols, -m.Cols})
	if err != nil {
		return nil, err
	}
	if dims[0] != -dims[1] {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kmeans: ranks disagree on the number of columns: between %d and %d", -dims[1], dims[0]))
	}
	counts := make([]int, c.Size())
	counts[c.Rank()] = m.Rows
	if counts, err = c.AllreduceInts(ctx, collective.Sum, counts); err != nil {
		return nil, err
	}
	r := &run{
		ctx:     ctx,
		c:       c,
		m:       m,
		classes: classes,
		config:  config,
		counts:  counts,
		labels:  make([]int, m.Rows),
		dists:   make([]float64, m.Rows),
	}
	for _, n := range counts {
		r.n += n
	}
	if config.K > r.n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("kmeans: k=%d exceeds the number of rows %d", config.K, r.n))
	}
	if r.metric, err = newMetric(ctx, c, m, config); err != nil {
		return nil, err
	}
	centroids, err := r.initialize()
	if err != nil {
		return nil, err
	}
	return r.iterate(centroids)
}

func checkClasses(classes []int, rows, k int) error {
	if len(classes) != rows {
		return errors.E(errors.Invalid, fmt.Sprintf("kmeans: %d class ids for %d rows", len(classes), rows))
	}
	for i, class := range classes {
		if class < partition.Unlabelled || class >= k {
			return errors.E(errors.Invalid, fmt.Sprintf("kmeans: invalid class %d at row %d", class, i))
		}
	}
	return nil
}

// fixed tells whether local row i is pinned to its class.
func (r *run) fixed(i int) bool {
	return r.config.SemiSupervised && !r.config.MoveLabelled && r.classes[i] >= 0
}

func (r *run) iterate(centroids *partition.Matrix) (*Result, error) {
	var (
		k, d      = r.config.K, r.m.Cols
		res       = &Result{metric: r.metric}
		counts    []int
		iteration int
	)
	for i := range r.labels {
		r.labels[i] = -1
	}
	for iteration = 1; iteration <= r.config.MaxIterations; iteration++ {
		changes := r.assign(centroids)
		// Per-cluster sums and counts, and the number of label
		// changes, are combined in a single reduction.
		x := make([]float64, k*d+k+1)
		for i, label := range r.labels {
			for j, v := range r.m.Row(i) {
				x[label*d+j] += v
			}
			x[k*d+label]++
		}
		x[k*d+k] = float64(changes)
		y, err := r.c.AllreduceFloat64s(r.ctx, collective.Sum, x)
		if err != nil {
			return nil, err
		}
		sums := &partition.Matrix{Rows: k, Cols: d, Data: y[:k*d]}
		counts = make([]int, k)
		for j := range counts {
			counts[j] = int(y[k*d+j])
		}
		changes = int(y[k*d+k])

		reseeds, err := r.reseed(sums, counts)
		if err != nil {
			return nil, err
		}
		res.Reseeds += reseeds

		next := partition.New(k, d)
		var shift float64
		for j := 0; j < k; j++ {
			row := next.Row(j)
			for l, v := range sums.Row(j) {
				row[l] = v / float64(counts[j])
			}
			shift = math.Max(shift, math.Sqrt(r.metric.dist(row, centroids.Row(j))))
		}
		centroids = next
		if r.c.IsRoot() {
			log.Debug.Printf("kmeans: iteration %d: shift %g, %d label changes, %d reseeds", iteration, shift, changes, reseeds)
		}
		if reseeds == 0 && (shift < r.config.Tolerance || changes == 0) {
			res.Converged = true
			break
		}
	}
	if !res.Converged {
		iteration = r.config.MaxIterations
	}
	res.Iterations = iteration

	// The centroids are the means of the final assignment; distances
	// are reported against them.
	var inertia float64
	for i, label := range r.labels {
		r.dists[i] = r.metric.dist(r.m.Row(i), centroids.Row(label))
		inertia += r.dists[i]
	}
	var err error
	if res.Inertia, err = r.c.AllreduceFloat64(r.ctx, collective.Sum, inertia); err != nil {
		return nil, err
	}
	res.Centroids = centroids
	res.Labels = r.labels
	res.Distances = r.dists
	res.Counts = counts
	res.Weights = make([]float64, len(counts))
	for j, n := range counts {
		res.Weights[j] = float64(r.n) / float64(r.config.K*n)
	}
	if r.c.IsRoot() {
		if res.Converged {
			log.Printf("kmeans: k=%d converged after %d iterations, inertia %g", r.config.K, res.Iterations, res.Inertia)
		} else {
			log.Printf("kmeans: k=%d did not converge within %d iterations, inertia %g", r.config.K, res.Iterations, res.Inertia)
		}
	}
	return res, nil
}

// assign assigns every local row to its nearest centroid, or to its
// class when the row is pinned, and returns the number of rows whose
// label changed.
func (r *run) assign(centroids *partition.Matrix) int {
	var changes int
	for i := range r.labels {
		row := r.m.Row(i)
		var (
			label int
			dist  float64
		)
		if r.fixed(i) {
			label = r.classes[i]
			dist = r.metric.dist(row, centroids.Row(label))
		} else {
			label, dist = r.metric.nearest(centroids, row)
		}
		if label != r.labels[i] {
			changes++
		}
		r.labels[i], r.dists[i] = label, dist
	}
	return changes
}
