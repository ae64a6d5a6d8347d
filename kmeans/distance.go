// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmeans

import (
	"context"
	"math"

	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/dstat"
	"github.com/grailbio/bigkmeans/partition"
)

// A metric is a resolved distance function. A nil weight vector is the
// plain squared Euclidean distance.
type metric []float64

// newMetric resolves the configured distance. The Standardized
// distance requires a global reduction.
func newMetric(ctx context.Context, c *collective.Comm, m *partition.Matrix, config Config) (metric, error) {
	switch config.Distance {
	case Weighted:
		return metric(append([]float64(nil), config.Weights...)), nil
	case Standardized:
		std, err := dstat.Std(ctx, c, m, 0)
		if err != nil {
			return nil, err
		}
		w := make(metric, len(std))
		for j, s := range std {
			// Constant columns do not discriminate between
			// clusters; any weight will do.
			w[j] = 1
			if s > 0 {
				w[j] = 1 / (s * s)
			}
		}
		return w, nil
	default:
		return nil, nil
	}
}

// dist returns the squared distance between a and b.
func (w metric) dist(a, b []float64) float64 {
	var d float64
	if w == nil {
		for j := range a {
			x := a[j] - b[j]
			d += x * x
		}
		return d
	}
	for j := range a {
		x := a[j] - b[j]
		d += w[j] * x * x
	}
	return d
}

// nearest returns the index of the centroid nearest to row, and its
// squared distance. Ties go to the lowest index.
func (w metric) nearest(centroids *partition.Matrix, row []float64) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for k := 0; k < centroids.Rows; k++ {
		if d := w.dist(row, centroids.Row(k)); d < bestDist || best < 0 {
			best, bestDist = k, d
		}
	}
	return best, bestDist
}

// Predict assigns each row of m to its nearest centroid under the
// distance used to compute the result. It returns the labels and
// squared distances. Predict is local and requires no communication.
func (r *Result) Predict(m *partition.Matrix) (labels []int, dists []float64) {
	labels = make([]int, m.Rows)
	dists = make([]float64, m.Rows)
	for i := range labels {
		labels[i], dists[i] = r.metric.nearest(r.Centroids, m.Row(i))
	}
	return
}
