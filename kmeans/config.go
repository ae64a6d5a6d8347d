// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmeans

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// Init selects how initial centroids are chosen.
type Init int

const (
	// PlusPlus draws initial centroids with k-means++ weighting.
	PlusPlus Init = iota
	// Given uses the centroids supplied in Config.Centroids.
	Given
)

func (i Init) String() string {
	switch i {
	case PlusPlus:
		return "kmeans++"
	case Given:
		return "given"
	default:
		return fmt.Sprintf("init(%d)", int(i))
	}
}

// Distance selects the distance function used to assign rows to
// centroids. All distances are (weighted) squared Euclidean distances.
type Distance int

const (
	// Euclidean is the plain squared Euclidean distance.
	Euclidean Distance = iota
	// Weighted scales the squared difference in each column by
	// Config.Weights.
	Weighted
	// Standardized scales the squared difference in each column by the
	// inverse of the column's global variance.
	Standardized
)

func (d Distance) String() string {
	switch d {
	case Euclidean:
		return "euclidean"
	case Weighted:
		return "weighted"
	case Standardized:
		return "standardized"
	default:
		return fmt.Sprintf("distance(%d)", int(d))
	}
}

// Config configures a clustering run. Every rank of the group must
// use the same configuration.
type Config struct {
	// K is the number of clusters.
	K int
	// Init selects the initialization scheme.
	Init Init
	// Centroids are the initial centroids when Init is Given.
	Centroids [][]float64
	// Trials is the number of candidates drawn in each k-means++
	// round; the candidate that most reduces the potential is kept.
	// If zero, 2+ln(K) candidates are drawn.
	Trials int
	// Tolerance is the convergence threshold on the largest centroid
	// displacement between iterations.
	Tolerance float64
	// MaxIterations bounds the number of iterations.
	MaxIterations int
	// Distance selects the distance function.
	Distance Distance
	// Weights are the column weights for the Weighted distance.
	Weights []float64
	// Seed seeds the random draws of initialization. Runs with the
	// same seed over the same data produce the same result.
	Seed int64
	// SemiSupervised enables seeding from labelled rows: the first C
	// centroids are the means of the rows labelled with classes
	// 0..C-1, and labelled rows remain assigned to their class.
	SemiSupervised bool
	// MoveLabelled allows labelled rows to be reassigned after
	// seeding.
	MoveLabelled bool
}

// DefaultConfig is the default clustering configuration, less the
// number of clusters.
var DefaultConfig = Config{
	Init:          PlusPlus,
	Tolerance:     1e-4,
	MaxIterations: 300,
	Distance:      Euclidean,
}

func (c Config) trials() int {
	if c.Trials > 0 {
		return c.Trials
	}
	return 2 + int(math.Log(float64(c.K)))
}

// Validate checks the configuration against a partition with d
// columns. It requires no communication.
func (c Config) Validate(d int) error {
	switch {
	case d <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("kmeans: data has %d columns", d))
	case c.K <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("kmeans: invalid number of clusters %d", c.K))
	case c.Trials < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("kmeans: invalid number of trials %d", c.Trials))
	case c.Tolerance < 0 || math.IsNaN(c.Tolerance):
		return errors.E(errors.Invalid, fmt.Sprintf("kmeans: invalid tolerance %v", c.Tolerance))
	case c.MaxIterations <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("kmeans: invalid maximum iterations %d", c.MaxIterations))
	}
	switch c.Init {
	case PlusPlus:
	case Given:
		if len(c.Centroids) != c.K {
			return errors.E(errors.Invalid, fmt.Sprintf("kmeans: %d initial centroids given for k=%d", len(c.Centroids), c.K))
		}
		for i, row := range c.Centroids {
			if len(row) != d {
				return errors.E(errors.Invalid, fmt.Sprintf("kmeans: initial centroid %d has %d columns, data has %d", i, len(row), d))
			}
			for _, v := range row {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					return errors.E(errors.Invalid, fmt.Sprintf("kmeans: initial centroid %d is not finite", i))
				}
			}
		}
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("kmeans: unknown init %v", c.Init))
	}
	switch c.Distance {
	case Euclidean, Standardized:
	case Weighted:
		if len(c.Weights) != d {
			return errors.E(errors.Invalid, fmt.Sprintf("kmeans: %d distance weights for %d columns", len(c.Weights), d))
		}
		for j, w := range c.Weights {
			if !(w >= 0) || math.IsInf(w, 0) {
				return errors.E(errors.Invalid, fmt.Sprintf("kmeans: invalid weight %v for column %d", w, j))
			}
		}
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("kmeans: unknown distance %v", c.Distance))
	}
	return nil
}
