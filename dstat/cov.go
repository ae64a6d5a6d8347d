// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dstat

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/partition"
	"gonum.org/v1/gonum/mat"
)

// Covariance returns the covariance matrix of the dataset about the
// provided global column means (see Mean). Each rank accumulates the
// outer products of its centered rows; the upper triangles are summed
// across the group and divided by N if bias is set, or N-1 otherwise.
// The returned matrix is exactly symmetric.
func Covariance(ctx context.Context, c *collective.Comm, m *partition.Matrix, mean []float64, bias bool) (*mat.SymDense, error) {
	var err error
	if m.Cols == 0 {
		err = errors.E(errors.Invalid, "dstat.Covariance: partition has no columns")
	} else if len(mean) != m.Cols {
		err = errors.E(errors.Invalid, fmt.Sprintf("dstat.Covariance: mean has %d columns, partition has %d", len(mean), m.Cols))
	} else {
		err = partition.CheckFinite(m)
	}
	if err := c.Agree(ctx, err); err != nil {
		return nil, err
	}
	d := m.Cols
	outer := mat.NewSymDense(d, nil)
	if m.Rows > 0 {
		centered := mat.NewVecDense(d, nil)
		for i := 0; i < m.Rows; i++ {
			for j, v := range m.Row(i) {
				centered.SetVec(j, v-mean[j])
			}
			outer.SymRankOne(outer, 1, centered)
		}
	}
	// Pack the upper triangle, followed by the local row count.
	x := make([]float64, 0, d*(d+1)/2+1)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			x = append(x, outer.At(i, j))
		}
	}
	x = append(x, float64(m.Rows))
	y, err := c.AllreduceFloat64s(ctx, collective.Sum, x)
	if err != nil {
		return nil, err
	}
	n := y[len(y)-1]
	denom := n - 1
	if bias {
		denom = n
	}
	if denom <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("dstat.Covariance: %v rows insufficient (bias=%v)", n, bias))
	}
	cov := mat.NewSymDense(d, nil)
	k := 0
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			cov.SetSym(i, j, y[k]/denom)
			k++
		}
	}
	return cov, nil
}

// Eigen is the eigendecomposition of a symmetric matrix.
type Eigen struct {
	// Values holds the eigenvalues in descending order.
	Values []float64
	// Vectors holds the orthonormal eigenvectors as columns;
	// column i corresponds to Values[i].
	Vectors *mat.Dense
}

// Decompose computes the eigendecomposition of the symmetric matrix
// a. Decompose requires no communication: when a is a global
// aggregate, every rank computes the same decomposition.
func Decompose(a mat.Symmetric) (*Eigen, error) {
	var es mat.EigenSym
	if ok := es.Factorize(a, true); !ok {
		return nil, errors.E(errors.Invalid, "dstat.Decompose: eigendecomposition failed to converge")
	}
	asc := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	n := len(asc)
	e := &Eigen{
		Values:  make([]float64, n),
		Vectors: mat.NewDense(n, n, nil),
	}
	// EigenSym returns values in ascending order.
	for i := 0; i < n; i++ {
		e.Values[i] = asc[n-1-i]
		for r := 0; r < n; r++ {
			e.Vectors.Set(r, i, vecs.At(r, n-1-i))
		}
	}
	return e, nil
}

// Rank returns the number of eigenvalues greater than tol times the
// largest eigenvalue's magnitude.
func (e *Eigen) Rank(tol float64) int {
	if len(e.Values) == 0 {
		return 0
	}
	scale := math.Abs(e.Values[0])
	if scale == 0 {
		return 0
	}
	var rank int
	for _, v := range e.Values {
		if v > tol*scale {
			rank++
		}
	}
	return rank
}

// FullRank returns an errors.Invalid error if the decomposed matrix is
// rank deficient at the given tolerance.
func (e *Eigen) FullRank(tol float64) error {
	if r := e.Rank(tol); r < len(e.Values) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("matrix is rank deficient: rank %d of %d (smallest eigenvalue %g)", r, len(e.Values), e.Values[len(e.Values)-1]))
	}
	return nil
}
