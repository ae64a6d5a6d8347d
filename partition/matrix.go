// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package partition defines the rank-local row partition consumed by
// the collective statistics and clustering packages, along with
// utilities to split, read, and write partitions.
//
// A partition is a dense, row-major matrix of float64 values. Each
// rank of a process group owns exactly one partition; the logical
// dataset is the concatenation of all partitions in rank order. A
// partition may hold zero rows, but its column count must agree with
// every other rank's.
package partition

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// Matrix is a dense, row-major matrix. Matrices may have zero rows.
type Matrix struct {
	// Rows and Cols are the dimensions of the matrix.
	Rows, Cols int
	// Data holds Rows*Cols values; row i occupies
	// Data[i*Cols:(i+1)*Cols].
	Data []float64
}

// New returns a zero-valued matrix with the provided dimensions.
func New(rows, cols int) *Matrix {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("partition.New: invalid dimensions %dx%d", rows, cols))
	}
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromRows returns a matrix with a copy of the provided rows. All
// rows must have length cols.
func FromRows(cols int, rows [][]float64) *Matrix {
	m := New(len(rows), cols)
	for i, row := range rows {
		if len(row) != cols {
			panic(fmt.Sprintf("partition.FromRows: row %d has %d columns, want %d", i, len(row), cols))
		}
		copy(m.Row(i), row)
	}
	return m
}

// Row returns row i of the matrix. The returned slice aliases the
// matrix's storage.
func (m *Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// At returns the value at row i, column j.
func (m *Matrix) At(i, j int) float64 {
	return m.Data[i*m.Cols+j]
}

// Col returns a copy of column j.
func (m *Matrix) Col(j int) []float64 {
	col := make([]float64, m.Rows)
	for i := range col {
		col[i] = m.Data[i*m.Cols+j]
	}
	return col
}

// Slice returns the rows [i, j) of the matrix, sharing storage.
func (m *Matrix) Slice(i, j int) *Matrix {
	return &Matrix{Rows: j - i, Cols: m.Cols, Data: m.Data[i*m.Cols : j*m.Cols]}
}

// Clone returns a deep copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	c := &Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]float64, len(m.Data))}
	copy(c.Data, m.Data)
	return c
}

// Append appends a row to the matrix.
func (m *Matrix) Append(row []float64) {
	if len(row) != m.Cols {
		panic(fmt.Sprintf("partition.Append: row has %d columns, want %d", len(row), m.Cols))
	}
	m.Data = append(m.Data, row...)
	m.Rows++
}

// Select returns a new matrix containing the rows at the provided
// indices, in order.
func (m *Matrix) Select(indices []int) *Matrix {
	s := New(len(indices), m.Cols)
	for i, idx := range indices {
		copy(s.Row(i), m.Row(idx))
	}
	return s
}

// Concat returns the row-wise concatenation of the provided matrices,
// which must all have the same number of columns.
func Concat(cols int, ms ...*Matrix) *Matrix {
	c := &Matrix{Cols: cols}
	for _, m := range ms {
		if m.Cols != cols {
			panic(fmt.Sprintf("partition.Concat: matrix has %d columns, want %d", m.Cols, cols))
		}
		c.Data = append(c.Data, m.Data...)
		c.Rows += m.Rows
	}
	return c
}

// CheckFinite returns an errors.Invalid error identifying the first
// row and column of m that holds a NaN or infinite value.
func CheckFinite(m *Matrix) error {
	for i, v := range m.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.E(errors.Invalid,
				fmt.Sprintf("non-finite value %v at row %d, column %d", v, i/m.Cols, i%m.Cols))
		}
	}
	return nil
}

// String returns a short description of the matrix dimensions.
func (m *Matrix) String() string {
	return fmt.Sprintf("matrix(%dx%d)", m.Rows, m.Cols)
}
