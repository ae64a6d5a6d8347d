// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Unlabelled is the class id of rows that carry no class label.
const Unlabelled = -1

// CSVOptions configures the decoding of CSV shards.
type CSVOptions struct {
	// Comma is the field delimiter. It defaults to ','.
	Comma rune
	// Header indicates that the first record of each shard is a
	// header naming the columns.
	Header bool
	// ClassColumn names a column holding integer class ids. The
	// column is removed from the returned matrix and returned
	// separately. Empty cells and negative values denote unlabelled
	// rows. ClassColumn requires Header.
	ClassColumn string
}

// Shard is a decoded CSV shard.
type Shard struct {
	// Names holds the feature column names, if the shard had a header.
	Names []string
	// Matrix holds the feature values.
	*Matrix
	// Classes holds per-row class ids when a class column was
	// configured; otherwise it is nil.
	Classes []int
}

// ReadCSV reads the CSV shard at path. Paths may name any file
// supported by github.com/grailbio/base/file, including S3 objects
// when the s3 implementation is registered.
func ReadCSV(ctx context.Context, path string, opts CSVOptions) (*Shard, error) {
	if opts.ClassColumn != "" && !opts.Header {
		return nil, errors.E(errors.Invalid, "partition.ReadCSV: class column requires a header")
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(ctx); err != nil {
			log.Error.Printf("%s: close: %v", path, err)
		}
	}()
	r := csv.NewReader(bufio.NewReader(f.Reader(ctx)))
	if opts.Comma != 0 {
		r.Comma = opts.Comma
	}
	r.ReuseRecord = true
	var (
		shard    = new(Shard)
		classCol = -1
		lineno   int
	)
	if opts.Header {
		header, err := r.Read()
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: reading header", path), err)
		}
		lineno++
		for i, name := range header {
			if name == opts.ClassColumn && opts.ClassColumn != "" {
				classCol = i
				continue
			}
			shard.Names = append(shard.Names, name)
		}
		if opts.ClassColumn != "" && classCol < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: missing class column %q", path, opts.ClassColumn))
		}
		shard.Matrix = &Matrix{Cols: len(shard.Names)}
	}
	if classCol >= 0 {
		shard.Classes = []int{}
	}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		lineno++
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d", path, lineno), err)
		}
		if shard.Matrix == nil {
			shard.Matrix = &Matrix{Cols: len(record)}
		}
		ncol := len(record)
		if classCol >= 0 {
			ncol--
		}
		if ncol != shard.Cols {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("%s:%d: got %d columns, want %d", path, lineno, ncol, shard.Cols))
		}
		for i, field := range record {
			if i == classCol {
				class := Unlabelled
				if field != "" {
					class, err = strconv.Atoi(field)
					if err != nil {
						return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: class id", path, lineno), err)
					}
					if class < 0 {
						class = Unlabelled
					}
				}
				shard.Classes = append(shard.Classes, class)
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: column %d", path, lineno, i), err)
			}
			shard.Data = append(shard.Data, v)
		}
		shard.Rows++
	}
	if shard.Matrix == nil {
		shard.Matrix = &Matrix{}
	}
	return shard, nil
}

// ReadShards reads and concatenates the provided CSV shards. All
// shards must have the same number of columns. Reading zero shards
// yields a matrix with zero rows and cols columns.
func ReadShards(ctx context.Context, paths []string, cols int, opts CSVOptions) (*Shard, error) {
	all := &Shard{Matrix: New(0, cols)}
	if opts.ClassColumn != "" {
		all.Classes = []int{}
	}
	for _, path := range paths {
		shard, err := ReadCSV(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		if shard.Rows > 0 && shard.Cols != cols {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("%s: got %d columns, want %d", path, shard.Cols, cols))
		}
		if all.Names == nil {
			all.Names = shard.Names
		}
		all.Data = append(all.Data, shard.Data...)
		all.Rows += shard.Rows
		all.Classes = append(all.Classes, shard.Classes...)
		log.Debug.Printf("%s: read %d rows", path, shard.Rows)
	}
	return all, nil
}

// WriteCSV writes the matrix m to path, preceded by a header if names
// is non-empty. If the write fails, the partially written file is
// discarded.
func WriteCSV(ctx context.Context, path string, names []string, m *Matrix) (err error) {
	return write(ctx, path, func(w *csv.Writer) error {
		if len(names) > 0 {
			if err := w.Write(names); err != nil {
				return err
			}
		}
		record := make([]string, m.Cols)
		for i := 0; i < m.Rows; i++ {
			for j, v := range m.Row(i) {
				record[j] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteInts writes a single named integer column to path.
func WriteInts(ctx context.Context, path, name string, values []int) error {
	return write(ctx, path, func(w *csv.Writer) error {
		if err := w.Write([]string{name}); err != nil {
			return err
		}
		record := make([]string, 1)
		for _, v := range values {
			record[0] = strconv.Itoa(v)
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	})
}

func write(ctx context.Context, path string, fn func(w *csv.Writer) error) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f.Writer(ctx))
	w := csv.NewWriter(bw)
	err = fn(w)
	if err == nil {
		w.Flush()
		err = w.Error()
	}
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		f.Discard(ctx)
		return errors.E(fmt.Sprintf("write %s", path), err)
	}
	return f.Close(ctx)
}
