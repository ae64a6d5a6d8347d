// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/dstat"
	"github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigkmeans/kmeans"
	"github.com/grailbio/bigkmeans/partition"
)

// ClusterSummary is a rank's reply to a clustering run.
type ClusterSummary struct {
	Rank, Rows int
	Iterations int
	Converged  bool
	Inertia    float64
	Reseeds    int
	Counts     []int
	Weights    []float64
	// Labels is the path of the rank's label shard.
	Labels string
}

// StatsSummary is a rank's reply to a statistics run. Every rank
// returns the same global statistics.
type StatsSummary struct {
	Rows      int
	Names     []string
	Mean      []float64
	Std       []float64
	Min, Max  []float64
	Quantiles [][]float64
	Rank      int
	Sampled   int
}

var (
	// Cluster loads the rank's shards of the job's input and clusters
	// them. Each rank writes its labels to its own shard; the centroids
	// are written once by rank 0.
	Cluster = exec.Func(func(ctx context.Context, c *collective.Comm, job Job, config kmeans.Config) (ClusterSummary, error) {
		shard, err := load(ctx, c, job)
		if err != nil {
			return ClusterSummary{}, err
		}
		m, names := shard.Matrix, shard.Names
		if job.OneHotMax > 0 {
			if m, err = encode(ctx, c, m, job.OneHotMax); err != nil {
				return ClusterSummary{}, err
			}
			names = nil
		}
		res, err := kmeans.Run(ctx, c, m, shard.Classes, config)
		if err != nil {
			return ClusterSummary{}, err
		}
		summary := ClusterSummary{
			Rank:       c.Rank(),
			Rows:       m.Rows,
			Iterations: res.Iterations,
			Converged:  res.Converged,
			Inertia:    res.Inertia,
			Reseeds:    res.Reseeds,
			Counts:     res.Counts,
			Weights:    res.Weights,
			Labels:     file.Join(job.Output, fmt.Sprintf("labels-%04d-of-%04d.csv", c.Rank(), c.Size())),
		}
		err = partition.WriteInts(ctx, summary.Labels, "cluster", res.Labels)
		if err = c.Agree(ctx, err); err != nil {
			return ClusterSummary{}, err
		}
		err = c.RunOnce(ctx, nil, func() error {
			if len(names) != res.Centroids.Cols {
				names = columnNames(res.Centroids.Cols)
			}
			path := file.Join(job.Output, "centroids.csv")
			log.Printf("writing %d centroids to %s", res.Centroids.Rows, path)
			return partition.WriteCSV(ctx, path, names, res.Centroids)
		})
		return summary, err
	})

	// Stats loads the rank's shards of the job's input and computes
	// per-column statistics over the whole dataset. Rank 0 writes the
	// statistics, and a sample of rows if configured.
	Stats = exec.Func(func(ctx context.Context, c *collective.Comm, job Job) (StatsSummary, error) {
		shard, err := load(ctx, c, job)
		if err != nil {
			return StatsSummary{}, err
		}
		m := shard.Matrix
		if err = dstat.CheckFinite(ctx, c, m); err != nil {
			return StatsSummary{}, err
		}
		summary := StatsSummary{Names: shard.Names, Rank: c.Rank()}
		if summary.Rows, err = dstat.Count(ctx, c, m); err != nil {
			return StatsSummary{}, err
		}
		if summary.Mean, err = dstat.Mean(ctx, c, m); err != nil {
			return StatsSummary{}, err
		}
		if summary.Std, err = dstat.Std(ctx, c, m, 1); err != nil {
			return StatsSummary{}, err
		}
		if summary.Min, err = dstat.Min(ctx, c, m); err != nil {
			return StatsSummary{}, err
		}
		if summary.Max, err = dstat.Max(ctx, c, m); err != nil {
			return StatsSummary{}, err
		}
		if len(job.Stats.Quantiles) > 0 {
			if summary.Quantiles, err = dstat.ColumnQuantiles(ctx, c, m, job.Stats.Quantiles); err != nil {
				return StatsSummary{}, err
			}
		}
		var sample *partition.Matrix
		if job.Stats.Sample > 0 {
			if sample, err = dstat.Sample(ctx, c, m, job.Stats.Sample, job.Stats.Seed); err != nil {
				return StatsSummary{}, err
			}
			summary.Sampled = sample.Rows
		}
		if mem, err := dstat.TotalMemory(ctx, c); err == nil {
			log.Debug.Printf("%s: group memory %s", c, mem)
		} else {
			return StatsSummary{}, err
		}
		err = c.RunOnce(ctx, nil, func() error {
			names := summary.Names
			if len(names) != m.Cols {
				names = columnNames(m.Cols)
			}
			if err := partition.WriteCSV(ctx, file.Join(job.Output, "stats.csv"), append([]string{"statistic"}, names...), statsTable(summary)); err != nil {
				return err
			}
			if sample == nil {
				return nil
			}
			return partition.WriteCSV(ctx, file.Join(job.Output, "sample.csv"), names, sample)
		})
		return summary, err
	})
)

// load reads the rank's shards of the job's input. Shards are read
// concurrently. Ranks that are dealt no shards, or only empty ones,
// hold empty partitions with the group's column count.
func load(ctx context.Context, c *collective.Comm, job Job) (*partition.Shard, error) {
	var (
		paths  = partition.Deal(job.Input, c.Rank(), c.Size())
		shards = make([]*partition.Shard, len(paths))
		opts   = job.CSVOptions()
	)
	err := traverse.Each(len(paths), func(i int) (err error) {
		shards[i], err = partition.ReadCSV(ctx, paths[i], opts)
		return
	})
	cols := -1
	if err == nil {
		for i, shard := range shards {
			if shard.Rows == 0 {
				continue
			}
			if cols >= 0 && shard.Cols != cols {
				err = errors.E(errors.Invalid, fmt.Sprintf("%s: got %d columns, want %d", paths[i], shard.Cols, cols))
				break
			}
			cols = shard.Cols
		}
	}
	if err = c.Agree(ctx, err); err != nil {
		return nil, err
	}
	// Ranks without rows do not constrain the column count.
	lo := -cols
	if cols < 0 {
		lo = math.MinInt32
	}
	dims, err := c.AllreduceInts(ctx, collective.Max, []int{cols, lo})
	if err != nil {
		return nil, err
	}
	if dims[0] < 0 {
		return nil, errors.E(errors.Invalid, "input holds no rows")
	}
	if dims[0] != -dims[1] {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("shards disagree on the number of columns: between %d and %d", -dims[1], dims[0]))
	}
	cols = dims[0]
	all := new(partition.Shard)
	if opts.ClassColumn != "" {
		all.Classes = []int{}
	}
	var ms []*partition.Matrix
	for _, shard := range shards {
		if shard.Rows == 0 {
			continue
		}
		if all.Names == nil {
			all.Names = shard.Names
		}
		ms = append(ms, shard.Matrix)
		all.Classes = append(all.Classes, shard.Classes...)
	}
	all.Matrix = partition.Concat(cols, ms...)
	log.Printf("%s: loaded %d rows from %d shards", c, all.Rows, len(paths))
	return all, nil
}

// encode one-hot encodes the columns of m with at most maxDims
// distinct values across the group.
func encode(ctx context.Context, c *collective.Comm, m *partition.Matrix, maxDims int) (*partition.Matrix, error) {
	sets, err := dstat.OneHotSets(ctx, c, m, maxDims)
	if err != nil {
		return nil, err
	}
	return partition.OneHot(m, sets), nil
}

func columnNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = "c" + strconv.Itoa(i)
	}
	return names
}

// statsLabels returns the names of the rows of statsTable.
func statsLabels(qs []float64) []string {
	labels := []string{"mean", "std", "min", "max"}
	for _, q := range qs {
		labels = append(labels, "q"+strconv.FormatFloat(q, 'g', -1, 64))
	}
	return labels
}

// statsTable returns a matrix with a row per statistic, in the order
// of statsLabels, and a column per column of the dataset. Each row is
// led by the statistic's index in statsLabels.
func statsTable(s StatsSummary) *partition.Matrix {
	var (
		cols  = len(s.Mean)
		nq    int
		table *partition.Matrix
	)
	if len(s.Quantiles) > 0 {
		nq = len(s.Quantiles[0])
	}
	table = partition.New(4+nq, 1+cols)
	for i, stat := range [][]float64{s.Mean, s.Std, s.Min, s.Max} {
		row := table.Row(i)
		row[0] = float64(i)
		copy(row[1:], stat)
	}
	for k := 0; k < nq; k++ {
		row := table.Row(4 + k)
		row[0] = float64(4 + k)
		for j := 0; j < cols; j++ {
			row[1+j] = s.Quantiles[j][k]
		}
	}
	return table
}
