// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigkmeans/kmeans"
	"github.com/grailbio/bigkmeans/partition"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestParseJob(t *testing.T) {
	job, err := ParseJob([]byte(`
input: [a.csv, b.csv]
output: out
header: true
class_column: label
delimiter: ";"
kmeans:
  k: 4
  distance: weighted
  weights: [1, 2]
  seed: 7
stats:
  quantiles: [0.5]
  sample: 10
`))
	assert.NoError(t, err)
	expect.EQ(t, job.Input, []string{"a.csv", "b.csv"})
	expect.EQ(t, job.CSVOptions(), partition.CSVOptions{Comma: ';', Header: true, ClassColumn: "label"})
	expect.EQ(t, job.Stats.Sample, 10)

	config, err := job.KMeans.Config(context.Background())
	assert.NoError(t, err)
	expect.EQ(t, config.K, 4)
	expect.EQ(t, config.Distance, kmeans.Weighted)
	expect.EQ(t, config.Weights, []float64{1, 2})
	expect.EQ(t, config.Seed, int64(7))
	expect.EQ(t, config.Init, kmeans.PlusPlus)
	// Defaults are retained for unset parameters.
	expect.EQ(t, config.Tolerance, kmeans.DefaultConfig.Tolerance)
	expect.EQ(t, config.MaxIterations, kmeans.DefaultConfig.MaxIterations)
}

func TestParseJobErrors(t *testing.T) {
	for _, text := range []string{
		`output: out`,
		`input: [a.csv]`,
		`input: [a.csv]
output: out
delimiter: ";;"`,
		`input: {`,
	} {
		if _, err := ParseJob([]byte(text)); !errors.Is(errors.Invalid, err) {
			t.Errorf("%q: unexpected error %v", text, err)
		}
	}
	ctx := context.Background()
	for _, k := range []KMeansJob{
		{K: 2, Init: "random"},
		{K: 2, Distance: "manhattan"},
		{K: 2, Init: "given"},
	} {
		if _, err := k.Config(ctx); !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: unexpected error %v", k, err)
		}
	}
}

// writeShards writes nshard CSV shards of three well separated blobs,
// with a header and a class column labelling every tenth row.
func writeShards(t *testing.T, dir string, nshard, rows int) []string {
	t.Helper()
	r := rand.New(rand.NewSource(1))
	centers := [][2]float64{{0, 0}, {20, 0}, {0, 20}}
	var paths []string
	for s := 0; s < nshard; s++ {
		var b strings.Builder
		b.WriteString("x,label,y\n")
		for i := 0; i < rows; i++ {
			k := r.Intn(len(centers))
			label := ""
			if i%10 == 0 {
				label = fmt.Sprint(k)
			}
			fmt.Fprintf(&b, "%g,%s,%g\n", centers[k][0]+r.NormFloat64(), label, centers[k][1]+r.NormFloat64())
		}
		path := filepath.Join(dir, fmt.Sprintf("shard-%d.csv", s))
		assert.NoError(t, ioutil.WriteFile(path, []byte(b.String()), 0644))
		paths = append(paths, path)
	}
	return paths
}

func TestCluster(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	const (
		nshard = 5
		rows   = 60
		P      = 3
	)
	job := Job{
		Input:       writeShards(t, dir, nshard, rows),
		Output:      filepath.Join(dir, "out"),
		Header:      true,
		ClassColumn: "label",
		KMeans:      KMeansJob{K: 3, SemiSupervised: true, Tolerance: 1e-6, MaxIterations: 100, Seed: 3},
	}
	ctx := context.Background()
	config, err := job.KMeans.Config(ctx)
	assert.NoError(t, err)
	sess := exec.Start(exec.Local, exec.Parallelism(P))
	defer sess.Shutdown()
	replies, err := sess.Run(ctx, Cluster, job, config)
	assert.NoError(t, err)

	var total int
	for rank, reply := range replies {
		summary := reply.(ClusterSummary)
		expect.EQ(t, summary.Rank, rank)
		total += summary.Rows
		labels, err := partition.ReadCSV(ctx, summary.Labels, partition.CSVOptions{Header: true})
		assert.NoError(t, err)
		expect.EQ(t, labels.Rows, summary.Rows)
	}
	expect.EQ(t, total, nshard*rows)
	summary := replies[0].(ClusterSummary)
	expect.EQ(t, summary.Converged, true)
	var counted int
	for _, n := range summary.Counts {
		counted += n
	}
	expect.EQ(t, counted, nshard*rows)

	centroids, err := partition.ReadCSV(ctx, filepath.Join(dir, "out", "centroids.csv"), partition.CSVOptions{Header: true})
	assert.NoError(t, err)
	expect.EQ(t, centroids.Names, []string{"x", "y"})
	expect.EQ(t, centroids.Rows, 3)
	// Semi-supervised seeding ties cluster k to class k, and so to
	// blob k.
	for k, want := range [][2]float64{{0, 0}, {20, 0}, {0, 20}} {
		row := centroids.Row(k)
		for j := range want {
			if d := row[j] - want[j]; d > 0.5 || d < -0.5 {
				t.Errorf("centroid %d: got %v, want %v", k, row, want)
			}
		}
	}
}

func TestStats(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	job := Job{
		Input:  writeShards(t, dir, 2, 50),
		Output: filepath.Join(dir, "out"),
		Header: true,
		// The class column holds empty cells, so it must be split out.
		ClassColumn: "label",
		Stats:       StatsJob{Quantiles: []float64{0, 0.5, 1}, Sample: 20, Seed: 1},
	}
	ctx := context.Background()
	sess := exec.Start(exec.Local, exec.Parallelism(4))
	defer sess.Shutdown()
	replies, err := sess.Run(ctx, Stats, job)
	assert.NoError(t, err)
	summary := replies[0].(StatsSummary)
	expect.EQ(t, summary.Rows, 100)
	expect.EQ(t, summary.Names, []string{"x", "y"})
	for j := range summary.Mean {
		expect.EQ(t, summary.Quantiles[j][0], summary.Min[j])
		expect.EQ(t, summary.Quantiles[j][2], summary.Max[j])
	}
	for _, reply := range replies[1:] {
		expect.EQ(t, reply.(StatsSummary).Mean, summary.Mean)
	}
	stats, err := partition.ReadCSV(ctx, filepath.Join(dir, "out", "stats.csv"), partition.CSVOptions{Header: true})
	assert.NoError(t, err)
	expect.EQ(t, stats.Rows, len(statsLabels(job.Stats.Quantiles)))
	expect.EQ(t, stats.Names, []string{"statistic", "x", "y"})
	sample, err := partition.ReadCSV(ctx, filepath.Join(dir, "out", "sample.csv"), partition.CSVOptions{Header: true})
	assert.NoError(t, err)
	expect.EQ(t, sample.Rows, summary.Sampled)
}

func TestLoadNoRows(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "empty.csv")
	assert.NoError(t, ioutil.WriteFile(path, []byte("x,y\n"), 0644))
	job := Job{Input: []string{path}, Output: dir, Header: true}
	sess := exec.Start(exec.Local, exec.Parallelism(2))
	defer sess.Shutdown()
	_, err := sess.Run(context.Background(), Stats, job)
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("unexpected error %v", err)
	}
}
