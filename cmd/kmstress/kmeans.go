// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigkmeans/kmeans"
	"github.com/grailbio/bigkmeans/partition"
)

// BlobResult summarizes a clustering of synthetic blobs.
type BlobResult struct {
	Rows       int
	Iterations int
	Converged  bool
	// Purity is the fraction of rows that belong to their cluster's
	// majority blob.
	Purity float64
}

var blobTest = exec.Func(func(ctx context.Context, c *collective.Comm, k, rows, dims int, seed int64) (BlobResult, error) {
	// Blob centers are shared by every rank; rows are drawn per rank.
	var (
		shared  = rand.New(rand.NewSource(seed))
		local   = rand.New(rand.NewSource(seed + int64(c.Rank()) + 1))
		centers = partition.New(k, dims)
		m       = partition.New(rows, dims)
		truth   = make([]int, rows)
	)
	for i := range centers.Data {
		centers.Data[i] = shared.Float64() * 100
	}
	for i := 0; i < rows; i++ {
		truth[i] = local.Intn(k)
		center, row := centers.Row(truth[i]), m.Row(i)
		for j := range row {
			row[j] = center[j] + local.NormFloat64()
		}
	}
	config := kmeans.DefaultConfig
	config.K = k
	config.Seed = seed
	res, err := kmeans.Run(ctx, c, m, nil, config)
	if err != nil {
		return BlobResult{}, err
	}
	// The contingency table of clusters and blobs is summed across
	// the group.
	table := make([]int, k*k)
	for i, label := range res.Labels {
		table[label*k+truth[i]]++
	}
	if table, err = c.AllreduceInts(ctx, collective.Sum, table); err != nil {
		return BlobResult{}, err
	}
	var majority, n int
	for label := 0; label < k; label++ {
		var max int
		for _, count := range table[label*k : (label+1)*k] {
			n += count
			if count > max {
				max = count
			}
		}
		majority += max
	}
	return BlobResult{
		Rows:       n,
		Iterations: res.Iterations,
		Converged:  res.Converged,
		Purity:     float64(majority) / float64(n),
	}, nil
})

func clusterBlobs(sess *exec.Session, args []string) error {
	var (
		flags     = flag.NewFlagSet("kmeans", flag.ExitOnError)
		k         = flags.Int("k", 16, "number of blobs and clusters")
		rows      = flags.Int("rows", 1e6, "number of rows per rank")
		dims      = flags.Int("dims", 8, "number of columns")
		seed      = flags.Int64("seed", 1, "random seed")
		minPurity = flags.Float64("min-purity", 0.9, "minimum acceptable purity")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: kmstress kmeans [-k N] [-rows N] [-dims N] [-seed N] [-min-purity F]`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	start := time.Now()
	replies, err := sess.Run(ctx, blobTest, *k, *rows, *dims, *seed)
	if err != nil {
		return err
	}
	res := replies[0].(BlobResult)
	log.Printf("kmeans: %d rows on %d ranks, %d iterations (converged: %v), purity %.4f, in %s",
		res.Rows, sess.Parallelism(), res.Iterations, res.Converged, res.Purity, time.Since(start))
	if res.Purity < *minPurity {
		return fmt.Errorf("purity %.4f below %.4f", res.Purity, *minPurity)
	}
	return nil
}
