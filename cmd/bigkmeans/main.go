// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Bigkmeans clusters and summarizes large CSV datasets on a group of
// cooperating ranks, each holding a partition of the rows.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigkmeans/kmcmd"
)

func init() {
	file.RegisterImplementation("s3", s3file.NewImplementation(
		s3file.NewDefaultProvider(session.Options{})))
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: bigkmeans [flags] command job.yaml

Bigkmeans runs a job, described in YAML, over CSV shards stored
locally or in S3. The shards are dealt to the ranks of a process
group whose size and system are set by flags.

Available commands are:

	kmeans
		Cluster the dataset, writing per-rank label shards and the
		centroids to the job's output directory.
	stats
		Compute per-column statistics (and optionally a row sample),
		writing them to the job's output directory.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	kmcmd.Main(func(sess *exec.Session, args []string) error {
		if len(args) != 2 {
			flag.Usage()
		}
		ctx := context.Background()
		job, err := ReadJob(ctx, args[1])
		if err != nil {
			return err
		}
		switch cmd := args[0]; cmd {
		case "kmeans":
			return cluster(ctx, sess, job)
		case "stats":
			return stats(ctx, sess, job)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
			flag.Usage()
		}
		return nil
	})
}

func cluster(ctx context.Context, sess *exec.Session, job Job) error {
	config, err := job.KMeans.Config(ctx)
	if err != nil {
		return err
	}
	replies, err := sess.Run(ctx, Cluster, job, config)
	if err != nil {
		return err
	}
	var rows int
	for _, reply := range replies {
		summary := reply.(ClusterSummary)
		rows += summary.Rows
		log.Debug.Printf("rank %d: %d rows, labels in %s", summary.Rank, summary.Rows, summary.Labels)
	}
	summary := replies[0].(ClusterSummary)
	must.True(len(summary.Counts) == config.K, "cluster counts do not match k")
	fmt.Printf("clustered %d rows into %d clusters in %d iterations (converged: %v)\n",
		rows, config.K, summary.Iterations, summary.Converged)
	fmt.Printf("inertia %g, %d reseeds\n", summary.Inertia, summary.Reseeds)
	for k, n := range summary.Counts {
		fmt.Printf("cluster %d: %d rows, weight %.4f\n", k, n, summary.Weights[k])
	}
	return nil
}

func stats(ctx context.Context, sess *exec.Session, job Job) error {
	replies, err := sess.Run(ctx, Stats, job)
	if err != nil {
		return err
	}
	summary := replies[0].(StatsSummary)
	labels := statsLabels(job.Stats.Quantiles)
	names := summary.Names
	if len(names) != len(summary.Mean) {
		names = columnNames(len(summary.Mean))
	}
	fmt.Printf("%d rows\n", summary.Rows)
	fmt.Printf("column\t%s\n", strings.Join(labels, "\t"))
	table := statsTable(summary)
	for j, name := range names {
		values := make([]string, table.Rows)
		for i := range values {
			values[i] = fmt.Sprintf("%.6g", table.At(i, 1+j))
		}
		fmt.Printf("%s\t%s\n", name, strings.Join(values, "\t"))
	}
	if summary.Sampled > 0 {
		fmt.Printf("sampled %d rows\n", summary.Sampled)
	}
	return nil
}
