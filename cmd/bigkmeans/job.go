// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bigkmeans/kmeans"
	"github.com/grailbio/bigkmeans/partition"
	"gopkg.in/yaml.v3"
)

// Job describes a bigkmeans job. Jobs are read from YAML:
//
//	input:
//	  - s3://bucket/covariates/shard-000.csv
//	  - s3://bucket/covariates/shard-001.csv
//	header: true
//	class_column: label
//	output: s3://bucket/clusters
//	onehot_max: 8
//	kmeans:
//	  k: 10
//	  distance: standardized
//	  seed: 42
//	stats:
//	  quantiles: [0.05, 0.5, 0.95]
//	  sample: 1000
type Job struct {
	// Input lists the CSV shards of the dataset. Shards are dealt
	// round-robin to the ranks of the group.
	Input []string `yaml:"input"`
	// Output is the directory to which results are written.
	Output string `yaml:"output"`
	// Header indicates that each shard begins with a header.
	Header bool `yaml:"header"`
	// Delimiter is the field delimiter; it defaults to ",".
	Delimiter string `yaml:"delimiter"`
	// ClassColumn names the column holding class labels.
	ClassColumn string `yaml:"class_column"`
	// OneHotMax, if positive, one-hot encodes every column with at
	// most this many distinct values.
	OneHotMax int `yaml:"onehot_max"`

	KMeans KMeansJob `yaml:"kmeans"`
	Stats  StatsJob  `yaml:"stats"`
}

// KMeansJob configures the kmeans command.
type KMeansJob struct {
	K int `yaml:"k"`
	// Init is "kmeans++" (the default) or "given".
	Init string `yaml:"init"`
	// Centroids is a CSV file of initial centroids for the "given"
	// initialization.
	Centroids      string    `yaml:"centroids"`
	Trials         int       `yaml:"trials"`
	Tolerance      float64   `yaml:"tolerance"`
	MaxIterations  int       `yaml:"max_iterations"`
	Distance       string    `yaml:"distance"`
	Weights        []float64 `yaml:"weights"`
	Seed           int64     `yaml:"seed"`
	SemiSupervised bool      `yaml:"semi_supervised"`
	MoveLabelled   bool      `yaml:"move_labelled"`
}

// StatsJob configures the stats command.
type StatsJob struct {
	// Quantiles are computed for every column.
	Quantiles []float64 `yaml:"quantiles"`
	// Sample is the expected number of rows drawn into a sample
	// written alongside the statistics. Zero disables sampling.
	Sample int    `yaml:"sample"`
	Seed   uint32 `yaml:"sample_seed"`
}

// ParseJob decodes a YAML job description. Unset kmeans parameters
// take their values from kmeans.DefaultConfig.
func ParseJob(p []byte) (Job, error) {
	job := Job{
		KMeans: KMeansJob{
			Tolerance:     kmeans.DefaultConfig.Tolerance,
			MaxIterations: kmeans.DefaultConfig.MaxIterations,
		},
	}
	if err := yaml.Unmarshal(p, &job); err != nil {
		return Job{}, errors.E(errors.Invalid, "parse job", err)
	}
	if len(job.Input) == 0 {
		return Job{}, errors.E(errors.Invalid, "job has no input")
	}
	if job.Output == "" {
		return Job{}, errors.E(errors.Invalid, "job has no output")
	}
	if len([]rune(job.Delimiter)) > 1 {
		return Job{}, errors.E(errors.Invalid, fmt.Sprintf("invalid delimiter %q", job.Delimiter))
	}
	return job, nil
}

// ReadJob reads and parses the job description at path.
func ReadJob(ctx context.Context, path string) (Job, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return Job{}, err
	}
	defer f.Close(ctx) // nolint: errcheck
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return Job{}, errors.E(fmt.Sprintf("read job %s", path), err)
	}
	return ParseJob(p)
}

// CSVOptions returns the options used to decode the job's shards.
func (j Job) CSVOptions() partition.CSVOptions {
	opts := partition.CSVOptions{
		Header:      j.Header,
		ClassColumn: j.ClassColumn,
	}
	if j.Delimiter != "" {
		opts.Comma = []rune(j.Delimiter)[0]
	}
	return opts
}

// Config returns the clustering configuration described by the job.
// Initial centroids, if any, are read from their CSV file.
func (k KMeansJob) Config(ctx context.Context) (kmeans.Config, error) {
	config := kmeans.DefaultConfig
	config.K = k.K
	config.Trials = k.Trials
	config.Tolerance = k.Tolerance
	config.MaxIterations = k.MaxIterations
	config.Weights = k.Weights
	config.Seed = k.Seed
	config.SemiSupervised = k.SemiSupervised
	config.MoveLabelled = k.MoveLabelled
	switch strings.ToLower(k.Init) {
	case "", "kmeans++", "plusplus":
		config.Init = kmeans.PlusPlus
	case "given":
		config.Init = kmeans.Given
		if k.Centroids == "" {
			return config, errors.E(errors.Invalid, "given initialization requires a centroid file")
		}
		shard, err := partition.ReadCSV(ctx, k.Centroids, partition.CSVOptions{})
		if err != nil {
			return config, err
		}
		for i := 0; i < shard.Rows; i++ {
			config.Centroids = append(config.Centroids, shard.Row(i))
		}
	default:
		return config, errors.E(errors.Invalid, fmt.Sprintf("unknown initialization %q", k.Init))
	}
	switch strings.ToLower(k.Distance) {
	case "", "euclidean":
		config.Distance = kmeans.Euclidean
	case "weighted":
		config.Distance = kmeans.Weighted
	case "standardized":
		config.Distance = kmeans.Standardized
	default:
		return config, errors.E(errors.Invalid, fmt.Sprintf("unknown distance %q", k.Distance))
	}
	return config, nil
}
