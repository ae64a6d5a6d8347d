// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmeans

import (
	"context"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/partition"
	"github.com/grailbio/testutil/expect"
)

var centers = [][]float64{{0, 0}, {10, 0}, {0, 10}}

// blobs returns per points drawn around each of the centers with
// standard deviation sigma, in random order, together with the index
// of each point's center.
func blobs(seed int64, per int, sigma float64) (*partition.Matrix, []int) {
	rng := rand.New(rand.NewSource(seed))
	m := partition.New(0, 2)
	var truth []int
	for c, center := range centers {
		for i := 0; i < per; i++ {
			m.Append([]float64{center[0] + sigma*rng.NormFloat64(), center[1] + sigma*rng.NormFloat64()})
			truth = append(truth, c)
		}
	}
	perm := rng.Perm(m.Rows)
	shuffled := m.Select(perm)
	labels := make([]int, len(truth))
	for i, j := range perm {
		labels[i] = truth[j]
	}
	return shuffled, labels
}

// cluster runs the clustering on p ranks and returns each rank's result
// and error.
func cluster(m *partition.Matrix, classes []int, p int, config Config) ([]*Result, []error) {
	ctx := context.Background()
	parts := partition.SplitMatrix(m, p)
	ranges := partition.Split(m.Rows, p, 0)
	comms := collective.Local(collective.NewHub(p, time.Minute))
	results := make([]*Result, p)
	errs := make([]error, p)
	var wg sync.WaitGroup
	wg.Add(p)
	for rank := range comms {
		rank := rank
		go func() {
			defer wg.Done()
			var local []int
			if classes != nil {
				local = classes[ranges[rank].Start:ranges[rank].End]
			}
			results[rank], errs[rank] = Run(ctx, comms[rank], parts[rank], local, config)
		}()
	}
	wg.Wait()
	return results, errs
}

func mustCluster(t *testing.T, m *partition.Matrix, classes []int, p int, config Config) []*Result {
	t.Helper()
	results, errs := cluster(m, classes, p, config)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("P=%d, rank %d: %v", p, rank, err)
		}
	}
	for rank, r := range results[1:] {
		if !reflect.DeepEqual(r.Centroids, results[0].Centroids) || !reflect.DeepEqual(r.Counts, results[0].Counts) {
			t.Fatalf("P=%d: rank %d disagrees with rank 0", p, rank+1)
		}
	}
	return results
}

// labels concatenates the local labels of every rank.
func labels(results []*Result) []int {
	var all []int
	for _, r := range results {
		all = append(all, r.Labels...)
	}
	return all
}

// match maps each centroid to its nearest true center.
func match(centroids *partition.Matrix) ([]int, float64) {
	mapping := make([]int, centroids.Rows)
	var worst float64
	for k := range mapping {
		best := math.Inf(1)
		for c, center := range centers {
			if d := math.Sqrt(metric(nil).dist(centroids.Row(k), center)); d < best {
				best, mapping[k] = d, c
			}
		}
		worst = math.Max(worst, best)
	}
	return mapping, worst
}

func accuracy(mapping, labels, truth []int) float64 {
	var correct int
	for i, label := range labels {
		if mapping[label] == truth[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(truth))
}

func TestBlobs(t *testing.T) {
	m, truth := blobs(1, 300, 0.5)
	config := DefaultConfig
	config.K = 3
	config.Seed = 1
	for _, p := range []int{1, 2, 4} {
		results := mustCluster(t, m, nil, p, config)
		r := results[0]
		mapping, worst := match(r.Centroids)
		if worst > 0.3 {
			t.Errorf("P=%d: centroid %v off by %v", p, r.Centroids.Data, worst)
		}
		if got := accuracy(mapping, labels(results), truth); got < 0.99 {
			t.Errorf("P=%d: accuracy %v", p, got)
		}
		if !r.Converged {
			t.Errorf("P=%d: did not converge in %d iterations", p, r.Iterations)
		}
		var n int
		for k, count := range r.Counts {
			n += count
			expect.EQ(t, r.Weights[k], float64(m.Rows)/float64(3*count))
		}
		expect.EQ(t, n, m.Rows)
	}
}

func TestDeterminism(t *testing.T) {
	m, _ := blobs(2, 100, 0.5)
	config := DefaultConfig
	config.K = 3
	config.Seed = 7
	a := mustCluster(t, m, nil, 3, config)
	b := mustCluster(t, m, nil, 3, config)
	if !reflect.DeepEqual(a[0].Centroids, b[0].Centroids) {
		t.Errorf("centroids differ: %v, %v", a[0].Centroids.Data, b[0].Centroids.Data)
	}
	if !reflect.DeepEqual(labels(a), labels(b)) {
		t.Error("labels differ")
	}
	// A different partitioning of the same data agrees within the
	// tolerance.
	c := mustCluster(t, m, nil, 1, config)
	for i, v := range c[0].Centroids.Data {
		if d := math.Abs(v - a[0].Centroids.Data[i]); d > config.Tolerance {
			t.Errorf("centroid value %d differs by %v", i, d)
		}
	}
	if !reflect.DeepEqual(labels(a), labels(c)) {
		t.Error("labels differ across partitionings")
	}
}

func TestReseed(t *testing.T) {
	m, truth := blobs(3, 300, 0.5)
	config := DefaultConfig
	config.K = 3
	config.Init = Given
	// Two coincident centroids: one cluster is empty after the
	// first assignment.
	config.Centroids = [][]float64{{5, 5}, {5, 5}, {0, 0}}
	for _, p := range []int{1, 4} {
		results := mustCluster(t, m, nil, p, config)
		r := results[0]
		if r.Reseeds == 0 {
			t.Errorf("P=%d: expected a reseed", p)
		}
		for k, n := range r.Counts {
			if n == 0 {
				t.Errorf("P=%d: cluster %d is empty", p, k)
			}
		}
		mapping, worst := match(r.Centroids)
		if worst > 0.3 {
			t.Errorf("P=%d: centroid %v off by %v", p, r.Centroids.Data, worst)
		}
		if got := accuracy(mapping, labels(results), truth); got < 0.99 {
			t.Errorf("P=%d: accuracy %v", p, got)
		}
	}
}

func TestReseedMany(t *testing.T) {
	// More clusters than distinct regions: every initial centroid
	// but one is far from the data.
	m, _ := blobs(4, 20, 0.5)
	config := DefaultConfig
	config.K = 6
	config.Init = Given
	config.Centroids = [][]float64{{0, 0}, {100, 100}, {100, 100}, {100, 100}, {100, 100}, {100, 100}}
	results := mustCluster(t, m, nil, 3, config)
	for k, n := range results[0].Counts {
		if n == 0 {
			t.Errorf("cluster %d is empty", k)
		}
	}
	if got := results[0].Reseeds; got < 5 {
		t.Errorf("got %d reseeds, want at least 5", got)
	}
}

func TestSemiSupervised(t *testing.T) {
	m, truth := blobs(5, 300, 0.5)
	classes := make([]int, m.Rows)
	// Class 0 is the center at (0, 10), class 1 the center at
	// (10, 0). Ten rows of each are labelled.
	classOf := map[int]int{2: 0, 1: 1}
	seen := make(map[int]int)
	for i := range classes {
		classes[i] = partition.Unlabelled
		if class, ok := classOf[truth[i]]; ok && seen[class] < 10 {
			classes[i] = class
			seen[class]++
		}
	}
	// One row of the center at (0, 0) is mislabelled as class 1.
	var mislabelled int
	for i := range classes {
		if truth[i] == 0 {
			classes[i], mislabelled = 1, i
			break
		}
	}
	config := DefaultConfig
	config.K = 3
	config.SemiSupervised = true
	for _, p := range []int{1, 2} {
		results := mustCluster(t, m, classes, p, config)
		r := results[0]
		mapping, worst := match(r.Centroids)
		if worst > 0.3 {
			t.Errorf("P=%d: centroid %v off by %v", p, r.Centroids.Data, worst)
		}
		if got, want := mapping[:2], []int{2, 1}; !reflect.DeepEqual(got, want) {
			t.Errorf("P=%d: got classes %v, want %v", p, got, want)
		}
		all := labels(results)
		for i, class := range classes {
			if class >= 0 && all[i] != class {
				t.Errorf("P=%d: labelled row %d moved from class %d to %d", p, i, class, all[i])
			}
		}
		expect.EQ(t, all[mislabelled], 1)
	}
	// With MoveLabelled, the mislabelled row joins its true cluster.
	config.MoveLabelled = true
	results := mustCluster(t, m, classes, 2, config)
	mapping, _ := match(results[0].Centroids)
	expect.EQ(t, mapping[labels(results)[mislabelled]], 0)
}

func TestMaxIterations(t *testing.T) {
	m, _ := blobs(6, 100, 3)
	config := DefaultConfig
	config.K = 8
	config.Tolerance = 0
	config.MaxIterations = 1
	results := mustCluster(t, m, nil, 2, config)
	r := results[0]
	expect.EQ(t, r.Converged, false)
	expect.EQ(t, r.Iterations, 1)
	expect.EQ(t, len(r.Counts), 8)
}

func TestWeightedDistances(t *testing.T) {
	m, truth := blobs(8, 200, 0.5)
	// Stretch the second column; standardizing undoes it.
	stretched := m.Clone()
	for i := 0; i < stretched.Rows; i++ {
		stretched.Row(i)[1] *= 1000
	}
	config := DefaultConfig
	config.K = 3
	config.Distance = Standardized
	check := func(results []*Result) {
		t.Helper()
		unstretched := results[0].Centroids.Clone()
		for k := 0; k < unstretched.Rows; k++ {
			unstretched.Row(k)[1] /= 1000
		}
		mapping, worst := match(unstretched)
		if worst > 0.3 {
			t.Errorf("%v: centroid %v off by %v", config.Distance, unstretched.Data, worst)
		}
		if got := accuracy(mapping, labels(results), truth); got < 0.99 {
			t.Errorf("%v: accuracy %v", config.Distance, got)
		}
	}
	check(mustCluster(t, stretched, nil, 3, config))

	// Weighting the second column by 1e-6 also undoes the stretch.
	config.Distance = Weighted
	config.Weights = []float64{1, 1e-6}
	check(mustCluster(t, stretched, nil, 2, config))
}

func TestPredict(t *testing.T) {
	m, _ := blobs(9, 100, 0.5)
	config := DefaultConfig
	config.K = 3
	results := mustCluster(t, m, nil, 2, config)
	mapping, _ := match(results[0].Centroids)
	labels, dists := results[0].Predict(partition.FromRows(2, centers))
	for c, label := range labels {
		if mapping[label] != c {
			t.Errorf("center %d predicted as cluster %d", c, label)
		}
		if dists[c] > 0.1 {
			t.Errorf("center %d: distance %v", c, dists[c])
		}
	}
	for rank, r := range results {
		got, _ := r.Predict(partition.SplitMatrix(m, 2)[rank])
		expect.EQ(t, got, r.Labels)
	}
}

func TestConfigErrors(t *testing.T) {
	m, _ := blobs(10, 2, 0.5)
	for _, c := range []struct {
		name   string
		config Config
	}{
		{"k exceeds rows", Config{K: 7, MaxIterations: 10}},
		{"zero k", Config{K: 0, MaxIterations: 10}},
		{"zero iterations", Config{K: 2}},
		{"centroid count", Config{K: 2, MaxIterations: 10, Init: Given, Centroids: [][]float64{{0, 0}}}},
		{"weights", Config{K: 2, MaxIterations: 10, Distance: Weighted, Weights: []float64{1}}},
	} {
		_, errs := cluster(m, nil, 3, c.config)
		for rank, err := range errs {
			if !errors.Is(errors.Invalid, err) {
				t.Errorf("%s: rank %d: unexpected error %v", c.name, rank, err)
			}
		}
	}
	config := DefaultConfig
	config.K = 2
	// Without columns every distance is zero, and there is nothing to
	// cluster.
	_, errs := cluster(partition.New(6, 0), nil, 2, config)
	for rank, err := range errs {
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("no columns: rank %d: unexpected error %v", rank, err)
		}
	}
	config.SemiSupervised = true
	_, errs = cluster(m, []int{0, 0, 5, -1, -1, -1}, 2, config)
	for rank, err := range errs {
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: unexpected error %v", rank, err)
		}
	}
}

func TestColumnMismatch(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig
	config.K = 1
	err := collective.RunLocal(ctx, 2, time.Minute, func(ctx context.Context, c *collective.Comm) error {
		m := partition.New(3, 2+c.Rank())
		_, err := Run(ctx, c, m, nil, config)
		return err
	})
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestDraws(t *testing.T) {
	weights := [][]float64{{2}, {0}, {3}}
	for _, c := range []struct {
		u    float64
		rank int
		res  float64
	}{
		{0, 0, 0}, {1.5, 0, 1.5}, {2, 2, 0}, {4.9, 2, 2.9},
	} {
		dr := weighted(weights, c.u)
		if dr.rank != c.rank || math.Abs(dr.u-c.res) > 1e-12 {
			t.Errorf("weighted(%v): got %+v", c.u, dr)
		}
	}
	if got := weighted(weights, 5).rank; got != 2 {
		t.Errorf("got %v, want 2", got)
	}
	d2 := []float64{0, 1, 0, 2}
	for _, c := range []struct {
		u    float64
		want int
	}{
		{0, 1}, {0.99, 1}, {1, 3}, {2.5, 3}, {math.Inf(1), 3},
	} {
		if got := resolve(d2, c.u); got != c.want {
			t.Errorf("resolve(%v): got %v, want %v", c.u, got, c.want)
		}
	}
}

func TestStreams(t *testing.T) {
	a, b := newStream(1, "kmeans++"), newStream(1, "kmeans++")
	for i := 0; i < 10; i++ {
		expect.EQ(t, a.Int63(), b.Int63())
	}
	if newStream(1, "kmeans++").Int63() == newStream(2, "kmeans++").Int63() {
		t.Error("seeds produce the same stream")
	}
}
