// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package bigkmeans is a toolkit for computing statistics over, and
clustering, datasets that are too large for a single machine. A
dataset is partitioned by rows across the ranks of a process group;
every rank runs the same program over its own partition, and the
ranks cooperate through collective operations.

The toolkit is organized in layers:

	collective  process groups (Comm), the rendezvous hub that serves
	            them, and the collective operations: barrier,
	            broadcast, gather, scatter, allreduce, agreement on
	            errors, and run-once side effects.
	partition   row-major matrices, row splitting, and CSV shards.
	dstat       distributed statistics: counts, means, extrema,
	            standard deviations, covariance and its
	            eigendecomposition, quantiles, distinct values, and
	            deterministic sampling.
	kmeans      distributed K-means with k-means++ initialization,
	            empty-cluster reseeding, weighted distances, and
	            semi-supervised seeding.
	exec        sessions that run rank programs on a group, either
	            in-process or on a cluster of bigmachine machines.

Rank programs are registered with exec.Func and run by a session:

	var Cluster = exec.Func(func(ctx context.Context, c *collective.Comm, k int) (float64, error) {
		m := load(c.Rank(), c.Size())
		config := kmeans.DefaultConfig
		config.K = k
		res, err := kmeans.Run(ctx, c, m, nil, config)
		if err != nil {
			return 0, err
		}
		return res.Inertia, nil
	})

	func main() {
		sess := exec.Start(exec.Local, exec.Parallelism(8))
		defer sess.Shutdown()
		replies, err := sess.Run(context.Background(), Cluster, 10)
		...
	}

Every rank of a group must invoke the same collective operations in
the same order. A group whose ranks diverge, or whose round does not
complete within the session's timeout, fails as a whole: every rank
returns the same error.
*/
package bigkmeans
