// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Local returns one Comm per rank of the hub's group, exchanging
// directly through the in-process hub. Each Comm must be driven by
// its own goroutine.
func Local(hub *Hub) []*Comm {
	comms := make([]*Comm, hub.Size())
	for rank := range comms {
		comms[rank] = New(rank, hub.Size(), hub)
	}
	return comms
}

// RunLocal runs fn concurrently for every rank of an in-process group
// of the given size. The first error returned by any rank cancels the
// context passed to the others, so that ranks blocked in a collective
// call fail instead of waiting for a rank that has returned. RunLocal
// returns the first error.
func RunLocal(ctx context.Context, size int, timeout time.Duration, fn func(ctx context.Context, c *Comm) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range Local(NewHub(size, timeout)) {
		c := c
		g.Go(func() error { return fn(ctx, c) })
	}
	return g.Wait()
}
