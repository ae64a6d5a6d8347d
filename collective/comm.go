// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package collective implements blocking collective operations over a
// fixed group of cooperating ranks.
//
// A group has P ranks numbered 0..P-1. Every rank holds a Comm, and
// every rank must issue the same sequence of collective calls: each
// call is a synchronization point that returns only once all ranks
// have reached it. Results are identical on every rank (unless the
// operation delivers to a single root), because every rank folds the
// same contributions in rank order.
//
// All collectives are implemented in terms of a single rendezvous,
// Exchange, served by a Hub. A Hub can live in-process (see Local),
// or be served by a bigmachine machine and reached over the network
// (see HubService and Dial).
//
// The hub also provides liveness: if a round does not complete within
// the hub's timeout, if a waiting rank abandons a round, or if the
// hub is explicitly aborted (e.g., because a machine failed), the
// entire group fails with the same error instead of blocking forever.
package collective

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/bigkmeans/stats"
)

// Pattern determines how the payloads of an exchange round are
// delivered.
type Pattern int

const (
	// PatternAll delivers every rank's payload to every rank.
	PatternAll Pattern = iota
	// PatternGather delivers every rank's payload to the root only.
	PatternGather
	// PatternBcast delivers the root's payload to every rank.
	PatternBcast
	// PatternScatter splits the root's payload into frames and
	// delivers frame r to rank r.
	PatternScatter
)

var patternNames = [...]string{"all", "gather", "bcast", "scatter"}

func (p Pattern) String() string {
	if p < 0 || int(p) >= len(patternNames) {
		return fmt.Sprintf("pattern(%d)", int(p))
	}
	return patternNames[p]
}

// ExchangeRequest is a single rank's contribution to an exchange
// round.
type ExchangeRequest struct {
	// Rank is the contributing rank.
	Rank int
	// Seq is the round's sequence number. Every rank numbers its
	// collective calls identically, starting at 1.
	Seq uint64
	// Op names the collective operation. All ranks must contribute
	// with the same Op, Pattern, and Root in a given round.
	Op      string
	Pattern Pattern
	Root    int
	// Payload is the rank's encoded contribution.
	Payload []byte
	// Failed, if not empty, reports that the rank could not produce
	// its contribution. The hub fails the group with this reason.
	Failed string
}

// ExchangeReply is the reply to an ExchangeRequest.
type ExchangeReply struct {
	Payloads [][]byte
}

// Transport performs exchange rounds on behalf of a Comm. Exchange
// blocks until every rank of the group has contributed to the round
// named by the request; it then returns the payloads delivered to the
// requesting rank, as determined by the request's pattern.
type Transport interface {
	Exchange(ctx context.Context, req ExchangeRequest) ([][]byte, error)
}

// Comm is one rank's handle to a process group. Comms are not safe
// for concurrent use: a rank issues its collective calls in program
// order.
type Comm struct {
	rank, size int
	transport  Transport
	seq        uint64
	stats      *stats.Map
}

// New returns a Comm for the provided rank in a group of the given
// size, exchanging through transport.
func New(rank, size int, transport Transport) *Comm {
	if size <= 0 || rank < 0 || rank >= size {
		panic(fmt.Sprintf("collective.New: invalid rank %d in group of size %d", rank, size))
	}
	return &Comm{
		rank:      rank,
		size:      size,
		transport: transport,
		stats:     stats.NewMap(),
	}
}

// Rank returns the rank of this Comm.
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of ranks in the group.
func (c *Comm) Size() int { return c.size }

// IsRoot tells whether this is rank 0.
func (c *Comm) IsRoot() bool { return c.rank == 0 }

// Stats returns a snapshot of this rank's collective traffic.
func (c *Comm) Stats() stats.Values { return c.stats.Snapshot() }

func (c *Comm) String() string { return fmt.Sprintf("rank %d/%d", c.rank, c.size) }

// exchange runs the next round.
func (c *Comm) exchange(ctx context.Context, op string, pattern Pattern, root int, payload []byte) ([][]byte, error) {
	if root < 0 || root >= c.size {
		panic(fmt.Sprintf("collective.%s: invalid root %d in group of size %d", op, root, c.size))
	}
	c.seq++
	start := time.Now()
	payloads, err := c.transport.Exchange(ctx, ExchangeRequest{
		Rank:    c.rank,
		Seq:     c.seq,
		Op:      op,
		Pattern: pattern,
		Root:    root,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	n := len(payload)
	for _, p := range payloads {
		n += len(p)
	}
	c.stats.Observe(op, n, time.Since(start))
	return payloads, nil
}

// fail joins the next round without a contribution, reporting err
// instead. The hub fails the whole group, so that no peer waits for a
// payload that will never arrive; fail returns the group's error.
func (c *Comm) fail(ctx context.Context, op string, pattern Pattern, root int, err error) error {
	c.seq++
	_, xerr := c.transport.Exchange(ctx, ExchangeRequest{
		Rank:    c.rank,
		Seq:     c.seq,
		Op:      op,
		Pattern: pattern,
		Root:    root,
		Failed:  err.Error(),
	})
	if xerr == nil {
		return err
	}
	return xerr
}
