// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigkmeans/stats"
)

// A round is the hub-side state of a single exchange.
type round struct {
	seq     uint64
	op      string
	pattern Pattern
	root    int
	start   time.Time

	payloads [][]byte
	present  []bool
	arrived  int

	// frames holds the root's payload split into per-rank frames
	// for scatter rounds.
	frames   [][]byte
	complete bool
}

func (r *round) missing() []int {
	var ranks []int
	for rank, ok := range r.present {
		if !ok {
			ranks = append(ranks, rank)
		}
	}
	return ranks
}

func (r *round) String() string {
	return fmt.Sprintf("round %d (%s)", r.seq, r.op)
}

// Hub is the rendezvous point of a process group. Each exchange round
// completes when all ranks have contributed to it.
//
// Rounds are retained until the following round completes, so that a
// rank may safely retry its contribution (e.g., after a transient
// network error): duplicate contributions replace the original.
//
// A Hub fails the whole group, and remains failed, when a round does
// not complete within its timeout, when a waiting rank's context is
// done, when ranks disagree about the operation of a round, when a
// rank reports that it failed to produce its contribution, or when
// Abort is called.
type Hub struct {
	size    int
	timeout time.Duration
	stats   *stats.Map

	mu     sync.Mutex
	cond   *ctxsync.Cond
	rounds map[uint64]*round
	// low is the lowest sequence number that may still be
	// contributed to; rounds below it have been released.
	low uint64
	err error
}

// NewHub returns a hub for a group of the given size. If timeout is
// positive, a round that is not complete timeout after its first
// contribution fails the group.
func NewHub(size int, timeout time.Duration) *Hub {
	if size <= 0 {
		panic(fmt.Sprintf("collective.NewHub: invalid group size %d", size))
	}
	h := &Hub{
		size:    size,
		timeout: timeout,
		stats:   stats.NewMap(),
		rounds:  make(map[uint64]*round),
		low:     1,
	}
	h.cond = ctxsync.NewCond(&h.mu)
	return h
}

// Size returns the group size served by the hub.
func (h *Hub) Size() int { return h.size }

// Stats returns a snapshot of the hub's completed rounds.
func (h *Hub) Stats() stats.Values { return h.stats.Snapshot() }

// Err returns the error that failed the group, if any.
func (h *Hub) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Abort fails the group with the provided error. Pending and future
// exchanges return err. Only the first abort takes effect.
func (h *Hub) Abort(err error) {
	h.mu.Lock()
	h.abort(err)
	h.mu.Unlock()
}

func (h *Hub) abort(err error) {
	if h.err != nil {
		return
	}
	log.Error.Printf("collective: aborting group of %d ranks: %v", h.size, err)
	h.err = err
	h.cond.Broadcast()
}

// Exchange implements Transport.
func (h *Hub) Exchange(ctx context.Context, req ExchangeRequest) ([][]byte, error) {
	if req.Rank < 0 || req.Rank >= h.size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("collective: rank %d out of range for group of size %d", req.Rank, h.size))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	if req.Seq < h.low {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("collective: rank %d contributed to released round %d", req.Rank, req.Seq))
	}
	r := h.rounds[req.Seq]
	if r == nil {
		r = &round{
			seq:      req.Seq,
			op:       req.Op,
			pattern:  req.Pattern,
			root:     req.Root,
			start:    time.Now(),
			payloads: make([][]byte, h.size),
			present:  make([]bool, h.size),
		}
		h.rounds[req.Seq] = r
	}
	if r.op != req.Op || r.pattern != req.Pattern || r.root != req.Root {
		h.abort(errors.E(errors.Precondition, fmt.Sprintf(
			"collective: %s: rank %d called %s(%s, root %d), but ranks %v called %s(%s, root %d)",
			r, req.Rank, req.Op, req.Pattern, req.Root, r.arrivedRanks(), r.op, r.pattern, r.root)))
		return nil, h.err
	}
	if req.Failed != "" {
		h.abort(errors.E(errors.Invalid, fmt.Sprintf("collective: %s: rank %d failed: %s", r, req.Rank, req.Failed)))
		return nil, h.err
	}
	if !r.present[req.Rank] {
		r.present[req.Rank] = true
		r.arrived++
	}
	r.payloads[req.Rank] = req.Payload
	if r.arrived == h.size && !r.complete {
		h.complete(r)
	}
	for !r.complete && h.err == nil {
		wctx, cancel := ctx, context.CancelFunc(func() {})
		if h.timeout > 0 {
			wctx, cancel = context.WithDeadline(ctx, r.start.Add(h.timeout))
		}
		err := h.cond.Wait(wctx)
		cancel()
		if err == nil || r.complete || h.err != nil {
			continue
		}
		if ctx.Err() != nil {
			h.abort(errors.E(errors.Canceled,
				fmt.Sprintf("collective: rank %d abandoned %s", req.Rank, r), ctx.Err()))
		} else {
			h.abort(errors.E(errors.Timeout,
				fmt.Sprintf("collective: %s: ranks %v did not arrive within %s", r, r.missing(), h.timeout)))
		}
	}
	if !r.complete {
		return nil, h.err
	}
	// The round's payloads may be replaced by a retried contribution
	// after we release the lock, so each rank gets its own slice.
	switch r.pattern {
	case PatternGather:
		if req.Rank != r.root {
			return nil, nil
		}
		return append([][]byte(nil), r.payloads...), nil
	case PatternBcast:
		return [][]byte{r.payloads[r.root]}, nil
	case PatternScatter:
		return [][]byte{r.frames[req.Rank]}, nil
	default:
		return append([][]byte(nil), r.payloads...), nil
	}
}

// complete marks the round r complete and releases the round before
// it: every rank has now moved past it.
func (h *Hub) complete(r *round) {
	if r.pattern == PatternScatter {
		frames, err := decodeFrames(r.payloads[r.root])
		if err == nil && len(frames) != h.size {
			err = fmt.Errorf("got %d frames for %d ranks", len(frames), h.size)
		}
		if err != nil {
			h.abort(errors.E(errors.Invalid, fmt.Sprintf("collective: %s: bad scatter payload from root %d", r, r.root), err))
			return
		}
		r.frames = frames
	}
	r.complete = true
	n := 0
	for _, p := range r.payloads {
		n += len(p)
	}
	h.stats.Observe(r.op, n, time.Since(r.start))
	if prev := h.rounds[r.seq-1]; prev != nil {
		delete(h.rounds, r.seq-1)
		h.low = r.seq
	}
	h.cond.Broadcast()
}

func (r *round) arrivedRanks() []int {
	var ranks []int
	for rank, ok := range r.present {
		if ok {
			ranks = append(ranks, rank)
		}
	}
	return ranks
}
