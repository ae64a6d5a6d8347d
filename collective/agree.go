// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Verdict is a rank's contribution to an agreement round.
type verdict struct {
	Failed  bool
	Kind    int
	Message string
}

// Agree is the group's error agreement step. Every rank contributes
// its local error, which may be nil. If every rank contributed nil,
// Agree returns nil on every rank. Otherwise every rank returns the
// same error: the error of the lowest failing rank, annotated with
// that rank and retaining its errors.Kind.
//
// Agree must be called wherever a rank may fail locally before a
// subsequent collective call; otherwise the failing rank would return
// while its peers block on a round it never joins.
func (c *Comm) Agree(ctx context.Context, err error) error {
	var v verdict
	if err != nil {
		v = verdict{Failed: true, Kind: int(errors.Recover(err).Kind), Message: err.Error()}
	}
	var (
		first     verdict
		firstRank = -1
		nfailed   int
	)
	gerr := c.Allgather(ctx, v, func(rank int, dec *gob.Decoder) error {
		var w verdict
		if err := dec.Decode(&w); err != nil {
			return err
		}
		if !w.Failed {
			return nil
		}
		nfailed++
		if firstRank < 0 {
			first, firstRank = w, rank
		}
		return nil
	})
	if gerr != nil {
		return gerr
	}
	if firstRank < 0 {
		return nil
	}
	msg := fmt.Sprintf("rank %d: %s", firstRank, first.Message)
	if nfailed > 1 {
		msg += fmt.Sprintf(" (and %d other ranks)", nfailed-1)
	}
	return errors.E(errors.Kind(first.Kind), msg)
}

// RunOnce runs fn on rank 0 only, for side effects that must happen
// exactly once per group, such as writing a shared artifact. The
// error returned by fn is agreed upon by all ranks. If result is
// non-nil, it must be a pointer that fn populates on rank 0; the value
// is then broadcast so that every rank holds the same result. All
// ranks must pass a nil or non-nil result consistently.
func (c *Comm) RunOnce(ctx context.Context, result interface{}, fn func() error) error {
	var err error
	if c.rank == 0 {
		err = fn()
	}
	if err := c.Agree(ctx, err); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return c.Broadcast(ctx, 0, result)
}
