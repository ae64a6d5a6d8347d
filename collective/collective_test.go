// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

// runGroup runs fn on every rank of a local group of the given size
// and returns every rank's error.
func runGroup(size int, timeout time.Duration, fn func(c *Comm) error) []error {
	comms := Local(NewHub(size, timeout))
	errs := make([]error, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for rank := range comms {
		rank := rank
		go func() {
			defer wg.Done()
			errs[rank] = fn(comms[rank])
		}()
	}
	wg.Wait()
	return errs
}

func mustRunGroup(t *testing.T, size int, fn func(c *Comm) error) {
	t.Helper()
	for rank, err := range runGroup(size, time.Minute, fn) {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
}

func TestBroadcast(t *testing.T) {
	ctx := context.Background()
	for _, size := range []int{1, 2, 5} {
		var got [][]string
		var mu sync.Mutex
		mustRunGroup(t, size, func(c *Comm) error {
			var v []string
			if c.Rank() == size-1 {
				v = []string{"covariates", fmt.Sprint(size)}
			}
			if err := c.Broadcast(ctx, size-1, &v); err != nil {
				return err
			}
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
			return nil
		})
		for _, v := range got {
			if want := []string{"covariates", fmt.Sprint(size)}; !reflect.DeepEqual(v, want) {
				t.Errorf("got %v, want %v", v, want)
			}
		}
	}
}

func TestAllreduce(t *testing.T) {
	ctx := context.Background()
	const size = 4
	mustRunGroup(t, size, func(c *Comm) error {
		x := []float64{float64(c.Rank()), -float64(c.Rank()), 1}
		sum, err := c.AllreduceFloat64s(ctx, Sum, x)
		if err != nil {
			return err
		}
		if want := []float64{6, -6, 4}; !reflect.DeepEqual(sum, want) {
			return fmt.Errorf("sum: got %v, want %v", sum, want)
		}
		min, err := c.AllreduceFloat64(ctx, Min, x[1])
		if err != nil {
			return err
		}
		if min != -3 {
			return fmt.Errorf("min: got %v, want -3", min)
		}
		max, err := c.AllreduceInts(ctx, Max, []int{c.Rank(), 10 - c.Rank()})
		if err != nil {
			return err
		}
		if want := []int{3, 10}; !reflect.DeepEqual(max, want) {
			return fmt.Errorf("max: got %v, want %v", max, want)
		}
		n, err := c.AllreduceInt(ctx, Sum, c.Rank()+1)
		if err != nil {
			return err
		}
		if n != 10 {
			return fmt.Errorf("count: got %v, want 10", n)
		}
		return nil
	})
}

func TestAllreduceEmptyRank(t *testing.T) {
	ctx := context.Background()
	mustRunGroup(t, 3, func(c *Comm) error {
		// Rank 1 holds no rows: it contributes identities.
		x := []float64{Min.Identity(), Max.Identity()}
		if c.Rank() != 1 {
			x = []float64{float64(c.Rank()), float64(c.Rank())}
		}
		min, err := c.AllreduceFloat64(ctx, Min, x[0])
		if err != nil {
			return err
		}
		max, err := c.AllreduceFloat64(ctx, Max, x[1])
		if err != nil {
			return err
		}
		if min != 0 || max != 2 {
			return fmt.Errorf("got min %v max %v, want 0, 2", min, max)
		}
		return nil
	})
}

func TestAllreduceLengthMismatch(t *testing.T) {
	ctx := context.Background()
	errs := runGroup(3, time.Minute, func(c *Comm) error {
		_, err := c.AllreduceFloat64s(ctx, Sum, make([]float64, 2+c.Rank()/2))
		return err
	})
	for rank, err := range errs {
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: unexpected error %v", rank, err)
		}
	}
}

func TestGatherScatter(t *testing.T) {
	ctx := context.Background()
	const size, root = 3, 1
	mustRunGroup(t, size, func(c *Comm) error {
		gathered, err := c.GatherFloat64s(ctx, root, []float64{float64(c.Rank())})
		if err != nil {
			return err
		}
		if c.Rank() != root {
			if gathered != nil {
				return fmt.Errorf("rank %d received gathered values", c.Rank())
			}
		} else if want := [][]float64{{0}, {1}, {2}}; !reflect.DeepEqual(gathered, want) {
			return fmt.Errorf("got %v, want %v", gathered, want)
		}
		var parts [][]float64
		if c.Rank() == root {
			parts = [][]float64{{10}, {}, {12, 13}}
		}
		part, err := c.ScatterFloat64s(ctx, root, parts)
		if err != nil {
			return err
		}
		want := map[int][]float64{0: {10}, 1: {}, 2: {12, 13}}[c.Rank()]
		if !reflect.DeepEqual(part, want) {
			return fmt.Errorf("rank %d: got %v, want %v", c.Rank(), part, want)
		}
		var names []string
		err = c.Gather(ctx, 0, fmt.Sprintf("r%d", c.Rank()), func(rank int, dec *gob.Decoder) error {
			var name string
			if err := dec.Decode(&name); err != nil {
				return err
			}
			names = append(names, name)
			return nil
		})
		if err != nil {
			return err
		}
		if c.Rank() == 0 && strings.Join(names, ",") != "r0,r1,r2" {
			return fmt.Errorf("got %v", names)
		}
		return c.Barrier(ctx)
	})
}

func TestMaxLoc(t *testing.T) {
	ctx := context.Background()
	mustRunGroup(t, 4, func(c *Comm) error {
		v := []float64{1, 5, 5, math.Inf(-1)}[c.Rank()]
		max, rank, err := c.MaxLoc(ctx, v)
		if err != nil {
			return err
		}
		if max != 5 || rank != 1 {
			return fmt.Errorf("got %v@%d, want 5@1", max, rank)
		}
		return nil
	})
}

func TestAgree(t *testing.T) {
	ctx := context.Background()
	errs := runGroup(4, time.Minute, func(c *Comm) error {
		var err error
		switch c.Rank() {
		case 2:
			err = errors.E(errors.Invalid, "k exceeds row count")
		case 3:
			err = errors.New("other failure")
		}
		if err := c.Agree(ctx, err); err != nil {
			return err
		}
		return c.Barrier(ctx)
	})
	for rank, err := range errs {
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: unexpected error %v", rank, err)
			continue
		}
		if msg := err.Error(); !strings.Contains(msg, "rank 2") || !strings.Contains(msg, "k exceeds row count") || !strings.Contains(msg, "1 other ranks") {
			t.Errorf("rank %d: bad message %q", rank, msg)
		}
	}
	mustRunGroup(t, 3, func(c *Comm) error { return c.Agree(ctx, nil) })
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	var calls int32
	mustRunGroup(t, 5, func(c *Comm) error {
		var path string
		err := c.RunOnce(ctx, &path, func() error {
			atomic.AddInt32(&calls, 1)
			path = "s3://bucket/centroids.csv"
			return nil
		})
		if err != nil {
			return err
		}
		if path != "s3://bucket/centroids.csv" {
			return fmt.Errorf("rank %d: got %q", c.Rank(), path)
		}
		return nil
	})
	if got, want := calls, int32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	errs := runGroup(3, time.Minute, func(c *Comm) error {
		return c.RunOnce(ctx, nil, func() error { return errors.E(errors.NotExist, "no output bucket") })
	})
	for rank, err := range errs {
		if !errors.Is(errors.NotExist, err) {
			t.Errorf("rank %d: unexpected error %v", rank, err)
		}
	}
}

func TestOpMismatch(t *testing.T) {
	ctx := context.Background()
	errs := runGroup(3, time.Minute, func(c *Comm) error {
		if c.Rank() == 1 {
			return c.Barrier(ctx)
		}
		_, err := c.AllreduceFloat64(ctx, Sum, 1)
		return err
	})
	for rank, err := range errs {
		if !errors.Is(errors.Precondition, err) {
			t.Errorf("rank %d: unexpected error %v", rank, err)
		}
	}
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	errs := runGroup(3, 50*time.Millisecond, func(c *Comm) error {
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		if c.Rank() == 2 {
			// Rank 2 "crashes" and never joins the next round.
			return nil
		}
		return c.Barrier(ctx)
	})
	for rank, err := range errs[:2] {
		if !errors.Is(errors.Timeout, err) {
			t.Errorf("rank %d: unexpected error %v", rank, err)
			continue
		}
		if !strings.Contains(err.Error(), "[2]") {
			t.Errorf("rank %d: error %q does not name the missing rank", rank, err)
		}
	}
}

func TestCancel(t *testing.T) {
	hub := NewHub(2, 0)
	comms := Local(hub)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	go func() { errc <- comms[0].Barrier(ctx) }()
	cancel()
	if err := <-errc; !errors.Is(errors.Canceled, err) {
		t.Fatalf("unexpected error %v", err)
	}
	// The group is now failed for every rank.
	if err := comms[1].Barrier(context.Background()); !errors.Is(errors.Canceled, err) {
		t.Fatalf("unexpected error %v", err)
	}
	if hub.Err() == nil {
		t.Fatal("expected hub error")
	}
}

func TestAbort(t *testing.T) {
	hub := NewHub(2, 0)
	comms := Local(hub)
	errc := make(chan error)
	go func() { errc <- comms[0].Barrier(context.Background()) }()
	hub.Abort(errors.E(errors.Unavailable, "machine lost"))
	if err := <-errc; !errors.Is(errors.Unavailable, err) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRetryIdempotent(t *testing.T) {
	hub := NewHub(2, 0)
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	var retried [][]byte
	go func() {
		defer wg.Done()
		req := ExchangeRequest{Rank: 0, Seq: 1, Op: "allgather", Payload: []byte("a")}
		if _, err := hub.Exchange(ctx, req); err != nil {
			t.Error(err)
		}
		// A retry of a completed round returns the same result.
		var err error
		if retried, err = hub.Exchange(ctx, req); err != nil {
			t.Error(err)
		}
	}()
	if _, err := hub.Exchange(ctx, ExchangeRequest{Rank: 1, Seq: 1, Op: "allgather", Payload: []byte("b")}); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if got, want := retried, [][]byte{[]byte("a"), []byte("b")}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := hub.Stats()["allgather"], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestContributionFailure(t *testing.T) {
	ctx := context.Background()
	for _, c := range []struct {
		name string
		fn   func(c *Comm) error
	}{
		{"broadcast", func(c *Comm) error {
			var ch chan int
			if c.Rank() == 0 {
				ch = make(chan int)
			}
			return c.Broadcast(ctx, 0, &ch)
		}},
		{"allgather", func(c *Comm) error {
			var v interface{} = c.Rank()
			if c.Rank() == 2 {
				v = func() {}
			}
			return c.Allgather(ctx, v, func(int, *gob.Decoder) error { return nil })
		}},
		{"gather", func(c *Comm) error {
			var v interface{} = c.Rank()
			if c.Rank() == 1 {
				v = make(chan int)
			}
			return c.Gather(ctx, 0, v, func(int, *gob.Decoder) error { return nil })
		}},
		{"scatter", func(c *Comm) error {
			_, err := c.ScatterFloat64s(ctx, 0, [][]float64{{1}, {2}})
			return err
		}},
	} {
		// Without a timeout, a rank that never contributed would
		// block its peers forever.
		errs := runGroup(3, 0, c.fn)
		for rank, err := range errs {
			if !errors.Is(errors.Invalid, err) {
				t.Errorf("%s: rank %d: unexpected error %v", c.name, rank, err)
			}
		}
		if errs[0].Error() != errs[1].Error() || errs[1].Error() != errs[2].Error() {
			t.Errorf("%s: ranks returned different errors: %v", c.name, errs)
		}
	}
}

func TestRetryAfterCompletion(t *testing.T) {
	hub := NewHub(2, 0)
	ctx := context.Background()
	var (
		wg  sync.WaitGroup
		got [][]byte
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		got, err = hub.Exchange(ctx, ExchangeRequest{Rank: 1, Seq: 1, Op: "allgather", Payload: []byte("b")})
		if err != nil {
			t.Error(err)
		}
	}()
	if _, err := hub.Exchange(ctx, ExchangeRequest{Rank: 0, Seq: 1, Op: "allgather", Payload: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	// A late duplicate replaces rank 0's payload in the round, but
	// must not change what rank 1 already received.
	if _, err := hub.Exchange(ctx, ExchangeRequest{Rank: 0, Seq: 1, Op: "allgather", Payload: []byte("c")}); err != nil {
		t.Fatal(err)
	}
	if want := [][]byte{[]byte("a"), []byte("b")}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestHubServiceInterruptedCall(t *testing.T) {
	var s HubService
	ctx := context.Background()
	if err := s.Configure(ctx, HubConfig{Size: 2, Timeout: time.Minute}, nil); err != nil {
		t.Fatal(err)
	}
	// Rank 0's first call is interrupted, as by a dropped connection;
	// its retry and rank 1 then complete the round.
	callCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		var reply ExchangeReply
		errc <- s.Exchange(callCtx, ExchangeRequest{Rank: 0, Seq: 1, Op: "barrier"}, &reply)
	}()
	cancel()
	done := make(chan error, 2)
	for rank := 0; rank < 2; rank++ {
		rank := rank
		go func() {
			var reply ExchangeReply
			done <- s.Exchange(ctx, ExchangeRequest{Rank: rank, Seq: 1, Op: "barrier"}, &reply)
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
	if err := <-errc; err != nil {
		t.Errorf("interrupted call: %v", err)
	}
	hub, err := s.current()
	if err != nil {
		t.Fatal(err)
	}
	if err := hub.Err(); err != nil {
		t.Errorf("group failed: %v", err)
	}
}

func TestFrames(t *testing.T) {
	frames := [][]byte{[]byte("x"), {}, []byte("yz")}
	got, err := decodeFrames(encodeFrames(frames))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, frames) {
		t.Errorf("got %q, want %q", got, frames)
	}
	if _, err := decodeFrames([]byte{5, 'a'}); err == nil {
		t.Error("expected error")
	}
}

func TestRunLocal(t *testing.T) {
	ctx := context.Background()
	var n int32
	err := RunLocal(ctx, 4, 0, func(ctx context.Context, c *Comm) error {
		atomic.AddInt32(&n, 1)
		return c.Barrier(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, int32(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// A rank that leaves the group early must not hang its peers.
	err = RunLocal(ctx, 3, 0, func(ctx context.Context, c *Comm) error {
		if c.Rank() == 1 {
			return errors.E(errors.NotExist, "shard missing")
		}
		return c.Barrier(ctx)
	})
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("unexpected error %v", err)
	}
}
