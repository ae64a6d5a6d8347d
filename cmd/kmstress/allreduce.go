// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/exec"
)

var allreduceTest = exec.Func(func(ctx context.Context, c *collective.Comm, rounds, n int) (int, error) {
	var (
		p     = float64(c.Size())
		scale = float64(c.Rank() + 1)
		x     = make([]float64, n)
		nerr  int
	)
	for round := 0; round < rounds; round++ {
		for i := range x {
			x[i] = scale*float64(i) + float64(round)
		}
		y, err := c.AllreduceFloat64s(ctx, collective.Sum, x)
		if err != nil {
			return nerr, err
		}
		for i, v := range y {
			if want := float64(i)*p*(p+1)/2 + float64(round)*p; v != want {
				if nerr < 10 {
					log.Error.Printf("%s: round %d: index %d: got %v, want %v", c, round, i, v, want)
				}
				nerr++
			}
		}
		max, rank, err := c.MaxLoc(ctx, scale)
		if err != nil {
			return nerr, err
		}
		if max != p || rank != c.Size()-1 {
			log.Error.Printf("%s: round %d: maxloc: got %v@%d", c, round, max, rank)
			nerr++
		}
	}
	if c.IsRoot() {
		log.Printf("%s: %d rounds of %s: %s", c, rounds, data.Size(8*n), c.Stats())
	}
	return nerr, nil
})

func allreduce(sess *exec.Session, args []string) error {
	var (
		flags  = flag.NewFlagSet("allreduce", flag.ExitOnError)
		rounds = flags.Int("rounds", 100, "number of reduction rounds")
		n      = flags.Int("n", 1<<20, "number of values reduced per round")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: kmstress allreduce [-rounds N] [-n N]`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	start := time.Now()
	replies, err := sess.Run(ctx, allreduceTest, *rounds, *n)
	if err != nil {
		return err
	}
	var nerr int
	for _, reply := range replies {
		nerr += reply.(int)
	}
	log.Printf("allreduce: %d ranks, %d rounds in %s", sess.Parallelism(), *rounds, time.Since(start))
	if nerr > 0 {
		return errors.New("test errors")
	}
	return nil
}
