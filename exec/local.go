// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigkmeans/collective"
	"golang.org/x/sync/errgroup"
)

// localExecutor is an executor that runs every rank in-process in
// its own goroutine. Ranks exchange through an in-memory hub.
type localExecutor struct {
	sess  *Session
	group *status.Group
}

func newLocalExecutor() *localExecutor {
	return new(localExecutor)
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	if status := sess.Status(); status != nil {
		l.group = status.Group("local ranks")
	}
	return func() {}
}

func (l *localExecutor) Run(ctx context.Context, fn *FuncValue, args []interface{}) ([]interface{}, error) {
	var (
		comms   = collective.Local(collective.NewHub(l.sess.Parallelism(), l.sess.Timeout()))
		replies = make([]interface{}, len(comms))
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := range comms {
		i, c := i, comms[i]
		var task *status.Task
		if l.group != nil {
			task = l.group.Startf("%s", c)
		}
		g.Go(func() error {
			start := time.Now()
			reply, err := fn.call(ctx, c, args)
			l.sess.tracer.Span(fn.location, i, start, time.Since(start), err)
			if task != nil {
				if err != nil {
					task.Printf("error: %v", err)
				}
				task.Done()
			}
			if err != nil {
				return err
			}
			replies[i] = reply
			if c.IsRoot() {
				log.Debug.Printf("exec.Local: %s: %s", fn.location, c.Stats())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return replies, nil
}
