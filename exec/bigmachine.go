// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&rankService{})
}

// retryPolicy is the policy used to retry starting machines.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// maxStartRetries is the number of times the executor retries
// starting a group before giving up.
const maxStartRetries = 5

// hubService is the name under which every machine registers its
// collective.HubService. The hub on the group's first machine serves
// the group.
const hubService = "Hub"

// bigmachineExecutor runs each rank of a group on its own bigmachine
// machine. The group's machines are started on first use and reused
// by subsequent runs until one of them fails.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess   *Session
	b      *bigmachine.B
	status *status.Group

	mu       sync.Mutex
	machines []*bigmachine.Machine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (*bigmachineExecutor) Name() string { return "bigmachine" }

// Start starts the bigmachine. Machines are started when the first
// func is run.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group("bigmachine")
	}
	return b.b.Shutdown
}

// group returns the running machines of the executor's group,
// starting them if needed.
func (b *bigmachineExecutor) group(ctx context.Context) ([]*bigmachine.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.machines {
		if m.State() != bigmachine.Running {
			log.Printf("machine %s is %s; restarting group", m.Addr, m.State())
			b.reset()
			break
		}
	}
	if b.machines != nil {
		return b.machines, nil
	}
	var err error
	for retries := 0; retries < maxStartRetries; retries++ {
		if retries > 0 {
			if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
				return nil, err
			}
		}
		b.machines, err = b.startMachines(ctx)
		if err == nil {
			return b.machines, nil
		}
		log.Error.Printf("error starting %d machines (attempt %d): %v", b.sess.Parallelism(), retries+1, err)
	}
	return nil, err
}

// reset cancels the executor's machines, so that the next run starts
// a new group. It must be called with b.mu held.
func (b *bigmachineExecutor) reset() {
	for _, m := range b.machines {
		m.Cancel()
	}
	b.machines = nil
}

// StartMachines starts one machine per rank, installing the rank and
// hub services on each of them. It returns when all of them are in
// bigmachine.Running state. If any machine fails to start, the others
// are canceled and an error is returned: a group runs only at full
// size.
func (b *bigmachineExecutor) startMachines(ctx context.Context) ([]*bigmachine.Machine, error) {
	n := b.sess.Parallelism()
	params := append([]bigmachine.Param{bigmachine.Services{
		"Rank":     &rankService{},
		hubService: &collective.HubService{},
	}}, b.params...)
	machines, err := b.b.Start(ctx, n, params...)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range machines {
		i, m := i, machines[i]
		var task *status.Task
		if b.status != nil {
			task = b.status.Startf("rank %d", i)
			task.Print("waiting for machine to boot")
		}
		g.Go(func() error {
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				if task != nil {
					task.Printf("failed to start: %v", err)
					task.Done()
				}
				return err
			}
			var locs []string
			if err := m.RetryCall(gctx, "Rank.FuncLocations", struct{}{}, &locs); err != nil {
				if task != nil {
					task.Print("failed to verify funcs")
					task.Done()
				}
				return err
			}
			if diff := funcLocationsDiff(FuncLocations(), locs); len(diff) > 0 {
				for _, edit := range diff {
					log.Printf("[funcsdiff] %s", edit)
				}
				log.Panicf("machine %s has different funcs; check for local or non-deterministic Func creation", m.Addr)
			}
			if task != nil {
				task.Title(m.Addr)
				task.Print("running")
			}
			log.Printf("machine %v is ready as rank %d", m.Addr, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	return machines, nil
}

func (b *bigmachineExecutor) Run(ctx context.Context, fn *FuncValue, args []interface{}) ([]interface{}, error) {
	machines, err := b.group(ctx)
	if err != nil {
		return nil, err
	}
	root := machines[0]
	config := collective.HubConfig{Size: len(machines), Timeout: b.sess.Timeout()}
	if err := root.RetryCall(ctx, hubService+".Configure", config, nil); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// A machine that stops fails the group at the hub, so that its
	// peers do not wait out the round timeout.
	for _, m := range machines[1:] {
		m := m
		go func() {
			select {
			case <-ctx.Done():
			case <-m.Wait(bigmachine.Stopped):
				reason := fmt.Sprintf("machine %s stopped: %v", m.Addr, m.Err())
				log.Error.Printf("exec: %s", reason)
				if err := root.Call(ctx, hubService+".Abort", reason, nil); err != nil {
					log.Debug.Printf("exec: abort hub: %v", err)
				}
			}
		}()
	}
	replies := make([]interface{}, len(machines))
	g, gctx := errgroup.WithContext(ctx)
	for i := range machines {
		i, m := i, machines[i]
		req := runRequest{
			Func: fn.index,
			Rank: i,
			Size: len(machines),
			Hub:  root.Addr,
			Args: args,
		}
		g.Go(func() error {
			// Rank programs are not idempotent, so we do not retry them.
			var reply runReply
			start := time.Now()
			err := m.Call(gctx, "Rank.Run", req, &reply)
			b.sess.tracer.Span(fn.location, i, start, time.Since(start), err)
			if err != nil {
				return errors.E(fmt.Sprintf("rank %d (%s)", i, m.Addr), err)
			}
			replies[i] = reply.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.mu.Lock()
		for _, m := range machines {
			if m.State() != bigmachine.Running {
				b.reset()
				break
			}
		}
		b.mu.Unlock()
		return nil, err
	}
	return replies, nil
}

// runRequest is the request to run a rank program on a machine.
type runRequest struct {
	// Func is the registry index of the func to run.
	Func int
	// Rank and Size describe the rank's place in its group.
	Rank, Size int
	// Hub is the address of the machine serving the group's hub.
	Hub string
	// Args are the func's arguments, following its context and Comm.
	Args []interface{}
}

type runReply struct {
	Value interface{}
}

// rankService is the bigmachine service that runs rank programs.
type rankService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B
}

func (w *rankService) Init(b *bigmachine.B) error {
	w.b = b
	return nil
}

// FuncLocations returns the locations of the funcs registered in the
// machine's binary.
func (w *rankService) FuncLocations(ctx context.Context, _ struct{}, locs *[]string) error {
	*locs = FuncLocations()
	return nil
}

// Run runs a func as one rank of a group, exchanging through the
// group's hub.
func (w *rankService) Run(ctx context.Context, req runRequest, reply *runReply) error {
	fn, err := lookup(req.Func)
	if err != nil {
		return err
	}
	c, err := collective.Dial(ctx, w.b, req.Hub, hubService, req.Rank, req.Size)
	if err != nil {
		return err
	}
	start := time.Now()
	reply.Value, err = fn.call(ctx, c, req.Args)
	if err != nil {
		log.Error.Printf("%s: %s: %v", c, fn.location, err)
		return err
	}
	log.Printf("%s: %s done in %s: %s", c, fn.location, time.Since(start), c.Stats())
	return nil
}

// funcLocationsDiff returns a description of the differences between
// two func location lists, or nil if they are identical.
func funcLocationsDiff(want, got []string) []string {
	var diff []string
	for i := 0; i < len(want) || i < len(got); i++ {
		switch {
		case i >= len(got):
			diff = append(diff, fmt.Sprintf("- %d %s", i, want[i]))
		case i >= len(want):
			diff = append(diff, fmt.Sprintf("+ %d %s", i, got[i]))
		case want[i] != got[i]:
			diff = append(diff, fmt.Sprintf("~ %d %s != %s", i, want[i], got[i]))
		}
	}
	return diff
}
