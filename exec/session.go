// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec runs rank programs on a process group. A Session owns
// an executor, which provides the group: the local executor runs every
// rank as a goroutine of the driver, while the bigmachine executor
// runs one rank on each of a set of bigmachine machines and serves the
// group's collective hub from the first of them.
package exec

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigkmeans/internal/trace"
	"github.com/grailbio/bigmachine"
)

// DefaultTimeout is the default collective round timeout.
const DefaultTimeout = 10 * time.Minute

// An Executor provides process groups on which rank programs run.
type Executor interface {
	// Name returns a short name for the executor.
	Name() string
	// Start starts the executor for the provided session. The
	// returned function tears down its resources.
	Start(*Session) (shutdown func())
	// Run runs the func on every rank of a group of the session's
	// parallelism, returning the replies in rank order. If any rank
	// fails, Run returns the first error.
	Run(ctx context.Context, fn *FuncValue, args []interface{}) ([]interface{}, error)
}

// Session represents a compute session. A session owns an executor
// and is valid for the run of the binary. A session can run multiple
// funcs, one after the other, allowing for iterative computing.
//
// All funcs must be created before Start is called, and must be
// created in a deterministic order. This is provided by default when
// funcs are created as part of package initialization.
//
//	var Cluster = exec.Func(func(ctx context.Context, c *collective.Comm, path string) (int, error) {
//		...
//	})
//
//	func main() {
//		sess := exec.Start(exec.Parallelism(8))
//		replies, err := sess.Run(ctx, Cluster, "s3://bucket/covariates")
//		...
//	}
type Session struct {
	context.Context
	shutdown func()
	p        int
	timeout  time.Duration
	executor Executor
	status   *status.Status

	tracePath string
	tracer    *trace.Tracer
}

func newSession() *Session {
	return &Session{Context: backgroundcontext.Get()}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each machine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism configures the session with the provided number of
// ranks.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Timeout configures the collective round timeout of the session's
// groups. A group whose round does not complete within the timeout
// fails as a whole.
func Timeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
		dump.Register("bigkmeans-status", func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// TracePath configures the path to which a trace of the session's
// runs is written when the session is shut down. The trace is in the
// Chrome tracing format, with a row per rank.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// Start creates and starts a new session, configuring it according to
// the provided options. If no executor is configured, the session is
// configured to use the bigmachine executor with the local system.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = 1
	}
	if s.timeout == 0 {
		s.timeout = DefaultTimeout
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.start()
	return s
}

func (s *Session) start() {
	if s.tracePath != "" {
		s.tracer = trace.New()
	}
	s.shutdown = s.executor.Start(s)
	log.Printf("exec: started %s session with %d ranks, timeout %s", s.executor.Name(), s.p, s.timeout)
}

// Run runs the func on every rank of a group of the session's
// parallelism, applied to the provided arguments. Run returns the
// replies of every rank, in rank order, when all ranks have completed;
// if any rank fails, Run returns an error.
func (s *Session) Run(ctx context.Context, fn *FuncValue, args ...interface{}) ([]interface{}, error) {
	if err := fn.typecheck(args); err != nil {
		return nil, err
	}
	var task *status.Task
	if s.status != nil {
		task = s.status.Group(s.executor.Name()).Startf("run %s", fn.location)
		defer task.Done()
	}
	start := time.Now()
	replies, err := s.executor.Run(ctx, fn, args)
	if task != nil {
		if err != nil {
			task.Printf("failed after %s: %v", time.Since(start), err)
		} else {
			task.Printf("done in %s", time.Since(start))
		}
	}
	if err != nil {
		return nil, err
	}
	if len(replies) != s.p {
		return nil, fmt.Errorf("exec: got %d replies from %d ranks", len(replies), s.p)
	}
	return replies, nil
}

// Must is a version of Run that panics if the run fails.
func (s *Session) Must(ctx context.Context, fn *FuncValue, args ...interface{}) []interface{} {
	replies, err := s.Run(ctx, fn, args...)
	if err != nil {
		log.Panicf("exec.Run: %v", err)
	}
	return replies
}

// Parallelism returns the number of ranks in the session's groups.
func (s *Session) Parallelism() int {
	return s.p
}

// Timeout returns the collective round timeout.
func (s *Session) Timeout() time.Duration {
	return s.timeout
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracer == nil {
		return
	}
	if err := s.tracer.Write(s.Context, s.tracePath); err != nil {
		log.Error.Printf("exec: writing trace: %v", err)
	} else {
		log.Printf("exec: wrote trace to %s", s.tracePath)
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}
