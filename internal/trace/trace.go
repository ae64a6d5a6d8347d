// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace records the spans of rank programs in the Chrome
// tracing format, so that a session's runs can be inspected in
// chrome://tracing: one row per rank, one span per run.
package trace

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// T is a trace in the Chrome tracing format.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Encode writes the trace to w as JSON.
func (t *T) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode reads a JSON trace from r.
func (t *T) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}

// A Tracer accumulates the spans of rank programs. A nil Tracer
// discards them.
type Tracer struct {
	mu    sync.Mutex
	start time.Time
	t     T
}

// New returns a Tracer whose timestamps are relative to now.
func New() *Tracer {
	return &Tracer{start: time.Now()}
}

// Span records a complete span of rank's run of the named program.
// Failed runs carry their error in the event's arguments.
func (t *Tracer) Span(name string, rank int, start time.Time, dur time.Duration, err error) {
	if t == nil {
		return
	}
	args := map[string]interface{}{"rank": rank}
	if err != nil {
		args["error"] = err.Error()
	}
	t.mu.Lock()
	t.t.Events = append(t.t.Events, Event{
		Pid:  0,
		Tid:  rank,
		Ts:   start.Sub(t.start).Nanoseconds() / 1e3,
		Ph:   "X",
		Dur:  dur.Nanoseconds() / 1e3,
		Name: name,
		Cat:  "rank",
		Args: args,
	})
	t.mu.Unlock()
}

// Events returns a copy of the events recorded so far.
func (t *Tracer) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.t.Events...)
}

// Write writes the recorded trace to path, which may name any file
// supported by github.com/grailbio/base/file.
func (t *Tracer) Write(ctx context.Context, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	err = t.t.Encode(f.Writer(ctx))
	t.mu.Unlock()
	if err != nil {
		f.Discard(ctx)
		return errors.E("write trace", path, err)
	}
	return f.Close(ctx)
}
