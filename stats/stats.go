// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats accounts for the traffic of a process group. Each rank
// (and each hub) keeps a Map of named counters; snapshots of these maps
// are plain Values which can be shipped to the driver and merged into
// group totals.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/data"
)

// Values is a snapshot of a Map.
type Values map[string]int64

// Merge adds the counters in w to v.
func (v Values) Merge(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String returns the counters sorted by name. Counters whose name
// ends in ".bytes" are rendered as data sizes, and those ending in
// ".ns" as durations.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		switch n := v[key]; {
		case strings.HasSuffix(key, ".bytes"):
			keys[i] = fmt.Sprintf("%s:%s", strings.TrimSuffix(key, ".bytes"), data.Size(n))
		case strings.HasSuffix(key, ".ns"):
			keys[i] = fmt.Sprintf("%s:%s", strings.TrimSuffix(key, ".ns"), time.Duration(n))
		default:
			keys[i] = fmt.Sprintf("%s:%d", key, n)
		}
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if
// needed. Int may be called on a nil map, in which case it returns a
// nil counter; updates to nil counters are dropped.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	m.mu.Unlock()
	return v
}

// Observe records one call of the collective operation op which moved
// the given number of bytes and took d.
func (m *Map) Observe(op string, bytes int, d time.Duration) {
	m.Int(op).Add(1)
	m.Int(op + ".bytes").Add(int64(bytes))
	m.Int(op + ".ns").Add(int64(d))
}

// Snapshot returns the current value of every counter in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	if m == nil {
		return vals
	}
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	m.mu.Unlock()
	return vals
}

// An Int is an integer counter that can be atomically incremented.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the current value of the counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
