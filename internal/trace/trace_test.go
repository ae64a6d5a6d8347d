// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package trace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestTracer(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	tr := New()
	start := time.Now()
	tr.Span("cluster", 0, start, time.Second, nil)
	tr.Span("cluster", 1, start, 2*time.Second, errors.New("failed"))
	events := tr.Events()
	expect.EQ(t, len(events), 2)
	expect.EQ(t, events[1].Tid, 1)
	expect.EQ(t, events[1].Dur, int64(2e6))
	expect.EQ(t, events[1].Args["error"], "failed")

	path := filepath.Join(dir, "trace.json")
	ctx := context.Background()
	assert.NoError(t, tr.Write(ctx, path))
	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()
	var decoded T
	assert.NoError(t, decoded.Decode(f))
	expect.EQ(t, len(decoded.Events), 2)
	expect.EQ(t, decoded.Events[0].Name, "cluster")
	expect.EQ(t, decoded.Events[0].Ph, "X")
}

func TestNilTracer(t *testing.T) {
	var tr *Tracer
	tr.Span("cluster", 0, time.Now(), time.Second, nil)
}
