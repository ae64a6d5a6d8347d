// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Kmstress is a binary used to test and stress bigkmeans process
// groups at scale.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigkmeans/kmconfig"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: kmstress [-wait] test-name args...

Command kmstress runs large-scale integration testing of bigkmeans
process groups. It's distributed as a separate binary as it requires
launching external clusters, and may run for a long time. The group
is configured by the bigkmeans profile.

Available tests are:

	allreduce
		Many rounds of large reductions, checked against their
		known results.
	kmeans
		Clustering of synthetic blobs generated on every rank.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}

	wait := flag.Bool("wait", false, "don't exit after completion")
	sess := kmconfig.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "allreduce":
		err = allreduce(sess, args)
	case "kmeans":
		err = clusterBlobs(sess, args)
	}
	sess.Shutdown()
	if *wait {
		if err != nil {
			log.Printf("finished with error %v: waiting", err)
		} else {
			log.Print("done: waiting")
		}
		<-make(chan struct{})
	}
	must.Nil(err, cmd)
}
