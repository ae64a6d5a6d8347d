// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Kmsetup manages the bigkmeans configuration profile read by
// package kmconfig.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Kmsetup is a tool for managing bigkmeans configuration.

Usage:

	kmsetup <command> [arguments]

The commands are:

	setup-ec2   configure EC2 for use with bigkmeans
	show        print the current configuration profile
`)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("kmsetup: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "setup-ec2":
		setupEc2Cmd(args)
	case "show":
		showCmd(args)
	}
}
