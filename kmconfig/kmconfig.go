// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmconfig creates an exec session from a shared
// configuration. It uses the configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.bigkmeans/config. The "bigkmeans" instance configures the
// group size, the bigmachine system, and the collective timeout:
//
//	instance bigkmeans bigkmeans (
//		parallelism = 16
//		system = bigmachine/ec2system
//		timeout = "20m"
//	)
package kmconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigkmeans/exec"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Path determines the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigkmeans/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// configuration from Path and returns the session configured by the
// profile and any flags provided. Parse panics if session creation
// fails.
func Parse() *exec.Session {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var sess *exec.Session
	config.Must("bigkmeans", &sess)
	return sess
}
