// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmcmd provides utilities for implementing bigkmeans command
// line tools. The main entry point, kmcmd.Main, configures an exec
// session according to a common set of flags, and then invokes the
// user's driver code.
//
// A kmcmd tool follows this form:
//
//	func main() {
//		var (
//			applicationFlag1 = flag.Int(...)
//			applicationFlag2 = ...
//		)
//		kmcmd.Main(func(sess *exec.Session, args []string) error {
//			ctx := context.Background()
//			replies, err := sess.Run(ctx, MyRankProgram, args[0])
//			if err != nil {
//				return err
//			}
//			// Do something else...
//			return nil
//		})
//	}
package kmcmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is exposed on the local diagnostic web server.
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigkmeans/kmflags"
)

// Main is a convenient entry point for a kmcmd. Main does not return;
// it should be called after other initialization is performed. Main
// parses (global) flags, and starts an exec session accordingly. Main
// then invokes the provided func with the session and the unparsed
// arguments.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers and the
// session's status at /debug/status.
//
// Main terminates the program after the user func returns. If it
// returns with an error, it is reported and the process exits with
// code 1, otherwise it exits successfully.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl kmflags.Flags
	kmflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a session according to the supplied flags.
func Init(bf kmflags.Flags) (*exec.Session, error) {
	if bf.SystemHelp {
		providers, profiles := kmflags.ProvidersAndProfiles()
		sort.Strings(providers)
		wr := bf.Output()
		fmt.Fprintf(wr, "%s\n\n", kmflags.SystemHelpLong)
		fmt.Fprintf(wr, "The available providers are: %v\n", strings.Join(providers, ", "))
		var str []string
		for k, v := range profiles {
			str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
		}
		sort.Strings(str)
		for _, s := range str {
			fmt.Fprint(wr, s)
		}
		os.Exit(0)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(bf, sess)
	return sess, nil
}

// DisplayStatus arranges for the session's status to be displayed on
// the console and/or a web page depending on the flags. The web page
// is served at /debug/status on http.DefaultServeMux.
func DisplayStatus(bf kmflags.Flags, sess *exec.Session) {
	if sess.Status() == nil {
		return
	}
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(bf.HTTPAddress.Address) > 0 {
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP Status at: %v", bf.HTTPAddress)
			if err := http.ListenAndServe(bf.HTTPAddress.Address, nil); err != nil {
				log.Error.Printf("failed to start HTTP at %v: %v", bf.HTTPAddress, err)
			}
		}()
	}
}
