// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigkmeans", func(inst *config.Instance) {
		sess := newSession()
		inst.IntVar(&sess.p, "parallelism", 8, "number of ranks in each process group")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for job execution")
		var timeout string
		inst.StringVar(&timeout, "timeout", DefaultTimeout.String(), "collective round timeout")
		inst.Doc = "bigkmeans configures the bigkmeans runtime"
		inst.New = func() (interface{}, error) {
			if sess.p <= 0 {
				return nil, errors.E(errors.Invalid, "bigkmeans: parallelism must be positive")
			}
			var err error
			if sess.timeout, err = time.ParseDuration(timeout); err != nil {
				return nil, errors.E(errors.Invalid, "bigkmeans: invalid timeout", err)
			}
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
