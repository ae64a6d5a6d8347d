// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans/collective"
)

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfComm    = reflect.TypeOf((*collective.Comm)(nil))
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
)

var (
	// Funcs is the global registry of funcs. We rely on deterministic
	// registration order, so that the same index names the same func
	// in the driver and in every worker.
	funcs []*FuncValue
	// FuncsBusy is used to detect data races in registration.
	funcsBusy int32
)

// A FuncValue is a rank program, as returned by Func.
type FuncValue struct {
	fn       reflect.Value
	args     []reflect.Type
	index    int
	location string
}

// Func registers a rank program. The function must have the signature
//
//	func(ctx context.Context, c *collective.Comm, args...) (reply, error)
//
// A session runs the function once on every rank of its group, each
// with its own Comm; the function uses the Comm to cooperate with its
// peers. Arguments and replies may cross process boundaries, and so
// must be gob-encodable; their types are registered with gob.
//
// Funcs must be created in a deterministic order, for example by
// package-level variable initialization:
//
//	var Cluster = exec.Func(func(ctx context.Context, c *collective.Comm, path string) (int, error) {
//		...
//	})
func Func(fn interface{}) *FuncValue {
	fv := reflect.ValueOf(fn)
	ftype := fv.Type()
	if ftype.Kind() != reflect.Func {
		panic(fmt.Sprintf("exec.Func: argument to func is a %T, not a func", fn))
	}
	if ftype.NumIn() < 2 || ftype.In(0) != typeOfContext || ftype.In(1) != typeOfComm {
		panic(fmt.Sprintf("exec.Func: func %s must take a context.Context and a *collective.Comm", ftype))
	}
	if ftype.NumOut() != 2 || ftype.Out(1) != typeOfError {
		panic(fmt.Sprintf("exec.Func: func %s must return a reply and an error", ftype))
	}
	v := &FuncValue{fn: fv}
	if _, file, line, ok := runtime.Caller(1); ok {
		v.location = fmt.Sprintf("%s:%d", file, line)
	}
	for i := 2; i < ftype.NumIn(); i++ {
		typ := ftype.In(i)
		v.args = append(v.args, typ)
		if typ.Kind() != reflect.Interface {
			gob.Register(reflect.Zero(typ).Interface())
		}
	}
	if out := ftype.Out(0); out.Kind() != reflect.Interface {
		gob.Register(reflect.Zero(out).Interface())
	}
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("exec.Func: data race")
	}
	v.index = len(funcs)
	funcs = append(funcs, v)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("exec.Func: data race")
	}
	return v
}

// NumIn returns the number of arguments passed to the function
// following its context and Comm.
func (f *FuncValue) NumIn() int { return len(f.args) }

// Location returns the source location at which f was created.
func (f *FuncValue) Location() string { return f.location }

func (f *FuncValue) typecheck(args []interface{}) error {
	if len(args) != len(f.args) {
		return errors.E(errors.Invalid, fmt.Sprintf("exec: %s: wrong number of arguments: function takes %d arguments, got %d",
			f.location, len(f.args), len(args)))
	}
	for i, arg := range args {
		expect := f.args[i]
		if arg == nil {
			switch expect.Kind() {
			case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map:
				continue
			}
			return errors.E(errors.Invalid, fmt.Sprintf("exec: %s: nil argument %d for type %s", f.location, i, expect))
		}
		have := reflect.TypeOf(arg)
		if expect.Kind() == reflect.Interface && !have.Implements(expect) || expect.Kind() != reflect.Interface && have != expect {
			return errors.E(errors.Invalid, fmt.Sprintf("exec: %s: wrong type for argument %d: expected %s, got %s", f.location, i, expect, have))
		}
	}
	return nil
}

// Call runs the function as the rank represented by c. Panics in the
// function are returned as fatal errors.
func (f *FuncValue) call(ctx context.Context, c *collective.Comm, args []interface{}) (reply interface{}, err error) {
	if err := f.typecheck(args); err != nil {
		return nil, err
	}
	argv := make([]reflect.Value, len(args)+2)
	argv[0] = reflect.ValueOf(ctx)
	argv[1] = reflect.ValueOf(c)
	for i, arg := range args {
		if arg == nil {
			argv[i+2] = reflect.Zero(f.args[i])
		} else {
			argv[i+2] = reflect.ValueOf(arg)
		}
	}
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("%s: panic: %v", c, e))
		}
	}()
	out := f.fn.Call(argv)
	if e := out[1].Interface(); e != nil {
		return nil, e.(error)
	}
	return out[0].Interface(), nil
}

// FuncLocations returns the locations of every registered func, in
// registration order. Workers compare their locations to the driver's
// to ensure they name funcs identically.
func FuncLocations() []string {
	locs := make([]string, len(funcs))
	for i, f := range funcs {
		locs[i] = f.location
	}
	return locs
}

func lookup(index int) (*FuncValue, error) {
	if index < 0 || index >= len(funcs) {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("exec: func %d not registered (%d funcs)", index, len(funcs)))
	}
	return funcs[index], nil
}
