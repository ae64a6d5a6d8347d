// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmflags provides flag support for bigkmeans command line
// applications: the system on which process groups run, their size,
// and how their status is displayed.
package kmflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider provides the machines on which a group's ranks run. Its
// instances are configured by setting options via Set.
type Provider interface {
	// Name returns the name of a provider instance.
	Name() string
	// Set sets an option, specified as key=val.
	Set(string) error
	// ExecOption returns the exec.Option that requests the provider's
	// instances as configured by the currently set options.
	ExecOption() exec.Option
	// DefaultParallelism returns the default group size for the
	// provider.
	DefaultParallelism() int
}

// RegisterSystemProvider registers a provider under a name.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system profile: a named
// shorthand for a system and its options. For example, after
//
//	kmflags.RegisterSystemProfile("big", "ec2:instance=m5.4xlarge")
//
// -system=big is a synonym for -system=ec2:instance=m5.4xlarge.
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the registered providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// Internal runs every rank as a goroutine of the driver.
type Internal struct{}

// Name implements Provider.Name.
func (*Internal) Name() string { return "internal" }

// Set implements Provider.Set.
func (*Internal) Set(string) error {
	return fmt.Errorf("the internal provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (*Internal) ExecOption() exec.Option { return exec.Local }

// DefaultParallelism implements Provider.DefaultParallelism.
func (*Internal) DefaultParallelism() int { return runtime.GOMAXPROCS(0) }

// Local runs every rank in its own process on the local machine.
type Local struct{}

// Name implements Provider.Name.
func (*Local) Name() string { return "local" }

// Set implements Provider.Set.
func (*Local) Set(string) error {
	return fmt.Errorf("the local provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (*Local) ExecOption() exec.Option { return exec.Bigmachine(bigmachine.Local) }

// DefaultParallelism implements Provider.DefaultParallelism.
func (*Local) DefaultParallelism() int { return runtime.GOMAXPROCS(0) }

// EC2 runs every rank on its own AWS EC2 instance.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.Name.
func (*EC2) Name() string { return "EC2" }

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// DefaultParallelism implements Provider.DefaultParallelism. Each
// rank holds a machine, so the default group is small.
func (*EC2) DefaultParallelism() int { return 4 }

// ExecOption implements Provider.ExecOption.
func (ec2 *EC2) ExecOption() exec.Option {
	return exec.Bigmachine(ec2.System())
}

// System returns the ec2system.System configured by the provider's
// options.
func (ec2 *EC2) System() *ec2system.System {
	system := &ec2system.System{Username: "unknown"}
	if u, err := user.Current(); err == nil {
		system.Username = u.Username
	} else {
		log.Printf("ec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			system.InstanceType = val.(string)
		case "dataspace":
			system.Dataspace = val.(uint)
		case "rootsize":
			system.Diskspace = val.(uint)
		case "profile":
			system.InstanceProfile = val.(string)
		case "ondemand":
			system.OnDemand = val.(bool)
		}
	}
	return system
}

func init() {
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("internal", &Internal{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the allowed system flag
// values.
func SystemHelpShort(prefix string) string {
	const format = `a bigkmeans system is specified as follows: {local,internal,ec2:[key=val,],name}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a complete explanation of the allowed system flag
// values.
const SystemHelpLong = `A bigkmeans system is specified as follows:

<system-type>:<options> where options is [key=value,]+

Each rank of a process group runs on its own instance. The currently
supported instance types and their options are as follows:

internal: in-process execution, the default.
local: same machine, separate process execution.
ec2: AWS EC2 execution. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. m5.xlarge
	dataspace=<number> - size of the data volume in GiB, typically /mnt/data.
	rootsize=<number> - size of the root volume in GiB.
	ondemand=<bool> - true to use on-demand rather than spot instances
	profile=<name> - the aws instance profile to use instead of a default

In addition, an application may register profiles that are shorthand
for the above, eg. "my-app" can be configured as a synonym for
ec2:instance=m5.xlarge,dataspace=200.
`

// SystemFlag is a flag.Value that specifies a provider and its
// options.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String.
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set.
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}
	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Getter.
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags holds the flags that configure a bigkmeans command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Parallelism   int
	Timeout       time.Duration
	Trace         string
	fs            *flag.FlagSet
}

// Output returns the io.Writer to which help messages are printed.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults holds default values for the flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Parallelism   int
	Timeout       time.Duration
}

// RegisterFlags registers the bigkmeans flags with the provided flag
// set. Flag names are prefixed with prefix.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		System:      "internal",
		HTTPAddress: ":3333",
		Timeout:     exec.DefaultTimeout,
	})
}

// RegisterFlagsWithDefaults registers the bigkmeans flags with the
// provided flag set and defaults.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	if err := bf.System.Set(defaults.System); err != nil {
		log.Panicf("default system %s: %v", defaults.System, err)
	}
	bf.System.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	if err := bf.HTTPAddress.Set(defaults.HTTPAddress); err != nil {
		log.Panicf("default http address %s: %v", defaults.HTTPAddress, err)
	}
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&bf.Parallelism, prefix+"parallelism", defaults.Parallelism, "number of ranks in each process group; 0 requests an appropriate default for the system")
	fs.DurationVar(&bf.Timeout, prefix+"timeout", defaults.Timeout, "collective round timeout; a group whose round exceeds it fails")
	fs.StringVar(&bf.Trace, prefix+"trace", "", "path to which a trace of the session's runs is written")
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	bf.fs = fs
}

// ExecOptions returns the exec.Options specified by the flags.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	if bf.System.Provider == nil {
		return nil, fmt.Errorf("no system specified")
	}
	if bf.Parallelism < 0 {
		return nil, fmt.Errorf("invalid parallelism %d", bf.Parallelism)
	}
	if bf.Timeout <= 0 {
		return nil, fmt.Errorf("invalid timeout %s", bf.Timeout)
	}
	options := []exec.Option{
		exec.Status(new(status.Status)),
		bf.System.Provider.ExecOption(),
		exec.Timeout(bf.Timeout),
	}
	if bf.Trace != "" {
		options = append(options, exec.TracePath(bf.Trace))
	}
	if bf.Parallelism > 0 {
		options = append(options, exec.Parallelism(bf.Parallelism))
	} else {
		options = append(options, exec.Parallelism(bf.System.Provider.DefaultParallelism()))
	}
	return options, nil
}
