// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"

	// We bring these in so we can show the user all the defaults when
	// writing the profile.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigkmeans/kmconfig"
	_ "github.com/grailbio/bigmachine/ec2system"
)

func setupEc2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: kmsetup setup-ec2 [-rows n -cols d] [-parallelism p] [flags]

Command setup-ec2 prepares an AWS account to run bigkmeans process
groups on EC2, one rank per instance, and writes the resulting
profile to `, kmconfig.Path, `.

Ranks reach the group's hub, which runs on the first rank's
instance, over bigmachine's HTTPS port inside the default VPC; the
driver reaches every instance over the same port from -driver-cidr.
Setup-ec2 finds or creates the security group named by
-securitygroup and authorizes whichever of these rules it lacks:

	tcp 443 from the default VPC   (rank to hub exchanges)
	tcp 443 from -driver-cidr      (driver to ranks)
	tcp 22 from -driver-cidr       (ssh)

When -rows and -cols describe the dataset, setup-ec2 sizes the rank
instances: every rank holds its share of the rows in memory, so the
smallest memory-optimized instance that fits a share is chosen for
the group size given by -parallelism. Otherwise -instance is used.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupEc2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("kmsetup setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "bigkmeans", "name of the security group to set up")
		driverCIDR    = flags.String("driver-cidr", "0.0.0.0/0", "addresses from which the driver reaches the ranks")
		instance      = flags.String("instance", "r5.xlarge", "EC2 instance type for ranks, if the dataset size is not given")
		rows          = flags.Int("rows", 0, "number of rows in the dataset")
		cols          = flags.Int("cols", 0, "number of columns in the dataset")
		parallelism   = flags.Int("parallelism", 0, "number of ranks in each process group; 0 keeps the profile's")
	)
	flags.Usage = func() { setupEc2Usage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 || (*rows > 0) != (*cols > 0) {
		flags.Usage()
	}
	if _, _, err := net.ParseCIDR(*driverCIDR); err != nil {
		log.Fatalf("invalid -driver-cidr: %v", err)
	}

	profile := config.New()
	f, err := os.Open(kmconfig.Path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		must.Nil(profile.Set("bigmachine/ec2system.default-region", strings.Trim(region, `"`)))
	}

	if *parallelism > 0 {
		must.Nil(profile.Set("bigkmeans.parallelism", fmt.Sprint(*parallelism)))
	}
	if *rows > 0 {
		p := *parallelism
		if p == 0 {
			p = 8
			if v, ok := profile.Get("bigkmeans.parallelism"); ok {
				_, err := fmt.Sscan(v, &p)
				must.Nil(err, "parsing bigkmeans.parallelism")
			}
		}
		inst, need, err := sizeRanks(*rows, *cols, p)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("each of %d ranks needs about %s; using %s (%s)", p, need, inst.Name, inst.Memory)
		*instance = inst.Name
	}

	var id string
	if v, ok := profile.Get("bigmachine/ec2system.security-group"); ok && v != `""` {
		id = strings.Trim(v, `"`)
	}
	sess, err := session.NewSession()
	must.Nil(err, "setting up AWS session")
	id, err = setupSecurityGroup(ec2.New(sess), id, *securityGroup, *driverCIDR)
	must.Nil(err, "setting up security group")
	must.Nil(profile.Set("bigmachine/ec2system.security-group", id))

	must.Nil(profile.Set("bigkmeans.system", "bigmachine/ec2system"))
	must.Nil(profile.Set("bigmachine/ec2system.instance", *instance))
	var buf bytes.Buffer
	must.Nil(profile.PrintTo(&buf))
	must.Nil(os.MkdirAll(filepath.Dir(kmconfig.Path), 0777))
	must.Nil(ioutil.WriteFile(kmconfig.Path+".setup-ec2", buf.Bytes(), 0777))
	must.Nil(os.Rename(kmconfig.Path+".setup-ec2", kmconfig.Path))
	log.Print("wrote configuration to ", kmconfig.Path)
}

// An instanceType is an EC2 instance type available to ranks.
type instanceType struct {
	Name   string
	Memory data.Size
}

// rankInstances lists the memory-optimized instance types considered
// for ranks, by increasing memory.
var rankInstances = []instanceType{
	{"r5.large", 16 * data.GiB},
	{"r5.xlarge", 32 * data.GiB},
	{"r5.2xlarge", 64 * data.GiB},
	{"r5.4xlarge", 128 * data.GiB},
	{"r5.8xlarge", 256 * data.GiB},
	{"r5.12xlarge", 384 * data.GiB},
	{"r5.16xlarge", 512 * data.GiB},
	{"r5.24xlarge", 768 * data.GiB},
}

// rankOverhead is the memory a rank needs besides its partition: the
// Go runtime, bigmachine, and the collective buffers.
const rankOverhead = 2 * data.GiB

// rankMemory returns the memory needed by each rank of a group of p
// ranks over a dataset of the given size. A rank holds its rows, their
// labels and distances, and a sorted copy of its columns while
// computing quantiles; the heap is allowed to grow to twice its live
// size before collection.
func rankMemory(rows, cols, p int) data.Size {
	share := (rows + p - 1) / p
	perRow := 8 * (2*cols + 2)
	return rankOverhead + data.Size(2*share*perRow)
}

// sizeRanks returns the smallest instance type that holds a rank's
// share of the dataset, together with the memory the share needs.
func sizeRanks(rows, cols, p int) (instanceType, data.Size, error) {
	if rows <= 0 || cols <= 0 || p <= 0 {
		return instanceType{}, 0, fmt.Errorf("invalid dataset %dx%d over %d ranks", rows, cols, p)
	}
	need := rankMemory(rows, cols, p)
	for _, inst := range rankInstances {
		if inst.Memory >= need {
			return inst, need, nil
		}
	}
	largest := rankInstances[len(rankInstances)-1]
	return instanceType{}, need, fmt.Errorf("each of %d ranks needs %s, more than %s (%s); use more ranks", p, need, largest.Name, largest.Memory)
}

// A rule is an ingress rule that the ranks' security group must
// provide.
type rule struct {
	what string
	port int64
	cidr string
}

func (r rule) String() string {
	return fmt.Sprintf("tcp %d from %s (%s)", r.port, r.cidr, r.what)
}

// requiredRules returns the ingress rules needed by a process group
// running in a VPC with the provided CIDR block.
func requiredRules(vpcCIDR, driverCIDR string) []rule {
	return []rule{
		{"rank to hub exchanges", 443, vpcCIDR},
		{"driver to ranks", 443, driverCIDR},
		{"ssh", 22, driverCIDR},
	}
}

// missingRules returns the rules that are not granted by perms.
func missingRules(perms []*ec2.IpPermission, rules []rule) []rule {
	var missing []rule
	for _, r := range rules {
		granted := false
		for _, perm := range perms {
			if grants(perm, r) {
				granted = true
				break
			}
		}
		if !granted {
			missing = append(missing, r)
		}
	}
	return missing
}

// grants tells whether perm admits all of the traffic described by r.
func grants(perm *ec2.IpPermission, r rule) bool {
	switch proto := aws.StringValue(perm.IpProtocol); proto {
	case "-1":
	case "tcp", "6":
		if aws.Int64Value(perm.FromPort) > r.port || aws.Int64Value(perm.ToPort) < r.port {
			return false
		}
	default:
		return false
	}
	_, want, err := net.ParseCIDR(r.cidr)
	if err != nil {
		return false
	}
	wantOnes, _ := want.Mask.Size()
	for _, ipr := range perm.IpRanges {
		_, have, err := net.ParseCIDR(aws.StringValue(ipr.CidrIp))
		if err != nil {
			continue
		}
		if ones, _ := have.Mask.Size(); ones <= wantOnes && have.Contains(want.IP) {
			return true
		}
	}
	return false
}

func (r rule) permission() *ec2.IpPermission {
	return &ec2.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int64(r.port),
		ToPort:     aws.Int64(r.port),
		IpRanges: []*ec2.IpRange{{
			CidrIp:      aws.String(r.cidr),
			Description: aws.String("bigkmeans " + r.what),
		}},
	}
}

// setupSecurityGroup returns the ID of a security group in the
// account's default VPC that admits a process group's traffic. The
// group is the one with the provided id, if any; otherwise the one
// with the provided name, which is created if it does not exist.
// Rules the group lacks are authorized.
func setupSecurityGroup(svc ec2iface.EC2API, id, name, driverCIDR string) (string, error) {
	vpc, err := defaultVPC(svc)
	if err != nil {
		return "", err
	}
	input := &ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("vpc-id"),
			Values: []*string{vpc.VpcId},
		}},
	}
	if id != "" {
		input.GroupIds = []*string{aws.String(id)}
	} else {
		input.Filters = append(input.Filters, &ec2.Filter{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(name)},
		})
	}
	resp, err := svc.DescribeSecurityGroups(input)
	if err != nil {
		return "", fmt.Errorf("query security group %s%s: %v", id, name, err)
	}
	var perms []*ec2.IpPermission
	switch {
	case len(resp.SecurityGroups) > 0:
		group := resp.SecurityGroups[0]
		id, perms = aws.StringValue(group.GroupId), group.IpPermissions
		log.Printf("found security group %s", id)
	case id != "":
		return "", fmt.Errorf("configured security group %s not found in VPC %s", id, aws.StringValue(vpc.VpcId))
	default:
		created, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
			GroupName:   aws.String(name),
			Description: aws.String("bigkmeans process groups; created by kmsetup setup-ec2"),
			VpcId:       vpc.VpcId,
		})
		if err != nil {
			return "", fmt.Errorf("create security group %s: %v", name, err)
		}
		id = aws.StringValue(created.GroupId)
		log.Printf("created security group %s", id)
		_, err = svc.CreateTags(&ec2.CreateTagsInput{
			Resources: []*string{aws.String(id)},
			Tags: []*ec2.Tag{
				{Key: aws.String("bigkmeans-sg"), Value: aws.String("true")},
				{Key: aws.String("Name"), Value: aws.String(name)},
			},
		})
		if err != nil {
			log.Printf("tag security group %s: %v", id, err)
		}
	}
	missing := missingRules(perms, requiredRules(aws.StringValue(vpc.CidrBlock), driverCIDR))
	if len(missing) == 0 {
		log.Printf("security group %s admits all process group traffic", id)
		return id, nil
	}
	authorize := &ec2.AuthorizeSecurityGroupIngressInput{GroupId: aws.String(id)}
	for _, r := range missing {
		log.Printf("security group %s: authorizing %s", id, r)
		authorize.IpPermissions = append(authorize.IpPermissions, r.permission())
	}
	if _, err := svc.AuthorizeSecurityGroupIngress(authorize); err != nil {
		return "", fmt.Errorf("authorize ingress for security group %s: %v", id, err)
	}
	return id, nil
}

func defaultVPC(svc ec2iface.EC2API) (*ec2.Vpc, error) {
	resp, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve default VPC: %v", err)
	}
	switch len(resp.Vpcs) {
	case 0:
		return nil, errors.New(
			"AWS account does not have a default VPC and requires manual setup.\n" +
				"See https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc")
	case 1:
		return resp.Vpcs[0], nil
	default:
		return nil, errors.New("AWS account has multiple default VPCs; needs manual setup")
	}
}

func showCmd(args []string) {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: kmsetup show")
		os.Exit(2)
	}
	profile := config.New()
	f, err := os.Open(kmconfig.Path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else if !os.IsNotExist(err) {
		log.Fatal(err)
	}
	must.Nil(profile.PrintTo(os.Stdout))
}
