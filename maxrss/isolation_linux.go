//go:build linux

package maxrss

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"time"

	"github.com/containerd/cgroups"
	cgroupsv3 "github.com/containerd/cgroups/v3"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// NewCgroupIsolationPolicy confines commands to a cgroup named after `name`
// below `parent`, using whichever cgroup hierarchy the host has mounted.
func NewCgroupIsolationPolicy(name, parent string, limits CgroupLimits) (IsolationPolicy, error) {
	switch cgroupsv3.Mode() {
	case cgroupsv3.Unified:
		pool := NewCgroupPool(parent)
		if err := pool.Adopt(); err != nil {
			return nil, fmt.Errorf("loading cgroups below %s: %w", parent, err)
		}
		policy, err := NewCachedCgroupsV2IsolationPolicy(limits, name, pool)
		if err != nil {
			return nil, err
		}
		return policy, nil
	case cgroupsv3.Legacy, cgroupsv3.Hybrid:
		return NewCgroupsIsolationPolicy(limits, name, parent)
	default:
		return nil, errors.New("no cgroup hierarchy is mounted")
	}
}

func NewCgroupsIsolationPolicy(limits CgroupLimits, name string, parent string) (IsolationPolicy, error) {
	if err := limits.validate(); err != nil {
		return nil, err
	}
	return &CgroupsIsolation{
		limits: limits,
		name:   name,
		parent: parent,
	}, nil
}

// CgroupsIsolation puts each command into a fresh cgroup v1 group, deleted
// again on Teardown. It confines one command at a time.
type CgroupsIsolation struct {
	limits CgroupLimits
	name   string
	parent string

	cgroupControl cgroups.Cgroup
}

func (c *CgroupsIsolation) Setup(ctx context.Context, pid int) error {
	cgroupName := fmt.Sprintf("%s-%d-%d", c.name, time.Now().UnixNano(), rand.Intn(10000))
	control, err := cgroups.New(
		cgroups.V1,
		cgroups.StaticPath(path.Join(c.parent, cgroupName)),
		c.limits.v1Resources(),
	)
	if err != nil {
		return err
	}

	if err := control.Add(cgroups.Process{Pid: pid}); err != nil {
		_ = control.Delete()
		return fmt.Errorf("failed to add process %d to cgroup %s: %w", pid, cgroupName, err)
	}

	c.cgroupControl = control

	return nil
}

func (c *CgroupsIsolation) Teardown(ctx context.Context) error {
	if c.cgroupControl == nil {
		return fmt.Errorf("cgroup control is not initialized")
	}

	err := c.cgroupControl.Delete()
	c.cgroupControl = nil
	return err
}

func (l CgroupLimits) v1Resources() *specs.LinuxResources {
	r := &specs.LinuxResources{}
	if l.Memory > 0 {
		limit := l.Memory
		r.Memory = &specs.LinuxMemory{Limit: &limit}
	}

	var cpu specs.LinuxCPU
	if l.CPUWeight > 0 {
		shares := weightToShares(l.CPUWeight)
		cpu.Shares = &shares
	}
	if l.CPUQuota > 0 {
		quota, period := l.CPUQuota, l.period()
		cpu.Quota = &quota
		cpu.Period = &period
	}
	if cpu.Shares != nil || cpu.Quota != nil {
		r.CPU = &cpu
	}
	return r
}
