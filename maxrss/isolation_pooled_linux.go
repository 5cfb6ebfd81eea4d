//go:build linux

package maxrss

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sync"

	"github.com/containerd/cgroups/v3/cgroup2"
)

var mountpoint = "/sys/fs/cgroup"

// CgroupPool holds the cgroup v2 groups that traced commands are confined
// to, by name below one parent group. A group outlives the commands it
// confines, so successive runs with the same name share it.
type CgroupPool struct {
	parent string

	mu     sync.Mutex
	groups map[string]*cgroup2.Manager
}

// NewCgroupPool returns an empty pool of groups below `parent`, a path
// relative to the cgroup2 mountpoint such as "/maxrss".
func NewCgroupPool(parent string) *CgroupPool {
	return &CgroupPool{
		parent: parent,
		groups: make(map[string]*cgroup2.Manager),
	}
}

func (p *CgroupPool) path(name string) string {
	return path.Join(p.parent, name)
}

// Acquire returns the group `name` with `resources` applied, creating it if
// the pool does not hold it yet.
func (p *CgroupPool) Acquire(name string, resources *cgroup2.Resources) (*cgroup2.Manager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.groups[name]; ok {
		if err := m.Update(resources); err != nil {
			return nil, fmt.Errorf("updating cgroup %s: %w", p.path(name), err)
		}
		return m, nil
	}

	m, err := cgroup2.NewManager(mountpoint, p.path(name), resources)
	if err != nil {
		return nil, fmt.Errorf("creating cgroup %s: %w", p.path(name), err)
	}
	p.groups[name] = m
	return m, nil
}

// Release deletes the group `name`. Groups the pool does not hold are left
// alone.
func (p *CgroupPool) Release(name string) error {
	p.mu.Lock()
	m, ok := p.groups[name]
	delete(p.groups, name)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return m.Delete()
}

// Scan lists the groups present below the pool's parent, as names relative
// to it, nested groups included.
func (p *CgroupPool) Scan() ([]string, error) {
	root := filepath.Join(mountpoint, p.parent)

	var names []string
	err := filepath.WalkDir(root, func(dir string, d fs.DirEntry, err error) error {
		switch {
		case errors.Is(err, fs.ErrNotExist) && dir == root:
			return fs.SkipDir
		case err != nil:
			return err
		case !d.IsDir() || dir == root:
			return nil
		}
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	return names, err
}

// Adopt adds the groups left behind by earlier runs to the pool, so that
// they are reused instead of being created again.
func (p *CgroupPool) Adopt() error {
	names, err := p.Scan()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, name := range names {
		if _, ok := p.groups[name]; ok {
			continue
		}
		m, err := cgroup2.Load(p.path(name), cgroup2.WithMountpoint(mountpoint))
		if err != nil {
			continue
		}
		p.groups[name] = m
	}
	return nil
}

// CachedCgroupsV2Isolation confines every command it sets up to the same
// group of a CgroupPool. The group outlives the commands.
type CachedCgroupsV2Isolation struct {
	limits CgroupLimits
	name   string
	pool   *CgroupPool
}

func NewCachedCgroupsV2IsolationPolicy(limits CgroupLimits, name string, pool *CgroupPool) (*CachedCgroupsV2Isolation, error) {
	if err := limits.validate(); err != nil {
		return nil, err
	}

	return &CachedCgroupsV2Isolation{
		limits: limits,
		name:   name,
		pool:   pool,
	}, nil
}

func (c *CachedCgroupsV2Isolation) Setup(ctx context.Context, pid int) error {
	group, err := c.pool.Acquire(c.name, c.limits.v2Resources())
	if err != nil {
		return err
	}
	if err := group.AddProc(uint64(pid)); err != nil {
		return fmt.Errorf("moving process %d to cgroup %s: %w", pid, c.name, err)
	}
	return nil
}

func (c *CachedCgroupsV2Isolation) Teardown(ctx context.Context) error {
	// Processes leave a cgroup2 group by exiting. The group stays for the
	// next command.
	return nil
}

// Remove deletes the shared cgroup. It fails while any process is still in
// it.
func (c *CachedCgroupsV2Isolation) Remove() error {
	return c.pool.Release(c.name)
}

func (l CgroupLimits) v2Resources() *cgroup2.Resources {
	r := &cgroup2.Resources{}
	if l.Memory > 0 {
		limit := l.Memory
		r.Memory = &cgroup2.Memory{Max: &limit}
	}

	var cpu cgroup2.CPU
	if l.CPUWeight > 0 {
		weight := l.CPUWeight
		cpu.Weight = &weight
	}
	if l.CPUQuota > 0 {
		quota, period := l.CPUQuota, l.period()
		cpu.Max = cgroup2.NewCPUMax(&quota, &period)
	}
	if cpu.Weight != nil || cpu.Max != "" {
		r.CPU = &cpu
	}
	return r
}
