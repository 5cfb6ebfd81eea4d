package maxrss

import (
	"context"
	"fmt"
)

// IsolationPolicy confines a launched command. Setup is called with the
// command's pid while it is stopped before its first instruction, and
// Teardown once the traced tree has finished.
type IsolationPolicy interface {
	Setup(ctx context.Context, pid int) error
	Teardown(ctx context.Context) error
}

const defaultCPUPeriod = 100000

// CgroupLimits are the resources granted to a confined command. Zero values
// leave a resource unlimited.
type CgroupLimits struct {
	// Memory is the hard memory limit in bytes.
	Memory int64

	// CPUWeight is the relative CPU share, from 1 to 10000, as in
	// cgroup v2. It is converted to shares on cgroup v1.
	CPUWeight uint64

	// CPUQuota is the CPU time in microseconds the group may use per
	// CPUPeriod, which defaults to 100ms.
	CPUQuota  int64
	CPUPeriod uint64
}

func (l CgroupLimits) validate() error {
	if l.Memory < 0 || l.CPUQuota < 0 || l.CPUWeight > 10000 {
		return fmt.Errorf("invalid cgroup parameters: memory=%d, cpu_weight=%d, cpu_quota=%d", l.Memory, l.CPUWeight, l.CPUQuota)
	}
	return nil
}

func (l CgroupLimits) period() uint64 {
	if l.CPUPeriod == 0 {
		return defaultCPUPeriod
	}
	return l.CPUPeriod
}

// weightToShares maps a cgroup v2 CPU weight onto the cgroup v1 shares
// range, inverting the conversion the OCI runtimes apply.
func weightToShares(weight uint64) uint64 {
	if weight == 0 {
		return 0
	}
	return 2 + ((weight-1)*262142)/9999
}
