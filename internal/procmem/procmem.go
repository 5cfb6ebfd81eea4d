//go:build linux

// Package procmem reads the resident memory of live processes from /proc.
package procmem

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	// ErrSampleMiss is returned when the resident memory of a process could
	// not be read, usually because it exited between an event and the read.
	ErrSampleMiss = errors.New("rss sample missed")

	errNoRss = errors.New("Rss was not found")
	procfs   = os.DirFS("/proc")
	rssRE    = regexp.MustCompile(`^Rss:\s*(\d+)\s+kB($|\s)`)
)

// Sampler returns the current resident set size of a process. The zero value
// is ready to use and holds no state between calls.
type Sampler struct{}

// Sample returns the RSS of `pid` in bytes. The smaps_rollup view is used
// when the kernel provides it, otherwise statm. Any failure is reported as
// ErrSampleMiss.
func (Sampler) Sample(pid int) (uint64, error) {
	rss, err := RollupRSS(pid)
	switch {
	case err == nil:
		return rss, nil
	case errors.Is(err, errNoRss):
		// The file is there but the address space is already gone.
		return 0, fmt.Errorf("%w: pid %d: %v", ErrSampleMiss, pid, err)
	}

	rss, statmErr := StatmRSS(pid)
	if statmErr != nil {
		return 0, fmt.Errorf("%w: pid %d: %v", ErrSampleMiss, pid, errors.Join(err, statmErr))
	}
	return rss, nil
}

// RollupRSS returns the `Rss:` figure of /proc/<pid>/smaps_rollup.
func RollupRSS(pid int) (uint64, error) {
	f, err := procfs.Open(fmt.Sprintf("%d/smaps_rollup", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	for scan.Scan() {
		if rss, ok := ParseRSS(scan.Text()); ok {
			return rss, nil
		}
	}
	if scan.Err() != nil {
		return 0, scan.Err()
	}
	return 0, errNoRss
}

// StatmRSS returns the coarser resident figure derived from /proc/<pid>/statm.
func StatmRSS(pid int) (uint64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}

// Tgid returns the thread group id of `pid`, which equals `pid` for
// processes and differs for the non-leader threads of a process.
func Tgid(pid int) (int, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	tgid, err := p.Tgid()
	if err != nil {
		return 0, err
	}
	return int(tgid), nil
}

// ParseRSS parses an "Rss" line from /proc/*/smaps_rollup and returns the
// size. The entire line should be passed in, with or without the line ending.
// If the line looks like "Rss: 1234 kB", the byte size will be returned. If
// the line isn't parseable, (0, false) will be returned.
func ParseRSS(s string) (uint64, bool) {
	m := rssRE.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	kb, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return kb * 1024, true
}
