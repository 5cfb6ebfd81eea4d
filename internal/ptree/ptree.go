//go:build linux

// Package ptree keeps track of Linux process trees, both as the kernel
// currently sees them in /proc and as a tracer has observed them.
package ptree

import (
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
)

var procfs = os.DirFS("/proc")

// Walk the child processes of the specified root process. walkFn will be called
// for each child found, together with the pid of the process listing it as a
// child. It will not be called for the root process. Parents are always
// reported before their children. Any errors will be ignored, since they may
// be just a consequence of the process tree changing during traversal.
func WalkChildren(pid int, walkFn func(parent, child int)) {
	walkChildPids(pid, walkFn, map[int]bool{pid: true})
}

func walkChildPids(pid int, walkFn func(parent, child int), visited map[int]bool) {
	matches, err := fs.Glob(procfs, fmt.Sprintf("%d/task/*/children", pid))
	if err != nil {
		return
	}

	for _, filename := range matches {
		walkChildrenFile(pid, filename, walkFn, visited)
	}
}

func walkChildrenFile(parent int, filename string, walkFn func(parent, child int), visited map[int]bool) {
	data, err := fs.ReadFile(procfs, filename)
	if err != nil {
		return
	}

	for _, pidStr := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		if visited[pid] {
			continue
		}

		walkFn(parent, pid)
		visited[pid] = true
		walkChildPids(pid, walkFn, visited)
	}
}

// Tasks returns the thread ids of `pid`, including `pid` itself while the
// thread group leader is alive, in ascending order.
func Tasks(pid int) ([]int, error) {
	entries, err := fs.ReadDir(procfs, fmt.Sprintf("%d/task", pid))
	if err != nil {
		return nil, err
	}

	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}
