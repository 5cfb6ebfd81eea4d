//go:build linux

package ptrace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var procfs = os.DirFS("/proc")

// stopPending reports whether a SIGSTOP is queued for the task `tid`, either
// for the task itself or for its thread group.
func stopPending(tid int) (bool, error) {
	f, err := procfs.Open(fmt.Sprintf("%d/status", tid))
	if err != nil {
		return false, err
	}
	defer f.Close()

	return pendingStop(f)
}

// pendingStop scans a /proc status file for SIGSTOP in the SigPnd and
// ShdPnd masks.
func pendingStop(r io.Reader) (bool, error) {
	bit := uint64(1) << (uint(unix.SIGSTOP) - 1)

	scan := bufio.NewScanner(r)
	for scan.Scan() {
		name, value, ok := strings.Cut(scan.Text(), ":")
		if !ok || (name != "SigPnd" && name != "ShdPnd") {
			continue
		}
		mask, err := strconv.ParseUint(strings.TrimSpace(value), 16, 64)
		if err != nil {
			return false, fmt.Errorf("parsing %s: %w", name, err)
		}
		if mask&bit != 0 {
			return true, nil
		}
	}
	return false, scan.Err()
}
