package maxrss

// Result is what a Monitor measured for one traced tree. All sizes are in
// bytes.
type Result struct {
	// MaxRSS is the largest total resident size of the tree seen at any
	// lifecycle event.
	MaxRSS uint64

	// PeakOrdinal is the ordinal of the sample that produced MaxRSS.
	PeakOrdinal uint64

	// Samples is the number of tree-wide samples taken, one per event.
	Samples uint64

	// Misses counts reads of a single process's memory that failed
	// because it was already gone.
	Misses uint64

	// TotalPids is the number of processes and threads ever traced.
	TotalPids int

	Root int

	// ExitCode is the root's exit status, or 128 plus the signal number
	// if it was killed. It is -1 if the root was not seen to finish.
	ExitCode int

	// RusageMaxRSS is the kernel's own ru_maxrss for the root, as reported
	// when it was reaped, for comparison with MaxRSS.
	RusageMaxRSS uint64

	// Processes lists every traced pid in the order it appeared.
	Processes []ProcessReport
}

// ProcessReport describes one traced process or thread.
type ProcessReport struct {
	Pid       int
	ParentPid int

	// SharedWith is the pid whose address space this one used, if any.
	// Shared memory is only counted once, under one of its users.
	SharedWith int

	// PeakRSS is the largest resident size sampled for this pid.
	PeakRSS uint64

	// RSSAtPeak is what this pid contributed to MaxRSS.
	RSSAtPeak uint64

	Children []int
}
