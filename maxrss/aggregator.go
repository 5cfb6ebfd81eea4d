package maxrss

// PeakSample is the total resident size of the traced tree at one lifecycle
// event.
type PeakSample struct {
	// Ordinal counts events from the start of the trace.
	Ordinal  uint64
	TotalRSS uint64
}

// aggregator keeps the running maximum of the samples observed. Earlier
// samples are discarded.
type aggregator struct {
	max     PeakSample
	samples uint64
}

// Observe records `s` and reports whether it is a new maximum. Ties keep
// the earlier sample.
func (a *aggregator) Observe(s PeakSample) bool {
	a.samples++
	if a.samples > 1 && s.TotalRSS <= a.max.TotalRSS {
		return false
	}
	a.max = s
	return true
}

// Max returns the largest total observed so far.
func (a *aggregator) Max() uint64 {
	return a.max.TotalRSS
}

// MaxSample returns the sample that produced Max.
func (a *aggregator) MaxSample() PeakSample {
	return a.max
}

// Samples returns how many samples have been observed.
func (a *aggregator) Samples() uint64 {
	return a.samples
}
