package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/github/go-maxrss/maxrss"
)

type report struct {
	MaxRSS       uint64 `json:"max_rss"`
	TotalPids    int    `json:"total_pids"`
	Samples      uint64 `json:"samples"`
	Misses       uint64 `json:"misses"`
	PeakEvent    uint64 `json:"peak_event"`
	ExitCode     int    `json:"exit_code"`
	RusageMaxRSS uint64 `json:"rusage_max_rss"`
	Graph        *node  `json:"graph"`
}

// node is one process of the report's graph. RSS is what the process
// contributed to the peak.
type node struct {
	ID         int     `json:"id"`
	RSS        uint64  `json:"rss"`
	PeakRSS    uint64  `json:"peak_rss"`
	SharedWith int     `json:"shared_with,omitempty"`
	Children   []*node `json:"children"`
}

func newReport(res *maxrss.Result) *report {
	return &report{
		MaxRSS:       res.MaxRSS,
		TotalPids:    res.TotalPids,
		Samples:      res.Samples,
		Misses:       res.Misses,
		PeakEvent:    res.PeakOrdinal,
		ExitCode:     res.ExitCode,
		RusageMaxRSS: res.RusageMaxRSS,
		Graph:        graph(res),
	}
}

// graph arranges the traced processes under the root. Processes are listed
// in the order they appeared, so a child is hung under whichever process
// held its parent's pid when it was created, even if that pid was reused
// later on.
func graph(res *maxrss.Result) *node {
	var root *node
	latest := make(map[int]*node, len(res.Processes))

	for _, p := range res.Processes {
		n := &node{
			ID:         p.Pid,
			RSS:        p.RSSAtPeak,
			PeakRSS:    p.PeakRSS,
			SharedWith: p.SharedWith,
			Children:   []*node{},
		}
		switch parent, ok := latest[p.ParentPid]; {
		case root == nil && p.Pid == res.Root:
			root = n
		case ok:
			parent.Children = append(parent.Children, n)
		case root != nil:
			root.Children = append(root.Children, n)
		}
		latest[p.Pid] = n
	}
	return root
}

func writeReport(path string, r *report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, r *report) {
	fmt.Fprintf(w, "max rss: %s across %s %s (%s samples",
		humanize.IBytes(r.MaxRSS),
		humanize.Comma(int64(r.TotalPids)), plural(r.TotalPids, "pid", "pids"),
		humanize.Comma(int64(r.Samples)),
	)
	if r.Misses > 0 {
		fmt.Fprintf(w, ", %s missed", humanize.Comma(int64(r.Misses)))
	}
	fmt.Fprint(w, ")")
	if r.RusageMaxRSS > 0 {
		fmt.Fprintf(w, ", root alone peaked at %s", humanize.IBytes(r.RusageMaxRSS))
	}
	fmt.Fprintln(w)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
