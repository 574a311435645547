package detector

import (
	"context"
	"fmt"
	"os"
	"regexp"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PatternDetector scans the OS process table the way pgrep does: Pattern is a
// regular expression matched against the process name, or against the full
// command line when Full is set (pgrep -f).
type PatternDetector struct {
	Pattern string
	Full    bool
}

func (d PatternDetector) Alive(ctx context.Context) (bool, error) {
	pids, err := FindPIDs(ctx, d.Pattern, d.Full)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

func (d PatternDetector) Describe() string {
	if d.Full {
		return "pgrep -f:" + d.Pattern
	}
	return "pgrep:" + d.Pattern
}

// FindPIDs returns the PIDs of all processes matching pattern, excluding the
// calling process itself.
func FindPIDs(ctx context.Context, pattern string, full bool) ([]int32, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty process pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid process pattern %q: %w", pattern, err)
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	var out []int32
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		var subject string
		if full {
			subject, err = p.CmdlineWithContext(ctx)
		} else {
			subject, err = p.NameWithContext(ctx)
		}
		// processes can exit between listing and inspection
		if err != nil || subject == "" {
			continue
		}
		if re.MatchString(subject) {
			out = append(out, p.Pid)
		}
	}
	return out, nil
}
