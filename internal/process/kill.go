package process

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/loykin/stackbox/internal/detector"
)

const killEnumerateTimeout = 5 * time.Second

// KillByPattern signals every process matching pattern and returns how many
// were signalled. Processes that vanish between enumeration and signalling
// are not errors.
func KillByPattern(ctx context.Context, pattern string, full bool, sig syscall.Signal) (int, error) {
	pids, err := detector.FindPIDs(ctx, pattern, full)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, pid := range pids {
		if err := killProcess(int(pid), sig); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				continue
			}
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
