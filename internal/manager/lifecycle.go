package manager

import (
	"sync/atomic"

	"github.com/loykin/stackbox/internal/metrics"
)

// State is the controller's application lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateTerminating
)

var stateNames = []string{"running", "draining", "terminating"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Lifecycle moves Running -> Draining -> Terminating and never back.
type Lifecycle struct {
	state atomic.Int32
}

func (l *Lifecycle) State() State { return State(l.state.Load()) }

// Accepting reports whether user operations may start.
func (l *Lifecycle) Accepting() bool { return l.State() == StateRunning }

// Advance moves from one state to the next. Only the caller that wins the
// transition gets true, so a drain is entered exactly once.
func (l *Lifecycle) Advance(from State) bool {
	if from >= StateTerminating {
		return false
	}
	if !l.state.CompareAndSwap(int32(from), int32(from+1)) {
		return false
	}
	metrics.SetLifecycleState((from + 1).String(), stateNames)
	return true
}
