package manager

import "context"

// guard admits one lifecycle operation per service at a time.
type guard chan struct{}

func newGuard() guard { return make(guard, 1) }

// TryAcquire takes the guard without waiting.
func (g guard) TryAcquire() bool {
	select {
	case g <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire waits for the guard or ctx.
func (g guard) Acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g guard) Release() { <-g }
