package kernel

import (
	"context"
	"time"
)

// TimerWheel schedules per-flow timeouts at coarse (>= 10ms)
// resolution, so rather than a true hashed-wheel structure this wraps
// time.AfterFunc, which the Go runtime itself implements as a
// four-level timing wheel internally — reimplementing one in user
// space on top of it would just add a second layer of the same data
// structure.
type TimerWheel struct{}

func NewTimerWheel() *TimerWheel { return &TimerWheel{} }

// WithTimeout races ctx against a timer of the given duration,
// returning a derived context that is cancelled (with
// context.DeadlineExceeded as its Cause) whichever comes first, plus a
// cancel func the caller must invoke to release the timer promptly.
// On timer win, cancellation is issued and the losing branch must
// observe it before resources are released; this is enforced by the
// returned context's own Done channel — any operation selecting on it
// observes the timeout.
func (w *TimerWheel) WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// AfterFunc schedules fn to run after d unless ctx is done first — the
// timer is implicitly cancelled on flow teardown.
func (w *TimerWheel) AfterFunc(ctx context.Context, d time.Duration, fn func()) {
	t := time.AfterFunc(d, fn)
	go func() {
		<-ctx.Done()
		t.Stop()
	}()
}
