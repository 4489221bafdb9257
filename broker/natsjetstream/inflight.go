package natsjetstream

import "context"

// inflightLimiter bounds concurrent publishes so a stalled broker applies
// backpressure to the coordinator instead of the adapter buffering
// unboundedly (§4.2/§5).
type inflightLimiter struct {
	slots chan struct{}
}

func newInflightLimiter(max int) *inflightLimiter {
	if max <= 0 {
		max = 256
	}
	return &inflightLimiter{slots: make(chan struct{}, max)}
}

func (l *inflightLimiter) acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *inflightLimiter) release() {
	select {
	case <-l.slots:
	default:
	}
}
