package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerSink wraps a Sink with a circuit breaker so a dead notification
// endpoint doesn't burn every poll cycle on timeouts. An open breaker reports
// transient, which keeps affected reminders on the normal retry path.
type BreakerSink struct {
	inner   Sink
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerSink(inner Sink, name string) *BreakerSink {
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			// Permanent outcomes are the sink answering, not the sink down.
			return err == nil || errors.Is(err, ErrPermanent)
		},
	})
	return &BreakerSink{inner: inner, breaker: cb}
}

func (s *BreakerSink) Deliver(ctx context.Context, n Notification) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.inner.Deliver(ctx, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}
