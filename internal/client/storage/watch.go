package storage

import (
	"context"
	"time"
)

// EnrollmentSource reports the device's biometric enrollment generation.
type EnrollmentSource interface {
	Enrollment(ctx context.Context) (string, error)
}

// StartEnrollmentWatch polls src every interval until ctx ends and calls
// onChange when the generation moves. Keys bound to biometrics stop
// working after such a change, so the client can warn before a decrypt
// fails. Poll errors are passed to onError and do not reset the baseline.
func StartEnrollmentWatch(ctx context.Context, src EnrollmentSource, interval time.Duration, onChange func(prev, next string), onError func(error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev, err := src.Enrollment(ctx)
		if err != nil && onError != nil {
			onError(err)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			next, err := src.Enrollment(ctx)
			if err != nil {
				if onError != nil && ctx.Err() == nil {
					onError(err)
				}
				continue
			}
			if prev != "" && next != prev {
				onChange(prev, next)
			}
			prev = next
		}
	}()
}
