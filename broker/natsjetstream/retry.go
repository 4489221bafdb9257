package natsjetstream

import (
	"context"

	"partnersaga/broker"
	"partnersaga/patterns/retry"
)

func withPublishRetry(ctx context.Context, topic string, op func(ctx context.Context) error) error {
	cfg := broker.PublishRetryConfig()
	attempts := 0
	err := retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		return op(ctx)
	}, cfg)
	if err != nil {
		return &broker.UnavailableError{Topic: topic, Attempts: attempts, Cause: err}
	}
	return nil
}
