package table

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/gurre/fixit/apperr"
)

const (
	defaultMaxRetries = 5
	defaultRetryBase  = 100 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// isThrottlingError returns true if the error is a DynamoDB throughput
// throttling error or a transient service fault. Capacity refills over time,
// so these are recoverable by waiting.
func isThrottlingError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	var internalErr *types.InternalServerError
	return errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr) || errors.As(err, &internalErr)
}

// backoffWait sleeps for an exponentially increasing duration with jitter.
// Returns false if the context is cancelled during the wait.
func backoffWait(ctx context.Context, base time.Duration, attempt int) bool {
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay)))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// withRetry runs fn, retrying throttling errors up to the store's bound.
// Other errors are returned immediately.
func (s *Store) withRetry(ctx context.Context, fn func(context.Context) error) error {
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isThrottlingError(err) || attempt >= s.maxRetries {
			return err
		}
		if !backoffWait(ctx, s.retryBase, attempt) {
			return ctx.Err()
		}
		attempt++
	}
}

// mapError translates a DynamoDB error into the store's error kinds.
func mapError(err error) error {
	var notFound *types.ResourceNotFoundException
	var condFailed *types.ConditionalCheckFailedException
	switch {
	case err == nil:
		return nil
	case apperr.KindOf(err) != apperr.KindInternal:
		return err
	case errors.As(err, &notFound):
		return apperr.ErrInvalidTableName.Wrap(err)
	case errors.As(err, &condFailed):
		return apperr.ErrConditionFailed.Wrap(err)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == "ValidationException" {
		out := apperr.ErrInvalidKey.Wrap(err)
		out.Message = ae.ErrorMessage()
		return out
	}
	return apperr.ErrStoreUnavailable.Wrap(err)
}
