package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Class partitions errors into retryable and non-retryable.
type Class int

const (
	// Transient errors are retried with exponential backoff.
	Transient Class = iota
	// Permanent errors are surfaced immediately.
	Permanent
)

// Classifier decides whether an error is worth retrying.
type Classifier func(error) Class

// ExhaustedError wraps the final error after all transient retries failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy retries transient failures with bounded exponential backoff.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Classify     Classifier

	// OnExhausted is invoked once per exhausted retry sequence, before the
	// ExhaustedError is returned.
	OnExhausted func(op string, attempts int, err error)

	logger *zap.Logger
}

// New returns a Policy with the default classifier.
func New(maxAttempts int, initial, max time.Duration, logger *zap.Logger) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Classify:     DefaultClassifier,
		logger:       logger,
	}
}

// Do runs fn, retrying transient failures up to MaxAttempts total attempts.
// Permanent failures are returned as-is on the first occurrence. When all
// attempts fail the returned error is an *ExhaustedError.
func (p *Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall time

	attempts := 0
	wrapped := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if classify(err) == Permanent {
			return backoff.Permanent(err)
		}
		p.logger.Debug("transient failure, will retry",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Error(err))
		return err
	}

	err := backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx))
	if err == nil {
		return nil
	}
	if classify(err) == Permanent {
		return err
	}

	if p.OnExhausted != nil {
		p.OnExhausted(op, attempts, err)
	}
	p.logger.Warn("retries exhausted",
		zap.String("op", op),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return &ExhaustedError{Op: op, Attempts: attempts, Err: err}
}

// DefaultClassifier treats timeouts, connection errors, and gRPC
// unavailability as transient; everything else is permanent. Context
// cancellation is permanent: the caller gave up.
func DefaultClassifier(err error) Class {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return Transient
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") {
		return Transient
	}
	return Permanent
}

// AlwaysTransient classifies every error as transient. Useful for adapters
// whose errors are known to be connectivity-related.
func AlwaysTransient(error) Class { return Transient }
