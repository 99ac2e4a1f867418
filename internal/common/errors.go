package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransientStore marks a HotStore/network blip or a failed collaborator call.
	// Callers retry or fall back.
	ErrTransientStore = errors.New("transient store error")

	// ErrIntegrityViolation is fatal for the current request: a broken invariant such as
	// a duplicate sequence.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrMigrationConflict means another migration for the same anonymous identity is in
	// flight. Retry after backoff.
	ErrMigrationConflict = errors.New("migration conflict")

	ErrNotFound = errors.New("not found")
)

// QuotaError is returned when an identity has exhausted its period quota.
type QuotaError struct {
	Identity string
	Tier     string
	Limit    int64
	Used     int64
	Period   string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d requests in period %s (tier %s)",
		e.Identity, e.Used, e.Limit, e.Period, e.Tier)
}

func (e *QuotaError) Remaining() int64 {
	if e.Used >= e.Limit {
		return 0
	}
	return e.Limit - e.Used
}

func IsQuotaExceeded(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}

func Integrity(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrityViolation, fmt.Sprintf(format, args...))
}

// Backoff returns the delay before retry attempt n (0-based), doubling from base.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return base << attempt
}
