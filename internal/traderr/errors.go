// Package traderr defines the error taxonomy shared across the trading
// services. Callers classify failures with errors.Is/errors.As; the concrete
// broker and store adapters are responsible for mapping vendor errors onto
// these types.
package traderr

import (
	"errors"
	"fmt"
)

// Lock service sentinel errors.
var (
	// ErrLockAcquisition means the symbol is already owned by another
	// worker. Non-retryable; pick another candidate.
	ErrLockAcquisition = errors.New("symbol lock already held")

	// ErrLockExpired means the caller's lock lapsed before the operation.
	// The holder has been preempted and must abandon the position safely.
	ErrLockExpired = errors.New("symbol lock expired")

	// ErrLockNotFound means no lock record exists for the caller.
	ErrLockNotFound = errors.New("symbol lock not found")
)

// ConfigError is a missing or invalid configuration value. Fatal at startup,
// never raised at runtime.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// AuthError is a broker authentication failure that survived the port's
// internal refresh-and-retry.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("broker auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// TransientBrokerError wraps timeouts, 5xx responses and rate-limit pushback
// after the port's retry budget is exhausted. Callers decide whether to skip
// a tick, leave an order PENDING, or back off.
type TransientBrokerError struct {
	Op  string
	Err error
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("broker %s: transient: %v", e.Op, e.Err)
}
func (e *TransientBrokerError) Unwrap() error { return e.Err }

// BrokerRejectError is an explicit, non-retryable rejection from the broker.
type BrokerRejectError struct {
	Code   string
	Reason string
}

func (e *BrokerRejectError) Error() string {
	return fmt.Sprintf("broker rejected: %s: %s", e.Code, e.Reason)
}

// StoreError wraps persistence failures. Retryable at the caller with
// bounded backoff; on persistent failure the worker enters EXITING.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// InvariantViolation is raised when incoming data would corrupt local state,
// for example a fill exceeding its order quantity. The local record is left
// untouched and an alert is emitted; these are never silently swallowed.
type InvariantViolation struct {
	Msg     string
	Context map[string]string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Msg)
}

// IsTransient reports whether the error is worth retrying with backoff.
func IsTransient(err error) bool {
	var tbe *TransientBrokerError
	if errors.As(err, &tbe) {
		return true
	}
	var se *StoreError
	return errors.As(err, &se)
}
