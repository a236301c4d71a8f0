package types

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed sample at ingress
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown user, sample, event or geofence
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// TransientStoreError wraps store I/O failures that are retried through the claim lease
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// ConcurrencyConflict is returned when compare-and-set kept losing for a pair
type ConcurrencyConflict struct {
	UserID       string
	GeofenceCode string
	Attempts     int
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("membership conflict for user %s geofence %s after %d attempts",
		e.UserID, e.GeofenceCode, e.Attempts)
}

// DeliveryError is one recipient channel failing to deliver a notification
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientStoreError unless it is nil or already classified
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		transient *TransientStoreError
		notFound  *NotFoundError
		invalid   *ValidationError
		conflict  *ConcurrencyConflict
	)
	if errors.As(err, &transient) || errors.As(err, &notFound) ||
		errors.As(err, &invalid) || errors.As(err, &conflict) {
		return err
	}
	return &TransientStoreError{Op: op, Err: err}
}
