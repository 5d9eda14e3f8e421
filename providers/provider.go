package providers

import (
	"context"
	"errors"
	"fmt"
)

// EmailProvider sends one email. Implementations classify failures through
// DeliveryError so the delivery worker knows whether a retry can succeed.
type EmailProvider interface {
	SendEmail(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// DeliveryError wraps a send failure with its retry classification.
// Transient failures (timeouts, 5xx) are worth retrying; permanent ones
// (malformed recipient, rejected payload) never succeed on retry.
type DeliveryError struct {
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent delivery failure: %v", e.Err)
	}
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func Transient(err error) *DeliveryError {
	return &DeliveryError{Err: err}
}

func Permanent(err error) *DeliveryError {
	return &DeliveryError{Permanent: true, Err: err}
}

// IsPermanent reports whether err will never succeed on retry. Unclassified
// errors are treated as transient so nothing is dropped prematurely.
func IsPermanent(err error) bool {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Permanent
	}
	return false
}
