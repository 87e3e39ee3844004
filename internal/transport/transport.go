// Package transport holds the mail transports the queue processor sends
// through, and the error classification that decides retry versus terminal
// failure.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/campaign-delivery/internal/domain"
)

// Sender delivers one fully-formed message. A nil error means the transport
// accepted the message; failures are *DeliveryError values.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// ErrorKind separates failures of the transport itself from failures of a
// single message.
type ErrorKind string

const (
	// KindTransport means the transport is unreachable or rejects our
	// credentials. Every queued message would fail the same way.
	KindTransport ErrorKind = "transport"
	// KindMessage means this message was rejected (bad address, size, throttling).
	KindMessage ErrorKind = "message"
)

// DeliveryError is a classified send failure.
type DeliveryError struct {
	Kind    ErrorKind `json:"kind"`
	Code    int       `json:"code,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error %d: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// TransportError wraps err as a transport-level failure.
func TransportError(err error) *DeliveryError {
	return &DeliveryError{Kind: KindTransport, Message: err.Error(), Err: err}
}

// MessageError wraps err as a per-message failure.
func MessageError(err error) *DeliveryError {
	return &DeliveryError{Kind: KindMessage, Message: err.Error(), Err: err}
}

// KindOf classifies err. Unclassified errors count as per-message failures,
// so an unknown error is retried rather than failing the whole queue.
func KindOf(err error) ErrorKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindMessage
}

// IsTransportFailure reports whether err means the transport itself is down.
func IsTransportFailure(err error) bool {
	return err != nil && KindOf(err) == KindTransport
}
