// Package delivery defines the contract between the dispatch engine and an
// external push provider, and the classification of provider failures.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jwalitptl/notification-engine/internal/model"
)

// Message is the payload handed to the provider for every recipient.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Client sends one message to one recipient. A nil error is a successful
// delivery. Errors for which IsPermanent reports true are never retried;
// every other error is treated as transient.
type Client interface {
	Send(ctx context.Context, recipient model.ResolvedRecipient, msg Message) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, recipient model.ResolvedRecipient, msg Message) error

func (f ClientFunc) Send(ctx context.Context, recipient model.ResolvedRecipient, msg Message) error {
	return f(ctx, recipient, msg)
}

// FailureError is a classified provider failure.
type FailureError struct {
	Permanent bool
	Reason    string
	Err       error
}

func (e *FailureError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s delivery failure: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %s", kind, e.Reason)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// Permanent marks a failure that must not be retried, such as an
// unregistered device token.
func Permanent(reason string) error {
	return &FailureError{Permanent: true, Reason: reason}
}

// Transient marks a failure worth retrying.
func Transient(reason string, err error) error {
	return &FailureError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var fe *FailureError
	return errors.As(err, &fe) && fe.Permanent
}

// Reason extracts the provider reason for storing in delivery details.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return err.Error()
}
