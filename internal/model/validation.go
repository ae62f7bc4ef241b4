package model

import (
	"errors"
	"strings"
	"time"

	"github.com/jwalitptl/notification-engine/pkg/validator"
)

// ValidationError rejects a request at submission; no record is created.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + " " + e.Message
}

// ValidationErrors collects every problem found in a single request.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, 0, len(es))
	for _, e := range es {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Details exposes the individual problems for error responses.
func (es ValidationErrors) Details() interface{} {
	return []*ValidationError(es)
}

// ValidateRequest checks a request against the acceptance rules at instant now.
func ValidateRequest(req *NotificationRequest, now time.Time) error {
	if req == nil {
		return ValidationErrors{{Message: "request is required"}}
	}

	var errs ValidationErrors
	for _, fe := range validator.Default().Validate(req) {
		errs = append(errs, &ValidationError{Field: fe.Field, Message: fe.Message})
	}

	if req.Title != "" && strings.TrimSpace(req.Title) == "" {
		errs = append(errs, &ValidationError{Field: "title", Message: "must not be blank"})
	}
	if req.Body != "" && strings.TrimSpace(req.Body) == "" {
		errs = append(errs, &ValidationError{Field: "body", Message: "must not be blank"})
	}

	if err := ValidateAudience(req.Audience); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			errs = append(errs, ve)
		} else {
			errs = append(errs, &ValidationError{Field: "target_data", Message: err.Error()})
		}
	}

	switch {
	case req.IsScheduled && req.ScheduledFor == nil:
		errs = append(errs, &ValidationError{Field: "scheduled_for", Message: "is required when is_scheduled is true"})
	case req.IsScheduled && !req.ScheduledFor.After(now):
		errs = append(errs, &ValidationError{Field: "scheduled_for", Message: "must be in the future"})
	case !req.IsScheduled && req.ScheduledFor != nil:
		errs = append(errs, &ValidationError{Field: "scheduled_for", Message: "must be empty when is_scheduled is false"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
