// Package resolver expands an audience descriptor into concrete delivery
// destinations.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/jwalitptl/notification-engine/internal/model"
	"github.com/jwalitptl/notification-engine/internal/repository"
)

type ErrorKind string

const (
	// InvalidTarget means the audience names a brand or user that does not exist.
	InvalidTarget ErrorKind = "invalid_target"
	// AudienceEmpty means the audience is valid but has no deliverable addresses.
	AudienceEmpty ErrorKind = "audience_empty"
	// CollaboratorUnavailable means the audience store failed and a retry may succeed.
	CollaboratorUnavailable ErrorKind = "collaborator_unavailable"
)

type ResolutionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// KindOf returns the resolution error kind carried by err, or "" if none.
func KindOf(err error) ErrorKind {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

type Resolver struct {
	audience repository.AudienceRepository
}

func NewResolver(audience repository.AudienceRepository) *Resolver {
	return &Resolver{audience: audience}
}

// Resolve returns the recipients for a, deduplicated by address in
// first-seen order. It never returns an empty slice with a nil error.
func (r *Resolver) Resolve(ctx context.Context, a model.Audience) ([]model.ResolvedRecipient, error) {
	if err := model.ValidateAudience(a); err != nil {
		return nil, &ResolutionError{Kind: InvalidTarget, Err: err}
	}

	var (
		addresses []string
		err       error
	)
	switch v := a.(type) {
	case model.Topic:
		return []model.ResolvedRecipient{{Address: v.Name, Channel: model.ChannelTopic}}, nil
	case model.AllUsers:
		addresses, err = r.audience.ListAllActiveAddresses(ctx)
	case model.BrandSubscribers:
		addresses, err = r.audience.ListSubscriberAddresses(ctx, v.BrandID)
	case model.SpecificUser:
		addresses, err = r.audience.ListUserAddresses(ctx, v.UserID)
	default:
		return nil, &ResolutionError{Kind: InvalidTarget, Err: fmt.Errorf("unsupported audience kind %q", a.Kind())}
	}
	if err != nil {
		return nil, classify(a, err)
	}

	recipients := dedupe(addresses)
	if len(recipients) == 0 {
		return nil, &ResolutionError{Kind: AudienceEmpty, Err: fmt.Errorf("%s resolved to no addresses", a.Kind())}
	}
	return recipients, nil
}

func classify(a model.Audience, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		switch v := a.(type) {
		case model.BrandSubscribers:
			return &ResolutionError{Kind: InvalidTarget, Err: fmt.Errorf("brand %q: %w", v.BrandID, err)}
		case model.SpecificUser:
			return &ResolutionError{Kind: InvalidTarget, Err: fmt.Errorf("user %q: %w", v.UserID, err)}
		}
		return &ResolutionError{Kind: InvalidTarget, Err: err}
	}
	return &ResolutionError{Kind: CollaboratorUnavailable, Err: err}
}

func dedupe(addresses []string) []model.ResolvedRecipient {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]model.ResolvedRecipient, 0, len(addresses))
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, model.ResolvedRecipient{Address: addr, Channel: model.ChannelToken})
	}
	return out
}
