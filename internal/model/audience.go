package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type AudienceKind string

const (
	AudienceAllUsers         AudienceKind = "all_users"
	AudienceBrandSubscribers AudienceKind = "brand_subscribers"
	AudienceSpecificUser     AudienceKind = "specific_user"
	AudienceTopic            AudienceKind = "topic"
)

type ChannelHint string

const (
	ChannelToken ChannelHint = "token"
	ChannelTopic ChannelHint = "topic"
)

// ResolvedRecipient is a single deliverable destination.
type ResolvedRecipient struct {
	Address string      `json:"address"`
	Channel ChannelHint `json:"channel"`
}

// Audience is the closed set of target descriptors. Only the types in this
// file implement it.
type Audience interface {
	Kind() AudienceKind
	validate() error
}

type AllUsers struct{}

type BrandSubscribers struct {
	BrandID string `json:"brand_id"`
}

type SpecificUser struct {
	UserID string `json:"user_id"`
}

type Topic struct {
	Name string `json:"topic"`
}

func (AllUsers) Kind() AudienceKind         { return AudienceAllUsers }
func (BrandSubscribers) Kind() AudienceKind { return AudienceBrandSubscribers }
func (SpecificUser) Kind() AudienceKind     { return AudienceSpecificUser }
func (Topic) Kind() AudienceKind            { return AudienceTopic }

func (AllUsers) validate() error { return nil }

func (a BrandSubscribers) validate() error {
	if strings.TrimSpace(a.BrandID) == "" {
		return &ValidationError{Field: "target_data.brand_id", Message: "is required"}
	}
	return nil
}

func (a SpecificUser) validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return &ValidationError{Field: "target_data.user_id", Message: "is required"}
	}
	return nil
}

var topicPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.~%]{1,900}$`)

func (a Topic) validate() error {
	if !topicPattern.MatchString(a.Name) {
		return &ValidationError{Field: "target_data.topic", Message: "must match [a-zA-Z0-9-_.~%]{1,900}"}
	}
	return nil
}

// ValidateAudience checks the variant-specific target data.
func ValidateAudience(a Audience) error {
	if a == nil {
		return &ValidationError{Field: "audience_kind", Message: "is required"}
	}
	return a.validate()
}

// NewAudience builds the variant for kind from its loosely typed target data,
// as received over the wire.
func NewAudience(kind AudienceKind, target map[string]string) (Audience, error) {
	switch kind {
	case AudienceAllUsers:
		return AllUsers{}, nil
	case AudienceBrandSubscribers:
		return BrandSubscribers{BrandID: target["brand_id"]}, nil
	case AudienceSpecificUser:
		return SpecificUser{UserID: target["user_id"]}, nil
	case AudienceTopic:
		return Topic{Name: target["topic"]}, nil
	default:
		return nil, &ValidationError{Field: "audience_kind", Message: fmt.Sprintf("unknown kind %q", kind)}
	}
}

// TargetData flattens the variant back into its wire shape.
func TargetData(a Audience) map[string]string {
	switch v := a.(type) {
	case BrandSubscribers:
		return map[string]string{"brand_id": v.BrandID}
	case SpecificUser:
		return map[string]string{"user_id": v.UserID}
	case Topic:
		return map[string]string{"topic": v.Name}
	default:
		return map[string]string{}
	}
}

type audienceEnvelope struct {
	Kind   AudienceKind    `json:"kind"`
	Target json.RawMessage `json:"target,omitempty"`
}

// MarshalAudience encodes a variant as {"kind": ..., "target": {...}} for storage.
func MarshalAudience(a Audience) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("audience is nil")
	}
	target, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audience target: %w", err)
	}
	return json.Marshal(audienceEnvelope{Kind: a.Kind(), Target: target})
}

// UnmarshalAudience is the inverse of MarshalAudience.
func UnmarshalAudience(data []byte) (Audience, error) {
	var env audienceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audience: %w", err)
	}

	var (
		a   Audience
		err error
	)
	switch env.Kind {
	case AudienceAllUsers:
		a = AllUsers{}
	case AudienceBrandSubscribers:
		var v BrandSubscribers
		err = json.Unmarshal(env.Target, &v)
		a = v
	case AudienceSpecificUser:
		var v SpecificUser
		err = json.Unmarshal(env.Target, &v)
		a = v
	case AudienceTopic:
		var v Topic
		err = json.Unmarshal(env.Target, &v)
		a = v
	default:
		return nil, fmt.Errorf("unknown audience kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s target: %w", env.Kind, err)
	}
	return a, nil
}
