// Package push implements delivery.Client against an HTTP JSON push
// provider. Provider responses are mapped onto permanent and transient
// failures here, at the boundary.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jwalitptl/notification-engine/internal/delivery"
	"github.com/jwalitptl/notification-engine/internal/model"
	"github.com/jwalitptl/notification-engine/pkg/circuitbreaker"
)

// Provider error codes that identify a dead destination.
const (
	codeUnregistered    = "UNREGISTERED"
	codeInvalidArgument = "INVALID_ARGUMENT"
	codeSenderMismatch  = "SENDER_ID_MISMATCH"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	BreakerFailures int
	BreakerTimeout  time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cb      *circuitbreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "push-provider",
			MaxFailures: cfg.BreakerFailures,
			Timeout:     cfg.BreakerTimeout,
			// a rejected token says nothing about provider health
			IsFailure: func(err error) bool { return !delivery.IsPermanent(err) },
		}),
	}
}

type sendRequest struct {
	Token        string            `json:"token,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Notification notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Send(ctx context.Context, recipient model.ResolvedRecipient, msg delivery.Message) error {
	payload := sendRequest{
		Notification: notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}
	switch recipient.Channel {
	case model.ChannelTopic:
		payload.Topic = recipient.Address
	default:
		payload.Token = recipient.Address
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return delivery.Permanent(fmt.Sprintf("invalid payload: %v", err))
	}

	err = c.cb.Execute(func() error {
		return c.do(ctx, body)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return delivery.Transient("provider circuit open", err)
	}
	return err
}

func (c *Client) do(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return delivery.Permanent(fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return delivery.Transient("provider unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classify(resp.StatusCode, respBody)
}

func classify(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)

	reason := er.Error.Code
	if reason == "" {
		reason = http.StatusText(status)
	}
	if er.Error.Message != "" {
		reason = reason + ": " + er.Error.Message
	}

	switch er.Error.Code {
	case codeUnregistered, codeInvalidArgument, codeSenderMismatch:
		return delivery.Permanent(reason)
	}

	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return delivery.Transient(reason, fmt.Errorf("provider returned %d", status))
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusGone,
		status == http.StatusUnauthorized, status == http.StatusForbidden:
		return delivery.Permanent(reason)
	default:
		return delivery.Transient(reason, fmt.Errorf("provider returned %d", status))
	}
}
