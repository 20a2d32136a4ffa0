// Package provider is the HTTP client for the remote video-generation service.
// It exposes the provider's small state vocabulary as a closed enum; mapping
// onto local job statuses happens in the reconciler, never here.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"reelforge/internal/models"
)

// State is the provider-side request state. The set is closed: anything else
// coming over the wire is rejected loudly instead of being silently defaulted.
type State string

const (
	StateInQueue    State = "IN_QUEUE"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Known reports whether s is part of the closed provider vocabulary.
func (s State) Known() bool {
	switch s {
	case StateInQueue, StateInProgress, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Phases of a clip generation, reported alongside IN_PROGRESS.
const (
	PhaseAudio = "audio"
	PhaseVideo = "video"
)

// GenerationRequest is a single clip or single-stage generation submission.
type GenerationRequest struct {
	Script          string `json:"script"`
	ActorID         string `json:"actor_id"`
	VoiceID         string `json:"voice_id,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// StitchRequest asks the provider to concatenate finished clips in order.
type StitchRequest struct {
	ClipURLs    []string `json:"clip_urls"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
}

// StatusResponse is the provider's answer to a status poll. Phase is only
// populated for clip generations ("audio" or "video"); QueuePosition only
// while the request sits in IN_QUEUE. AudioURL appears once a clip's audio
// phase has finished.
type StatusResponse struct {
	RequestID     string `json:"request_id"`
	Status        State  `json:"status"`
	Phase         string `json:"phase,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
	AudioURL      string `json:"audio_url,omitempty"`
	Error         string `json:"error,omitempty"`
}

// WebhookPayload is what the provider pushes to our webhook endpoint. It is
// the status shape plus the result inline, so a COMPLETED notification does
// not force a follow-up fetch.
type WebhookPayload struct {
	RequestID     string            `json:"request_id"`
	Status        State             `json:"status"`
	Phase         string            `json:"phase,omitempty"`
	QueuePosition int               `json:"queue_position,omitempty"`
	AudioURL      string            `json:"audio_url,omitempty"`
	Result        *models.JobResult `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Error is a failure talking to the provider. Transient transport conditions
// (timeouts, 429, 5xx) are retryable; everything else is terminal.
type Error struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider: %s (http %d)", e.Message, e.StatusCode)
	}
	return "provider: " + e.Message
}

// IsRetryable reports whether err is worth another attempt: provider 429/5xx,
// request timeouts, and transient network failures. Provider-reported FAILED
// states and 4xx rejections are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// Client talks to the remote generation provider.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	timeout time.Duration
}

// NewClient builds a provider client. timeout bounds every individual call;
// it is applied on top of whatever deadline the caller's context carries.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{},
		timeout: timeout,
	}
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

// Submit sends a generation request and returns the provider's opaque handle.
// The call returns as soon as the provider accepts the work; it never waits
// for generation itself.
func (c *Client) Submit(ctx context.Context, req GenerationRequest) (string, error) {
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/generations", req, &resp); err != nil {
		return "", err
	}
	if resp.RequestID == "" {
		return "", &Error{Message: "submit accepted but no request_id returned"}
	}
	return resp.RequestID, nil
}

// SubmitStitch sends a stitch request for an ordered list of finished clips.
func (c *Client) SubmitStitch(ctx context.Context, req StitchRequest) (string, error) {
	if len(req.ClipURLs) == 0 {
		return "", &Error{Message: "stitch requires at least one clip URL"}
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/stitches", req, &resp); err != nil {
		return "", err
	}
	if resp.RequestID == "" {
		return "", &Error{Message: "stitch accepted but no request_id returned"}
	}
	return resp.RequestID, nil
}

// PollStatus asks the provider for the current state of a handle.
func (c *Client) PollStatus(ctx context.Context, handle string) (StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/requests/"+handle+"/status", nil, &resp); err != nil {
		return StatusResponse{}, err
	}
	if !resp.Status.Known() {
		return StatusResponse{}, &Error{Message: fmt.Sprintf("unknown provider state %q for handle %s", resp.Status, handle)}
	}
	return resp, nil
}

type resultEnvelope struct {
	Video models.JobResult `json:"video"`
}

// FetchResult retrieves the final payload for a handle the provider reported
// as COMPLETED.
func (c *Client) FetchResult(ctx context.Context, handle string) (*models.JobResult, error) {
	var env resultEnvelope
	if err := c.do(ctx, http.MethodGet, "/v1/requests/"+handle+"/result", nil, &env); err != nil {
		return nil, err
	}
	if env.Video.VideoURL == "" {
		return nil, &Error{Message: fmt.Sprintf("result for handle %s has no video URL", handle)}
	}
	return &env.Video, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode provider request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return &Error{Message: "request timed out: " + err.Error(), Transient: true}
		}
		return &Error{Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Message: "read provider response: " + err.Error(), Transient: true}
	}

	if resp.StatusCode >= 400 {
		return &Error{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500,
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{StatusCode: resp.StatusCode, Message: "decode provider response: " + err.Error()}
		}
	}
	return nil
}

func errorMessage(data []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "request rejected"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
