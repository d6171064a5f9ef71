package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/mcptel/pkg/config"
)

// ErrEndpointNotConfigured is returned from any send when the export
// endpoint is empty. Absence of a backend is a configuration error
// surfaced at send time, never a silent drop.
var ErrEndpointNotConfigured = errors.New("session backend endpoint is not configured")

// backend is the HTTP client for the session API. It shares the export
// endpoint base with the OTLP exporter; a trailing /v1/traces ingest path
// is stripped.
type backend struct {
	baseURL string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
}

func newBackend(cfg *config.Telemetry) (*backend, error) {
	headers, err := cfg.Auth.Headers()
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(strings.TrimSuffix(cfg.Endpoint, "/"), "/v1/traces")
	return &backend{
		baseURL: strings.TrimSuffix(base, "/"),
		headers: headers,
		timeout: cfg.Session.RequestTimeout.Duration(),
		client:  &http.Client{},
	}, nil
}

type createRequest struct {
	SessionID    string         `json:"session_id"`
	ResourceUUID string         `json:"resource_uuid,omitempty"`
	StartTime    string         `json:"start_time"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type createResponse struct {
	SessionUUID string `json:"session_uuid"`
}

type eventRequest struct {
	SessionUUID string         `json:"session_uuid"`
	Timestamp   string         `json:"timestamp"`
	EventType   EventType      `json:"event_type"`
	ToolName    string         `json:"tool_name,omitempty"`
	ResourceURI string         `json:"resource_uri,omitempty"`
	InputData   map[string]any `json:"input_data,omitempty"`
	OutputData  map[string]any `json:"output_data,omitempty"`
	ErrorData   *ErrorData     `json:"error_data,omitempty"`
	DurationMS  *float64       `json:"duration_ms,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type completeRequest struct {
	SessionUUID string `json:"session_uuid"`
	EndTime     string `json:"end_time"`
}

func (b *backend) createSession(ctx context.Context, req createRequest) (string, error) {
	var resp createResponse
	if err := b.post(ctx, "/sessions/create", req, &resp); err != nil {
		return "", err
	}
	if resp.SessionUUID == "" {
		return "", fmt.Errorf("backend returned no session_uuid")
	}
	return resp.SessionUUID, nil
}

func (b *backend) addEvent(ctx context.Context, sessionUUID string, event *Event) error {
	return b.post(ctx, "/sessions/add_event", eventRequest{
		SessionUUID: sessionUUID,
		Timestamp:   event.Timestamp.Format(time.RFC3339Nano),
		EventType:   event.Type,
		ToolName:    event.ToolName,
		ResourceURI: event.ResourceURI,
		InputData:   event.Input,
		OutputData:  event.Output,
		ErrorData:   event.Error,
		DurationMS:  event.DurationMS,
		Metadata:    event.Metadata,
	}, nil)
}

func (b *backend) completeSession(ctx context.Context, sessionUUID string) error {
	return b.post(ctx, "/sessions/complete", completeRequest{
		SessionUUID: sessionUUID,
		EndTime:     time.Now().Format(time.RFC3339Nano),
	}, nil)
}

func (b *backend) post(ctx context.Context, path string, payload any, out any) error {
	if b.baseURL == "" {
		return ErrEndpointNotConfigured
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
