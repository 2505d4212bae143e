package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperrors "github.com/driftworks/outpost/internal/common/errors"
	"github.com/driftworks/outpost/internal/common/logger"
	"github.com/driftworks/outpost/internal/tracing"
)

// Client is the HTTP API client toward the orchestrator. Every request is
// authenticated with the machine credential.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialSource
	logger  *logger.Logger
}

// NewClient creates an orchestrator API client.
func NewClient(baseURL string, timeout time.Duration, creds CredentialSource, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
		logger:  log.WithComponent("orchestrator-client"),
	}
}

// SetBaseURL switches the client to the backend address discovered during
// the handshake.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// Handshake authenticates the machine and returns the session endpoints.
func (c *Client) Handshake(ctx context.Context) (*HandshakeResult, error) {
	var result HandshakeResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/machines/connect", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Heartbeat tells the orchestrator the machine is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/machines/heartbeat", nil, nil)
}

// ReportStatus pushes the agent's availability.
func (c *Client) ReportStatus(ctx context.Context, status AgentStatus, executionID string) error {
	body := map[string]string{"status": string(status)}
	if executionID != "" {
		body["executionId"] = executionID
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/machines/status", body, nil)
}

// Disconnect tells the orchestrator the machine is going away.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/machines/disconnect", nil, nil)
}

// FetchAsset retrieves one named asset scoped to the machine credential.
func (c *Client) FetchAsset(ctx context.Context, key string) (string, error) {
	var result struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/assets/"+key, nil, &result); err != nil {
		return "", err
	}
	return result.Value, nil
}

// ListAssetKeys returns the key set the orchestrator holds for this machine.
func (c *Client) ListAssetKeys(ctx context.Context) ([]string, error) {
	var result struct {
		Keys []string `json:"keys"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/assets", nil, &result); err != nil {
		return nil, err
	}
	return result.Keys, nil
}

// Credential exposes the raw machine credential for the push-channel dial.
func (c *Client) Credential() (string, error) {
	if !c.creds.HasCredential() {
		return "", apperrors.CredentialUnavailable()
	}
	return c.creds.Get()
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, span := tracing.Tracer("orchestrator.client").Start(ctx, method+" "+path)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))

	token, err := c.Credential()
	if err != nil {
		span.SetStatus(codes.Error, "no credential")
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("orchestrator request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.Unauthorized("orchestrator rejected the machine credential")
	case resp.StatusCode == http.StatusNotFound:
		return &apperrors.AppError{
			Code:       apperrors.ErrCodeNotFound,
			Message:    fmt.Sprintf("orchestrator has no resource at %s", path),
			HTTPStatus: http.StatusNotFound,
		}
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("orchestrator returned %d for %s %s: %s", resp.StatusCode, method, path, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
