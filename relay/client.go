package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Client calls the relay's session API on behalf of one device.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the relay at baseURL ("https://relay.example").
// A nil httpClient uses http.DefaultClient.
func NewClient(baseURL, token string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url %q must use http or https", baseURL)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}, nil
}

// CreateSession registers a new session owned by this device.
func (c *Client) CreateSession(ctx context.Context) (CreateSessionResponse, error) {
	var out CreateSessionResponse
	err := c.do(ctx, http.MethodPost, "/api/sessions", http.StatusCreated, &out)
	return out, err
}

// Status reports a session's owner and connected participant count.
func (c *Client) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	var out SessionStatus
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), http.StatusOK, &out)
	return out, err
}

// DeleteSession removes a session this device owns and disconnects its participants.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), http.StatusOK, nil)
}

// SignalingURL returns the websocket url for joining sessionID with code.
func (c *Client) SignalingURL(sessionID, code string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + url.PathEscape(sessionID) + "?code=" + url.QueryEscape(code)
}

func (c *Client) do(ctx context.Context, method, path string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := statusError(resp.StatusCode)
		logrus.WithFields(logrus.Fields{
			"function": "Client.do",
			"method":   method,
			"path":     path,
			"status":   resp.StatusCode,
			"body":     strings.TrimSpace(string(body)),
		}).Warn("Relay request failed")
		return fmt.Errorf("relay %s %s: %w", method, path, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	return nil
}

func statusError(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrInvalidToken
	case http.StatusForbidden:
		return ErrAccessDenied
	case http.StatusNotFound:
		return ErrSessionNotFound
	case http.StatusConflict:
		return ErrRoomFull
	default:
		return errors.New(http.StatusText(code))
	}
}
