// Package backend is the one-time HTTP surface of the agent:
// terminal registration, liveness heartbeats and broker configuration
// fetch. Everything scan-related flows over the queue instead.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const fetchAttempts = 3

// Client talks to the backend HTTP API.
type Client struct {
	baseURL    string
	http       *http.Client
	retryDelay time.Duration
	log        zerolog.Logger
}

// New creates a backend client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
		retryDelay: 500 * time.Millisecond,
		log:        log.With().Str("component", "backend").Logger(),
	}
}

// RegisterRequest carries the shop owner's credentials and the
// terminal's self-chosen device identity.
type RegisterRequest struct {
	Phone      string `json:"phone"`
	Password   string `json:"password"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// RegisterResponse is the identity issued for this terminal.
type RegisterResponse struct {
	TerminalID   string `json:"terminal_id"`
	AuthToken    string `json:"auth_token"`
	ShopID       string `json:"shop_id"`
	ShopName     string `json:"shop_name"`
	TerminalName string `json:"terminal_name"`
	Queue        string `json:"queue"`
}

// RemoteConfig is the connection configuration served by the backend.
type RemoteConfig struct {
	BrokerHost string `json:"broker_host"`
	BrokerPort int    `json:"broker_port"`
	BrokerUser string `json:"broker_user"`
	BrokerPass string `json:"broker_pass"`
	ReaderBaud int    `json:"reader_baud"`
}

// Register registers this terminal and returns its issued identity.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.postJSON(ctx, "/api/terminals/register/", req, &resp); err != nil {
		return RegisterResponse{}, fmt.Errorf("register: %w", err)
	}
	if resp.TerminalID == "" || resp.AuthToken == "" {
		return RegisterResponse{}, fmt.Errorf("register: incomplete response from backend")
	}
	c.log.Info().Str("terminal_id", resp.TerminalID).Str("shop", resp.ShopName).Msg("terminal registered")
	return resp, nil
}

// Heartbeat marks the terminal as online.
func (c *Client) Heartbeat(ctx context.Context, terminalID, authToken string) error {
	payload := map[string]string{
		"terminal_id": terminalID,
		"auth_token":  authToken,
	}
	if err := c.postJSON(ctx, "/api/terminals/heartbeat/", payload, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// FetchConfig retrieves the broker connection settings for this
// terminal, retrying transient failures with growing pauses.
func (c *Client) FetchConfig(ctx context.Context, terminalID, authToken string) (RemoteConfig, error) {
	var cfg RemoteConfig
	var lastErr error

	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		if attempt > 1 {
			pause := time.Duration(attempt*attempt) * c.retryDelay
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return RemoteConfig{}, ctx.Err()
			}
		}

		lastErr = c.getJSON(ctx, "/api/terminals/config/", terminalID, authToken, &cfg)
		if lastErr == nil {
			return cfg, nil
		}
		c.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("config fetch failed")
	}
	return RemoteConfig{}, fmt.Errorf("fetch config: %w", lastErr)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path, terminalID, authToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+authToken)
	req.Header.Set("X-Terminal-ID", terminalID)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("backend: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("backend: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
