// Package rooms provisions video session rooms from a Daily-compatible REST
// API. The call is fully fallible, runs under a hard timeout, and is always
// made outside the matchmaking transaction.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBaseURL = "https://api.daily.co/v1"
	defaultTimeout = 10 * time.Second
	defaultRoomTTL = 2 * time.Hour
)

// Config holds room provider settings.
type Config struct {
	APIKey  string
	BaseURL string        // defaults to the Daily API
	RoomTTL time.Duration // expiry pushed to the provider so rooms self-clean
	Timeout time.Duration // hard bound on the provisioning call
}

// Client talks to the room provider.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a room provider client, filling in defaults for unset
// config fields.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = defaultRoomTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type roomProperties struct {
	Exp               int64 `json:"exp"`
	EnableChat        bool  `json:"enable_chat"`
	EnableScreenshare bool  `json:"enable_screenshare"`
	EjectAtRoomExp    bool  `json:"eject_at_room_exp"`
}

type createRoomRequest struct {
	Name       string         `json:"name"`
	Privacy    string         `json:"privacy"`
	Properties roomProperties `json:"properties"`
}

type createRoomResponse struct {
	URL string `json:"url"`
}

// CreateRoom creates a short-lived room and returns its join URL.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	body := createRoomRequest{
		Name:    "match-" + uuid.New().String()[:8],
		Privacy: "public",
		Properties: roomProperties{
			Exp:               time.Now().Add(c.cfg.RoomTTL).Unix(),
			EnableChat:        true,
			EnableScreenshare: false,
			EjectAtRoomExp:    true,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("rooms: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/rooms", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("rooms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("rooms: create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("rooms: create room: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("rooms: decode response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("rooms: provider returned no room url")
	}
	return out.URL, nil
}
