// Package roomapi talks to the booking backend that assigns call rooms.
// The backend maps a booking to a room name plus the caller's identity in
// that room, and is told when the call session is over.
package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RoomInfo is the backend's room assignment for one booking.
type RoomInfo struct {
	RoomName string `json:"room_name"`
	Identity string `json:"identity"`
}

// Client is a thin HTTP client for the booking backend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Client for baseURL authenticating with a bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Room fetches the room assignment for a booking.
func (c *Client) Room(ctx context.Context, bookingID string) (RoomInfo, error) {
	var info RoomInfo
	err := c.post(ctx, "/video/token", map[string]string{"booking_id": bookingID}, &info)
	if err != nil {
		return RoomInfo{}, err
	}
	if info.RoomName == "" || info.Identity == "" {
		return RoomInfo{}, fmt.Errorf("roomapi: incomplete room assignment for booking %s", bookingID)
	}
	return info, nil
}

// Complete tells the backend the call session for a booking has ended.
func (c *Client) Complete(ctx context.Context, bookingID string) error {
	return c.post(ctx, "/video/complete", map[string]string{"booking_id": bookingID}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("roomapi: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("roomapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("roomapi: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("roomapi: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("roomapi: decode %s response: %w", path, err)
	}
	return nil
}
