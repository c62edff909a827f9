package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// User resolves the access token to the signed-in user.
func (c *Client) User(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, fmt.Errorf("get user: access token is required")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/v1/user", nil, token)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

// Logout revokes the session behind token.
func (c *Client) Logout(ctx context.Context, token string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/v1/logout", nil, token)
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
