// Package remote is the HTTP client for the server's REST surface: message
// history, public profiles, and avatar bytes. The realtime path never goes
// through here.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimited is returned on HTTP 429. Callers fall back to local data
// instead of retrying immediately.
var ErrRateLimited = errors.New("rate limited by server")

// ErrNotFound is returned on HTTP 404.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned on HTTP 401. The stored token is stale.
var ErrUnauthorized = errors.New("unauthorized")

// Message is one history entry as the server reports it.
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Kind       string `json:"kind"`
	CreatedAt  int64  `json:"createdAt"`
	Status     string `json:"status"`
}

// Profile is a user's public profile as the server reports it.
type Profile struct {
	Identity    string `json:"identity"`
	StorageID   string `json:"storageId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Status      string `json:"status"`
	StatusText  string `json:"statusText"`
}

// Contact is one entry of the server-side contact list.
type Contact struct {
	Identity    string `json:"identity"`
	StorageID   string `json:"storageId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Client talks to one server with one identity's bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for baseURL authenticating with token.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// History fetches one page of the conversation with peerID, newest first.
func (c *Client) History(ctx context.Context, peerID string, page, pageSize int) ([]Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	var out []Message
	if err := c.getJSON(ctx, "/api/messages/"+url.PathEscape(peerID)+"?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Profile fetches the public profile of loginID.
func (c *Client) Profile(ctx context.Context, loginID string) (*Profile, error) {
	var out Profile
	if err := c.getJSON(ctx, "/api/users/"+url.PathEscape(loginID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Contacts fetches the authenticated identity's contact list.
func (c *Client) Contacts(ctx context.Context) ([]Contact, error) {
	var out []Contact
	if err := c.getJSON(ctx, "/api/contacts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadAvatar fetches raw avatar bytes. avatarURL may be absolute or a
// path relative to the server.
func (c *Client) DownloadAvatar(ctx context.Context, avatarURL string) (data []byte, contentType string, err error) {
	target := avatarURL
	if u, perr := url.Parse(avatarURL); perr == nil && !u.IsAbs() {
		target = c.baseURL + avatarURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("avatar request: %w", err)
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("avatar fetch: %w", err)
	}
	defer resp.Body.Close()
	if err := statusErr(resp.StatusCode); err != nil {
		return nil, "", err
	}
	data, err = io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, "", fmt.Errorf("avatar body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := statusErr(resp.StatusCode); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusErr(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= 400:
		return fmt.Errorf("server returned %d", code)
	}
	return nil
}
