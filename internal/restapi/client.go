package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultTimeout = 15 * time.Second

// ErrUnauthorized is returned for 401 and 403 responses.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api error: %d %s", e.Status, e.Message)
}

// Unwrap maps auth failures to ErrUnauthorized.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// TokenSource supplies the bearer token before every call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the chat REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// NewClient creates a client for baseURL authenticated by tokens.
func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ResponseError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// ResponseError builds an APIError from a non-2xx status and its body.
func ResponseError(status int, body []byte) *APIError {
	return &APIError{Status: status, Message: errorMessage(body)}
}

func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ListConversations returns GET /conversations.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	var out []ConversationSummary
	if err := c.doJSON(ctx, http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns a conversation's history.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation opens (or returns) the direct conversation with a user.
func (c *Client) CreateConversation(ctx context.Context, participantID string) (*ConversationSummary, error) {
	var out ConversationSummary
	body := map[string]string{"participantId": participantID}
	if err := c.doJSON(ctx, http.MethodPost, "/conversations", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchUsers queries the user directory. A blank query returns nothing
// without a request.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	var out []User
	if err := c.doJSON(ctx, http.MethodGet, "/users/search", url.Values{"q": {query}}, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFriends returns userID's friends.
func (c *Client) ListFriends(ctx context.Context, userID string) ([]User, error) {
	var out []User
	path := "/users/" + url.PathEscape(userID) + "/friends"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListFriendRequests returns pending requests involving the current user.
func (c *Client) ListFriendRequests(ctx context.Context) ([]FriendRequest, error) {
	var out []FriendRequest
	if err := c.doJSON(ctx, http.MethodGet, "/friends/requests", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendFriendRequest asks userID to become a friend.
func (c *Client) SendFriendRequest(ctx context.Context, userID string) error {
	return c.doJSON(ctx, http.MethodPost, "/friends/request", nil, map[string]string{"userId": userID}, nil)
}

// AcceptFriendRequest accepts request id.
func (c *Client) AcceptFriendRequest(ctx context.Context, requestID string) error {
	return c.doJSON(ctx, http.MethodPost, "/friends/accept/"+url.PathEscape(requestID), nil, nil, nil)
}

// RejectFriendRequest rejects request id.
func (c *Client) RejectFriendRequest(ctx context.Context, requestID string) error {
	return c.doJSON(ctx, http.MethodPost, "/friends/reject/"+url.PathEscape(requestID), nil, nil, nil)
}

// UpdateProfile changes the current user's profile and returns it.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*User, error) {
	var out User
	if err := c.doJSON(ctx, http.MethodPost, "/auth/update-profile", nil, update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
