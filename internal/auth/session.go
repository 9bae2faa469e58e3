package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatsync/internal/restapi"
	"go.uber.org/zap"
)

// ErrUnauthenticated is returned when no valid access token can be obtained.
var ErrUnauthenticated = errors.New("not authenticated")

// refreshSkew is how close to expiry a token is refreshed.
const refreshSkew = 30 * time.Second

// Session holds the access token and the refresh cookie for one profile.
// Token is safe for concurrent use; concurrent refreshes are collapsed.
type Session struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	token string

	refreshMu sync.Mutex
}

// NewSession creates a logged-out session against baseURL.
func NewSession(baseURL string, timeout time.Duration, logger *zap.Logger) *Session {
	jar, _ := cookiejar.New(nil)
	return &Session{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		logger:     logger,
		now:        time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// Login exchanges credentials for an access token. The server also sets the
// refresh cookie, which the session keeps.
func (s *Session) Login(ctx context.Context, email, password string) error {
	var out tokenResponse
	err := s.post(ctx, "/auth/login", map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("login: %w", ErrUnauthenticated)
	}
	s.SetToken(out.AccessToken)
	s.logger.Info("logged in", zap.String("user_id", s.UserID()))
	return nil
}

// Register creates an account. It does not log in.
func (s *Session) Register(ctx context.Context, username, email, password string) error {
	body := map[string]string{"username": username, "email": email, "password": password}
	if err := s.post(ctx, "/auth/register", body, nil); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Logout forgets the token and the refresh cookie. The server is told on a
// best-effort basis.
func (s *Session) Logout(ctx context.Context) {
	if err := s.post(ctx, "/auth/logout", nil, nil); err != nil {
		s.logger.Debug("logout request failed", zap.Error(err))
	}
	jar, _ := cookiejar.New(nil)
	s.mu.Lock()
	s.token = ""
	s.httpClient = &http.Client{Timeout: s.httpClient.Timeout, Jar: jar}
	s.mu.Unlock()
}

// SetToken installs an access token, e.g. one supplied through the environment.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Authenticated reports whether an access token is held.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

// Token returns a usable access token, refreshing it when it is missing,
// unparsable or about to expire.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()
	if tok != "" && !s.expiring(tok) {
		return tok, nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	s.mu.Lock()
	if s.token != tok && s.token != "" && !s.expiring(s.token) {
		tok = s.token
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	var out tokenResponse
	if err := s.post(ctx, "/auth/refresh", nil, &out); err != nil {
		var apiErr *restapi.APIError
		if !errors.As(err, &apiErr) {
			return "", fmt.Errorf("refresh token: %w", err)
		}
		s.logger.Debug("token refresh rejected", zap.Int("status", apiErr.Status))
		s.SetToken("")
		return "", ErrUnauthenticated
	}
	if out.AccessToken == "" {
		s.SetToken("")
		return "", ErrUnauthenticated
	}
	s.SetToken(out.AccessToken)
	return out.AccessToken, nil
}

// UserID returns the current user's id from the token claims, trying
// sub, userId and id in that order.
func (s *Session) UserID() string {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()
	if tok == "" {
		return ""
	}
	claims, err := parseClaims(tok)
	if err != nil {
		return ""
	}
	for _, key := range []string{"sub", "userId", "id"} {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func (s *Session) expiring(tok string) bool {
	claims, err := parseClaims(tok)
	if err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return true
	}
	if exp == nil {
		return false
	}
	return !s.now().Add(refreshSkew).Before(exp.Time)
}

// parseClaims decodes the payload without verifying the signature.
func parseClaims(tok string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Session) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	s.mu.Lock()
	client := s.httpClient
	s.mu.Unlock()

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return restapi.ResponseError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
