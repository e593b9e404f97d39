// Package client provides a Go client for the Talkline API.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	ErrEmailTaken   = errors.New("email already registered")
	ErrUnauthorized = errors.New("unauthorized")
)

// Client is a Talkline API client.
type Client struct {
	BaseURL      string
	HTTPClient   *http.Client
	Token        string
	RefreshToken string
	TokenExp     time.Time
}

// New creates a new Talkline client.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Refresh     struct {
		Token   string    `json:"token"`
		Expires time.Time `json:"expires"`
	} `json:"refresh_token"`
	Error string `json:"error"`
}

func (c *Client) adoptTokens(tr tokenResponse) {
	c.Token = tr.AccessToken
	c.RefreshToken = tr.Refresh.Token
	c.TokenExp = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
}

// Signup registers a new user and adopts the returned credentials.
func (c *Client) Signup(email, password, username string) error {
	reqBody := map[string]string{
		"email":    email,
		"password": password,
	}
	if username != "" {
		reqBody["username"] = username
	}
	body, _ := json.Marshal(reqBody)

	resp, err := c.HTTPClient.Post(c.BaseURL+"/api/auth/signup", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrEmailTaken
	}
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signup failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return err
	}
	c.adoptTokens(tr)
	return nil
}

// Signin authenticates with email and password.
func (c *Client) Signin(email, password string) error {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})

	resp, err := c.HTTPClient.Post(c.BaseURL+"/api/auth/signin", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signin failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return err
	}
	c.adoptTokens(tr)
	return nil
}

// Refresh exchanges the held refresh token for a fresh credential pair.
func (c *Client) Refresh() error {
	if c.RefreshToken == "" {
		return errors.New("no refresh token held")
	}
	body, _ := json.Marshal(map[string]string{"refresh_token": c.RefreshToken})

	resp, err := c.HTTPClient.Post(c.BaseURL+"/api/auth/refresh", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return err
	}
	c.adoptTokens(tr)
	return nil
}

// Signout revokes the presenting credential pair server-side.
func (c *Client) Signout() error {
	resp, err := c.doRequest(http.MethodPost, "/api/auth/signout", map[string]any{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("signout failed (%d): %s", resp.StatusCode, string(body))
	}
	c.Token = ""
	c.RefreshToken = ""
	return nil
}

// IsAuthenticated returns true if the client has an unexpired token.
func (c *Client) IsAuthenticated() bool {
	return c.Token != "" && time.Now().Before(c.TokenExp)
}

func (c *Client) doRequest(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.HTTPClient.Do(req)
}

// Post represents a post from the API.
type Post struct {
	ID        string  `json:"id"`
	UserID    int64   `json:"user_id"`
	Username  string  `json:"username"`
	Text      string  `json:"text"`
	Score     int64   `json:"score"`
	ParentID  *string `json:"parent_id"`
	Vote      *int    `json:"vote"`
	CreatedAt string  `json:"created_at"`
}

// CreatePost publishes a post; parentID makes it a reply.
func (c *Client) CreatePost(text string, parentID *string) (*Post, error) {
	reqBody := map[string]any{"text": text}
	if parentID != nil {
		reqBody["parent_id"] = *parentID
	}

	resp, err := c.doRequest(http.MethodPost, "/api/posts", reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("create post failed (%d): %s", resp.StatusCode, string(body))
	}

	var post Post
	if err := json.NewDecoder(resp.Body).Decode(&post); err != nil {
		return nil, err
	}
	return &post, nil
}

// GetPosts fetches one feed page. Set followed to restrict the feed to
// followed authors (requires authentication).
func (c *Client) GetPosts(page int, followed bool) ([]Post, error) {
	path := fmt.Sprintf("/api/posts?page=%d", page)
	if followed {
		path += "&followed=1"
	}
	resp, err := c.doRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get posts failed (%d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Posts []Post `json:"posts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Posts, nil
}

// GetPost fetches a single post by id.
func (c *Client) GetPost(id string) (*Post, error) {
	resp, err := c.doRequest(http.MethodGet, "/api/posts/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get post failed (%d): %s", resp.StatusCode, string(body))
	}

	var post Post
	if err := json.NewDecoder(resp.Body).Decode(&post); err != nil {
		return nil, err
	}
	return &post, nil
}

// GetReplies fetches one page of replies to a post, oldest first.
func (c *Client) GetReplies(postID string, page int) ([]Post, error) {
	path := fmt.Sprintf("/api/posts/%s/replies?page=%d", postID, page)
	resp, err := c.doRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get replies failed (%d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Replies []Post `json:"replies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Replies, nil
}

// DeletePost soft-deletes a post you own.
func (c *Client) DeletePost(id string) error {
	resp, err := c.doRequest(http.MethodDelete, "/api/posts/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete post failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Vote casts a vote (1, -1, or 0 to retract) on a post.
func (c *Client) Vote(postID string, vote int) error {
	resp, err := c.doRequest(http.MethodPost, "/api/votes/"+postID, map[string]any{"vote": vote})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vote failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Follow starts following another user.
func (c *Client) Follow(userID int64) error {
	resp, err := c.doRequest(http.MethodPost, "/api/follows", map[string]any{"user_id": userID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("follow failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Unfollow stops following a user.
func (c *Client) Unfollow(userID int64) error {
	resp, err := c.doRequest(http.MethodDelete, fmt.Sprintf("/api/follows/%d", userID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unfollow failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Report files an abuse report against a post.
func (c *Client) Report(postID, reason string) error {
	reqBody := map[string]any{"post_id": postID}
	if reason != "" {
		reqBody["reason"] = reason
	}
	resp, err := c.doRequest(http.MethodPost, "/api/reports", reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("report failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Me fetches the authenticated user's own profile.
func (c *Client) Me() (map[string]any, error) {
	resp, err := c.doRequest(http.MethodGet, "/api/users/me", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get profile failed (%d): %s", resp.StatusCode, string(body))
	}

	var me map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return nil, err
	}
	return me, nil
}

// TestHelper provides utilities for creating authenticated clients in tests.
type TestHelper struct {
	BaseURL string
}

// NewTestHelper creates a new test helper for the given base URL.
func NewTestHelper(baseURL string) *TestHelper {
	return &TestHelper{BaseURL: baseURL}
}

// CreateAuthenticatedClient signs up a user with the given email and
// returns an authenticated client. Convenience method for tests.
func (h *TestHelper) CreateAuthenticatedClient(email, password string) (*Client, error) {
	c := New(h.BaseURL)
	if err := c.Signup(email, password, ""); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			if err := c.Signin(email, password); err != nil {
				return nil, err
			}
			return c, nil
		}
		return nil, err
	}
	return c, nil
}

// GetToken signs up (or in) and returns just the access token string.
func (h *TestHelper) GetToken(email, password string) (string, error) {
	c, err := h.CreateAuthenticatedClient(email, password)
	if err != nil {
		return "", err
	}
	return c.Token, nil
}
