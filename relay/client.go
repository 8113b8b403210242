package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the messaging backend's HTTP API: device
// authentication, account updates, channel history, and named RPCs.
// The realtime surface (join/leave/send/push) lives on Socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
	serverKey  string
}

// NewClient creates an API client for the backend at baseURL. serverKey
// authorizes unauthenticated requests (device authentication). If
// httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL, serverKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		serverKey:  serverKey,
	}
}

// APIError represents an error response from the backend API.
type APIError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type sessionResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	ExpiresAt string `json:"expiresAt"`
}

type wireMessage struct {
	MessageID  string          `json:"messageId"`
	ChannelID  string          `json:"channelId"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName"`
	CreateTime string          `json:"createTime"`
	Content    json.RawMessage `json:"content"`
}

type messageListResponse struct {
	Messages   []wireMessage `json:"messages"`
	PrevCursor string        `json:"prevCursor"`
	NextCursor string        `json:"nextCursor"`
}

// do sends a JSON request and decodes the response into result. A
// non-empty token authorizes the call as a session; otherwise the server
// key is used.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, token string, body, result interface{}) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.SetBasicAuth(c.serverKey, "")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// AuthenticateDevice exchanges a device identifier for a session.
// create controls whether the backend may register a new account for an
// unknown identifier.
func (c *Client) AuthenticateDevice(ctx context.Context, id, username string, create bool) (*Session, error) {
	query := url.Values{"create": []string{strconv.FormatBool(create)}}
	body := map[string]string{"id": id, "username": username}

	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/v2/account/authenticate/device", query, "", body, &resp); err != nil {
		return nil, fmt.Errorf("authenticating device: %w", err)
	}

	s := &Session{
		ID:       resp.SessionID,
		UserID:   resp.UserID,
		Username: resp.Username,
		Token:    resp.Token,
	}
	if resp.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
			s.ExpiresAt = t
		}
	}
	return s, nil
}

// UpdateAccount sets the account's display name.
func (c *Client) UpdateAccount(ctx context.Context, s *Session, displayName string) error {
	body := map[string]string{"displayName": displayName}
	if err := c.do(ctx, http.MethodPut, "/v2/account", nil, s.Token, body, nil); err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	return nil
}

// ListChannelMessages fetches one backward page of channel history,
// newest page first. cursor is the opaque token from a previous page, or
// empty for the most recent page. Messages in the returned page are
// ordered by creation time ascending.
func (c *Client) ListChannelMessages(ctx context.Context, s *Session, channelID string, limit int, cursor string) (*MessagePage, error) {
	query := url.Values{
		"limit":   []string{strconv.Itoa(limit)},
		"forward": []string{"false"},
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var resp messageListResponse
	endpoint := "/v2/channel/" + url.PathEscape(channelID) + "/messages"
	if err := c.do(ctx, http.MethodGet, endpoint, query, s.Token, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing channel messages: %w", err)
	}

	page := &MessagePage{
		PrevCursor: resp.PrevCursor,
		NextCursor: resp.NextCursor,
	}
	for _, wm := range resp.Messages {
		m, err := decodeWireMessage(wm)
		if err != nil {
			// One undecodable message must not sink the page.
			continue
		}
		page.Messages = append(page.Messages, m)
	}

	// Backward listing arrives newest-first; the timeline wants
	// ascending order.
	for i, j := 0, len(page.Messages)-1; i < j; i, j = i+1, j-1 {
		page.Messages[i], page.Messages[j] = page.Messages[j], page.Messages[i]
	}

	return page, nil
}

// RPC invokes a named server RPC with a JSON payload, decoding the JSON
// response into result.
func (c *Client) RPC(ctx context.Context, s *Session, id string, payload, result interface{}) error {
	endpoint := "/v2/rpc/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPost, endpoint, nil, s.Token, payload, result); err != nil {
		return fmt.Errorf("rpc %s: %w", id, err)
	}
	return nil
}

func decodeWireMessage(wm wireMessage) (Message, error) {
	m := Message{
		ID:         wm.MessageID,
		ChannelID:  wm.ChannelID,
		SenderID:   wm.SenderID,
		SenderName: wm.SenderName,
	}
	if wm.CreateTime != "" {
		if t, err := time.Parse(time.RFC3339, wm.CreateTime); err == nil {
			m.CreatedAt = t
		}
	}
	if err := decodeContent(wm.Content, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
