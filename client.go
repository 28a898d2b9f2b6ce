// Package healthschool is the Go SDK for the Health School real-time event
// delivery core: the alarm notification stream, room chat over STOMP, and
// the REST calls both depend on.
//
// Example:
//
//	client := healthschool.NewClient(token, healthschool.WithBaseURL("https://api.example.com"))
//
//	// Notifications
//	alarms := client.Realtime.Alarms(nil)
//	alarms.OnAlarm(func(n healthschool.NotificationItem) { fmt.Println(n.Title) })
//	alarms.Start(ctx, "")
//	defer alarms.Stop()
//
//	// Chat
//	chat := client.Realtime.Chat(nil)
//	chat.Start(ctx, "42", healthschool.ChatUser{Name: "kim", PeerName: "lee"})
//	chat.Publish(ctx, "hi")
//	chat.Leave(ctx)
package healthschool

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

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the Health School REST API and creates realtime clients.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	breaker    *gobreaker.CircuitBreaker[[]byte]

	breakerFailures uint32
	breakerTimeout  time.Duration

	Alarms   *AlarmsClient
	Chats    *ChatsClient
	Realtime *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithCircuitBreaker trips REST calls after failures consecutive server or
// network errors and probes again after timeout.
func WithCircuitBreaker(failures uint32, timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.breakerFailures = failures
		c.breakerTimeout = timeout
	}
}

// NewClient creates a client. token is the session token; pass "" and call
// SetToken later if the session is not known yet.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:          zerolog.Nop(),
		breakerFailures: defaultBreakerFailures,
		breakerTimeout:  defaultBreakerTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.breaker = c.newBreaker()
	c.Alarms = &AlarmsClient{c: c}
	c.Chats = &ChatsClient{c: c}
	c.Realtime = &RealtimeClient{c: c}
	return c
}

// SetToken sets or replaces the session token.
func (c *Client) SetToken(token string) { c.token = token }

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newBreaker() *gobreaker.CircuitBreaker[[]byte] {
	failures := c.breakerFailures
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "healthschool-api",
		MaxRequests: 1,
		Timeout:     c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		// Client errors say nothing about server health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return IsAuthError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	data, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, body)
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return data, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientNetworkError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientNetworkError{Op: "read response", Err: err}
	}

	if isAuthStatus(resp.StatusCode) {
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return data, nil
}

func errorMessage(data []byte) string {
	var e APIError
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(data))
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(unwrapData(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func pathID(id string) string { return url.PathEscape(id) }

// ============================================================================
// Alarms
// ============================================================================

// AlarmsClient covers the notification REST endpoints. It satisfies AlarmAPI.
type AlarmsClient struct{ c *Client }

// Read marks alarm id as read on the server.
func (a *AlarmsClient) Read(ctx context.Context, id string) error {
	_, err := a.c.doRequest(ctx, http.MethodGet, "/api/v1/alarm/read/"+pathID(id), nil)
	return err
}

// Delete removes alarm id on the server.
func (a *AlarmsClient) Delete(ctx context.Context, id string) error {
	_, err := a.c.doRequest(ctx, http.MethodDelete, "/api/v1/alarm/"+pathID(id), nil)
	return err
}

// ============================================================================
// Chats
// ============================================================================

// ChatsClient covers the chat REST endpoints. It satisfies RoomAPI.
type ChatsClient struct{ c *Client }

// Messages returns the stored history of a room, oldest first.
func (ch *ChatsClient) Messages(ctx context.Context, roomID string) ([]ChatPayload, error) {
	data, err := ch.c.doRequest(ctx, http.MethodGet, "/api/v1/chats/room/"+pathID(roomID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]ChatPayload](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// Room returns room metadata.
func (ch *ChatsClient) Room(ctx context.Context, roomID string) (*ChatRoom, error) {
	data, err := ch.c.doRequest(ctx, http.MethodGet, "/api/v1/chatrooms/"+pathID(roomID), nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatRoom](data)
}

// AutoDelete asks the server to delete the room if nobody is left in it.
func (ch *ChatsClient) AutoDelete(ctx context.Context, roomID string) error {
	_, err := ch.c.doRequest(ctx, http.MethodDelete, "/api/v1/chatrooms/"+pathID(roomID)+"/auto-delete", nil)
	return err
}
