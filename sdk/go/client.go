package parleysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Parley HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Identity represents a marketplace identity.
type Identity struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Engagement represents an engagement and its lifecycle state.
type Engagement struct {
	ID           string  `json:"id"`
	RequesterID  string  `json:"requester_id"`
	ProviderID   string  `json:"provider_id"`
	InitiatorID  string  `json:"initiator_id"`
	ListingRef   *string `json:"listing_ref,omitempty"`
	ThreadID     string  `json:"thread_id"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	CancelReason *string `json:"cancel_reason,omitempty"`
}

// Thread represents a conversation thread.
type Thread struct {
	ID            string        `json:"id"`
	EngagementID  *string       `json:"engagement_id,omitempty"`
	Closed        bool          `json:"closed"`
	CreatedAt     string        `json:"created_at"`
	Participants  []Participant `json:"participants,omitempty"`
	LastMessageAt *string       `json:"last_message_at,omitempty"`
}

// Participant is one identity in a thread.
type Participant struct {
	IdentityID string `json:"identity_id"`
	Role       string `json:"role"`
	JoinedAt   string `json:"joined_at"`
}

// Message is one thread message.
type Message struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Seq       int64  `json:"seq"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedMessages wraps history pages.
type PaginatedMessages struct {
	Items        []Message `json:"items"`
	NextAfterSeq int64     `json:"next_after_seq"`
}

// DevLogin mints a development bearer token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, identityID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v1/auth/dev/login", map[string]any{"identity_id": identityID}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// RegisterIdentity registers an identity.
func (c *Client) RegisterIdentity(ctx context.Context, id, role, displayName string) (Identity, error) {
	body := map[string]any{
		"id":           id,
		"role":         role,
		"display_name": displayName,
	}
	var resp Identity
	err := c.do(ctx, http.MethodPost, "v1/identities", body, &resp)
	return resp, err
}

// CreateEngagement opens an engagement between a requester and provider.
func (c *Client) CreateEngagement(ctx context.Context, requesterID, providerID, listingRef, threadID string) (Engagement, error) {
	body := map[string]any{
		"requester_id": requesterID,
		"provider_id":  providerID,
	}
	if listingRef != "" {
		body["listing_ref"] = listingRef
	}
	if threadID != "" {
		body["thread_id"] = threadID
	}
	var resp Engagement
	err := c.do(ctx, http.MethodPost, "v1/engagements", body, &resp)
	return resp, err
}

// GetEngagement fetches an engagement by id.
func (c *Client) GetEngagement(ctx context.Context, id string) (Engagement, error) {
	var resp Engagement
	err := c.do(ctx, http.MethodGet, "v1/engagements/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Accept moves a negotiating engagement to accepted.
func (c *Client) Accept(ctx context.Context, id string) (Engagement, error) {
	return c.transition(ctx, id, "accept")
}

// Complete marks an accepted engagement completed.
func (c *Client) Complete(ctx context.Context, id string) (Engagement, error) {
	return c.transition(ctx, id, "complete")
}

// Finalize finalizes a completed engagement.
func (c *Client) Finalize(ctx context.Context, id string) (Engagement, error) {
	return c.transition(ctx, id, "finalize")
}

// Reject rejects an engagement under negotiation.
func (c *Client) Reject(ctx context.Context, id string) (Engagement, error) {
	return c.transition(ctx, id, "reject")
}

// Cancel cancels an engagement with a reason.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Engagement, error) {
	var resp Engagement
	endpoint := fmt.Sprintf("v1/engagements/%s/cancel", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, id, action string) (Engagement, error) {
	var resp Engagement
	endpoint := fmt.Sprintf("v1/engagements/%s/%s", url.PathEscape(id), action)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// OpenThread opens a thread over the given participants.
func (c *Client) OpenThread(ctx context.Context, participantIDs []string) (Thread, error) {
	var resp Thread
	err := c.do(ctx, http.MethodPost, "v1/threads", map[string]any{"participant_ids": participantIDs}, &resp)
	return resp, err
}

// Threads lists the caller's threads, most recently active first.
func (c *Client) Threads(ctx context.Context) ([]Thread, error) {
	var resp struct {
		Items []Thread `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/threads", nil, &resp)
	return resp.Items, err
}

// JoinThread joins a thread as a moderator.
func (c *Client) JoinThread(ctx context.Context, threadID string) (Participant, error) {
	var resp Participant
	endpoint := fmt.Sprintf("v1/threads/%s/join", url.PathEscape(threadID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SendMessage appends a message to a thread.
func (c *Client) SendMessage(ctx context.Context, threadID, content string) (Message, error) {
	var resp Message
	endpoint := fmt.Sprintf("v1/threads/%s/messages", url.PathEscape(threadID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"content": content}, &resp)
	return resp, err
}

// History reads a page of thread history after a seq cursor.
func (c *Client) History(ctx context.Context, threadID string, afterSeq int64, limit int) (PaginatedMessages, error) {
	endpoint := fmt.Sprintf("v1/threads/%s/messages", url.PathEscape(threadID))
	var params []string
	if afterSeq > 0 {
		params = append(params, fmt.Sprintf("after_seq=%d", afterSeq))
	}
	if limit > 0 {
		params = append(params, fmt.Sprintf("limit=%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + strings.Join(params, "&")
	}
	var resp PaginatedMessages
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
