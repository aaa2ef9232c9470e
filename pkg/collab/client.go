package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/models"
)

// CorrelationHeader carries the client-generated correlation id of a write.
const CorrelationHeader = "X-Correlation-ID"

const maxResponseBytes = 4 << 20

// listPageSize matches the largest page the collaborator serves.
const listPageSize = 200

// Config contains the collaborator endpoint and the bearer token used to reach it.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// APIError is returned for every non-2xx collaborator response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("collaborator returned %d", e.Status)
	}
	return fmt.Sprintf("collaborator returned %d: %s", e.Status, e.Message)
}

// IsForbidden reports whether err is a 403 from the collaborator.
func IsForbidden(err error) bool {
	return hasStatus(err, http.StatusForbidden)
}

// IsNotFound reports whether err is a 404 from the collaborator.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Client talks to the discussion collaborator over its REST surface.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// New constructs a collaborator client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("collaborator base url must be provided")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid collaborator base url %q: %w", cfg.BaseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     cfg.Logger.With().Str("component", "collab_client").Logger(),
	}, nil
}

// ListDiscussions fetches every discussion of a scope matching filter,
// walking the collaborator's pages until a short page comes back.
func (c *Client) ListDiscussions(ctx context.Context, scope string, filter models.DiscussionFilter) ([]models.Discussion, error) {
	query := url.Values{}
	if filter.Category != "" {
		query.Set("category", filter.Category)
	}
	if filter.Sort != "" {
		query.Set("sort", string(filter.Sort))
	}
	if filter.Search != "" {
		query.Set("q", filter.Search)
	}
	query.Set("limit", strconv.Itoa(listPageSize))

	path := "/api/v2/events/" + url.PathEscape(scope) + "/discussions"
	discussions := make([]models.Discussion, 0, listPageSize)
	seen := make(map[string]struct{})
	for offset := 0; ; offset += listPageSize {
		query.Set("offset", strconv.Itoa(offset))

		data, err := c.do(ctx, http.MethodGet, path, nil, "", query)
		if err != nil {
			return nil, fmt.Errorf("list discussions: %w", err)
		}
		items, err := decodeList(data)
		if err != nil {
			return nil, fmt.Errorf("list discussions: %w", err)
		}

		for _, item := range items {
			discussion, err := dto.NormalizeDiscussion(item)
			if err != nil {
				return nil, fmt.Errorf("list discussions: %w", err)
			}
			// inserts between pages shift rows into the next page
			if _, dup := seen[discussion.ID]; dup {
				continue
			}
			seen[discussion.ID] = struct{}{}
			discussions = append(discussions, discussion)
		}

		if len(items) < listPageSize {
			return discussions, nil
		}
	}
}

// ListReplies fetches every reply of a discussion.
func (c *Client) ListReplies(ctx context.Context, discussionID string) ([]models.Reply, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v2/discussions/"+url.PathEscape(discussionID)+"/replies", nil, "", nil)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}

	items, err := decodeList(data)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	replies := make([]models.Reply, 0, len(items))
	for _, item := range items {
		reply, err := dto.NormalizeReply(item)
		if err != nil {
			return nil, fmt.Errorf("list replies: %w", err)
		}
		replies = append(replies, reply)
	}
	return replies, nil
}

// CreateDiscussion posts a new discussion into scope.
func (c *Client) CreateDiscussion(ctx context.Context, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/v2/events/"+url.PathEscape(scope)+"/discussions", payload, correlationID, nil)
	if err != nil {
		return models.Discussion{}, fmt.Errorf("create discussion: %w", err)
	}
	return dto.NormalizeDiscussion(data)
}

// UpdateDiscussion edits a discussion.
func (c *Client) UpdateDiscussion(ctx context.Context, discussionID string, payload dto.DiscussionUpdateRequest, correlationID string) (models.Discussion, error) {
	data, err := c.do(ctx, http.MethodPut, "/api/v2/discussions/"+url.PathEscape(discussionID), payload, correlationID, nil)
	if err != nil {
		return models.Discussion{}, fmt.Errorf("update discussion: %w", err)
	}
	return dto.NormalizeDiscussion(data)
}

// DeleteDiscussion removes a discussion and its replies.
func (c *Client) DeleteDiscussion(ctx context.Context, discussionID, correlationID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/api/v2/discussions/"+url.PathEscape(discussionID), nil, correlationID, nil); err != nil {
		return fmt.Errorf("delete discussion: %w", err)
	}
	return nil
}

// CreateReply posts a reply on a discussion.
func (c *Client) CreateReply(ctx context.Context, discussionID string, payload dto.ReplyCreateRequest, correlationID string) (models.Reply, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/v2/discussions/"+url.PathEscape(discussionID)+"/replies", payload, correlationID, nil)
	if err != nil {
		return models.Reply{}, fmt.Errorf("create reply: %w", err)
	}
	return dto.NormalizeReply(data)
}

// DeleteReply removes a reply and its nested replies.
func (c *Client) DeleteReply(ctx context.Context, replyID, correlationID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/api/v2/replies/"+url.PathEscape(replyID), nil, correlationID, nil); err != nil {
		return fmt.Errorf("delete reply: %w", err)
	}
	return nil
}

// React creates, replaces or withdraws the caller's reaction on a target.
func (c *Client) React(ctx context.Context, payload dto.ReactionRequest, correlationID string) (models.Reaction, error) {
	data, err := c.do(ctx, http.MethodPut, "/api/v2/reactions", payload, correlationID, nil)
	if err != nil {
		return models.Reaction{}, fmt.Errorf("react: %w", err)
	}
	return dto.NormalizeReaction(data)
}

// SetPin toggles the pinned flag. Only organizers may pin.
func (c *Client) SetPin(ctx context.Context, discussionID string, pinned bool, correlationID string) (models.Discussion, error) {
	data, err := c.do(ctx, http.MethodPost, "/api/v2/discussions/"+url.PathEscape(discussionID)+"/pin", dto.PinRequest{Pinned: pinned}, correlationID, nil)
	if err != nil {
		return models.Discussion{}, fmt.Errorf("set pin: %w", err)
	}
	return dto.NormalizeDiscussion(data)
}

// do performs one request and returns the data member of a successful response.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, correlationID string, query url.Values) (json.RawMessage, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	if correlationID != "" {
		request.Header.Set(CorrelationHeader, correlationID)
	}

	start := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", response.StatusCode).
		Str("correlation_id", correlationID).
		Dur("latency", time.Since(start)).
		Msg("collaborator request completed")

	var decoded envelope
	jsonErr := json.Unmarshal(raw, &decoded)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		apiErr := &APIError{Status: response.StatusCode}
		if jsonErr == nil {
			apiErr.Message = decoded.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	if jsonErr != nil {
		return nil, fmt.Errorf("decode response from %s %s: %w", method, path, jsonErr)
	}
	if !decoded.Success {
		return nil, &APIError{Status: response.StatusCode, Message: decoded.Message}
	}
	return decoded.Data, nil
}

// decodeList accepts either a bare array or an object with an items member.
func decodeList(data json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var items []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var wrapped struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Items == nil {
		return nil, &dto.UnrecognizedShapeError{Entity: "list"}
	}
	return wrapped.Items, nil
}
