// Package api is the HTTP client for the channel and message store.
//
// Every method maps non-2xx responses onto the platform error codes:
// 401 becomes NOT_AUTHENTICATED, 403 PERMISSION_DENIED, 404 NOT_FOUND,
// 400 and 422 VALIDATION_ERROR, and 5xx or transport failures
// CONNECTION_ERROR. The client doubles as the connection manager's
// fallback transport for sends and read markers.
package api

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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/louisbranch/switchboard/internal/chat"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
	"github.com/louisbranch/switchboard/internal/platform/otel"
	"github.com/louisbranch/switchboard/internal/platform/timeouts"
)

const maxResponseBytes = 4 << 20

// TokenFunc returns the bearer token for the current session.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc that always yields token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the store origin, e.g. "http://localhost:8090".
	BaseURL string
	// Token supplies the bearer credential. Required.
	Token TokenFunc
	// HTTPClient is used for all requests. Nil uses a client bounded by
	// timeouts.APIRequest.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the store API.
type Client struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("api: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid base url %q: %w", cfg.BaseURL, err)
	}
	if cfg.Token == nil {
		return nil, errors.New("api: token source is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.APIRequest}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Channels fetches the channels visible to the caller.
func (c *Client) Channels(ctx context.Context) ([]chat.Channel, error) {
	var resp ChannelsResponse
	if err := c.do(ctx, http.MethodGet, "/api/channels", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// Channel fetches one channel.
func (c *Client) Channel(ctx context.Context, channelID string) (chat.Channel, error) {
	var resp ChannelResponse
	if err := c.do(ctx, http.MethodGet, "/api/channels/"+url.PathEscape(channelID), nil, nil, &resp); err != nil {
		return chat.Channel{}, err
	}
	return resp.Channel, nil
}

// CreateChannel creates a channel and returns the stored copy.
func (c *Client) CreateChannel(ctx context.Context, channel chat.Channel) (chat.Channel, error) {
	var resp ChannelResponse
	if err := c.do(ctx, http.MethodPost, "/api/channels", nil, channel, &resp); err != nil {
		return chat.Channel{}, err
	}
	return resp.Channel, nil
}

// ArchiveChannel archives a channel.
func (c *Client) ArchiveChannel(ctx context.Context, channelID string) (chat.Channel, error) {
	var resp ChannelResponse
	if err := c.do(ctx, http.MethodPost, "/api/channels/"+url.PathEscape(channelID)+"/archive", nil, nil, &resp); err != nil {
		return chat.Channel{}, err
	}
	return resp.Channel, nil
}

// Members fetches the member profiles of a channel.
func (c *Client) Members(ctx context.Context, channelID string) ([]chat.Member, error) {
	var resp MembersResponse
	if err := c.do(ctx, http.MethodGet, "/api/channels/"+url.PathEscape(channelID)+"/members", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// AddMember adds userID to a channel.
func (c *Client) AddMember(ctx context.Context, channelID, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/channels/"+url.PathEscape(channelID)+"/members", nil, AddMemberInput{UserID: userID}, nil)
}

// RemoveMember removes userID from a channel.
func (c *Client) RemoveMember(ctx context.Context, channelID, userID string) error {
	path := "/api/channels/" + url.PathEscape(channelID) + "/members/" + url.PathEscape(userID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Messages fetches a page of channel history.
func (c *Client) Messages(ctx context.Context, channelID string, page Page) ([]chat.Message, error) {
	query := url.Values{}
	if page.Limit > 0 {
		query.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		query.Set("offset", strconv.Itoa(page.Offset))
	}
	var resp MessagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/channels/"+url.PathEscape(channelID)+"/messages", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage creates a message in a channel.
func (c *Client) SendMessage(ctx context.Context, channelID string, msg chat.OutboundMessage) (chat.Message, error) {
	var resp MessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/channels/"+url.PathEscape(channelID)+"/messages", nil, NewMessageInput(msg), &resp); err != nil {
		return chat.Message{}, err
	}
	return resp.Message, nil
}

// MarkRead records that the caller has read a channel.
func (c *Client) MarkRead(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/api/channels/"+url.PathEscape(channelID)+"/read", nil, nil, nil)
}

// UpdateMessage replaces the body of a message.
func (c *Client) UpdateMessage(ctx context.Context, messageID, body string) (chat.Message, error) {
	var resp MessageResponse
	if err := c.do(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(messageID), nil, UpdateMessageInput{Body: body}, &resp); err != nil {
		return chat.Message{}, err
	}
	return resp.Message, nil
}

// DeleteMessage soft-deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil, nil)
}

// SearchMessages runs a text search over messages.
func (c *Client) SearchMessages(ctx context.Context, q SearchQuery) ([]chat.Message, error) {
	query := url.Values{}
	query.Set("q", q.Query)
	if q.ChannelID != "" {
		query.Set("channel_id", q.ChannelID)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp MessagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/messages/search", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (err error) {
	ctx, span := otel.Tracer("chat/api").Start(ctx, method+" "+routeOf(path))
	span.SetAttributes(attribute.String("http.request.method", method), attribute.String("url.path", path))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	token, err := c.token(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeNotAuthenticated, "api: load token", err)
	}
	if strings.TrimSpace(token) == "" {
		return apperrors.New(apperrors.CodeNotAuthenticated, "api: no access token")
	}

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeValidation, "api: encode request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "api: build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.WrapWithMetadata(apperrors.CodeConnectionError,
			fmt.Sprintf("api: %s %s failed", method, path),
			map[string]string{"Method": method, "Path": path}, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeConnectionError, "api: read response body", err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := statusError(method, path, resp.StatusCode, payload)
		c.logger.Debug("store api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(apiErr),
		)
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, fmt.Sprintf("api: decode %s %s response", method, path), err)
	}
	return nil
}

func statusError(method, path string, status int, payload []byte) *apperrors.Error {
	code := apperrors.CodeFromHTTPStatus(status)
	message := http.StatusText(status)

	var body ErrorResponse
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Error.Message != "" {
			message = body.Error.Message
		}
		if code == apperrors.CodeUnknown {
			code = apperrors.ParseCode(body.Error.Code)
		}
	}
	return apperrors.WithMetadata(code,
		fmt.Sprintf("api: %s %s: %s", method, path, message),
		map[string]string{"Method": method, "Path": path, "Status": strconv.Itoa(status)},
	)
}

// routeOf collapses ids out of a path for low-cardinality span names.
func routeOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if i >= 2 && part != "archive" && part != "members" && part != "messages" && part != "read" && part != "search" {
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}
