package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	clientPrefix = "/_matrix/client/v3"

	// defaultRequestTimeout bounds every request that is not a sync
	// long-poll.
	defaultRequestTimeout = 60 * time.Second

	// syncTimeoutSlack is added to the long-poll duration so the server
	// has a chance to answer before the client gives up.
	syncTimeoutSlack = 30 * time.Second

	// maxResponseBytes caps response body reads. Initial sync responses
	// of large accounts are the biggest payloads.
	maxResponseBytes = 64 * 1024 * 1024
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Homeserver is the base URL, e.g. "https://matrix.example.org".
	Homeserver string
	// AccessToken authenticates requests. May be set later with
	// SetAccessToken after Login.
	AccessToken string
	// HTTPClient is used for all requests. If nil, a client without a
	// global timeout is created; every request carries its own deadline.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client talks to a Matrix homeserver over the client-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	tokenMu     sync.RWMutex
	accessToken string
}

// NewClient creates a homeserver client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Homeserver == "" {
		return nil, fmt.Errorf("matrix: homeserver URL is required")
	}

	if _, err := url.Parse(cfg.Homeserver); err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver URL %q: %w", cfg.Homeserver, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.Homeserver, "/"),
		httpClient:  httpClient,
		logger:      logger,
		accessToken: cfg.AccessToken,
	}, nil
}

// SetAccessToken replaces the bearer token used for requests.
func (c *Client) SetAccessToken(token string) {
	c.tokenMu.Lock()
	c.accessToken = token
	c.tokenMu.Unlock()
}

func (c *Client) token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()

	return c.accessToken
}

// do sends a request and decodes a JSON response into result. A nil body
// sends no payload; a nil result discards the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The caller cancelled: report an abort, not a failure.
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, ErrAborted)
		}

		var netErr net.Error

		timedOut := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())

		return &ConnectionError{Timeout: timedOut, Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, ErrAborted)
		}

		return &ConnectionError{Timeout: errors.Is(err, context.DeadlineExceeded), Err: fmt.Errorf("reading response from %s: %w", path, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(method, path, resp, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}

	return nil
}

// parseError builds a HomeServerError from a non-2xx response. The body
// is peeked with gjson so non-JSON bodies (from proxies) still yield a
// usable error.
func parseError(method, path string, resp *http.Response, body []byte) error {
	hsErr := &HomeServerError{
		StatusCode: resp.StatusCode,
		Method:     method,
		Path:       path,
		Code:       gjson.GetBytes(body, "errcode").String(),
		Message:    gjson.GetBytes(body, "error").String(),
	}

	if hsErr.Code == "" {
		hsErr.Code = ErrCodeUnknown
		if resp.StatusCode == http.StatusTooManyRequests {
			hsErr.Code = ErrCodeLimitExceeded
		}
	}

	if hsErr.Message == "" {
		hsErr.Message = http.StatusText(resp.StatusCode)
	}

	if ms := gjson.GetBytes(body, "retry_after_ms"); ms.Exists() {
		hsErr.RetryAfter = time.Duration(ms.Int()) * time.Millisecond
	} else if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.Atoi(header); err == nil {
			hsErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	return hsErr
}

func pathEscape(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}

	return strings.Join(escaped, "/")
}

// Versions returns the protocol versions supported by the homeserver.
// Unauthenticated and cheap, so the reconnector uses it as a probe.
func (c *Client) Versions(ctx context.Context) (*VersionsResponse, error) {
	var resp VersionsResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/versions", nil, nil, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("fetching versions: %w", err)
	}

	return &resp, nil
}

// Login authenticates with a password and returns the new session.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/login", nil, req, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	c.logger.Info("logged in to homeserver",
		slog.String("user_id", resp.UserID),
		slog.String("device_id", resp.DeviceID),
	)

	return &resp, nil
}

// Sync performs one incremental sync request, long-polling for
// opts.Timeout milliseconds.
func (c *Client) Sync(ctx context.Context, opts SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	query.Set("timeout", strconv.Itoa(opts.Timeout))

	if opts.Since != "" {
		query.Set("since", opts.Since)
	}

	if opts.Filter != "" {
		query.Set("filter", opts.Filter)
	}

	timeout := time.Duration(opts.Timeout)*time.Millisecond + syncTimeoutSlack

	var resp SyncResponse
	if err := c.do(ctx, http.MethodGet, clientPrefix+"/sync", query, nil, &resp, timeout); err != nil {
		return nil, fmt.Errorf("syncing: %w", err)
	}

	return &resp, nil
}

// Messages fetches a page of room history.
func (c *Client) Messages(ctx context.Context, roomID string, opts MessagesOptions) (*MessagesResponse, error) {
	query := url.Values{}
	if opts.From != "" {
		query.Set("from", opts.From)
	}

	dir := opts.Dir
	if dir == "" {
		dir = Backward
	}

	query.Set("dir", string(dir))

	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	var resp MessagesResponse
	if err := c.do(ctx, http.MethodGet, clientPrefix+"/rooms/"+pathEscape(roomID)+"/messages", query, nil, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("fetching messages for %s: %w", roomID, err)
	}

	return &resp, nil
}

// Members fetches the member events of a room.
func (c *Client) Members(ctx context.Context, roomID string) (*MembersResponse, error) {
	var resp MembersResponse
	if err := c.do(ctx, http.MethodGet, clientPrefix+"/rooms/"+pathEscape(roomID)+"/members", nil, nil, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("fetching members for %s: %w", roomID, err)
	}

	return &resp, nil
}

// Send sends a room event under the given transaction id. Resending
// with the same transaction id is idempotent on the server.
func (c *Client) Send(ctx context.Context, roomID, eventType, txnID string, content any) (*SendResponse, error) {
	path := clientPrefix + "/rooms/" + pathEscape(roomID, "send", eventType, txnID)

	var resp SendResponse
	if err := c.do(ctx, http.MethodPut, path, nil, content, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("sending %s to %s: %w", eventType, roomID, err)
	}

	return &resp, nil
}

// Redact redacts an event.
func (c *Client) Redact(ctx context.Context, roomID, eventID, txnID, reason string) (*SendResponse, error) {
	path := clientPrefix + "/rooms/" + pathEscape(roomID, "redact", eventID, txnID)

	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}

	var resp SendResponse
	if err := c.do(ctx, http.MethodPut, path, nil, body, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("redacting %s: %w", eventID, err)
	}

	return &resp, nil
}

// SendToDevice delivers to-device messages, keyed user -> device.
func (c *Client) SendToDevice(ctx context.Context, eventType, txnID string, messages map[string]map[string]any) error {
	path := clientPrefix + "/sendToDevice/" + pathEscape(eventType, txnID)

	body := map[string]any{"messages": messages}
	if err := c.do(ctx, http.MethodPut, path, nil, body, nil, defaultRequestTimeout); err != nil {
		return fmt.Errorf("sending %s to devices: %w", eventType, err)
	}

	return nil
}

// QueryKeys downloads device keys for the given users.
func (c *Client) QueryKeys(ctx context.Context, req QueryKeysRequest) (*QueryKeysResponse, error) {
	var resp QueryKeysResponse
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/keys/query", nil, req, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("querying keys: %w", err)
	}

	return &resp, nil
}

// ClaimKeys claims one-time keys for the given devices.
func (c *Client) ClaimKeys(ctx context.Context, req ClaimKeysRequest) (*ClaimKeysResponse, error) {
	var resp ClaimKeysResponse
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/keys/claim", nil, req, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("claiming keys: %w", err)
	}

	return &resp, nil
}

// UploadKeys publishes device keys and one-time keys.
func (c *Client) UploadKeys(ctx context.Context, req UploadKeysRequest) (*UploadKeysResponse, error) {
	var resp UploadKeysResponse
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/keys/upload", nil, req, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("uploading keys: %w", err)
	}

	return &resp, nil
}

// RoomKeysVersion fetches the key backup metadata. An empty version
// returns the current backup.
func (c *Client) RoomKeysVersion(ctx context.Context, version string) (*KeyBackupVersion, error) {
	path := clientPrefix + "/room_keys/version"
	if version != "" {
		path += "/" + pathEscape(version)
	}

	var resp KeyBackupVersion
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("fetching key backup version: %w", err)
	}

	return &resp, nil
}

// RoomKeyForSession fetches one backed-up session.
func (c *Client) RoomKeyForSession(ctx context.Context, version, roomID, sessionID string) (*KeyBackupData, error) {
	query := url.Values{}
	query.Set("version", version)

	var resp KeyBackupData
	if err := c.do(ctx, http.MethodGet, clientPrefix+"/room_keys/keys/"+pathEscape(roomID, sessionID), query, nil, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("fetching backed-up key %s: %w", sessionID, err)
	}

	return &resp, nil
}

// UploadRoomKeys stores sessions in the key backup.
func (c *Client) UploadRoomKeys(ctx context.Context, version string, keys RoomKeysUpload) error {
	query := url.Values{}
	query.Set("version", version)

	if err := c.do(ctx, http.MethodPut, clientPrefix+"/room_keys/keys", query, keys, nil, defaultRequestTimeout); err != nil {
		return fmt.Errorf("uploading room keys: %w", err)
	}

	return nil
}

// Join joins a room by id or alias.
func (c *Client) Join(ctx context.Context, roomIDOrAlias string) (*JoinResponse, error) {
	var resp JoinResponse
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/join/"+pathEscape(roomIDOrAlias), nil, map[string]any{}, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("joining %s: %w", roomIDOrAlias, err)
	}

	return &resp, nil
}

// Leave leaves (or rejects the invite to) a room.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/rooms/"+pathEscape(roomID, "leave"), nil, map[string]any{}, nil, defaultRequestTimeout); err != nil {
		return fmt.Errorf("leaving %s: %w", roomID, err)
	}

	return nil
}

// AccountData fetches a global account data event's content.
func (c *Client) AccountData(ctx context.Context, userID, eventType string) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.do(ctx, http.MethodGet, clientPrefix+"/user/"+pathEscape(userID, "account_data", eventType), nil, nil, &resp, defaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("fetching account data %s: %w", eventType, err)
	}

	return resp, nil
}
