// Package lark is a minimal client for the Lark (Feishu) open platform:
// just the message APIs this bot needs, plus the inbound webhook payload
// types and the reply-card markup.
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBaseURL = "https://open.feishu.cn"

// tokens are refreshed this long before the platform-reported expiry
const tokenExpiryMargin = 5 * time.Minute

type Client struct {
	http      *http.Client
	baseURL   string
	appID     string
	appSecret string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(httpClient *http.Client, baseURL, appID, appSecret string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:      httpClient,
		baseURL:   baseURL,
		appID:     appID,
		appSecret: appSecret,
	}
}

func (c *Client) AppID() string { return c.appID }

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// ReplyMessage posts a reply into the thread of messageID and returns the id
// of the created message. The fresh uuid makes the reply idempotent on the
// platform side.
func (c *Client) ReplyMessage(ctx context.Context, messageID, content, msgType string) (string, error) {
	body := map[string]any{
		"content":         content,
		"msg_type":        msgType,
		"reply_in_thread": false,
		"uuid":            uuid.NewString(),
	}
	path := fmt.Sprintf("/open-apis/im/v1/messages/%s/reply", messageID)
	data, err := c.call(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", fmt.Errorf("reply message: %w", err)
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("reply message: decode data: %w", err)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("reply message: empty message_id in response")
	}
	return out.MessageID, nil
}

// PatchMessage edits an interactive card message in place.
func (c *Client) PatchMessage(ctx context.Context, messageID, content string) error {
	body := map[string]any{"content": content}
	path := fmt.Sprintf("/open-apis/im/v1/messages/%s", messageID)
	if _, err := c.call(ctx, http.MethodPatch, path, body); err != nil {
		return fmt.Errorf("patch message: %w", err)
	}
	return nil
}

// SendText posts a standalone plain-text message into a chat.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	body := map[string]any{
		"receive_id": chatID,
		"content":    string(content),
		"msg_type":   "text",
	}
	path := "/open-apis/im/v1/messages?receive_id_type=chat_id"
	if _, err := c.call(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// GetMessageResource downloads a file attached to a message, e.g. the bytes
// behind an image_key.
func (c *Client) GetMessageResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	path := fmt.Sprintf("/open-apis/im/v1/messages/%s/resources/%s?type=%s", messageID, fileKey, resourceType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get resource: http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get resource: read body: %w", err)
	}
	return data, nil
}

// call issues an authenticated JSON request and unwraps the {code,msg,data}
// envelope, retrying transient platform failures.
func (c *Client) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		status := 0
		headers := http.Header{}
		if err != nil {
			lastErr = err
		} else {
			status = resp.StatusCode
			headers = resp.Header
			respRaw, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else {
				var out apiResponse
				if parseErr := json.Unmarshal(respRaw, &out); parseErr != nil {
					lastErr = fmt.Errorf("%s %s: decode response: %w", method, path, parseErr)
				} else if status < 200 || status >= 300 {
					lastErr = fmt.Errorf("%s %s: http %d: %s", method, path, status, out.Msg)
				} else if out.Code != 0 {
					return nil, fmt.Errorf("%s %s: api code %d: %s", method, path, out.Code, out.Msg)
				} else {
					return out.Data, nil
				}
			}
		}

		if attempt >= maxAttempts {
			break
		}
		if status == 0 {
			status = http.StatusBadGateway
		}
		wait, retryable := retryDelay(status, headers, attempt)
		if !retryable {
			break
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode tenant token: %w", err)
	}
	if out.Code != 0 {
		return "", fmt.Errorf("tenant token: api code %d: %s", out.Code, out.Msg)
	}
	c.token = out.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(out.Expire)*time.Second - tokenExpiryMargin)
	return c.token, nil
}

func retryDelay(status int, headers http.Header, attempt int) (time.Duration, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := strings.TrimSpace(headers.Get("Retry-After"))
		if retryAfter == "" {
			return 1 * time.Second, true
		}
		secs, err := strconv.Atoi(retryAfter)
		if err != nil || secs <= 0 {
			return 1 * time.Second, true
		}
		return time.Duration(secs) * time.Second, true
	case status >= 500 && status <= 599:
		switch attempt {
		case 1:
			return 300 * time.Millisecond, true
		default:
			return 1 * time.Second, true
		}
	default:
		return 0, false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
