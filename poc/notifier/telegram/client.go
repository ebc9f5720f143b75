// Package telegram is a minimal Bot API client covering what the notifier sends.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/margo/index-notifier/poc/notifier/types"
	httputils "github.com/margo/index-notifier/shared-lib/http"
)

const parseModeHTML = "HTML"

// APIError is a failed Bot API call.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
	// RetryAfter is set when the API asks the caller to back off
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("telegram %s failed with status %d", e.Method, e.StatusCode)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// Permanent reports whether retrying the same request can never succeed,
// e.g. the bot was blocked or the chat no longer exists.
func (e *APIError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusForbidden:
		return true
	case http.StatusBadRequest:
		return strings.Contains(strings.ToLower(e.Description), "chat not found")
	default:
		return false
	}
}

// IsPermanent reports whether err is an APIError that should not be retried.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}

// RetryAfter returns the back-off requested by the API, or zero.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiURL, botToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("%s/bot%s", strings.TrimRight(apiURL, "/"), botToken),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// User is the subset of the Bot API user object the notifier logs.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// SendMessage delivers an HTML formatted text message to chat.
func (c *Client) SendMessage(ctx context.Context, chat types.ChatID, text string, opts types.SendOptions) error {
	body := sendMessageRequest{
		ChatID:                int64(chat),
		Text:                  text,
		ParseMode:             parseModeHTML,
		DisableNotification:   opts.DisableNotification,
		DisableWebPagePreview: opts.DisableWebPagePreview,
	}

	req, err := httputils.NewPostRequest(ctx, c.baseURL+"/sendMessage", body)
	if err != nil {
		return err
	}

	_, err = c.do(req, "sendMessage")
	return err
}

// GetMe returns the bot account, which validates the token.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	req, err := httputils.NewGetRequest(ctx, c.baseURL+"/getMe")
	if err != nil {
		return nil, err
	}

	result, err := c.do(req, "getMe")
	if err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(result, &user); err != nil {
		return nil, fmt.Errorf("failed to decode getMe result: %w", err)
	}
	return &user, nil
}

func (c *Client) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read telegram %s response: %w", method, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &APIError{Method: method, StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(data))}
	}

	if resp.StatusCode != http.StatusOK || !parsed.OK {
		apiErr := &APIError{Method: method, StatusCode: resp.StatusCode, Description: parsed.Description}
		if parsed.ErrorCode != 0 {
			apiErr.StatusCode = parsed.ErrorCode
		}
		if parsed.Parameters != nil && parsed.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(parsed.Parameters.RetryAfter) * time.Second
		}
		return nil, apiErr
	}

	return parsed.Result, nil
}
