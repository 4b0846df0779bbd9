// Package botapi is a minimal Bot API client for the calls the marketplace
// needs; it is not a general bot framework.
package botapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tgmarket/pkg/domain"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	// maxCaptionLen bounds the inline card description.
	maxCaptionLen = 120
)

// Client calls the host platform's Bot API over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError represents a Bot API error response.
type APIError struct {
	Status      int
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bot api error %d: %s", e.Code, e.Description)
}

// NewClient constructs a Bot API client. baseURL is for tests; empty means
// the production endpoint.
func NewClient(token, baseURL string) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("botapi: bot token is required")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// SavePreparedInlineMessage registers an inline card for the product that
// the mini app can hand to the client-side share dialog. It returns the
// prepared message id.
func (c *Client) SavePreparedInlineMessage(userID string, product domain.Product, imageURL string) (string, error) {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("botapi: user id %q is not numeric", userID)
	}
	payload := map[string]any{
		"user_id": uid,
		"result": map[string]any{
			"type":          "article",
			"id":            product.ID,
			"title":         product.Title,
			"description":   truncate(product.Description, maxCaptionLen),
			"thumbnail_url": imageURL,
			"input_message_content": map[string]any{
				"message_text": fmt.Sprintf("%s (%s)", product.Title, product.Price.StringFixed(2)),
			},
		},
		"allow_user_chats":  true,
		"allow_group_chats": true,
	}
	var resp preparedMessage
	if err := c.doJSON("savePreparedInlineMessage", payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) doJSON(method string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("botapi: decode response: %w", err)
	}
	if !envelope.OK {
		return &APIError{Status: resp.StatusCode, Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

type preparedMessage struct {
	ID             string `json:"id"`
	ExpirationDate int64  `json:"expiration_date"`
}
