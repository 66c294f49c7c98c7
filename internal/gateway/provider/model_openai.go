package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"helmsman/internal/logger"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIChatClient 兼容 OpenAI / DeepSeek / Qwen 的 /chat/completions 接口。
type OpenAIChatClient struct {
	ProviderID   string
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	Timeout      time.Duration
	MaxRetries   int // 429/5xx 的重试次数，0 表示默认 2 次
	ExtraHeaders map[string]string
	HTTPClient   *http.Client
}

func (c *OpenAIChatClient) ID() string {
	if c.ProviderID != "" {
		return c.ProviderID
	}
	return c.Model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// StatusError 是非 2xx 响应。
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status=%d: %s", e.Code, e.Message)
}

func (e *StatusError) retryable() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *OpenAIChatClient) endpoint() string {
	url := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if url == "" {
		url = defaultBaseURL
	}
	// 配置里可能已经写了完整路径
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

func (c *OpenAIChatClient) Call(ctx context.Context, payload ChatPayload) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if payload.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: payload.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: payload.User})
	temp := c.Temperature
	if temp <= 0 {
		temp = 0.3
	}
	req := chatRequest{Model: c.Model, Messages: messages, Temperature: temp, MaxTokens: payload.MaxTokens}
	if payload.ExpectJSON {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpc := c.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: timeout}
	}
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	b := &backoff.Backoff{Min: 800 * time.Millisecond, Max: 8 * time.Second, Factor: 2}
	url := c.endpoint()
	logger.Debugf("Provider: POST %s model=%s key=%s bytes=%d", url, c.Model, maskKey(c.APIKey), len(body))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		out, retryAfter, err := c.do(ctx, httpc, url, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
		var se *StatusError
		if !errors.As(err, &se) || !se.retryable() || attempt == maxRetries {
			break
		}
		wait := b.Duration()
		if retryAfter > 0 {
			wait = retryAfter
		}
		logger.Warnf("Provider: %s attempt %d failed: %v, retry in %s", c.ID(), attempt+1, err, wait)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

func (c *OpenAIChatClient) do(ctx context.Context, httpc *http.Client, url string, body []byte) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range c.ExtraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var eresp chatError
		_ = json.NewDecoder(resp.Body).Decode(&eresp)
		msg := strings.TrimSpace(eresp.Error.Message)
		if msg == "" {
			msg = resp.Status
		}
		var retryAfter time.Duration
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
		return "", retryAfter, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	var r chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", 0, fmt.Errorf("decode chat response: %w", err)
	}
	if len(r.Choices) == 0 {
		return "", 0, fmt.Errorf("empty choices")
	}
	return r.Choices[0].Message.Content, 0, nil
}

func maskKey(key string) string {
	if key == "" {
		return "<none>"
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
