// Package assistant talks to the external chat completion service that
// understands the user's finance messages.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/models"
)

var ErrNotConfigured = errors.New("assistant is not configured")

const systemPrompt = "Ты финансовый ассистент. Помогай пользователю вести учёт доходов и расходов, " +
	"отвечай кратко и по делу на русском языке."

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.AssistantTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		apiKey:  cfg.AssistantAPIKey,
		baseURL: strings.TrimRight(cfg.AssistantBaseURL, "/"),
		model:   cfg.AssistantModel,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation in the chat completion format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply sends the user's message, preceded by the earlier turns of the
// conversation, to the completion endpoint and returns the answer.
func (c *Client) Reply(ctx context.Context, user *models.User, history []Message, text string) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}

	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, err := url.Parse("/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	fullURL := baseURL.ResolveReference(endpoint).String()

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: text})

	payload := map[string]any{
		"model":    c.model,
		"messages": messages,
		"user":     strconv.FormatInt(user.TelegramID, 10),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post completion: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.log.Error("completion request failed", "status", resp.StatusCode, "url", fullURL, "body", truncateBody(rawBody))
		return "", fmt.Errorf("assistant error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var completion struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawBody, &completion); err != nil {
		return "", fmt.Errorf("decode completion: %w (body=%s)", err, truncateBody(rawBody))
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty completion")
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
