package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// DefaultTelegramAPI is the public Bot API endpoint
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramNotifier sends the message body through the Bot API sendMessage method
type TelegramNotifier struct {
	name    string
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

type telegramRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// NewTelegramNotifier creates a telegram notifier
func NewTelegramNotifier(r Recipient) (*TelegramNotifier, error) {
	if r.BotToken == "" {
		return nil, fmt.Errorf("recipient %s: telegram botToken is required", r.DisplayName())
	}
	if r.ChatID == "" {
		return nil, fmt.Errorf("recipient %s: telegram chatId is required", r.DisplayName())
	}
	apiBase := strings.TrimRight(r.APIBase, "/")
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	return &TelegramNotifier{
		name:    r.DisplayName(),
		token:   r.BotToken,
		chatID:  r.ChatID,
		apiBase: apiBase,
		client:  &http.Client{},
	}, nil
}

func (t *TelegramNotifier) Name() string     { return t.name }
func (t *TelegramNotifier) Channel() Channel { return ChannelTelegram }

func (t *TelegramNotifier) Notify(ctx context.Context, msg *Message) error {
	text := msg.Body
	if msg.Title != "" {
		text = msg.Title + "\n" + msg.Body
	}
	body, err := json.Marshal(telegramRequest{ChatID: t.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The token is part of the URL, keep it out of the stored error
		return fmt.Errorf("send request: %w", redact(err, t.token))
	}
	defer resp.Body.Close()

	var result telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("non-2xx response (%d)", resp.StatusCode)
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram error %d: %s", result.ErrorCode, result.Description)
	}
	return nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), secret, "<redacted>"), err: err}
}
