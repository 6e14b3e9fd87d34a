package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultBotAPIURL = "https://api.telegram.org"

// PermanentError marks a delivery failure that retrying will not fix
type PermanentError struct {
	Status      int
	Description string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("telegram api: status %d: %s", e.Status, e.Description)
}

// IsPermanent reports whether err should not be retried
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// TelegramTransport sends events with the Bot API sendMessage method
type TelegramTransport struct {
	client  *http.Client
	baseURL string
	token   string
}

type TransportOption func(*TelegramTransport)

func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *TelegramTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithBaseURL points the transport at another Bot API host
func WithBaseURL(url string) TransportOption {
	return func(t *TelegramTransport) {
		if url != "" {
			t.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func NewTelegramTransport(botToken string, opts ...TransportOption) *TelegramTransport {
	t := &TelegramTransport{
		client:  http.DefaultClient,
		baseURL: DefaultBotAPIURL,
		token:   botToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramTransport) Deliver(ctx context.Context, to Recipient, event Event) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: to.ChatID, Text: event.Text})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram api: %w", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode == http.StatusOK && out.OK {
		return nil
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &PermanentError{Status: resp.StatusCode, Description: out.Description}
	}
	return fmt.Errorf("telegram api: status %d: %s", resp.StatusCode, out.Description)
}
