// Package courier is the outbound messaging boundary: previews and
// acknowledgements to moderators, and final posts to channels.
package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Button is one inline action under a moderator message.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Message is a moderator-facing message. PhotoURL switches the delivery to
// a photo with caption.
type Message struct {
	Text     string
	PhotoURL string
	Buttons  [][]Button
	HTML     bool
}

// Courier delivers messages to moderators.
type Courier interface {
	Send(ctx context.Context, moderatorID string, msg Message) error
}

// Post is content bound for a channel.
type Post struct {
	Text     string
	PhotoURL string
	HTML     bool
}

// Sender publishes posts to channels and returns the channel message ID.
type Sender interface {
	Publish(ctx context.Context, channel string, post Post) (int64, error)
}

// BotClient implements Courier and Sender over a Telegram-style bot HTTP API.
type BotClient struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	HTTP    *http.Client
}

func (c *BotClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *BotClient) call(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.BaseURL, c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read: %w", method, err)
	}
	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, data)
	}
	if !envelope.OK {
		return nil, fmt.Errorf("%s: %s", method, envelope.Description)
	}
	return envelope.Result, nil
}

func (c *BotClient) send(ctx context.Context, chatID string, text, photoURL string, buttons [][]Button, html bool) (int64, error) {
	payload := map[string]any{"chat_id": chatID}
	method := "sendMessage"
	if photoURL != "" {
		method = "sendPhoto"
		payload["photo"] = photoURL
		payload["caption"] = text
	} else {
		payload["text"] = text
	}
	if html {
		payload["parse_mode"] = "HTML"
	}
	if len(buttons) > 0 {
		payload["reply_markup"] = map[string]any{"inline_keyboard": buttons}
	}
	result, err := c.call(ctx, method, payload)
	if err != nil {
		return 0, err
	}
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(result, &msg); err != nil {
		return 0, fmt.Errorf("%s: decode result: %w", method, err)
	}
	return msg.MessageID, nil
}

func (c *BotClient) Send(ctx context.Context, moderatorID string, msg Message) error {
	_, err := c.send(ctx, moderatorID, msg.Text, msg.PhotoURL, msg.Buttons, msg.HTML)
	return err
}

func (c *BotClient) Publish(ctx context.Context, channel string, post Post) (int64, error) {
	return c.send(ctx, channel, post.Text, post.PhotoURL, nil, post.HTML)
}
