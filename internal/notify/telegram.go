// Package notify pushes operator alerts to Telegram. Notifications are
// best-effort: failures are logged, never propagated, so an unreachable
// Telegram API can never break supervision.
package notify

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram sends messages to a single chat via the Bot API.
type Telegram struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

// NewTelegram creates a notifier. Returns nil when token or chatID is
// empty; a nil *Telegram is safe to call and does nothing.
func NewTelegram(token, chatID string) *Telegram {
	if token == "" || chatID == "" {
		return nil
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		apiBase: defaultAPIBase,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SetAPIBase overrides the Bot API endpoint. Intended for tests.
func (t *Telegram) SetAPIBase(base string) {
	t.apiBase = base
}

// Send posts a message about the task to the configured chat.
func (t *Telegram) Send(taskID, text string) {
	if t == nil {
		return
	}

	body, _ := sjson.Set("", "chat_id", t.chatID)
	body, _ = sjson.Set(body, "text", fmt.Sprintf("[%s] %s", taskID, text))
	body, _ = sjson.Set(body, "disable_web_page_preview", true)

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		log.Warnf("notify: telegram send failed for %s: %v", taskID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		desc := gjson.GetBytes(payload, "description").String()
		log.Warnf("notify: telegram API returned %d for %s: %s", resp.StatusCode, taskID, desc)
		return
	}
	log.Debugf("notify: telegram alert sent for %s", taskID)
}
