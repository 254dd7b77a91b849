package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier delivers surge alerts through the Telegram Bot API.
// Messages use HTML parse mode: only &, < and > need escaping, which
// keeps price and RVOL strings intact without a MarkdownV2 escape pass.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier for the given bot
// token and target chat/channel ID.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  buildTelegramText(alert),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	// The Bot API reports failures both via status code and an ok=false
	// body with a human-readable description; surface the description.
	var apiResp sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("telegram: status %d", resp.StatusCode)
		}
		return fmt.Errorf("telegram: decode response: %w", err)
	}
	if !apiResp.OK {
		return fmt.Errorf("telegram: api error (status %d): %s", resp.StatusCode, apiResp.Description)
	}

	log.Printf("[notify] telegram alert sent: %s", alert.Title)
	return nil
}

// buildTelegramText renders an alert as HTML: bold title, plain body,
// and a trailing market tag line when the alert names an instrument.
func buildTelegramText(alert Alert) string {
	var b strings.Builder
	switch alert.Level {
	case AlertWarning:
		b.WriteString("⚠️ ")
	case AlertCritical:
		b.WriteString("🚨 ")
	}
	b.WriteString("<b>")
	b.WriteString(escapeHTML(alert.Title))
	b.WriteString("</b>\n\n")
	b.WriteString(escapeHTML(alert.Message))
	if alert.Symbol != "" {
		b.WriteString("\n\n#")
		b.WriteString(escapeHTML(alert.Symbol))
		if alert.Exchange != "" {
			b.WriteString(" #")
			b.WriteString(escapeHTML(alert.Exchange))
		}
	}
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
