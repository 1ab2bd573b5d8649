package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts to one chat through the Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: sendTimeout},
	}
}

// WithAPIBase points the sender at a different Bot API host.
func (t *TelegramSender) WithAPIBase(base string) *TelegramSender {
	t.apiBase = strings.TrimRight(base, "/")
	return t
}

type telegramMessage struct {
	ChatID         string `json:"chat_id"`
	Text           string `json:"text"`
	ParseMode      string `json:"parse_mode"`
	DisablePreview bool   `json:"disable_web_page_preview"`
}

// Send uses sendMessage with the title in bold and the body in a code block,
// so event fields need no escaping.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := "*" + markdownEscaper.Replace(title) + "*"
	if message != "" {
		text += "\n```\n" + strings.ReplaceAll(message, "```", "'''") + "\n```"
	}

	data, err := postJSON(ctx, t.client, t.apiBase+"/bot"+t.token+"/sendMessage", telegramMessage{
		ChatID:         t.chatID,
		Text:           text,
		ParseMode:      "Markdown",
		DisablePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	var reply struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if json.Unmarshal(data, &reply) == nil && !reply.OK {
		return fmt.Errorf("telegram: rejected: %s", reply.Description)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
