package alerting

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

	"github.com/rs/zerolog"

	"forward-factor-alerts/internal/notify"
)

// CallbackHandler 处理按钮回调并返回用户决策。
type CallbackHandler interface {
	Handle(ctx context.Context, ev notify.ActionEvent) (string, error)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息并接收按钮回调。
type TelegramNotifier struct {
	botToken    string
	baseURL     string
	pollTimeout time.Duration
	client      *http.Client
	logger      zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, baseURL string, timeout, pollTimeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken:    botToken,
		baseURL:     strings.TrimRight(baseURL, "/"),
		pollTimeout: pollTimeout,
		// long polls hold the connection for pollTimeout
		client: &http.Client{Timeout: timeout + pollTimeout},
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

// Send 调用 sendMessage API 推送文本，按钮放在同一行。
func (n *TelegramNotifier) Send(ctx context.Context, msg notify.Message) error {
	req := sendMessageRequest{ChatID: msg.ChatID, Text: msg.Text}
	if len(msg.Buttons) > 0 {
		row := make([]inlineButton, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			row = append(row, inlineButton{Text: b.Text, CallbackData: b.Data})
		}
		req.ReplyMarkup = &replyMarkup{InlineKeyboard: [][]inlineButton{row}}
	}

	if err := n.call(ctx, "sendMessage", req, nil); err != nil {
		return err
	}
	n.logger.Info().Str("chat_id", msg.ChatID).Int("buttons", len(msg.Buttons)).Msg("消息已发送 (Telegram)")
	return nil
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type callbackQuery struct {
	ID      string `json:"id"`
	Data    string `json:"data"`
	Message *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
	From struct {
		ID int64 `json:"id"`
	} `json:"from"`
}

// PollCallbacks 长轮询 getUpdates，把按钮回调交给 handler，直到 ctx 结束。
func (n *TelegramNotifier) PollCallbacks(ctx context.Context, handler CallbackHandler) error {
	n.logger.Info().Dur("poll_timeout", n.pollTimeout).Msg("callback polling started")
	var offset int64
	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := n.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.logger.Error().Err(err).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			if u.CallbackQuery != nil {
				n.handleCallback(ctx, handler, u.CallbackQuery)
			}
		}
	}
}

func (n *TelegramNotifier) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	req := map[string]any{
		"offset":          offset,
		"timeout":         int(n.pollTimeout.Seconds()),
		"allowed_updates": []string{"callback_query"},
	}
	var updates []update
	if err := n.call(ctx, "getUpdates", req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (n *TelegramNotifier) handleCallback(ctx context.Context, handler CallbackHandler, q *callbackQuery) {
	chatID := strconv.FormatInt(q.From.ID, 10)
	if q.Message != nil {
		chatID = strconv.FormatInt(q.Message.Chat.ID, 10)
	}

	decision, err := handler.Handle(ctx, notify.ActionEvent{ChatID: chatID, Data: q.Data, ReceivedAt: time.Now().UTC()})
	answer := notify.DecisionLabel(decision)
	if err != nil {
		n.logger.Warn().Err(err).Str("chat_id", chatID).Str("data", q.Data).Msg("callback rejected")
		answer = "Could not process your action."
		if errors.Is(err, notify.ErrInvalidAction) {
			answer = "Invalid action."
		}
	}

	if err := n.call(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": q.ID, "text": answer}, nil); err != nil {
		n.logger.Warn().Err(err).Msg("answerCallbackQuery failed")
	}
	if err != nil || q.Message == nil {
		return
	}

	edit := map[string]any{
		"chat_id":    q.Message.Chat.ID,
		"message_id": q.Message.MessageID,
		"text":       q.Message.Text + "\n\n" + answer,
	}
	if err := n.call(ctx, "editMessageText", edit, nil); err != nil {
		n.logger.Warn().Err(err).Msg("editMessageText failed")
	}
}

// call 发起一次 Bot API 调用，result 非空时解析返回的 result 字段。
func (n *TelegramNotifier) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram %s 响应码异常: %d", method, resp.StatusCode)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode telegram %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram %s 返回 ok=false: %s", method, envelope.Description)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode telegram %s result: %w", method, err)
		}
	}
	return nil
}

// LogSender 只记录日志，用于未配置 Telegram 的环境。
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender 构造日志告警器。
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Send 输出消息到日志。
func (s *LogSender) Send(_ context.Context, msg notify.Message) error {
	s.logger.Info().Str("chat_id", msg.ChatID).Str("text", msg.Text).Int("buttons", len(msg.Buttons)).Msg("alert (log only)")
	return nil
}

var (
	_ notify.Sender = (*TelegramNotifier)(nil)
	_ notify.Sender = (*LogSender)(nil)
)
