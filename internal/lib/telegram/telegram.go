// Package telegram отправляет сообщения провайдерам через Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Client отправитель сообщений от имени бота.
type Client struct {
	bot *tgbotapi.BotAPI
}

// New авторизует бота по токену.
func New(token string) (*Client, error) {
	return NewWithEndpoint(token, tgbotapi.APIEndpoint)
}

// NewWithEndpoint авторизует бота на указанном адресе Bot API
// (формат как у tgbotapi.APIEndpoint).
func NewWithEndpoint(token, endpoint string) (*Client, error) {
	const op = "telegram.New"
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Client{bot: bot}, nil
}

// Username возвращает имя бота.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// SendMessage отправляет текст в Markdown в чат провайдера.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	const op = "telegram.SendMessage"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// IsPermanent сообщает, что повтор отправки не поможет: бот заблокирован,
// чат не найден или запрос отклонён.
func IsPermanent(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusBadRequest
	}
	var apiErrVal tgbotapi.Error
	if errors.As(err, &apiErrVal) {
		return apiErrVal.Code == http.StatusForbidden || apiErrVal.Code == http.StatusBadRequest
	}
	return false
}
