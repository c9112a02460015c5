package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "jobmaster/pkg/logx"
)

type TelegramConfig struct {
	Token  string
	APIURL string // empty means the public Bot API
}

// Telegram sends plain-text messages through the Bot API. Targets are "chat_id"
// or "chat_id:thread_id".
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat, thread, err := ParseTarget(target)
	if err != nil {
		return err
	}
	opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: thread}
	_, err = t.bot.Send(tele.ChatID(chat), text, opts)
	return err
}

// ParseTarget splits "chat_id[:thread_id]".
func ParseTarget(target string) (chat int64, thread int, err error) {
	target = strings.TrimSpace(target)
	chatPart, threadPart, hasThread := strings.Cut(target, ":")
	chat, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chat == 0 {
		return 0, 0, fmt.Errorf("telegram target %q: want chat_id[:thread_id]", target)
	}
	if hasThread {
		thread, err = strconv.Atoi(threadPart)
		if err != nil || thread < 0 {
			return 0, 0, fmt.Errorf("telegram target %q: bad thread id", target)
		}
	}
	return chat, thread, nil
}

// LogSender writes messages to the application log at info level.
func LogSender(log logx.Logger) Sender {
	return SenderFunc(func(_ context.Context, target, text string) error {
		log.Info("job notification", logx.String("target", target), logx.String("text", text))
		return nil
	})
}
