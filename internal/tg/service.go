package tg

import (
	"context"
	"strings"

	"github.com/pvzzle/tipledger/internal/bus"
	"github.com/pvzzle/tipledger/internal/locale"
	"github.com/pvzzle/tipledger/internal/observability"
	"github.com/pvzzle/tipledger/internal/price"
	"github.com/pvzzle/tipledger/internal/storage"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
)

const (
	cbPrices     = "prices"
	cbHistory    = "history"
	cbBackToMain = "back_main"

	historyLimit = 10
)

type Prices interface {
	Table() *price.Table
}

type History interface {
	History(ctx context.Context, userID string, limit int) ([]storage.LedgerEntry, error)
}

type messageSender interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
}

type Service struct {
	bot    *tgbot.Bot
	sender messageSender

	prices   Prices
	history  History
	notifyCh <-chan bus.Notification
	chatID   int64

	state   *StateStore
	printer *locale.Printer
	log     *zap.Logger
	metrics *observability.Metrics
}

// NewService wires the bot handlers. Notifications without a chat id go to
// defaultChatID.
func NewService(
	b *tgbot.Bot,
	prices Prices,
	history History,
	notifyCh <-chan bus.Notification,
	defaultChatID int64,
	printer *locale.Printer,
	log *zap.Logger,
	metrics *observability.Metrics,
) *Service {
	if printer == nil {
		printer = locale.New("en")
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		bot:      b,
		sender:   b,
		prices:   prices,
		history:  history,
		notifyCh: notifyCh,
		chatID:   defaultChatID,
		state:    NewStateStore(),
		printer:  printer,
		log:      log.Named("tg"),
		metrics:  metrics,
	}
	s.registerHandlers()
	return s
}

func (s *Service) registerHandlers() {
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/start", tgbot.MatchTypeExact, s.onStart)
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/prices", tgbot.MatchTypeExact, s.onPrices)
	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "/history", tgbot.MatchTypePrefix, s.onHistoryCommand)

	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbPrices, tgbot.MatchTypeExact, s.onCbPrices)
	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbHistory, tgbot.MatchTypeExact, s.onCbHistory)
	s.bot.RegisterHandler(tgbot.HandlerTypeCallbackQueryData, cbBackToMain, tgbot.MatchTypeExact, s.onCbBackToMain)

	s.bot.RegisterHandler(tgbot.HandlerTypeMessageText, "", tgbot.MatchTypePrefix, s.onAnyText)
}

// StartNotifyLoop delivers platform notifications until ctx is done or the
// channel closes. Delivery is best effort.
func (s *Service) StartNotifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.notifyCh:
			if !ok {
				return
			}
			s.deliver(ctx, n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n bus.Notification) {
	chatID := n.ChatID
	if chatID == 0 {
		chatID = s.chatID
	}
	if chatID == 0 {
		s.log.Warn("notification dropped: no chat configured", zap.String("tag", n.Tag))
		s.metrics.Notification("telegram", "skipped")
		return
	}

	_, err := s.sender.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:              chatID,
		Text:                FormatNotification(n),
		DisableNotification: !n.RequireInteraction,
	})
	if err != nil {
		s.log.Warn("send notification failed", zap.Int64("chat_id", chatID), zap.String("tag", n.Tag), zap.Error(err))
		s.metrics.Notification("telegram", "error")
		return
	}
	s.metrics.Notification("telegram", "ok")
}

func mainMenu() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "Prices", CallbackData: cbPrices},
				{Text: "History", CallbackData: cbHistory},
			},
		},
	}
}

func backMenu() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: "Back", CallbackData: cbBackToMain}},
		},
	}
}

func (s *Service) onStart(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	chatID := upd.Message.Chat.ID
	s.state.Set(chatID, StateIdle)

	s.send(ctx, b, &tgbot.SendMessageParams{
		ChatID:      chatID,
		Text:        "Tip ledger bot. Reward approvals are posted here.\n\nChoose an action:",
		ReplyMarkup: mainMenu(),
	})
}

func (s *Service) onPrices(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	s.sendPrices(ctx, b, upd.Message.Chat.ID)
}

func (s *Service) onHistoryCommand(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	chatID := upd.Message.Chat.ID

	userID, ok := ParseHistoryCommand(upd.Message.Text)
	if !ok {
		s.state.Set(chatID, StateAwaitUserID)
		s.send(ctx, b, &tgbot.SendMessageParams{ChatID: chatID, Text: "Send the user id:"})
		return
	}
	s.sendHistory(ctx, b, chatID, userID)
}

func (s *Service) onCbPrices(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.sendPrices(ctx, b, chatID)
}

func (s *Service) onCbHistory(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.state.Set(chatID, StateAwaitUserID)
	s.send(ctx, b, &tgbot.SendMessageParams{ChatID: chatID, Text: "Send the user id:"})
}

func (s *Service) onCbBackToMain(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	chatID, ok := s.callbackChat(ctx, b, upd)
	if !ok {
		return
	}
	s.state.Set(chatID, StateIdle)
	s.send(ctx, b, &tgbot.SendMessageParams{ChatID: chatID, Text: "Main menu:", ReplyMarkup: mainMenu()})
}

func (s *Service) onAnyText(ctx context.Context, b *tgbot.Bot, upd *models.Update) {
	if upd.Message == nil {
		return
	}
	chatID := upd.Message.Chat.ID
	text := strings.TrimSpace(upd.Message.Text)

	// commands have their own handlers
	if strings.HasPrefix(text, "/") {
		return
	}

	switch s.state.Get(chatID) {
	case StateAwaitUserID:
		s.state.Set(chatID, StateIdle)
		s.sendHistory(ctx, b, chatID, text)
	default:
		s.send(ctx, b, &tgbot.SendMessageParams{ChatID: chatID, Text: "Use /start to open the menu."})
	}
}

func (s *Service) sendPrices(ctx context.Context, b *tgbot.Bot, chatID int64) {
	s.send(ctx, b, &tgbot.SendMessageParams{
		ChatID:      chatID,
		Text:        FormatPrices(s.prices.Table(), s.printer),
		ReplyMarkup: backMenu(),
	})
}

func (s *Service) sendHistory(ctx context.Context, b *tgbot.Bot, chatID int64, userID string) {
	if !IsUserID(userID) {
		s.send(ctx, b, &tgbot.SendMessageParams{ChatID: chatID, Text: "That does not look like a user id."})
		return
	}

	items, err := s.history.History(ctx, userID, historyLimit)
	if err != nil {
		s.log.Warn("history read failed", zap.String("user_id", userID), zap.Error(err))
		s.send(ctx, b, &tgbot.SendMessageParams{ChatID: chatID, Text: "Could not read history, try again later."})
		return
	}

	text := "History is empty."
	if len(items) > 0 {
		text = FormatHistory(userID, items, s.printer)
	}
	s.send(ctx, b, &tgbot.SendMessageParams{ChatID: chatID, Text: text, ReplyMarkup: backMenu()})
}

func (s *Service) callbackChat(ctx context.Context, b *tgbot.Bot, upd *models.Update) (int64, bool) {
	cb := upd.CallbackQuery
	if cb == nil || cb.Message.Type == models.MaybeInaccessibleMessageTypeInaccessibleMessage || cb.Message.Message == nil {
		return 0, false
	}
	if _, err := b.AnswerCallbackQuery(ctx, &tgbot.AnswerCallbackQueryParams{CallbackQueryID: cb.ID}); err != nil {
		s.log.Debug("answer callback failed", zap.Error(err))
	}
	return cb.Message.Message.Chat.ID, true
}

func (s *Service) send(ctx context.Context, b *tgbot.Bot, p *tgbot.SendMessageParams) {
	if _, err := b.SendMessage(ctx, p); err != nil {
		s.log.Warn("send message failed", zap.Any("chat_id", p.ChatID), zap.Error(err))
	}
}

// LogSink drains notifications into the log when no bot is configured.
func LogSink(ctx context.Context, ch <-chan bus.Notification, log *zap.Logger) {
	log = log.Named("notify-log")
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			log.Info("platform notification",
				zap.String("title", n.Title),
				zap.String("body", n.Body),
				zap.String("tag", n.Tag),
				zap.Bool("require_interaction", n.RequireInteraction),
			)
		}
	}
}
