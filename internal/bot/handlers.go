package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/admin"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/services"
)

const helpText = `Доступные команды:
/start - Открыть приложение
/subscriptions - Мои подписки
/support - Связаться с поддержкой
/help - Показать эту справку

Покупка, продление и пополнение баланса доступны в приложении.
После оплаты бот пришлёт уведомление, а доступ появится в разделе подписок.`

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer logger.NotifyOnPanic("bot update")

	switch {
	case update.PreCheckoutQuery != nil:
		b.handlePreCheckout(ctx, update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		b.handleSuccessfulPayment(ctx, update.Message)
	case update.Message != nil && update.Message.From != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	}
}

func (b *Bot) isAdmin(userID int64) bool {
	return b.Commands != nil && b.Commands.IsAdmin(userID)
}

func (b *Bot) handleCommand(ctx context.Context, m *tgbotapi.Message) {
	userID := m.From.ID
	cmd := m.Command()
	isAdmin := b.isAdmin(userID)

	if !isAdmin && b.Limiter.IsLimited(userID, cmd) {
		b.reply(m.Chat.ID, "Пожалуйста, не так быстро! Подождите пару секунд...", nil)
		return
	}
	if isAdmin {
		if r, ok := b.Commands.Handle(ctx, userID, cmd, m.CommandArguments()); ok {
			b.sendAdminReply(m.Chat.ID, r)
			return
		}
	}

	switch cmd {
	case "start":
		b.handleStart(ctx, m)
	case "subscriptions":
		b.handleSubscriptions(ctx, m)
	case "support":
		b.reply(m.Chat.ID, "Поддержка: напишите вашему администратору.", nil)
	case "help":
		b.reply(m.Chat.ID, helpText, b.mainKeyboard(isAdmin))
	default:
		b.reply(m.Chat.ID, "Неизвестная команда. Используйте /help для списка всех возможностей.", nil)
	}
}

// parseReferrer разбирает параметр /start: "12345" или "ref_12345"
func parseReferrer(arg string) int64 {
	arg = strings.TrimPrefix(strings.TrimSpace(arg), "ref_")
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func (b *Bot) handleStart(ctx context.Context, m *tgbotapi.Message) {
	ref := parseReferrer(m.CommandArguments())
	_, created, err := b.Users.Register(ctx, m.From.ID, m.From.UserName, ref)
	if err != nil {
		logger.Error("register from bot failed", zap.Int64("tg_id", m.From.ID), zap.Error(err))
		b.reply(m.Chat.ID, "Не удалось зарегистрироваться, попробуйте позже.", nil)
		return
	}
	text := "С возвращением! Откройте приложение, чтобы управлять подписками."
	if created {
		text = "Добро пожаловать! Откройте приложение, чтобы выбрать сервер и тариф."
	}
	b.reply(m.Chat.ID, text, b.mainKeyboard(b.isAdmin(m.From.ID)))
}

func (b *Bot) handleSubscriptions(ctx context.Context, m *tgbotapi.Message) {
	u, err := b.Users.ByTelegramID(ctx, m.From.ID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			b.reply(m.Chat.ID, "Сначала нажмите /start.", nil)
			return
		}
		logger.Error("subscriptions: user lookup failed", zap.Int64("tg_id", m.From.ID), zap.Error(err))
		return
	}
	subs, err := b.Subscriptions.GetUserSubscriptions(ctx, u.ID)
	if err != nil {
		logger.Error("subscriptions: list failed", zap.Uint("user", u.ID), zap.Error(err))
		b.reply(m.Chat.ID, "Не удалось получить подписки, попробуйте позже.", nil)
		return
	}
	b.reply(m.Chat.ID, formatSubscriptions(subs), nil)
}

func formatSubscriptions(subs []services.SubscriptionView) string {
	var sb strings.Builder
	for _, s := range subs {
		if !s.Active {
			continue
		}
		name := s.ServerName
		if s.PlanName != "" {
			name = s.PlanName
		}
		fmt.Fprintf(&sb, "%s: до %s (осталось %d дн.)\n", name, s.ExpiresAt.Format("02.01.2006 15:04"), s.DaysLeft)
		for _, a := range s.AccessData {
			sb.WriteString(a + "\n")
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "У вас нет активных подписок. Купить VPN можно в приложении."
	}
	return "Ваши активные подписки:\n\n" + strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) sendAdminReply(chatID int64, r admin.Reply) {
	if r.File != "" {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(r.File))
		doc.Caption = r.Text
		if _, err := b.API.Send(doc); err != nil {
			logger.Warn("send document failed", zap.String("file", r.File), zap.Error(err))
			b.reply(chatID, r.Text+"\nФайл: "+r.File, nil)
		}
		return
	}
	b.reply(chatID, r.Text, b.mainKeyboard(true))
}
