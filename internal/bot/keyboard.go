package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// mainKeyboard: админу кнопки команд, пользователю ссылка на приложение
func (b *Bot) mainKeyboard(isAdmin bool) interface{} {
	if isAdmin {
		return tgbotapi.NewReplyKeyboard(
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_stats"),
				tgbotapi.NewKeyboardButton("/admin_servers"),
				tgbotapi.NewKeyboardButton("/admin_failed"),
			),
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_payments"),
				tgbotapi.NewKeyboardButton("/admin_token"),
				tgbotapi.NewKeyboardButton("/admin_backup"),
			),
		)
	}
	if b.WebAppURL == "" {
		return nil
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Открыть VPN", b.WebAppURL),
		),
	)
}
