package logger

import (
	"fmt"
	"sync"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender: то, что умеет отправить сообщение в Telegram (*tgbotapi.BotAPI)
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

var (
	mu      sync.RWMutex
	sender  Sender
	adminID int64
)

// InitNotifier инициализирует Telegram-уведомления об ошибках
func InitNotifier(s Sender, admin int64) {
	mu.Lock()
	defer mu.Unlock()
	sender = s
	adminID = admin
}

// NotifyAdmin отправляет критическое уведомление админу
func NotifyAdmin(msg string) {
	mu.RLock()
	s, id := sender, adminID
	mu.RUnlock()
	if s == nil || id == 0 {
		return
	}
	if _, err := s.Send(tgbotapi.NewMessage(id, "[ALERT] "+msg)); err != nil {
		log.Warn("admin alert not delivered", zap.Error(err))
	}
}

// NotifyOnPanic ловит панику, логирует и уведомляет
func NotifyOnPanic(where string) {
	if r := recover(); r != nil {
		log.Error("panic recovered", zap.String("where", where), zap.Any("panic", r))
		NotifyAdmin("Panic in " + where + ": " + toString(r))
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprintf("%v", t)
	}
}
