package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/services"
)

const (
	adminTokenTTL = 12 * time.Hour
	listLimit     = 20
	// заказ в paid/processing дольше этого считается зависшим
	stuckAfter = 15 * time.Minute
)

type Refunder interface {
	RefundOrder(ctx context.Context, orderID uint) (*db.Order, error)
}

type HealthChecker interface {
	CheckAll(ctx context.Context) ([]services.ServerStatus, error)
}

// Reply: ответ на команду. File, если задан, отправляется документом
type Reply struct {
	Text string
	File string
}

// Commands обрабатывает команды /admin_* из чата администратора
type Commands struct {
	AdminID   int64
	JWTSecret string
	Store     db.Store
	DB        *gorm.DB // при nil статистика недоступна
	Orders    Refunder
	Health    HealthChecker
	Backups   *Backuper
	Now       func() time.Time
}

func (c *Commands) IsAdmin(userID int64) bool {
	return c.AdminID != 0 && userID == c.AdminID
}

func (c *Commands) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Handle выполняет команду. ok=false, если команда не админская или отправитель не админ
func (c *Commands) Handle(ctx context.Context, fromID int64, cmd, args string) (reply Reply, ok bool) {
	if !c.IsAdmin(fromID) || !strings.HasPrefix(cmd, "admin") {
		return Reply{}, false
	}
	argv := strings.Fields(args)
	switch cmd {
	case "admin", "admin_help":
		reply = Reply{Text: helpText}
	case "admin_stats":
		reply = c.stats(ctx)
	case "admin_token":
		reply = c.token()
	case "admin_refund":
		reply = c.refund(ctx, argv)
	case "admin_user":
		reply = c.user(ctx, argv)
	case "admin_servers":
		reply = c.servers(ctx)
	case "admin_failed":
		reply = c.failed(ctx)
	case "admin_payments":
		reply = c.payments(ctx, argv)
	case "admin_backup":
		reply = c.backup(ctx)
	case "admin_restore":
		reply = c.restore(ctx, argv)
	default:
		return Reply{Text: "Неизвестная команда. " + helpText}, true
	}
	logger.LogAdminAction(fromID, cmd, args)
	return reply, true
}

const helpText = `Команды:
/admin_stats - статистика
/admin_token - токен для админ-API
/admin_refund <order_id> - возврат на баланс
/admin_user <tg_id> - пользователь
/admin_servers - статус серверов
/admin_failed - сбойные и зависшие заказы
/admin_payments [from to] - платежи (YYYY-MM-DD)
/admin_backup - дамп БД
/admin_restore <file> - восстановление из дампа`

func (c *Commands) stats(ctx context.Context) Reply {
	if c.DB == nil {
		return Reply{Text: "Статистика недоступна"}
	}
	gdb := c.DB.WithContext(ctx)
	now := c.now()
	today, err := db.CollectStats(gdb, now.Truncate(24*time.Hour), now)
	if err != nil {
		return errReply(err)
	}
	month, err := db.CollectStats(gdb, now.AddDate(0, 0, -30), now)
	if err != nil {
		return errReply(err)
	}
	return Reply{Text: fmt.Sprintf(
		"Пользователей: %d\nАктивных подписок: %d\nОжидают оплаты: %d\nСбойных заказов: %d\nВыручка сегодня: %s\nВыручка за 30 дней: %s",
		today.Users, today.ActiveSubscriptions, today.PendingOrders, today.FailedOrders,
		formatRevenue(today), formatRevenue(month))}
}

func formatRevenue(st *db.Stats) string {
	if len(st.Revenue) == 0 {
		return "0"
	}
	keys := make([]string, 0, len(st.Revenue))
	for k := range st.Revenue {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, st.Revenue[k].StringFixed(2)+" "+k)
	}
	return strings.Join(parts, ", ")
}

func (c *Commands) token() Reply {
	if c.JWTSecret == "" {
		return Reply{Text: "JWT_SECRET не задан, админ-API выключено"}
	}
	tok, err := IssueToken(c.JWTSecret, c.AdminID, adminTokenTTL, c.now())
	if err != nil {
		return errReply(err)
	}
	return Reply{Text: "Токен на 12 ч:\n" + tok}
}

func (c *Commands) refund(ctx context.Context, argv []string) Reply {
	if len(argv) < 1 {
		return Reply{Text: "Использование: /admin_refund <order_id>"}
	}
	id, err := strconv.ParseUint(argv[0], 10, 64)
	if err != nil || id == 0 {
		return Reply{Text: "Неверный номер заказа"}
	}
	o, err := c.Orders.RefundOrder(ctx, uint(id))
	if err != nil {
		return errReply(err)
	}
	return Reply{Text: fmt.Sprintf("Заказ #%d: %s USDT возвращены на баланс", o.ID, o.PriceUSDT.StringFixed(2))}
}

func (c *Commands) user(ctx context.Context, argv []string) Reply {
	if len(argv) < 1 {
		return Reply{Text: "Укажите tg_id"}
	}
	tgID, err := strconv.ParseInt(argv[0], 10, 64)
	if err != nil {
		return Reply{Text: "Неверный tg_id"}
	}
	u, err := c.Store.GetUserByTelegramID(ctx, tgID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Reply{Text: "Пользователь не найден"}
		}
		return errReply(err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "User #%d tg=%d @%s, роль %s, с %s\n", u.ID, u.TelegramID, u.Username, u.Role, u.CreatedAt.Format("02.01.2006"))
	if w, err := c.Store.GetWallet(ctx, u.ID); err == nil {
		fmt.Fprintf(&sb, "Баланс: %s USDT\n", w.Balance.StringFixed(2))
	}
	subs, err := c.Store.ListUserSubscriptions(ctx, u.ID)
	if err != nil {
		return errReply(err)
	}
	if len(subs) == 0 {
		sb.WriteString("Подписок нет")
	}
	for _, s := range subs {
		state := "активна"
		if !s.IsActive || !s.ExpiresAt.After(c.now()) {
			state = "истекла"
		}
		fmt.Fprintf(&sb, "Подписка #%d сервер %d до %s (%s)\n", s.ID, s.ServerID, s.ExpiresAt.Format("02.01.2006 15:04"), state)
	}
	return Reply{Text: strings.TrimRight(sb.String(), "\n")}
}

func (c *Commands) servers(ctx context.Context) Reply {
	statuses, err := c.Health.CheckAll(ctx)
	if err != nil {
		return errReply(err)
	}
	if len(statuses) == 0 {
		return Reply{Text: "Серверов нет"}
	}
	var sb strings.Builder
	sb.WriteString("Статус серверов:\n")
	for _, s := range statuses {
		status := "online"
		if !s.Online {
			status = "offline"
		}
		fmt.Fprintf(&sb, "%s (%s): %s, нагрузка: %d/%d, последний пинг: %s\n",
			s.Name, s.IP, status, s.Load, s.MaxConn, s.LastChecked.Format("02.01 15:04"))
	}
	return Reply{Text: strings.TrimRight(sb.String(), "\n")}
}

func (c *Commands) failed(ctx context.Context) Reply {
	if c.DB == nil {
		return Reply{Text: "Статистика недоступна"}
	}
	orders, err := db.ListFailedOrders(c.DB.WithContext(ctx), c.now().Add(-stuckAfter), listLimit)
	if err != nil {
		return errReply(err)
	}
	if len(orders) == 0 {
		return Reply{Text: "Сбойных заказов нет"}
	}
	var sb strings.Builder
	for _, o := range orders {
		refunded := ""
		if o.Refunded {
			refunded = " (возвращён)"
		}
		if o.Status != db.OrderFailed {
			fmt.Fprintf(&sb, "#%d user=%d %s %s: завис в %s с %s\n", o.ID, o.UserID, o.Purpose, o.Provider, o.Status, o.UpdatedAt.Format("02.01 15:04"))
			continue
		}
		fmt.Fprintf(&sb, "#%d user=%d %s %s: %s%s\n", o.ID, o.UserID, o.Purpose, o.Provider, o.FailReason, refunded)
	}
	return Reply{Text: strings.TrimRight(sb.String(), "\n")}
}

func (c *Commands) payments(ctx context.Context, argv []string) Reply {
	if c.DB == nil {
		return Reply{Text: "Статистика недоступна"}
	}
	to := c.now()
	from := to.AddDate(0, 0, -30)
	if len(argv) == 2 {
		var err error
		if from, err = time.Parse("2006-01-02", argv[0]); err != nil {
			return Reply{Text: "Неверный формат даты (from)"}
		}
		if to, err = time.Parse("2006-01-02", argv[1]); err != nil {
			return Reply{Text: "Неверный формат даты (to)"}
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	pays, err := db.GetPayments(c.DB.WithContext(ctx), from, to, listLimit)
	if err != nil {
		return errReply(err)
	}
	if len(pays) == 0 {
		return Reply{Text: "Платежей нет"}
	}
	var sb strings.Builder
	for _, p := range pays {
		fmt.Fprintf(&sb, "#%d %s %s %s %s\n", p.ID, p.Provider, p.Amount.StringFixed(2), p.Currency, p.Status)
	}
	return Reply{Text: strings.TrimRight(sb.String(), "\n")}
}

func (c *Commands) backup(ctx context.Context) Reply {
	if c.Backups == nil {
		return Reply{Text: "Бэкапы не настроены"}
	}
	file, err := c.Backups.Backup(ctx, "backup")
	if err != nil {
		return errReply(err)
	}
	return Reply{Text: "Резервная копия БД успешно создана", File: file}
}

func (c *Commands) restore(ctx context.Context, argv []string) Reply {
	if c.Backups == nil {
		return Reply{Text: "Бэкапы не настроены"}
	}
	if len(argv) < 1 {
		return Reply{Text: "Укажите имя файла для восстановления"}
	}
	if err := c.Backups.Restore(ctx, argv[0]); err != nil {
		return errReply(err)
	}
	return Reply{Text: "Восстановление успешно завершено из файла: " + argv[0]}
}

func errReply(err error) Reply {
	return Reply{Text: "Ошибка: " + err.Error()}
}
