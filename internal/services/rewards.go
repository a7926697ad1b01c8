package services

import (
	"context"
	"errors"
	"time"

	"vpn-miniapp-backend/internal/db"
)

// Задания, за которые начисляются бесплатные дни
const (
	TaskWelcomeBonus  = "welcome_bonus"
	TaskFirstPurchase = "first_purchase"
)

type taskDef struct {
	Key   string
	Title string
	Days  int
}

var taskCatalog = []taskDef{
	{Key: TaskWelcomeBonus, Title: "Бонус за регистрацию", Days: 1},
	{Key: TaskFirstPurchase, Title: "Первая покупка", Days: 1},
}

type Task struct {
	Key       string `json:"key"`
	Title     string `json:"title"`
	Days      int    `json:"days"`
	Completed bool   `json:"completed"`
	Available bool   `json:"available"`
}

type RewardService struct {
	store db.Store
	opts  Options
}

func NewRewardService(store db.Store, opts Options) *RewardService {
	return &RewardService{store: store, opts: opts.withDefaults()}
}

func (r *RewardService) Tasks(ctx context.Context, userID uint) ([]Task, error) {
	done, err := r.store.ListUserTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	completed := make(map[string]bool, len(done))
	for _, t := range done {
		completed[t.TaskKey] = true
	}
	out := make([]Task, 0, len(taskCatalog))
	for _, def := range taskCatalog {
		t := Task{Key: def.Key, Title: def.Title, Days: def.Days, Completed: completed[def.Key]}
		if !t.Completed {
			if t.Available, err = r.eligible(ctx, r.store, userID, def.Key); err != nil {
				return nil, err
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// CompleteTask засчитывает задание и начисляет дни; возвращает новый баланс
func (r *RewardService) CompleteTask(ctx context.Context, userID uint, key string) (int, error) {
	var def *taskDef
	for i := range taskCatalog {
		if taskCatalog[i].Key == key {
			def = &taskCatalog[i]
		}
	}
	if def == nil {
		return 0, ErrTaskNotFound
	}

	var balance int
	err := r.store.Transaction(ctx, func(tx db.Store) error {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return notFound(err, ErrUserNotFound)
		}
		done, err := tx.ListUserTasks(ctx, userID)
		if err != nil {
			return err
		}
		for _, t := range done {
			if t.TaskKey == key {
				return ErrTaskCompleted
			}
		}
		ok, err := r.eligible(ctx, tx, userID, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrTaskNotEligible
		}
		if err := tx.CreateUserTask(ctx, &db.UserTask{UserID: userID, TaskKey: key}); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return ErrTaskCompleted
			}
			return err
		}
		balance, err = creditDays(ctx, tx, userID, def.Days, db.DaysSourceTask, key)
		return err
	})
	return balance, err
}

func (r *RewardService) eligible(ctx context.Context, tx db.Store, userID uint, key string) (bool, error) {
	if key == TaskFirstPurchase {
		return tx.HasCompletedOrder(ctx, userID)
	}
	return true, nil
}

type CheckinResult struct {
	Streak  int `json:"streak"`
	Reward  int `json:"reward"`
	Balance int `json:"balance"`
}

// Checkin — раз в сутки по UTC. Серия растёт при отметке в соседние дни,
// сбрасывается при пропуске и не превышает CheckinMax
func (r *RewardService) Checkin(ctx context.Context, userID uint) (*CheckinResult, error) {
	var res *CheckinResult
	err := r.store.Transaction(ctx, func(tx db.Store) error {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return notFound(err, ErrUserNotFound)
		}
		c, err := tx.LockCheckin(ctx, userID)
		if err != nil {
			return err
		}
		now := r.opts.Now().UTC()
		today := day(now)
		switch {
		case c.LastCheckin != nil && day(*c.LastCheckin).Equal(today):
			return ErrAlreadyCheckedIn
		case c.LastCheckin != nil && day(*c.LastCheckin).Equal(today.AddDate(0, 0, -1)):
			c.Count++
		default:
			c.Count = 1
		}
		if c.Count > r.opts.CheckinMax {
			c.Count = r.opts.CheckinMax
		}
		c.LastCheckin = &now
		if err := tx.SaveCheckin(ctx, c); err != nil {
			return err
		}
		reward := r.opts.CheckinRewardDays
		balance, err := creditDays(ctx, tx, userID, reward, db.DaysSourceCheckin, today.Format("2006-01-02"))
		if err != nil {
			return err
		}
		res = &CheckinResult{Streak: c.Count, Reward: reward, Balance: balance}
		return nil
	})
	return res, err
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
