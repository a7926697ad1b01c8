package services

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/db"
	"vpn-miniapp-backend/internal/logger"
)

type UserService struct {
	store db.Store
}

func NewUserService(store db.Store) *UserService {
	return &UserService{store: store}
}

// Register находит или создаёт пользователя. Пригласивший записывается
// только при создании и никогда не равен самому пользователю. created —
// пользователь создан этим вызовом
func (s *UserService) Register(ctx context.Context, tgID int64, username string, referrerTG int64) (user *db.User, created bool, err error) {
	if tgID == 0 {
		return nil, false, ErrBadRequest
	}
	err = s.store.Transaction(ctx, func(tx db.Store) error {
		existing, err := tx.GetUserByTelegramID(ctx, tgID)
		if err == nil {
			user = existing
			return nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}

		u := &db.User{TelegramID: tgID, Username: username, Role: db.RoleUser}
		if referrerTG != 0 && referrerTG != tgID {
			ref, err := tx.GetUserByTelegramID(ctx, referrerTG)
			switch {
			case err == nil:
				u.ReferrerID = &ref.ID
			case !errors.Is(err, db.ErrNotFound):
				return err
			}
		}
		if err := tx.CreateUser(ctx, u); err != nil {
			return err
		}
		if _, err := tx.LockWallet(ctx, u.ID); err != nil {
			return err
		}
		user, created = u, true
		return nil
	})
	if errors.Is(err, db.ErrDuplicate) {
		// параллельная регистрация того же пользователя
		user, err = s.store.GetUserByTelegramID(ctx, tgID)
		return user, false, err
	}
	if err != nil {
		return nil, false, err
	}
	if created {
		logger.Info("user registered", zap.Int64("tg_id", tgID), zap.Bool("referred", user.ReferrerID != nil))
	}
	return user, created, nil
}

func (s *UserService) ByTelegramID(ctx context.Context, tgID int64) (*db.User, error) {
	u, err := s.store.GetUserByTelegramID(ctx, tgID)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return u, nil
}

func (s *UserService) Get(ctx context.Context, id uint) (*db.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return u, nil
}
