package admin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/logger"
)

const (
	backupTimeout = 2 * time.Minute
	backupKeep    = 31 * 24 * time.Hour
	backupExt     = ".dump"
)

// Backuper снимает дампы Postgres через pg_dump
type Backuper struct {
	dsn string
	dir string

	// run выполняет внешнюю команду; подменяется в тестах
	run func(ctx context.Context, name string, args ...string) error
	now func() time.Time
}

func NewBackuper(dsn, dir string) *Backuper {
	if dir == "" {
		dir = "backups"
	}
	return &Backuper{
		dsn: dsn,
		dir: dir,
		run: func(ctx context.Context, name string, args ...string) error {
			out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
			}
			return nil
		},
		now: time.Now,
	}
}

func (b *Backuper) Dir() string { return b.dir }

// Backup создаёт дамп с префиксом prefix ("backup" вручную, "autobackup" по расписанию)
// и чистит дампы старше месяца. Возвращает путь к файлу
func (b *Backuper) Backup(ctx context.Context, prefix string) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()

	filename := filepath.Join(b.dir, prefix+"_"+b.now().Format("20060102_150405")+backupExt)
	if err := b.run(ctx, "pg_dump", b.dsn, "-Fc", "-f", filename); err != nil {
		return "", err
	}
	removed, err := CleanOldBackups(b.dir, backupKeep, b.now())
	if err != nil {
		logger.Warn("backup cleanup failed", zap.String("dir", b.dir), zap.Error(err))
	}
	logger.Info("database backup created", zap.String("file", filename), zap.Int("removed", removed))
	return filename, nil
}

// Restore восстанавливает БД из дампа в каталоге бэкапов
func (b *Backuper) Restore(ctx context.Context, name string) error {
	if name == "" || filepath.Base(name) != name || !strings.HasSuffix(name, backupExt) {
		return fmt.Errorf("%w: bad dump name %q", ErrInvalidInput, name)
	}
	ctx, cancel := context.WithTimeout(ctx, backupTimeout)
	defer cancel()
	return b.run(ctx, "pg_restore", "--clean", "--if-exists", "-d", b.dsn, filepath.Join(b.dir, name))
}

// CleanOldBackups удаляет дампы старше maxAge; возвращает число удалённых
func CleanOldBackups(dir string, maxAge time.Duration, now time.Time) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*backup_*"+backupExt))
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
