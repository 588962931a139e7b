package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"inviteflow/pkg/config"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// migrationLockID is the advisory lock key held while migrations run.
const migrationLockID int64 = 0x1f1e_f10e

// Migrator applies the embedded schema migrations.
type Migrator struct {
	m      *migrate.Migrate
	sqlDB  *sql.DB
	logger *zap.Logger
}

func NewMigrator(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{logger: logger}

	return &Migrator{m: m, sqlDB: sqlDB, logger: logger}, nil
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Up applies all pending migrations.
func (mg *Migrator) Up(ctx context.Context) error {
	return mg.locked(ctx, func() error {
		if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Down reverts steps migrations.
func (mg *Migrator) Down(ctx context.Context, steps int) error {
	return mg.locked(ctx, func() error {
		if err := mg.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to revert migrations: %w", err)
		}
		return nil
	})
}

// Force sets the version without running migrations, clearing a dirty state.
func (mg *Migrator) Force(ctx context.Context, version int) error {
	return mg.locked(ctx, func() error {
		if err := mg.m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		return nil
	})
}

// Version returns the applied version; 0 when none.
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (mg *Migrator) locked(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := mg.sqlDB.QueryRowContext(lockCtx, "SELECT pg_try_advisory_lock($1)", migrationLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return errors.New("could not acquire migration lock, another migration is running")
	}
	defer func() {
		unlockCtx, unlockCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unlockCancel()
		if _, err := mg.sqlDB.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			mg.logger.Warn("Failed to release migration lock", zap.Error(err))
		}
	}()

	return fn()
}

type migrationLogger struct {
	logger *zap.Logger
}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l *migrationLogger) Verbose() bool {
	return false
}
