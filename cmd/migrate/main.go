package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"inviteflow/internal/config"
	pkgconfig "inviteflow/pkg/config"
	"inviteflow/pkg/db"
	"inviteflow/pkg/logger"
)

func main() {
	var (
		env       string
		configDir string
		steps     int
		version   int
		timeout   time.Duration
	)
	flags := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	flags.StringVar(&env, "env", pkgconfig.GetConfigEnv(), "configuration environment (overlays <env>.yaml on base.yaml)")
	flags.StringVar(&configDir, "config-dir", pkgconfig.GetEnv("CONFIG_DIR", "config"), "directory holding the YAML configuration")
	flags.IntVar(&steps, "steps", 1, "migrations to revert with down")
	flags.IntVar(&version, "version", -1, "version to record with force")
	flags.DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: migrate [flags] up|down|force|version\n")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}
	command := flags.Arg(0)

	cfg, err := config.LoadFrom(env, configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(command, cfg, steps, version, timeout, log); err != nil {
		log.Fatal("Migration failed", zap.String("command", command), zap.Error(err))
	}
}

func run(command string, cfg *config.Config, steps, version int, timeout time.Duration, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	migrator, err := db.NewMigrator(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	defer migrator.Close()

	switch command {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		if steps <= 0 {
			return fmt.Errorf("--steps must be positive, got %d", steps)
		}
		err = migrator.Down(ctx, steps)
	case "force":
		if version < 0 {
			return fmt.Errorf("force requires --version")
		}
		err = migrator.Force(ctx, version)
	case "version":
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		return err
	}

	current, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	log.Info("Schema version", zap.String("command", command), zap.Uint("version", current), zap.Bool("dirty", dirty))
	return nil
}
