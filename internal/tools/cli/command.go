package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/myeline/careauth/internal/config"
	"github.com/myeline/careauth/internal/di"
	"github.com/myeline/careauth/internal/repository"
	"github.com/myeline/careauth/internal/tools/common"
	"github.com/myeline/careauth/internal/tools/ui"
)

type options struct {
	envFile string
	ci      bool
	timeout time.Duration
}

// initializer is swapped in tests.
type initializer func(ctx context.Context, cfg *config.Config) (*di.Container, func(), error)

func NewRootCommand() *cobra.Command {
	return newRootCommand(di.InitializeContainer)
}

func newRootCommand(initialize initializer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "careauth",
		Short:         "Identity, session and caregiver access service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "KEY=VALUE file applied before the environment is read")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", time.Minute, "deadline for maintenance tasks")

	cmd.AddCommand(newServeCommand(opts, initialize))
	cmd.AddCommand(newMigrateCommand(opts, initialize))
	cmd.AddCommand(newSessionsCommand(opts, initialize))
	cmd.AddCommand(newPrincipalsCommand(opts, initialize))
	return cmd
}

func loadConfig(opts *options) (*config.Config, error) {
	if err := common.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	return config.Load()
}

func newServeCommand(opts *options, initialize initializer) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the session sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, cleanup, err := initialize(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer cleanup()
			if migrate {
				if err := repository.Migrate(c.DB); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			return c.App.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply schema migrations before serving")
	return cmd
}

func newMigrateCommand(opts *options, initialize initializer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), opts, initialize, "migrate", func(ctx context.Context, c *di.Container) ([]string, error) {
				if err := repository.Migrate(c.DB.WithContext(ctx)); err != nil {
					return nil, err
				}
				return []string{"schema up to date"}, nil
			})
		},
	}
}

func newSessionsCommand(opts *options, initialize initializer) *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Session maintenance"}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and revoked sessions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), opts, initialize, "sessions sweep", func(ctx context.Context, c *di.Container) ([]string, error) {
				n, err := c.Auth.SweepSessions(ctx)
				if err != nil {
					return nil, err
				}
				return []string{fmt.Sprintf("deleted=%d", n)}, nil
			})
		},
	})
	return cmd
}

func newPrincipalsCommand(opts *options, initialize initializer) *cobra.Command {
	cmd := &cobra.Command{Use: "principals", Short: "Principal administration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "unlock <id>",
		Short: "Clear failed attempts and any lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runTask(cmd.Context(), opts, initialize, "principals unlock", func(ctx context.Context, c *di.Container) ([]string, error) {
				if err := c.Auth.UnlockPrincipalAsSystem(ctx, id); err != nil {
					return nil, err
				}
				return []string{fmt.Sprintf("principal_id=%d unlocked", id)}, nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate <id>",
		Short: "Soft-delete a principal and revoke its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runTask(cmd.Context(), opts, initialize, "principals deactivate", func(ctx context.Context, c *di.Container) ([]string, error) {
				if err := c.Auth.DeactivatePrincipalAsSystem(ctx, id); err != nil {
					return nil, err
				}
				return []string{fmt.Sprintf("principal_id=%d deactivated", id)}, nil
			})
		},
	})
	return cmd
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid principal id %q", raw)
	}
	return uint(id), nil
}

func runTask(
	parent context.Context,
	opts *options,
	initialize initializer,
	title string,
	fn func(ctx context.Context, c *di.Container) ([]string, error),
) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	c, cleanup, err := initialize(parent, cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer cleanup()

	task := func(ctx context.Context) ([]string, error) {
		ctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		return fn(ctx, c)
	}
	var details []string
	if opts.ci {
		details, err = task(parent)
		common.PrintCIResult(err == nil, title, details, err)
	} else {
		_, err = ui.Run(title, task)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s interrupted", title)
	}
	return err
}
