package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reoxt/basesync/internal/config"
	"github.com/reoxt/basesync/internal/migrate"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply and inspect BaseSync's database schema migrations",
	}

	root.AddCommand(upCommand(), upByOneCommand(), downCommand(), statusCommand(), versionCommand())
	return root
}

// withManager loads config the same way cmd/server does and hands a
// migrate.Manager to fn, closing it on return.
func withManager(fn func(*migrate.Manager) error) error {
	cfg, err := config.Load(os.Getenv("BASESYNC_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	mgr, err := migrate.NewManager(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer mgr.Close()
	return fn(mgr)
}

func upCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *migrate.Manager) error { return m.Up() })
		},
	}
}

func upByOneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up-by-one",
		Short: "Apply the next pending migration only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *migrate.Manager) error { return m.UpByOne() })
		},
	}
}

func downCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *migrate.Manager) error { return m.Down() })
		},
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the applied/pending state of every migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *migrate.Manager) error { return m.Status() })
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the database's current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *migrate.Manager) error {
				v, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			})
		},
	}
}
