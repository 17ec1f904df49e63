package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"folio/api/internal/config"
	"folio/api/internal/logging"
	"folio/api/internal/remote"
	"folio/api/internal/remote/github"
	"folio/api/internal/remote/gitlocal"
)

var (
	configPath string
	branch     string
)

// localUser is the identity every session acts as on the local backend.
var localUser = remote.User{ID: "local", Login: "local", Name: "Local User"}

func buildRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folio",
		Short: "File-tree workspace over a Git repository",
		Long: `folio shows a repository as a navigable file tree and turns moves,
renames and new folders into single commits on the branch.

Usage modes:
  folio serve                       Run the workspace HTTP API
  folio tree octo/notes             Print the repository tree
  folio move octo/notes docs a.md   Move a.md into docs and commit`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVarP(&branch, "branch", "b", "", "Branch to work on (default: the repository default branch)")

	cmd.AddCommand(
		newServeCommand(),
		newTreeCommand(),
		newMoveCommand(),
		newRenameCommand(),
		newDeleteCommand(),
		newCreateCommand(),
		newSeedCommand(),
	)
	return cmd
}

// loadConfig reads the configuration and initialises the global logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return config.Config{}, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}

func backendFactory(cfg config.Config) (remote.Factory, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return nil, fmt.Errorf("create repos dir: %w", err)
		}
		return gitlocal.New(cfg.ReposDir, localUser).Factory(), nil
	default:
		return github.Factory(http.DefaultClient, strings.TrimSpace(cfg.GitHubAPIURL)), nil
	}
}

func main() {
	if err := buildRootCommand().ExecuteContext(context.Background()); err != nil {
		logging.L().Error("folio failed", zap.Error(err))
		_ = logging.Sync()
		os.Exit(1)
	}
	_ = logging.Sync()
}
