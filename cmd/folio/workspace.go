package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"folio/api/internal/config"
	"folio/api/internal/filetree"
	"folio/api/internal/logging"
	"folio/api/internal/remote"
	"folio/api/internal/remote/gitlocal"
	"folio/api/internal/workspace"
)

// openWorkspace loads repo on the configured backend with the configured
// token.
func openWorkspace(ctx context.Context, cfg config.Config, repoArg string) (*workspace.Workspace, error) {
	repo, err := remote.ParseRepo(repoArg)
	if err != nil {
		return nil, err
	}
	backends, err := backendFactory(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := backends(cfg.GitHubToken)
	if err != nil {
		return nil, err
	}
	label := cfg.RootLabel
	if label == "" {
		label = repo.Name
	}
	ws := workspace.New(remote.NewClient(backend), workspace.Options{
		Repo:        repo,
		Branch:      branch,
		RootLabel:   label,
		SyncTimeout: cfg.SyncTimeout,
		Logger:      logging.L(),
	})
	if err := ws.Load(ctx); err != nil {
		return nil, err
	}
	return ws, nil
}

// expandAll opens directories until every one is visible.
func expandAll(ws *workspace.Workspace) workspace.View {
	for {
		view := ws.View()
		opened := false
		for _, row := range view.Rows {
			if row.Kind == filetree.Directory && !row.Expanded {
				ws.Expand(row.Path)
				opened = true
			}
		}
		if !opened {
			return view
		}
	}
}

// printRows indents rows relative to the first one; the synthetic root sits
// at depth -1.
func printRows(out io.Writer, rows []workspace.Row) {
	if len(rows) == 0 {
		return
	}
	base := rows[0].Depth
	for _, row := range rows {
		name := row.Name
		if row.Kind == filetree.Directory && !row.Root {
			name += "/"
		}
		if row.Empty {
			name += " (empty)"
		}
		fmt.Fprintf(out, "%s%s\n", strings.Repeat("  ", row.Depth-base), name)
	}
}

// finishSync waits for the commit and reports its outcome.
func finishSync(out io.Writer, ws *workspace.Workspace, records []filetree.MoveRecord) error {
	ws.Wait()
	for _, rec := range records {
		fmt.Fprintf(out, "%s -> %s\n", rec.OldPath, rec.NewPath)
	}
	status := ws.Status()
	if status.LastError != "" {
		return fmt.Errorf("sync failed: %s", status.LastError)
	}
	fmt.Fprintf(out, "%s at %s\n", status.Branch, status.Head)
	return nil
}

func newTreeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <owner/repo>",
		Short: "Print the repository as a file tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			printRows(cmd.OutOrStdout(), expandAll(ws).Rows)
			return nil
		},
	}
}

func newMoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "move <owner/repo> <target> <source>...",
		Short: "Move files and folders into a folder as one commit",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			sources := make([]string, 0, len(args)-2)
			for _, src := range args[2:] {
				sources = append(sources, filetree.CleanPath(src))
			}
			records, err := ws.MoveSources(sources, filetree.CleanPath(args[1]))
			if err != nil {
				return err
			}
			return finishSync(cmd.OutOrStdout(), ws, records)
		},
	}
}

func newRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <owner/repo> <path> <name>",
		Short: "Rename a file or folder as one commit",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			records, err := ws.Rename(filetree.CleanPath(args[1]), args[2])
			if err != nil {
				return err
			}
			return finishSync(cmd.OutOrStdout(), ws, records)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <owner/repo> <path>...",
		Short: "Delete files and folders, with everything inside, as one commit",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			paths := make([]string, 0, len(args)-1)
			for _, p := range args[1:] {
				paths = append(paths, filetree.CleanPath(p))
			}
			removed, err := ws.Delete(paths)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d files\n", removed)
			return finishSync(cmd.OutOrStdout(), ws, nil)
		},
	}
}

func newCreateCommand() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "create <owner/repo> <path>",
		Short: "Create a file as one commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var content []byte
			if from != "" {
				if content, err = os.ReadFile(from); err != nil {
					return err
				}
			}
			ws, err := openWorkspace(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}
			target := filetree.CleanPath(args[1])
			path, err := ws.CreateFile(filetree.ParentDir(target), filetree.BaseName(target), content)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
			return finishSync(cmd.OutOrStdout(), ws, nil)
		},
	}
	cmd.Flags().StringVarP(&from, "from", "f", "", "Read the file content from this local file")
	return cmd
}

func newSeedCommand() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "seed <owner/repo> <dir>",
		Short: "Create a local repository from the files in a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Backend != config.BackendLocal {
				return fmt.Errorf("%w: seed needs the local backend", config.ErrInvalid)
			}
			repo, err := remote.ParseRepo(args[0])
			if err != nil {
				return err
			}
			files, err := readFiles(args[1])
			if err != nil {
				return err
			}

			svc := gitlocal.New(cfg.ReposDir, localUser)
			ctx := cmd.Context()
			if err := svc.EnsureRepo(ctx, repo, branch); err != nil {
				return err
			}
			target := branch
			if target == "" {
				if target, err = svc.DefaultBranch(ctx, repo); err != nil {
					return err
				}
			}
			commit, err := svc.WriteFiles(ctx, repo, target, files, message)
			if err != nil {
				return err
			}
			logging.L().Info("seeded repository",
				zap.String("repo", repo.String()),
				zap.String("branch", target),
				zap.Int("files", len(files)),
				zap.String("commit", commit),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%s at %s (%d files)\n", target, commit, len(files))
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "Import files", "Commit message")
	return cmd
}

// readFiles returns every regular file under dir keyed by its slash path
// relative to dir. Hidden directories such as .git are skipped.
func readFiles(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s has no files", config.ErrInvalid, dir)
	}
	return files, nil
}
