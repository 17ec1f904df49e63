package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"folio/api/internal/config"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestReadFilesSkipsHiddenDirectories(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"readme.md":       "# notes",
		"docs/a.md":       "a",
		".git/config":     "[core]",
		"docs/.hidden.md": "kept",
	})

	files, err := readFiles(dir)
	if err != nil {
		t.Fatalf("readFiles: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %v", files)
	}
	if string(files["docs/a.md"]) != "a" {
		t.Fatalf("unexpected content: %q", files["docs/a.md"])
	}
	if _, ok := files[".git/config"]; ok {
		t.Fatal("expected .git to be skipped")
	}
}

func TestReadFilesRejectsEmptyDirectory(t *testing.T) {
	if _, err := readFiles(t.TempDir()); err == nil {
		t.Fatal("expected an error for an empty directory")
	}
}

func TestSeedTreeAndMoveAgainstLocalBackend(t *testing.T) {
	reposDir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "folio.yaml")
	yaml := "backend: local\nrepos_dir: " + reposDir + "\nlog_level: error\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	src := writeTree(t, map[string]string{
		"docs/old/1.md": "one",
		"docs/new/2.md": "two",
		"readme.md":     "# notes",
	})

	run := func(args ...string) string {
		t.Helper()
		configPath, branch = "", ""
		cmd := buildRootCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cmd.ExecuteContext(ctx); err != nil {
			t.Fatalf("folio %v: %v", args, err)
		}
		return out.String()
	}

	run("seed", "octo/notes", src)

	tree := run("tree", "octo/notes")
	for _, want := range []string{"notes\n", "  docs/\n", "      1.md\n", "  readme.md\n"} {
		if !strings.Contains(tree, want) {
			t.Fatalf("tree output missing %q:\n%s", want, tree)
		}
	}

	moved := run("move", "octo/notes", "docs/new", "docs/old/1.md")
	if !strings.Contains(moved, "docs/old/1.md -> docs/new/1.md") {
		t.Fatalf("unexpected move output:\n%s", moved)
	}

	tree = run("tree", "octo/notes")
	if strings.Contains(tree, "old/") {
		t.Fatalf("expected docs/old to disappear after its last file moved:\n%s", tree)
	}

	created := run("create", "octo/notes", "docs/new/idea.md")
	if !strings.Contains(created, "created docs/new/idea.md") {
		t.Fatalf("unexpected create output:\n%s", created)
	}

	deleted := run("delete", "octo/notes", "docs/new")
	if !strings.Contains(deleted, "deleted 3 files") {
		t.Fatalf("unexpected delete output:\n%s", deleted)
	}
	tree = run("tree", "octo/notes")
	if strings.Contains(tree, "docs/") || !strings.Contains(tree, "readme.md") {
		t.Fatalf("expected only readme.md after deleting docs/new:\n%s", tree)
	}
}

func TestSeedRequiresLocalBackend(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "folio.yaml")
	if err := os.WriteFile(cfgPath, []byte("backend: github\nlog_level: error\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	configPath, branch = "", ""
	cmd := buildRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "seed", "octo/notes", t.TempDir()})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), config.ErrInvalid.Error()) {
		t.Fatalf("expected invalid configuration error, got %v", err)
	}
}
