// Package github implements remote.Backend on the GitHub REST Git data API.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	gh "github.com/google/go-github/v66/github"

	"folio/api/internal/filetree"
	"folio/api/internal/remote"
)

const refPrefix = "refs/heads/"

// Backend talks to api.github.com or a GitHub Enterprise server with one
// user's token.
type Backend struct {
	client *gh.Client
}

var _ remote.Backend = (*Backend)(nil)

// New returns a Backend authenticated with token. baseURL selects a GitHub
// Enterprise API root; empty means api.github.com.
func New(httpClient *http.Client, token, baseURL string) (*Backend, error) {
	client := gh.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" && !strings.Contains(baseURL, "api.github.com") {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return &Backend{client: client}, nil
}

// NewWithClient wraps an already configured client.
func NewWithClient(client *gh.Client) *Backend {
	return &Backend{client: client}
}

// Factory builds per-token backends sharing httpClient and baseURL.
func Factory(httpClient *http.Client, baseURL string) remote.Factory {
	return func(token string) (remote.Backend, error) {
		return New(httpClient, token, baseURL)
	}
}

func (b *Backend) DefaultBranch(ctx context.Context, repo remote.Repo) (string, error) {
	r, _, err := b.client.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		return "", classify("get repository", err)
	}
	if r.GetDefaultBranch() == "" {
		return "main", nil
	}
	return r.GetDefaultBranch(), nil
}

func (b *Backend) Head(ctx context.Context, repo remote.Repo, branch string) (remote.Head, error) {
	br, _, err := b.client.Repositories.GetBranch(ctx, repo.Owner, repo.Name, branch, 1)
	if err != nil {
		return remote.Head{}, classify("get branch", err)
	}
	commit := br.GetCommit()
	head := remote.Head{
		Commit: commit.GetSHA(),
		Tree:   commit.GetCommit().GetTree().GetSHA(),
	}
	if head.Commit == "" || head.Tree == "" {
		return remote.Head{}, fmt.Errorf("%w: branch %s has no head commit", remote.ErrNotFound, branch)
	}
	return head, nil
}

func (b *Backend) ListTree(ctx context.Context, repo remote.Repo, treeID string) (remote.Listing, error) {
	tree, _, err := b.client.Git.GetTree(ctx, repo.Owner, repo.Name, treeID, true)
	if err != nil {
		return remote.Listing{}, classify("get tree", err)
	}
	entries := make([]filetree.FlatEntry, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		entries = append(entries, filetree.FlatEntry{
			Path:      entry.GetPath(),
			Type:      filetree.EntryType(entry.GetType()),
			ContentID: entry.GetSHA(),
			Size:      int64(entry.GetSize()),
			Mode:      entry.GetMode(),
		})
	}
	return remote.Listing{Entries: entries, Truncated: tree.GetTruncated()}, nil
}

func (b *Backend) CreateBlob(ctx context.Context, repo remote.Repo, content []byte) (string, error) {
	blob, _, err := b.client.Git.CreateBlob(ctx, repo.Owner, repo.Name, &gh.Blob{
		Content:  gh.String(base64.StdEncoding.EncodeToString(content)),
		Encoding: gh.String("base64"),
	})
	if err != nil {
		return "", classify("create blob", err)
	}
	return blob.GetSHA(), nil
}

// CreateTree posts the complete entry list with no base tree, so the result
// holds exactly these entries.
func (b *Backend) CreateTree(ctx context.Context, repo remote.Repo, entries []remote.TreeEntry) (string, error) {
	items := make([]*gh.TreeEntry, 0, len(entries))
	for _, entry := range entries {
		items = append(items, &gh.TreeEntry{
			Path: gh.String(entry.Path),
			Mode: gh.String(entry.Mode),
			Type: gh.String(string(entry.Type)),
			SHA:  gh.String(entry.ContentID),
		})
	}
	tree, _, err := b.client.Git.CreateTree(ctx, repo.Owner, repo.Name, "", items)
	if err != nil {
		return "", classify("create tree", err)
	}
	return tree.GetSHA(), nil
}

func (b *Backend) CreateCommit(ctx context.Context, repo remote.Repo, message, treeID string, parents []string) (string, error) {
	parentCommits := make([]*gh.Commit, 0, len(parents))
	for _, parent := range parents {
		parentCommits = append(parentCommits, &gh.Commit{SHA: gh.String(parent)})
	}
	commit, _, err := b.client.Git.CreateCommit(ctx, repo.Owner, repo.Name, &gh.Commit{
		Message: gh.String(message),
		Tree:    &gh.Tree{SHA: gh.String(treeID)},
		Parents: parentCommits,
	}, nil)
	if err != nil {
		return "", classify("create commit", err)
	}
	return commit.GetSHA(), nil
}

// UpdateRef never forces; GitHub refuses updates that are not fast forwards.
// previous is not sent because the API has no compare-and-swap.
func (b *Backend) UpdateRef(ctx context.Context, repo remote.Repo, branch, commit, _ string) error {
	_, _, err := b.client.Git.UpdateRef(ctx, repo.Owner, repo.Name, &gh.Reference{
		Ref:    gh.String(refPrefix + branch),
		Object: &gh.GitObject{SHA: gh.String(commit)},
	}, false)
	if err != nil {
		return classify("update ref", err)
	}
	return nil
}

func (b *Backend) User(ctx context.Context) (remote.User, error) {
	u, _, err := b.client.Users.Get(ctx, "")
	if err != nil {
		return remote.User{}, classify("get user", err)
	}
	name := u.GetName()
	if name == "" {
		name = u.GetLogin()
	}
	return remote.User{
		ID:    strconv.FormatInt(u.GetID(), 10),
		Login: u.GetLogin(),
		Name:  name,
	}, nil
}

// classify maps a go-github error onto the remote sentinels by status code.
func classify(op string, err error) error {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %s: %v", remote.ErrTransient, op, err)
	}

	var respErr *gh.ErrorResponse
	if !errors.As(err, &respErr) || respErr.Response == nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%w: %s: %v", remote.ErrTransient, op, err)
	}

	var sentinel error
	switch status := respErr.Response.StatusCode; {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		sentinel = remote.ErrUnauthorized
	case status == http.StatusNotFound:
		sentinel = remote.ErrNotFound
	case status == http.StatusConflict:
		sentinel = remote.ErrConflict
	case status == http.StatusUnprocessableEntity:
		// Ref updates report a non fast forward as 422.
		if strings.Contains(strings.ToLower(respErr.Message), "fast forward") {
			sentinel = remote.ErrConflict
		} else {
			sentinel = remote.ErrInvalid
		}
	case status >= 500:
		sentinel = remote.ErrTransient
	default:
		sentinel = remote.ErrInvalid
	}
	return fmt.Errorf("%w: %s: %s", sentinel, op, respErr.Message)
}
