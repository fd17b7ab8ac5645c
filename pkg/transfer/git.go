package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

const defaultBranch = "main"

// CommitAuthor signs the transfer commit.
type CommitAuthor struct {
	Name  string
	Email string
}

// gitRepository is a working clone and the remote it was cloned from.
type gitRepository struct {
	repo *gogit.Repository
	url  string
	auth transport.AuthMethod
}

// cloneRepository clones branch, or the remote HEAD when branch is empty. A
// repository without any commits is initialised locally on branch (main when
// empty) with the remote attached, so the first push creates it.
func cloneRepository(ctx context.Context, dir, url, branch string, depth int, auth transport.AuthMethod) (*gitRepository, error) {
	opts := &gogit.CloneOptions{
		URL:          url,
		SingleBranch: true,
		Depth:        depth,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if needsAuth(url) {
		opts.Auth = auth
	}
	repo, err := gogit.PlainCloneContext(ctx, dir, false, opts)
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		repo, err = initEmpty(dir, url, branch)
	}
	if err != nil {
		return nil, fmt.Errorf("git clone failed for %s: %w", redact(url), err)
	}
	return &gitRepository{repo: repo, url: url, auth: auth}, nil
}

func initEmpty(dir, url, branch string) (*gogit.Repository, error) {
	if branch == "" {
		branch = defaultBranch
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	repo, err := gogit.PlainInitWithOptions(dir, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branch)},
	})
	if err != nil {
		return nil, err
	}
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: gogit.DefaultRemoteName, URLs: []string{url}})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// commitAll stages every change and commits when the tree differs from HEAD.
// It reports whether a commit was created.
func (g *gitRepository) commitAll(message string, author CommitAuthor) (bool, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return false, err
	}
	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}
	_, err = wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// pushHead pushes the checked out branch. Nothing to push is success.
func (g *gitRepository) pushHead(ctx context.Context) error {
	head, err := g.repo.Head()
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	spec := config.RefSpec(fmt.Sprintf("%s:%s", head.Name(), head.Name()))
	opts := &gogit.PushOptions{
		RemoteName: gogit.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{spec},
	}
	if needsAuth(g.url) {
		opts.Auth = g.auth
	}
	err = g.repo.PushContext(ctx, opts)
	if err == nil || errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return fmt.Errorf("git push failed for %s: %w", redact(g.url), err)
}

func needsAuth(url string) bool {
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://")
}

// redact drops any userinfo from a remote URL before it is logged.
func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.Index(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			rest = rest[at+1:]
		}
	}
	return scheme + "://" + rest
}
