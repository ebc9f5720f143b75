package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	goGit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Open opens the local clone, cloning the remote first when the directory holds no repository.
//
// The clone is single-branch. When worktree checkout is disabled the clone is bare, which keeps
// the (large) index from being materialized on disk on every advance.
//
// Important Notes:
//   - Open must be called before any other operation of the client
//   - Progress information is written to the given writer while cloning (may be nil)
//   - After Open the local branch ref exists; a fresh clone starts with the cursor at the remote tip
func (client *Client) Open(ctx context.Context, progress io.Writer) (cloned bool, err error) {
	repo, err := goGit.PlainOpen(client.repoPath)
	switch {
	case err == nil:
	case errors.Is(err, goGit.ErrRepositoryNotExists):
		repo, err = client.clone(ctx, progress)
		if err != nil {
			return false, err
		}
		cloned = true
	default:
		return false, fmt.Errorf("failed to open repository at %s: %w", client.repoPath, err)
	}

	if err := ensureBranch(repo, client.branchRef(), client.remoteRef()); err != nil {
		return cloned, err
	}

	client.repo = repo
	return cloned, nil
}

func (client *Client) clone(ctx context.Context, progress io.Writer) (*goGit.Repository, error) {
	if err := os.MkdirAll(client.repoPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}

	cloneOptions := &goGit.CloneOptions{
		URL:           client.url,
		RemoteName:    remoteName,
		Progress:      progress,
		ReferenceName: client.branchRef(),
		SingleBranch:  true,
	}

	if client.auth != nil {
		if client.auth.CABundle != nil {
			cloneOptions.CABundle = client.auth.CABundle
		}
		if client.auth.ClientCert != nil && client.auth.ClientKey != nil {
			cloneOptions.ClientCert = client.auth.ClientCert
			cloneOptions.ClientKey = client.auth.ClientKey
		}

		authMethod, err := getAuthMethod(client.url, client.auth)
		if err != nil {
			return nil, fmt.Errorf("failed to setup authentication: %w", err)
		}
		cloneOptions.Auth = authMethod
	}

	repo, err := goGit.PlainCloneContext(ctx, client.repoPath, !client.checkoutWorktree, cloneOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to clone repository from %s: %w", client.url, err)
	}
	return repo, nil
}

// ensureBranch creates the local branch from the remote-tracking ref when it is missing.
func ensureBranch(repo *goGit.Repository, branch, remote plumbing.ReferenceName) error {
	if _, err := repo.Reference(branch, true); err == nil {
		return nil
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("failed to read %s: %w", branch, err)
	}

	remoteRef, err := repo.Reference(remote, true)
	if err != nil {
		return fmt.Errorf("neither %s nor %s exist: %w", branch, remote, err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branch, remoteRef.Hash())); err != nil {
		return fmt.Errorf("failed to create %s: %w", branch, err)
	}
	return nil
}
