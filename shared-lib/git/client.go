package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goGit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

const remoteName = "origin"

var (
	// ErrNonFastForward is returned when the local branch cannot be moved to the target commit
	// without rewriting history. The watched index is expected to be append-only.
	ErrNonFastForward = errors.New("fast-forward only")

	// ErrNotOpened is returned by operations that need a repository before Open was called.
	ErrNotOpened = errors.New("repository is not opened")
)

// Client gives access to a local clone of a remote index repository.
type Client struct {
	url    string
	branch string
	// repoPath is the directory holding the local clone
	repoPath string
	auth     *Auth
	// checkoutWorktree keeps a working tree in sync with the branch on every advance;
	// when false the clone is bare and only the object database and refs are maintained
	checkoutWorktree bool

	repo *goGit.Repository
}

// Option configures a Client.
type Option func(*Client)

// WithAuth sets credentials used for cloning and fetching.
func WithAuth(auth *Auth) Option {
	return func(c *Client) {
		c.auth = auth
	}
}

// WithWorktreeCheckout makes the client keep a checked-out working tree.
func WithWorktreeCheckout(enabled bool) Option {
	return func(c *Client) {
		c.checkoutWorktree = enabled
	}
}

func NewClient(url, branch, repoPath string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("git URL cannot be empty")
	}
	if branch == "" {
		return nil, fmt.Errorf("git branch cannot be empty")
	}
	if repoPath == "" {
		return nil, fmt.Errorf("repository path cannot be empty")
	}

	// Convert to absolute path for consistency
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if info, err := os.Stat(absPath); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("repository path must be a directory, not a file")
	}

	client := &Client{
		url:      url,
		branch:   branch,
		repoPath: absPath,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Path returns the absolute path of the local clone.
func (client *Client) Path() string {
	return client.repoPath
}

func (client *Client) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(client.branch)
}

func (client *Client) remoteRef() plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(remoteName, client.branch)
}

func (client *Client) repository() (*goGit.Repository, error) {
	if client.repo == nil {
		return nil, ErrNotOpened
	}
	return client.repo, nil
}
